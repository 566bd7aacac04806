package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// AuthorizedApp is one application the signed-in user has consented
// to, with the union of its unexpired scopes.
type AuthorizedApp struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	IconURL   string    `json:"icon_url"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleMe returns the /me handler: the session user and their
// authorized applications.
func (h *Handlers) HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		user := h.sessions.Identity(r)
		if user == nil {
			http.Redirect(w, r, "/start", http.StatusFound)
			return
		}

		apps, err := h.authorizedApps(r, user.ID)
		if err != nil {
			h.logger.Error("listing authorized apps", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(map[string]any{
			"user":         user,
			"applications": apps,
		})
	}
}

func (h *Handlers) authorizedApps(r *http.Request, userID string) ([]AuthorizedApp, error) {
	grants, err := h.store.GrantsFor(r.Context(), "", userID)
	if err != nil {
		return nil, err
	}

	now := h.decider.now()
	byClient := make(map[string]*AuthorizedApp)
	seen := make(map[string]map[string]bool)

	for _, g := range grants {
		if !g.Active(now) {
			continue
		}

		app, ok := byClient[g.ClientID]
		if !ok {
			rec, err := h.store.GetApplication(r.Context(), g.ClientID)
			if err != nil {
				return nil, err
			}

			if rec == nil {
				continue
			}

			app = &AuthorizedApp{ClientID: rec.ClientID, Name: rec.Name, IconURL: iconURL(rec.IconHash), Scopes: []string{}}
			byClient[g.ClientID] = app
			seen[g.ClientID] = make(map[string]bool)
		}

		if g.ExpiresAt.After(app.ExpiresAt) {
			app.ExpiresAt = g.ExpiresAt
		}

		for _, s := range g.Scopes {
			if !seen[g.ClientID][s] {
				seen[g.ClientID][s] = true
				app.Scopes = append(app.Scopes, s)
			}
		}
	}

	out := make([]AuthorizedApp, 0, len(byClient))
	for _, app := range byClient {
		out = append(out, *app)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// HandleDeauthorize returns the POST /me/deauthorize handler. Every
// grant the user gave the client is removed along with its tokens, so
// outstanding access and refresh tokens stop working at once.
func (h *Handlers) HandleDeauthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		user := h.sessions.Identity(r)
		if user == nil {
			http.Error(w, "not signed in", http.StatusUnauthorized)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		clientID := r.PostFormValue("client_id")
		if clientID == "" {
			http.Error(w, "client_id is required", http.StatusBadRequest)
			return
		}

		n, err := h.store.DeleteGrants(r.Context(), clientID, user.ID)
		if err != nil {
			h.logger.Error("deauthorizing", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		h.logger.Info("application deauthorized",
			slog.String("user_id", user.ID),
			slog.String("client_id", clientID),
			slog.Int("grants", n),
		)

		http.Redirect(w, r, "/me", http.StatusSeeOther)
	}
}

// HandleLogout returns the POST /logout handler.
func (h *Handlers) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := h.sessions.Clear(w, r); err != nil {
			h.logger.Error("clearing session", slog.String("error", err.Error()))
		}

		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

