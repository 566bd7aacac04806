package verify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/session"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	maxRequestBody = 64 * 1024

	searchLimit         = 20
	searchCacheSize     = 512
	searchCacheTTL      = 5 * time.Minute
	maxSearchQueryBytes = 100
)

// profileRef accepts a bare user id or a profile URL such as
// https://www.guilded.gg/profile/4WPbEZwd.
var profileRef = regexp.MustCompile(`^(?:https?://(?:www\.)?guilded\.gg/(?:profile|u)/)?([A-Za-z0-9]{8})/?$`)

// Searcher finds upstream users by name.
type Searcher interface {
	SearchUsers(ctx context.Context, query string, limit int) ([]models.Identity, error)
}

// SearchCache memoizes user searches by query. Each handler set owns its
// own cache.
type SearchCache struct {
	search Searcher
	lru    *expirable.LRU[string, []models.Identity]
}

// NewSearchCache creates a bounded, time-limited search memo.
func NewSearchCache(search Searcher, size int, ttl time.Duration) *SearchCache {
	if size <= 0 {
		size = searchCacheSize
	}

	if ttl <= 0 {
		ttl = searchCacheTTL
	}

	return &SearchCache{
		search: search,
		lru:    expirable.NewLRU[string, []models.Identity](size, nil, ttl),
	}
}

// Search returns cached results for query, querying upstream on a miss.
// Failed lookups are not cached.
func (s *SearchCache) Search(ctx context.Context, query string) ([]models.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if users, ok := s.lru.Get(key); ok {
		return users, nil
	}

	users, err := s.search.SearchUsers(ctx, key, searchLimit)
	if err != nil {
		return nil, err
	}

	if users == nil {
		users = []models.Identity{}
	}

	s.lru.Add(key, users)

	return users, nil
}

// Handlers serves the verification endpoints.
type Handlers struct {
	engine *Engine
	binder *session.Binder
	search *SearchCache
	logger *slog.Logger
}

// NewHandlers wires the verification endpoints. search may be nil, which
// disables /start/search.
func NewHandlers(engine *Engine, binder *session.Binder, search *SearchCache, logger *slog.Logger) *Handlers {
	return &Handlers{engine: engine, binder: binder, search: search, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// writeVerifyError maps engine failures onto responses. Mismatches get
// the same wording regardless of which value differed.
func (h *Handlers) writeVerifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrChallengeNotFound):
		writeJSONError(w, http.StatusNotFound, "challenge_not_found", "This verification has expired. Please start over.")
	case errors.Is(err, apperrors.ErrPostNotFound):
		writeJSONError(w, http.StatusNotFound, "post_not_found", "Could not find that post on your profile.")
	case apperrors.KindOf(err) == apperrors.KindMismatch:
		writeJSONError(w, http.StatusBadRequest, "verification_failed", "Verification failed. Please start over.")
	case errors.Is(err, apperrors.ErrNotVerified):
		writeJSONError(w, http.StatusConflict, "not_verified", "This verification has not been completed.")
	case errors.Is(err, apperrors.ErrIdentityLookupFailed):
		writeJSONError(w, http.StatusNotFound, "user_not_found", "That user could not be found.")
	case apperrors.KindOf(err) == apperrors.KindUpstream:
		writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", "Guilded is not responding. Please try again.")
	default:
		h.logger.Error("verification failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Something went wrong.")
	}
}

// HandleStart returns the /start handler: the carried authorization
// query and whoever the session says is signed in.
func (h *Handlers) HandleStart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := map[string]any{
			"authQuery": session.CarriedQuery(r.URL.Query()).Encode(),
		}

		if user := h.binder.Identity(r); user != nil {
			resp["user"] = user
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleSearch returns the /start/search handler. A query that looks
// like a profile URL or user id resolves directly.
func (h *Handlers) HandleSearch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" || len(q) > maxSearchQueryBytes {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "q must be between 1 and 100 bytes")
			return
		}

		if m := profileRef.FindStringSubmatch(q); m != nil {
			user, err := h.engine.dir.GetUser(r.Context(), m[1])
			if err != nil {
				h.writeVerifyError(w, err)
				return
			}

			if user != nil {
				writeJSON(w, http.StatusOK, map[string]any{"users": []models.Identity{*user}})
				return
			}
		}

		if h.search == nil {
			writeJSON(w, http.StatusOK, map[string]any{"users": []models.Identity{}})
			return
		}

		users, err := h.search.Search(r.Context(), q)
		if err != nil {
			h.writeVerifyError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

// HandleVerify returns the /start/verify handler. GET issues a
// challenge; POST completes one and binds the session.
func (h *Handlers) HandleVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.startVerify(w, r)
		case http.MethodPost:
			h.completeVerify(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (h *Handlers) startVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("id")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	ch, err := h.engine.Start(r.Context(), userID, q.Get("server"))
	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"challenge": ch,
		"authQuery": session.CarriedQuery(q).Encode(),
	})
}

// pendingFrom reads the carried authorization request from either the
// form fields themselves or an encoded authQuery field.
func pendingFrom(form url.Values) url.Values {
	if raw := form.Get("authQuery"); raw != "" {
		if parsed, err := url.ParseQuery(raw); err == nil {
			return session.CarriedQuery(parsed)
		}
	}

	return session.CarriedQuery(form)
}

func (h *Handlers) completeVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	code := r.PostFormValue("code")
	messageID := r.PostFormValue("messageId")
	userID := r.PostFormValue("userId")

	var (
		user *models.Identity
		err  error
	)

	switch {
	case code == "":
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	case messageID != "":
		user, err = h.engine.CompleteMessage(r.Context(), messageID, code)
	case userID != "":
		user, err = h.engine.CompleteProfile(r.Context(), userID, r.PostFormValue("postId"), code)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "userId or messageId is required")
		return
	}

	if err != nil {
		h.writeVerifyError(w, err)
		return
	}

	if err := h.binder.Bind(w, r, *user, pendingFrom(r.PostForm)); err != nil {
		h.logger.Error("binding session", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Could not save your session.")
	}
}

// HandleStatus returns the /verifications/{messageId} polling handler.
func (h *Handlers) HandleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		status, err := h.engine.Status(r.Context(), r.PathValue("messageId"))
		if err != nil {
			if errors.Is(err, apperrors.ErrChallengeNotFound) {
				writeJSONError(w, http.StatusNotFound, "challenge_not_found", "This verification has expired. Please start over.")
				return
			}

			h.writeVerifyError(w, err)

			return
		}

		writeJSON(w, http.StatusOK, map[string]Status{"status": status})
	}
}
