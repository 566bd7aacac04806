package auth

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/authlink/internal/cache"
	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/random"
	"github.com/alexjbarnes/authlink/internal/session"
)

const (
	csrfTokenLength = 32

	defaultIconURL = "https://img.guildedcdn.com/asset/Default/Gil-sm.png"
	iconURLFormat  = "https://img.guildedcdn.com/UserAvatar/%s-Small.webp"
)

// consentPage renders the consent decision. The csrf_token hidden field
// prevents cross-site form submission.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.AppName}} | authlink</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #111820;
    color: #ececee;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #1e1f24;
    border: 1px solid #32343d;
    border-radius: 8px;
    padding: 2rem;
    width: 100%;
    max-width: 420px;
  }
  .app { display: flex; align-items: center; gap: 0.75rem; margin-bottom: 1rem; }
  .app img { width: 48px; height: 48px; border-radius: 50%; }
  .app h1 { font-size: 1.15rem; font-weight: 600; }
  .sub { font-size: 0.85rem; color: #a3a3ac; }
  ul { list-style: none; margin: 1rem 0; }
  li { font-size: 0.9rem; padding: 0.4rem 0; border-bottom: 1px solid #32343d; }
  li:last-child { border-bottom: none; }
  .meta { font-size: 0.8rem; color: #a3a3ac; margin-bottom: 1.25rem; }
  .meta p { margin-bottom: 0.25rem; }
  .actions { display: flex; gap: 0.5rem; }
  button {
    flex: 1;
    padding: 0.6rem;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button.accept { background: #f5c400; color: #111820; }
  button.deny { background: #32343d; color: #ececee; }
</style>
</head>
<body>
<div class="card">
  <div class="app">
    <img src="{{.IconURL}}" alt="">
    <div>
      <h1>{{.AppName}}</h1>
      <p class="sub">wants to access your Guilded account{{if .UserName}} ({{.UserName}}){{end}}</p>
    </div>
  </div>
  <p class="sub">This will allow the developer of {{.AppName}} to:</p>
  <ul>
    {{range .Scopes}}<li>{{.}}</li>{{end}}
  </ul>
  <div class="meta">
    <p>Once you authorize, you will be redirected to <strong>{{.RedirectOrigin}}</strong></p>
    {{if .TeamID}}<p>Linked server: {{.TeamID}}</p>{{end}}
    <p>Active since {{.CreatedAt}}</p>
  </div>
  <form method="POST" action="/auth">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <div class="actions">
      <button type="submit" name="decision" value="deny" class="deny">Cancel</button>
      <button type="submit" name="decision" value="accept" class="accept">Authorize</button>
    </div>
  </form>
</div>
</body>
</html>`))

type consentData struct {
	CSRFToken      string
	ClientID       string
	AppName        string
	IconURL        string
	TeamID         string
	CreatedAt      string
	UserName       string
	RedirectURI    string
	RedirectOrigin string
	Scope          string
	Scopes         []string
	State          string
}

// csrfEntry binds a consent form to the user, client and redirect it
// was rendered for.
type csrfEntry struct {
	UserID      string `json:"user_id"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// Handlers serves the browser-facing and token endpoints.
type Handlers struct {
	decider  *Decider
	issuer   *Issuer
	sessions Sessions
	store    Store
	cache    cache.Cache
	keys     cache.Keys
	logger   *slog.Logger
}

// NewHandlers wires the authorization endpoints.
func NewHandlers(decider *Decider, issuer *Issuer, sessions Sessions, store Store, c cache.Cache, keys cache.Keys, logger *slog.Logger) *Handlers {
	return &Handlers{
		decider:  decider,
		issuer:   issuer,
		sessions: sessions,
		store:    store,
		cache:    c,
		keys:     keys,
		logger:   logger,
	}
}

// iconURL builds the CDN avatar URL for an application icon.
func iconURL(hash string) string {
	if hash == "" {
		return defaultIconURL
	}

	return fmt.Sprintf(iconURLFormat, hash)
}

func redirectOrigin(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return uri
	}

	return u.Scheme + "://" + u.Host
}

// withParams appends params to uri, keeping any query it already has.
func withParams(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}

		return uri + sep + params.Encode()
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	u.RawQuery = q.Encode()

	return u.String()
}

// writeAuthorizeError reports validation failures directly to the
// browser. The caller here is a developer debugging an integration, so
// the message names the problem.
func (h *Handlers) writeAuthorizeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrClientNotFound):
		http.Error(w, "No such client or vanity code.", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrInvalidVanityCode):
		http.Error(w, "Invalid vanity code.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNoRedirectURI):
		http.Error(w, "No redirect URI provided.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrInvalidRedirectURI):
		http.Error(w, "Invalid redirect URI.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNoScopes):
		http.Error(w, "No scope provided.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrInvalidScope):
		http.Error(w, "Invalid scope(s) provided.", http.StatusBadRequest)
	default:
		h.logger.Error("authorize failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func requestFromQuery(q url.Values) Request {
	return Request{
		ClientID:    q.Get("client_id"),
		RedirectURI: q.Get("redirect_uri"),
		Scope:       q.Get("scope"),
		State:       q.Get("state"),
		Prompt:      q.Get("prompt"),
		VanityCode:  q.Get("a"),
	}
}

// HandleAuthorize returns the /auth handler. GET decides between the
// prompt=none fast path and the consent page; POST carries the consent
// decision.
func (h *Handlers) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			req := requestFromQuery(r.URL.Query())
			req.VanityCode = ""
			h.authorize(w, r, req, r.URL.Query())
		case http.MethodPost:
			h.consent(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// HandleVanity returns the /a/{code} handler. Query parameters override
// the vanity record's defaults.
func (h *Handlers) HandleVanity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		code := r.PathValue("code")
		req := requestFromQuery(r.URL.Query())
		req.ClientID = ""
		req.VanityCode = code

		carried := r.URL.Query()
		carried.Del("client_id")
		carried.Set("a", code)

		h.authorize(w, r, req, carried)
	}
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, req Request, carried url.Values) {
	res, err := h.decider.Resolve(r.Context(), req)
	if err != nil {
		h.writeAuthorizeError(w, err)
		return
	}

	user := h.sessions.Identity(r)
	if user == nil {
		q := session.CarriedQuery(carried)
		http.Redirect(w, r, "/start?"+q.Encode(), http.StatusFound)

		return
	}

	skip, err := h.decider.CanSkipConsent(r.Context(), res, user.ID)
	if err != nil {
		h.writeAuthorizeError(w, err)
		return
	}

	if skip {
		h.issueAndRedirect(w, r, res, user.ID)
		return
	}

	h.renderConsent(w, r, res, user)
}

func (h *Handlers) issueAndRedirect(w http.ResponseWriter, r *http.Request, res *Resolved, userID string) {
	code, err := h.issuer.IssueCode(r.Context(), res.App.ClientID, res.Scopes, res.RedirectURI, userID)
	if err != nil {
		h.logger.Error("issuing code", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	params := url.Values{}
	params.Set("code", code)

	if res.State != "" {
		params.Set("state", res.State)
	}

	http.Redirect(w, r, withParams(res.RedirectURI, params), http.StatusFound)
}

func (h *Handlers) newConsentToken(ctx context.Context, userID, clientID, redirectURI string) (string, error) {
	token := random.String(csrfTokenLength)

	entry := csrfEntry{UserID: userID, ClientID: clientID, RedirectURI: redirectURI}
	if err := cache.SetJSON(ctx, h.cache, h.keys.ConsentCSRF(token), entry, consentCSRFTTL); err != nil {
		return "", fmt.Errorf("storing consent token: %w", err)
	}

	return token, nil
}

// consumeConsentToken reports whether token was issued for exactly this
// user, client and redirect. The token is spent either way.
func (h *Handlers) consumeConsentToken(ctx context.Context, token, userID, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}

	var entry csrfEntry
	if err := cache.GetDelJSON(ctx, h.cache, h.keys.ConsentCSRF(token), &entry); err != nil {
		return false
	}

	return entry.UserID == userID && entry.ClientID == clientID && entry.RedirectURI == redirectURI
}

func (h *Handlers) renderConsent(w http.ResponseWriter, r *http.Request, res *Resolved, user *models.Identity) {
	token, err := h.newConsentToken(r.Context(), user.ID, res.App.ClientID, res.RedirectURI)
	if err != nil {
		h.logger.Error("rendering consent", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	descriptions := make([]string, 0, len(res.Scopes))
	for _, s := range res.Scopes {
		descriptions = append(descriptions, models.ScopeDescriptions[s])
	}

	data := consentData{
		CSRFToken:      token,
		ClientID:       res.App.ClientID,
		AppName:        res.App.Name,
		IconURL:        iconURL(res.App.IconHash),
		TeamID:         res.App.LinkedTeamID(),
		CreatedAt:      res.App.CreatedAt.Format("January 2, 2006"),
		UserName:       user.Name,
		RedirectURI:    res.RedirectURI,
		RedirectOrigin: redirectOrigin(res.RedirectURI),
		Scope:          strings.Join(res.Scopes, " "),
		Scopes:         descriptions,
		State:          res.State,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	_ = consentPage.Execute(w, data)
}

func (h *Handlers) consent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	req := Request{
		ClientID:    r.PostFormValue("client_id"),
		RedirectURI: r.PostFormValue("redirect_uri"),
		Scope:       r.PostFormValue("scope"),
		State:       r.PostFormValue("state"),
	}

	// The form is re-validated in full; hidden fields are user input.
	res, err := h.decider.Resolve(r.Context(), req)
	if err != nil {
		h.writeAuthorizeError(w, err)
		return
	}

	user := h.sessions.Identity(r)
	if user == nil {
		q := session.CarriedQuery(r.PostForm)
		http.Redirect(w, r, "/start?"+q.Encode(), http.StatusFound)

		return
	}

	// A failed CSRF check may be a forged form, so answer here rather
	// than redirecting to a URI the attacker chose.
	if !h.consumeConsentToken(r.Context(), r.PostFormValue("csrf_token"), user.ID, res.App.ClientID, res.RedirectURI) {
		h.logger.Warn("consent csrf check failed",
			slog.String("user_id", user.ID),
			slog.String("client_id", res.App.ClientID),
		)
		http.Error(w, "invalid or expired consent form, please try again", http.StatusForbidden)

		return
	}

	if r.PostFormValue("decision") != "accept" {
		h.logger.Info("consent declined",
			slog.String("user_id", user.ID),
			slog.String("client_id", res.App.ClientID),
		)

		params := url.Values{}
		params.Set("error", "access_denied")
		params.Set("error_description", "The user declined the authorization request.")

		if res.State != "" {
			params.Set("state", res.State)
		}

		http.Redirect(w, r, withParams(res.RedirectURI, params), http.StatusFound)

		return
	}

	h.issueAndRedirect(w, r, res, user.ID)
}
