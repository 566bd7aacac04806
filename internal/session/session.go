// Package session binds a verified upstream identity to the browser
// session cookie and forwards the browser to wherever it was headed.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/gorilla/sessions"
)

const (
	// CookieName is the session cookie shared with every other
	// deployment of this service.
	CookieName = "authlink_session"

	maxAge = 14 * 24 * 60 * 60

	keyUserID   = "user_id"
	keyUserName = "user_name"
	keyAvatar   = "user_avatar"

	// SignedInPath is where the browser lands when no authorization
	// request is pending.
	SignedInPath = "/me"
)

// carriedKeys are the only authorization parameters that survive the
// trip through verification.
var carriedKeys = []string{"client_id", "scope", "redirect_uri", "state", "prompt", "a"}

// Binder reads and writes the verified identity held in the session.
type Binder struct {
	store  sessions.Store
	logger *slog.Logger
}

// NewBinder creates a binder over a signed and encrypted cookie store.
// secure marks the cookie Secure, which browsers require over https.
func NewBinder(hashKey, blockKey []byte, secure bool, logger *slog.Logger) *Binder {
	var keys [][]byte
	if len(blockKey) > 0 {
		keys = [][]byte{hashKey, blockKey}
	} else {
		keys = [][]byte{hashKey}
	}

	store := sessions.NewCookieStore(keys...)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &Binder{store: store, logger: logger}
}

// Identity returns the identity bound to the request's session, or nil
// when the caller has not verified. A tampered or undecodable cookie is
// treated as no session.
func (b *Binder) Identity(r *http.Request) *models.Identity {
	sess, err := b.store.Get(r, CookieName)
	if err != nil {
		b.logger.Debug("discarding unreadable session", slog.String("error", err.Error()))
		return nil
	}

	id, _ := sess.Values[keyUserID].(string)
	if id == "" {
		return nil
	}

	name, _ := sess.Values[keyUserName].(string)
	avatar, _ := sess.Values[keyAvatar].(string)

	return &models.Identity{ID: id, Name: name, ProfilePicture: avatar}
}

// Save writes identity into the session and sets the cookie on w.
func (b *Binder) Save(w http.ResponseWriter, r *http.Request, identity models.Identity) error {
	// A stale cookie signed with a rotated key fails to decode; Get
	// still returns a fresh session in that case.
	sess, _ := b.store.Get(r, CookieName)
	if sess == nil {
		return errors.New("session store returned no session")
	}

	sess.Values[keyUserID] = identity.ID
	sess.Values[keyUserName] = identity.Name
	sess.Values[keyAvatar] = identity.ProfilePicture

	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

// Bind records identity in the session and redirects to the pending
// authorization request, or to SignedInPath when there is none.
func (b *Binder) Bind(w http.ResponseWriter, r *http.Request, identity models.Identity, pending url.Values) error {
	if err := b.Save(w, r, identity); err != nil {
		return err
	}

	b.logger.Info("session bound", slog.String("user_id", identity.ID))

	http.Redirect(w, r, NextLocation(pending), http.StatusFound)

	return nil
}

// Clear removes the identity from the session.
func (b *Binder) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := b.store.Get(r, CookieName)
	if sess == nil {
		return nil
	}

	sess.Values = make(map[any]any)
	sess.Options.MaxAge = -1

	if err := sess.Save(r, w); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return nil
}

// CarriedQuery keeps only the recognized authorization parameters from
// v, dropping empty values.
func CarriedQuery(v url.Values) url.Values {
	out := url.Values{}

	for _, k := range carriedKeys {
		if val := v.Get(k); val != "" {
			out.Set(k, val)
		}
	}

	return out
}

// NextLocation reconstructs where the browser should go after signing
// in. A vanity code routes to /a/{code}, any other pending request to
// /auth, and no pending request to SignedInPath.
func NextLocation(pending url.Values) string {
	q := CarriedQuery(pending)
	if len(q) == 0 {
		return SignedInPath
	}

	if code := q.Get("a"); code != "" {
		q.Del("a")

		path := "/a/" + url.PathEscape(code)
		if len(q) == 0 {
			return path
		}

		return path + "?" + q.Encode()
	}

	return "/auth?" + q.Encode()
}
