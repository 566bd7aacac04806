package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/models"
)

const promptNone = "none"

var vanityCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Request is an authorization request as the browser sent it. When
// VanityCode is set the other fields are optional overrides of the
// vanity record's defaults.
type Request struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
	Prompt      string
	VanityCode  string
}

// Resolved is a request that passed every check and can be issued.
type Resolved struct {
	App         *models.Application
	RedirectURI string
	Scopes      []string
	State       string
	Prompt      string
	VanityCode  string
}

// Decider validates authorization requests and decides whether consent
// can be skipped.
type Decider struct {
	store Store
	now   func() time.Time
}

// NewDecider creates a decision engine over store.
func NewDecider(store Store) *Decider {
	return &Decider{store: store, now: time.Now}
}

// ParseScopes splits a space-delimited scope string, dropping repeats.
func ParseScopes(s string) []string {
	seen := make(map[string]bool)

	var out []string

	for _, scope := range strings.Fields(s) {
		if !seen[scope] {
			seen[scope] = true
			out = append(out, scope)
		}
	}

	return out
}

// Resolve checks a request in order: client, redirect URI, scopes. The
// first failure is returned.
func (d *Decider) Resolve(ctx context.Context, req Request) (*Resolved, error) {
	res := &Resolved{
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Prompt:      req.Prompt,
		VanityCode:  req.VanityCode,
	}

	scopes := ParseScopes(req.Scope)
	clientID := req.ClientID

	if req.VanityCode != "" {
		if !vanityCodePattern.MatchString(req.VanityCode) {
			return nil, apperrors.ErrInvalidVanityCode
		}

		vc, err := d.store.GetVanityCode(ctx, req.VanityCode)
		if err != nil {
			return nil, fmt.Errorf("loading vanity code: %w", err)
		}

		// A disabled code never falls through to its defaults.
		if vc == nil || vc.DisabledAt != nil {
			return nil, apperrors.ErrClientNotFound
		}

		clientID = vc.ClientID

		if res.RedirectURI == "" {
			res.RedirectURI = vc.RedirectURI
		}

		if len(scopes) == 0 {
			scopes = vc.Scopes
		}

		if res.Prompt == "" {
			res.Prompt = vc.Prompt
		}
	}

	if clientID == "" {
		return nil, apperrors.ErrClientNotFound
	}

	app, err := d.store.GetApplication(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}

	if app == nil {
		return nil, apperrors.ErrClientNotFound
	}

	res.App = app

	if res.RedirectURI == "" {
		return nil, apperrors.ErrNoRedirectURI
	}

	if !app.HasRedirectURI(res.RedirectURI) {
		return nil, apperrors.ErrInvalidRedirectURI
	}

	if len(scopes) == 0 {
		return nil, apperrors.ErrNoScopes
	}

	for _, s := range scopes {
		if !models.ValidScope(s) {
			return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidScope, s)
		}
	}

	res.Scopes = scopes

	return res, nil
}

// GrantedScopes is the union of scopes across every unexpired grant the
// user has given the client. Computed fresh on each call.
func (d *Decider) GrantedScopes(ctx context.Context, clientID, userID string) ([]string, error) {
	grants, err := d.store.GrantsFor(ctx, clientID, userID)
	if err != nil {
		return nil, fmt.Errorf("loading grants: %w", err)
	}

	now := d.now()
	seen := make(map[string]bool)

	var union []string

	for _, g := range grants {
		if !g.Active(now) {
			continue
		}

		for _, s := range g.Scopes {
			if !seen[s] {
				seen[s] = true
				union = append(union, s)
			}
		}
	}

	return union, nil
}

func subset(requested, granted []string) bool {
	have := make(map[string]bool, len(granted))
	for _, s := range granted {
		have[s] = true
	}

	for _, s := range requested {
		if !have[s] {
			return false
		}
	}

	return true
}

// CanSkipConsent reports whether the request asked for prompt=none and
// every requested scope is already granted.
func (d *Decider) CanSkipConsent(ctx context.Context, res *Resolved, userID string) (bool, error) {
	if res.Prompt != promptNone {
		return false, nil
	}

	granted, err := d.GrantedScopes(ctx, res.App.ClientID, userID)
	if err != nil {
		return false, err
	}

	return subset(res.Scopes, granted), nil
}
