// Package models defines types shared across internal packages.
package models

import "time"

// Recognized scopes.
const (
	ScopeIdentify           = "identify"
	ScopeServers            = "servers"
	ScopeServersMembersRead = "servers.members.read"
)

// ScopeDescriptions maps each recognized scope to its consent-screen text.
var ScopeDescriptions = map[string]string{
	ScopeIdentify:           "Your Guilded user profile (name, avatar, etc.)",
	ScopeServers:            "A list of the servers that you're in",
	ScopeServersMembersRead: "Your server-specific member data (nickname, roles, etc.) for public servers that you're in",
}

// ValidScope reports whether s is one of the recognized scopes.
func ValidScope(s string) bool {
	_, ok := ScopeDescriptions[s]
	return ok
}

// Application is a registered client application. The client ID is the
// ID of the upstream bot the owner linked.
type Application struct {
	ClientID         string    `json:"client_id" yaml:"client_id"`
	OwnerID          string    `json:"owner_id" yaml:"owner_id"`
	Name             string    `json:"name" yaml:"name"`
	IconHash         string    `json:"icon_hash,omitempty" yaml:"icon_hash"`
	RedirectURIs     []string  `json:"redirect_uris" yaml:"redirect_uris"`
	SecretHash       string    `json:"secret_hash" yaml:"client_secret_hash"`
	TeamID           string    `json:"team_id,omitempty" yaml:"team_id"`
	ShowLinkedServer bool      `json:"show_linked_server" yaml:"show_linked_server"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
}

// HasRedirectURI reports whether uri is registered. Exact string match,
// no normalization.
func (a *Application) HasRedirectURI(uri string) bool {
	for _, registered := range a.RedirectURIs {
		if registered == uri {
			return true
		}
	}

	return false
}

// LinkedTeamID returns the team to advertise on the consent screen, or ""
// when the owner chose not to show it.
func (a *Application) LinkedTeamID() string {
	if !a.ShowLinkedServer {
		return ""
	}

	return a.TeamID
}

// VanityCode is an alternate authorization entry point that resolves to
// a fixed client and default request parameters.
type VanityCode struct {
	Code        string     `json:"code" yaml:"code"`
	ClientID    string     `json:"client_id" yaml:"client_id"`
	Scopes      []string   `json:"scopes,omitempty" yaml:"scopes"`
	RedirectURI string     `json:"redirect_uri,omitempty" yaml:"redirect_uri"`
	Prompt      string     `json:"prompt,omitempty" yaml:"prompt"`
	DisabledAt  *time.Time `json:"disabled_at,omitempty" yaml:"disabled_at"`
}

// Grant records a user's standing consent for a client.
type Grant struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the grant still counts toward consent at now.
func (g *Grant) Active(now time.Time) bool {
	return g.ExpiresAt.After(now)
}

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// OAuthToken represents an issued access or refresh token. Only the
// SHA-256 hash of the token is persisted. Tokens issued together share a
// PairID so revoking one revokes both.
type OAuthToken struct {
	Token     string    `json:"-"`
	TokenHash string    `json:"token_hash"`
	Kind      TokenKind `json:"kind"`
	PairID    string    `json:"pair_id"`
	GrantID   string    `json:"grant_id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	// ExpiresAt is zero for refresh tokens, which never expire on their own.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token has a deadline that has passed.
func (t *OAuthToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// HasScope reports whether the token carries scope.
func (t *OAuthToken) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}

	return false
}
