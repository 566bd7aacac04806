// Package auth implements the authorization-code grant: deciding
// whether a verified user must consent, minting one-time codes,
// exchanging them for bearer tokens and guarding resources with those
// tokens.
package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/alexjbarnes/authlink/internal/models"
)

// Store is the relational state the grant flow reads and writes. Get
// methods return nil, nil when the record does not exist.
type Store interface {
	GetApplication(ctx context.Context, clientID string) (*models.Application, error)
	GetVanityCode(ctx context.Context, code string) (*models.VanityCode, error)

	SaveGrant(ctx context.Context, g models.Grant) error
	GetGrant(ctx context.Context, id string) (*models.Grant, error)
	// ExtendGrant moves an existing grant's expiry. It reports false,
	// without writing, when the grant no longer exists.
	ExtendGrant(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	GrantsFor(ctx context.Context, clientID, userID string) ([]models.Grant, error)
	DeleteGrants(ctx context.Context, clientID, userID string) (int, error)

	SaveToken(ctx context.Context, t models.OAuthToken) error
	GetToken(ctx context.Context, tokenHash string) (*models.OAuthToken, error)
	DeleteTokenPair(ctx context.Context, pairID string) error
}

// Sessions exposes the verified identity carried by the browser.
type Sessions interface {
	Identity(r *http.Request) *models.Identity
	Clear(w http.ResponseWriter, r *http.Request) error
}

const (
	// CodeTTL is the lifetime of a one-time authorization code.
	CodeTTL = 15 * time.Second

	// DefaultAccessTokenTTL applies when no lifetime is configured.
	DefaultAccessTokenTTL = 7 * 24 * time.Hour

	// DefaultGrantTTL is how long consent lasts without a refresh.
	DefaultGrantTTL = 30 * 24 * time.Hour

	consentCSRFTTL = 10 * time.Minute

	codeLength  = 32
	tokenLength = 48

	maxRequestBody = 64 * 1024
)
