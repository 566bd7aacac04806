package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authlink/internal/cache"
	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/random"
	"github.com/alexjbarnes/authlink/internal/state"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// codeEntry is stored under oauth_code_{code}. The field names match
// what every other implementation sharing the cache writes.
type codeEntry struct {
	ClientID    string   `json:"client_id"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirect_uri"`
	UserID      string   `json:"user_id"`
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// TokenRequest carries the token endpoint parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// IssuerConfig tunes token lifetimes. Zero values take the defaults.
type IssuerConfig struct {
	AccessTokenTTL time.Duration
	GrantTTL       time.Duration
}

// Issuer mints codes and tokens.
type Issuer struct {
	store     Store
	cache     cache.Cache
	keys      cache.Keys
	accessTTL time.Duration
	grantTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewIssuer creates a code and token issuer.
func NewIssuer(store Store, c cache.Cache, keys cache.Keys, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}

	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = DefaultGrantTTL
	}

	return &Issuer{
		store:     store,
		cache:     c,
		keys:      keys,
		accessTTL: cfg.AccessTokenTTL,
		grantTTL:  cfg.GrantTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// IssueCode stores a one-time code for an already validated request.
func (i *Issuer) IssueCode(ctx context.Context, clientID string, scopes []string, redirectURI, userID string) (string, error) {
	code := random.String(codeLength)

	entry := codeEntry{
		ClientID:    clientID,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		UserID:      userID,
	}

	if err := cache.SetJSON(ctx, i.cache, i.keys.OAuthCode(code), entry, CodeTTL); err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}

	i.logger.Info("authorization code issued",
		slog.String("client_id", clientID),
		slog.String("user_id", userID),
	)

	return code, nil
}

// dummySecretHash keeps unknown-client rejections as slow as wrong
// secrets.
var dummySecretHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("authlink-dummy-secret"), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}

	return h
})

// AuthenticateClient checks client credentials. Every failure is the
// same ErrInvalidClient.
func (i *Issuer) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.Application, error) {
	if clientID == "" || secret == "" {
		return nil, apperrors.ErrInvalidClient
	}

	app, err := i.store.GetApplication(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading application: %w", err)
	}

	if app == nil || app.SecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(secret))
		return nil, apperrors.ErrInvalidClient
	}

	if err := bcrypt.CompareHashAndPassword([]byte(app.SecretHash), []byte(secret)); err != nil {
		i.logger.Warn("client authentication failed", slog.String("client_id", clientID))
		return nil, apperrors.ErrInvalidClient
	}

	return app, nil
}

// Token dispatches on grant type after authenticating the client.
func (i *Issuer) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case grantTypeAuthorizationCode:
		return i.Exchange(ctx, req)
	case grantTypeRefreshToken:
		return i.Refresh(ctx, req.RefreshToken, req.ClientID, req.ClientSecret)
	default:
		if _, err := i.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
			return nil, err
		}

		return nil, apperrors.ErrUnsupportedGrantType
	}
}

// Exchange redeems an authorization code. The code is removed in the
// same step that reads it, so concurrent redemptions cannot both win.
// On success a grant is recorded and a token pair issued under it.
func (i *Issuer) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if _, err := i.AuthenticateClient(ctx, req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	if req.GrantType != grantTypeAuthorizationCode {
		return nil, apperrors.ErrUnsupportedGrantType
	}

	if req.Code == "" {
		return nil, apperrors.ErrInvalidGrant
	}

	var entry codeEntry
	if err := cache.GetDelJSON(ctx, i.cache, i.keys.OAuthCode(req.Code), &entry); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, apperrors.ErrInvalidGrant
		}

		return nil, fmt.Errorf("redeeming code: %w", err)
	}

	if entry.ClientID != req.ClientID {
		i.logger.Warn("code redeemed by another client",
			slog.String("client_id", req.ClientID),
			slog.String("code_client_id", entry.ClientID),
		)

		return nil, apperrors.ErrInvalidGrant
	}

	if req.RedirectURI != "" && req.RedirectURI != entry.RedirectURI {
		return nil, apperrors.ErrInvalidGrant
	}

	grant := models.Grant{
		ID:        uuid.NewString(),
		ClientID:  entry.ClientID,
		UserID:    entry.UserID,
		Scopes:    entry.Scopes,
		ExpiresAt: i.now().Add(i.grantTTL),
	}

	if err := i.store.SaveGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("recording grant: %w", err)
	}

	resp, _, err := i.issuePair(ctx, grant)
	if err != nil {
		return nil, err
	}

	i.logger.Info("authorization code exchanged",
		slog.String("client_id", grant.ClientID),
		slog.String("user_id", grant.UserID),
		slog.String("grant_id", grant.ID),
	)

	return resp, nil
}

// Refresh trades a refresh token for a new pair. The old pair is
// revoked and the grant's lifetime extended. Fails once the grant is
// gone, even though the token itself was never revoked.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, clientID, secret string) (*TokenResponse, error) {
	if _, err := i.AuthenticateClient(ctx, clientID, secret); err != nil {
		return nil, err
	}

	if refreshToken == "" {
		return nil, apperrors.ErrInvalidGrant
	}

	tok, err := i.store.GetToken(ctx, state.HashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	if tok == nil || tok.Kind != models.TokenRefresh || tok.ClientID != clientID {
		return nil, apperrors.ErrInvalidGrant
	}

	grant, err := i.store.GetGrant(ctx, tok.GrantID)
	if err != nil {
		return nil, fmt.Errorf("loading grant: %w", err)
	}

	now := i.now()
	if grant == nil || !grant.Active(now) {
		if err := i.store.DeleteTokenPair(ctx, tok.PairID); err != nil {
			i.logger.Warn("removing orphaned token pair", slog.String("error", err.Error()))
		}

		return nil, apperrors.ErrInvalidGrant
	}

	if err := i.store.DeleteTokenPair(ctx, tok.PairID); err != nil {
		return nil, fmt.Errorf("revoking old token pair: %w", err)
	}

	// A deauthorization may have removed the grant since it was read.
	// Extending must not recreate it.
	grant.ExpiresAt = now.Add(i.grantTTL)

	extended, err := i.store.ExtendGrant(ctx, grant.ID, grant.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("extending grant: %w", err)
	}

	if !extended {
		return nil, apperrors.ErrInvalidGrant
	}

	resp, pairID, err := i.issuePair(ctx, *grant)
	if err != nil {
		return nil, err
	}

	// A delete between the extension and the token writes would miss
	// the new pair, so look again and take the pair back if so.
	current, err := i.store.GetGrant(ctx, grant.ID)
	if err != nil {
		return nil, fmt.Errorf("rechecking grant: %w", err)
	}

	if current == nil {
		if err := i.store.DeleteTokenPair(ctx, pairID); err != nil {
			return nil, fmt.Errorf("removing pair of deleted grant: %w", err)
		}

		return nil, apperrors.ErrInvalidGrant
	}

	i.logger.Info("token refreshed",
		slog.String("client_id", clientID),
		slog.String("grant_id", grant.ID),
	)

	return resp, nil
}

func (i *Issuer) issuePair(ctx context.Context, grant models.Grant) (*TokenResponse, string, error) {
	pairID := uuid.NewString()
	access := random.String(tokenLength)
	refresh := random.String(tokenLength)

	tokens := []models.OAuthToken{
		{
			TokenHash: state.HashToken(access),
			Kind:      models.TokenAccess,
			ExpiresAt: i.now().Add(i.accessTTL),
		},
		{
			TokenHash: state.HashToken(refresh),
			Kind:      models.TokenRefresh,
		},
	}

	for _, t := range tokens {
		t.PairID = pairID
		t.GrantID = grant.ID
		t.ClientID = grant.ClientID
		t.UserID = grant.UserID
		t.Scopes = grant.Scopes

		if err := i.store.SaveToken(ctx, t); err != nil {
			return nil, "", fmt.Errorf("saving %s token: %w", t.Kind, err)
		}
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(i.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(grant.Scopes, " "),
	}, pairID, nil
}

// Revoke invalidates token and its partner. Unknown tokens and tokens
// belonging to other clients succeed silently; only client
// authentication can fail.
func (i *Issuer) Revoke(ctx context.Context, token, clientID, secret string) error {
	if _, err := i.AuthenticateClient(ctx, clientID, secret); err != nil {
		return err
	}

	if token == "" {
		return nil
	}

	tok, err := i.store.GetToken(ctx, state.HashToken(token))
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}

	if tok == nil || tok.ClientID != clientID {
		return nil
	}

	if err := i.store.DeleteTokenPair(ctx, tok.PairID); err != nil {
		return fmt.Errorf("revoking token pair: %w", err)
	}

	i.logger.Info("token revoked",
		slog.String("client_id", clientID),
		slog.String("kind", string(tok.Kind)),
	)

	return nil
}

// ValidateAccess resolves a bearer token. The token must be an
// unexpired access token whose grant still exists.
func (i *Issuer) ValidateAccess(ctx context.Context, token string) (*models.OAuthToken, error) {
	tok, err := i.store.GetToken(ctx, state.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	now := i.now()
	if tok == nil || tok.Kind != models.TokenAccess || tok.Expired(now) {
		return nil, apperrors.ErrInvalidToken
	}

	grant, err := i.store.GetGrant(ctx, tok.GrantID)
	if err != nil {
		return nil, fmt.Errorf("loading grant: %w", err)
	}

	if grant == nil || !grant.Active(now) {
		return nil, apperrors.ErrInvalidToken
	}

	return tok, nil
}
