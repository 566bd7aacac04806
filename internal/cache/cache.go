// Package cache is the TTL key-value store behind every ephemeral piece
// of state: verification challenges, one-time authorization codes and
// consent CSRF tokens. Two backends exist: Redis for deployments and an
// in-process map for development and tests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: key not found")

// Cache is a get/set/delete store with per-key expiry. Single-key
// operations are atomic.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// GetDel reads and removes key in one atomic step, so two concurrent
	// callers can never both observe the value.
	GetDel(ctx context.Context, key string) ([]byte, error)
	// Update replaces the value of an existing key with fn's result,
	// keeping its remaining TTL. fn may run more than once under
	// contention. Returns ErrMiss when the key does not exist.
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error
}

// Key layout shared with every other implementation reading this cache.
// The formats must not change.
const (
	verifyCodePrefix      = "verify_code_"
	verifyCodeShortPrefix = "verify_code_short_"
	oauthCodePrefix       = "oauth_code_"
	consentCSRFPrefix     = "consent_csrf_"
)

// Keys builds cache keys under an optional deployment-wide prefix.
type Keys struct {
	Prefix string
}

// VerifyCode is the profile-post challenge key for a user.
func (k Keys) VerifyCode(userID string) string {
	return k.Prefix + verifyCodePrefix + userID
}

// VerifyCodeShort is the messaging challenge key for a sent message.
func (k Keys) VerifyCodeShort(messageID string) string {
	return k.Prefix + verifyCodeShortPrefix + messageID
}

// OAuthCode is the one-time authorization code key.
func (k Keys) OAuthCode(code string) string {
	return k.Prefix + oauthCodePrefix + code
}

// ConsentCSRF is the consent form CSRF token key.
func (k Keys) ConsentCSRF(token string) string {
	return k.Prefix + consentCSRFPrefix + token
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling cache value: %w", err)
	}

	return c.Set(ctx, key, data, ttl)
}

// GetJSON loads key into v. Returns ErrMiss when absent.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding cache value: %w", err)
	}

	return nil
}

// GetDelJSON atomically consumes key into v. Returns ErrMiss when absent.
func GetDelJSON(ctx context.Context, c Cache, key string, v any) error {
	data, err := c.GetDel(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding cache value: %w", err)
	}

	return nil
}
