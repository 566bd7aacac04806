package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/authlink/internal/cache"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/state"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testClientID = "bot-1234"
	testSecret   = "s3cret-value"
	testRedirect = "https://app.example/cb"
	testUserID   = "U1aaaaaa"
)

var ctx = context.Background()

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSessions stands in for the cookie binder.
type fakeSessions struct {
	mu   sync.Mutex
	user *models.Identity
}

func (f *fakeSessions) Identity(*http.Request) *models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.user
}

func (f *fakeSessions) Clear(http.ResponseWriter, *http.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = nil

	return nil
}

func (f *fakeSessions) signIn(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = &models.Identity{ID: id, Name: name}
}

// fixture wires a real bbolt store, an in-memory cache and a shared
// fake clock through every component.
type fixture struct {
	store    *state.State
	cache    *cache.Memory
	keys     cache.Keys
	sessions *fakeSessions
	decider  *Decider
	issuer   *Issuer
	handlers *Handlers

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := state.LoadAt(filepath.Join(t.TempDir(), "authlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		keys:     cache.Keys{Prefix: "test:"},
		sessions: &fakeSessions{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.cache = cache.NewMemoryWithClock(f.clock)
	t.Cleanup(f.cache.Stop)

	f.decider = NewDecider(s)
	f.decider.now = f.clock
	f.issuer = NewIssuer(s, f.cache, f.keys, IssuerConfig{}, testLogger())
	f.issuer.now = f.clock
	f.handlers = NewHandlers(f.decider, f.issuer, f.sessions, s, f.cache, f.keys, testLogger())

	f.addApp(t, testClientID, "Test App", testRedirect, "https://app.example/cb?tab=settings")

	return f
}

func (f *fixture) addApp(t *testing.T, clientID, name string, redirects ...string) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, f.store.SaveApplication(ctx, models.Application{
		ClientID:     clientID,
		OwnerID:      "owner-1",
		Name:         name,
		RedirectURIs: redirects,
		SecretHash:   string(hash),
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func (f *fixture) addGrant(t *testing.T, id string, scopes []string, ttl time.Duration) {
	t.Helper()

	require.NoError(t, f.store.SaveGrant(ctx, models.Grant{
		ID:        id,
		ClientID:  testClientID,
		UserID:    testUserID,
		Scopes:    scopes,
		ExpiresAt: f.clock().Add(ttl),
	}))
}

// exchange issues a code for the default client and redeems it.
func (f *fixture) exchange(t *testing.T, scopes ...string) *TokenResponse {
	t.Helper()

	code, err := f.issuer.IssueCode(ctx, testClientID, scopes, testRedirect, testUserID)
	require.NoError(t, err)

	resp, err := f.issuer.Exchange(ctx, TokenRequest{
		GrantType:    grantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirect,
		ClientID:     testClientID,
		ClientSecret: testSecret,
	})
	require.NoError(t, err)

	return resp
}
