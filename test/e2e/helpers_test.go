package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/authlink/internal/auth"
	"github.com/alexjbarnes/authlink/internal/cache"
	"github.com/alexjbarnes/authlink/internal/config"
	"github.com/alexjbarnes/authlink/internal/guilded"
	"github.com/alexjbarnes/authlink/internal/ratelimit"
	"github.com/alexjbarnes/authlink/internal/resource"
	"github.com/alexjbarnes/authlink/internal/seed"
	"github.com/alexjbarnes/authlink/internal/server"
	"github.com/alexjbarnes/authlink/internal/session"
	"github.com/alexjbarnes/authlink/internal/state"
	"github.com/alexjbarnes/authlink/internal/verify"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUserID   = "U1aaaaaa"
	testUserName = "Tester"
	testClientID = "e2e-test-client"
	testSecret   = "e2e-test-secret-value"
	redirectURI  = "http://127.0.0.1:19876/callback"
	vanityCode   = "e2e-stats"
)

var csrfField = regexp.MustCompile(`name="csrf_token" value="([A-Za-z0-9]+)"`)

// upstream fakes the platform's web API: one user whose latest profile
// post title the test controls.
type upstream struct {
	mu        sync.Mutex
	postTitle string
}

func (u *upstream) setPostTitle(title string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.postTitle = title
}

func (u *upstream) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != testUserID {
			http.NotFound(w, r)
			return
		}

		writeJSON(w, map[string]any{"user": map[string]string{"id": testUserID, "name": testUserName}})
	})

	mux.HandleFunc("GET /users/{id}/posts", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		title := u.postTitle
		u.mu.Unlock()

		writeJSON(w, []map[string]string{
			{"id": "p1", "title": title, "createdBy": r.PathValue("id")},
		})
	})

	mux.HandleFunc("GET /users/{id}/teams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"teams": []map[string]string{
			{"id": "team-1", "name": "Test Team"},
		}})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e test stack: a real HTTP server wired via
// server.NewMux against a bbolt store, the in-memory cache and a fake
// upstream platform.
type harness struct {
	URL      string
	Store    *state.State
	Upstream *upstream
	// Client keeps cookies and does not follow redirects.
	Client *http.Client
}

// newHarness seeds one application with a vanity code, wires the full
// HTTP stack and starts an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(fmt.Sprintf(`applications:
  - client_id: %s
    name: E2E App
    client_secret_hash: %q
    redirect_uris: [%s]
vanity_codes:
  - code: %s
    client_id: %s
    scopes: [identify]
    prompt: none
`, testClientID, string(hash), redirectURI, vanityCode, testClientID)), 0o600))

	f, err := seed.Load(seedPath)
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, store, f, logger))

	up := &upstream{}
	upSrv := httptest.NewServer(up.handler())
	t.Cleanup(upSrv.Close)

	client := guilded.NewClient(
		guilded.WithBaseURLs(upSrv.URL, upSrv.URL),
		guilded.WithHTTPClient(upSrv.Client()),
		guilded.WithLogger(logger),
	)

	mem := cache.NewMemory()
	t.Cleanup(mem.Stop)

	keys := cache.Keys{Prefix: config.DefaultCacheKeyPrefix}
	binder := session.NewBinder([]byte(strings.Repeat("h", 32)), []byte(strings.Repeat("b", 32)), false, logger)
	issuer := auth.NewIssuer(store, mem, keys, auth.IssuerConfig{}, logger)
	engine := verify.NewEngine(client, nil, nil, mem, keys, logger)

	mux := server.NewMux(server.MuxConfig{
		Auth:      auth.NewHandlers(auth.NewDecider(store), issuer, binder, store, mem, keys, logger),
		Issuer:    issuer,
		Verify:    verify.NewHandlers(engine, binder, verify.NewSearchCache(client, 0, 0), logger),
		Resource:  resource.NewHandlers(client, logger),
		Limiter:   ratelimit.New(600, 100, time.Minute),
		Logger:    logger,
		ServerURL: "http://authlink.test",
	})

	srv := httptest.NewServer(server.AccessLog(logger)(mux))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &harness{
		URL:      srv.URL,
		Store:    store,
		Upstream: up,
		Client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := h.Client.Get(h.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (h *harness) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	resp, err := h.Client.PostForm(h.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (h *harness) bearer(t *testing.T, path, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

// authQuery builds the client's authorization parameters.
func authQuery(scope, state string) url.Values {
	q := url.Values{}
	q.Set("client_id", testClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", scope)
	q.Set("state", state)

	return q
}

// signIn runs profile verification carrying q and returns where the
// browser is sent afterwards.
func (h *harness) signIn(t *testing.T, q url.Values) string {
	t.Helper()

	start := url.Values{}
	for k, v := range q {
		start[k] = v
	}

	start.Set("id", testUserID)

	resp := h.get(t, "/start/verify?"+start.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	body := decode[struct {
		Challenge verify.Challenge `json:"challenge"`
		AuthQuery string           `json:"authQuery"`
	}](t, resp)
	require.Equal(t, verify.KindProfile, body.Challenge.Kind)
	require.NotEmpty(t, body.Challenge.AuthString)

	h.Upstream.setPostTitle(body.Challenge.AuthString)

	resp = h.postForm(t, "/start/verify", url.Values{
		"userId":    {testUserID},
		"code":      {body.Challenge.Code},
		"authQuery": {body.AuthQuery},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode, readBody(t, resp))

	return resp.Header.Get("Location")
}
