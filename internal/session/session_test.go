package session

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBinder(t *testing.T) *Binder {
	t.Helper()
	return NewBinder([]byte("0123456789abcdef0123456789abcdef"), nil, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// withCookies copies the response cookies onto a fresh request.
func withCookies(rec *httptest.ResponseRecorder, req *http.Request) *http.Request {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

// --- NextLocation ---

func TestNextLocation_NoPendingGoesToMe(t *testing.T) {
	assert.Equal(t, "/me", NextLocation(nil))
	assert.Equal(t, "/me", NextLocation(url.Values{"foo": {"bar"}}))
}

func TestNextLocation_DirectRequest(t *testing.T) {
	loc := NextLocation(url.Values{
		"client_id":    {"C1"},
		"scope":        {"identify servers"},
		"redirect_uri": {"https://a.test/cb"},
		"state":        {"xyz"},
		"prompt":       {"none"},
		"evil":         {"1"},
	})

	u, err := url.Parse(loc)
	require.NoError(t, err)
	assert.Equal(t, "/auth", u.Path)

	q := u.Query()
	assert.Equal(t, "C1", q.Get("client_id"))
	assert.Equal(t, "identify servers", q.Get("scope"))
	assert.Equal(t, "https://a.test/cb", q.Get("redirect_uri"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.False(t, q.Has("evil"))
}

func TestNextLocation_Vanity(t *testing.T) {
	assert.Equal(t, "/a/my-app", NextLocation(url.Values{"a": {"my-app"}}))

	loc := NextLocation(url.Values{"a": {"my-app"}, "state": {"s1"}})
	assert.Equal(t, "/a/my-app?state=s1", loc)
}

func TestCarriedQuery_DropsEmpty(t *testing.T) {
	q := CarriedQuery(url.Values{"client_id": {""}, "scope": {"identify"}})
	assert.Equal(t, url.Values{"scope": {"identify"}}, q)
}

// --- Binder ---

func TestBinder_NoSession(t *testing.T) {
	b := testBinder(t)
	assert.Nil(t, b.Identity(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestBinder_BindSetsCookieAndRedirects(t *testing.T) {
	b := testBinder(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start/verify", nil)
	err := b.Bind(rec, req, models.Identity{ID: "U1", Name: "alice", ProfilePicture: "https://img/a.png"},
		url.Values{"client_id": {"C1"}, "scope": {"identify"}})
	require.NoError(t, err)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/auth?")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
	assert.Equal(t, maxAge, cookies[0].MaxAge)

	got := b.Identity(withCookies(rec, httptest.NewRequest(http.MethodGet, "/me", nil)))
	require.NotNil(t, got)
	assert.Equal(t, models.Identity{ID: "U1", Name: "alice", ProfilePicture: "https://img/a.png"}, *got)
}

func TestBinder_TamperedCookieIgnored(t *testing.T) {
	b := testBinder(t)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-valid-cookie"})
	assert.Nil(t, b.Identity(req))
}

func TestBinder_OtherKeyRejected(t *testing.T) {
	b := testBinder(t)

	rec := httptest.NewRecorder()
	require.NoError(t, b.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.Identity{ID: "U1"}))

	other := NewBinder([]byte("ffffffffffffffffffffffffffffffff"), nil, false, b.logger)
	assert.Nil(t, other.Identity(withCookies(rec, httptest.NewRequest(http.MethodGet, "/", nil))))
}

func TestBinder_Clear(t *testing.T) {
	b := testBinder(t)

	rec := httptest.NewRecorder()
	require.NoError(t, b.Save(rec, httptest.NewRequest(http.MethodGet, "/", nil), models.Identity{ID: "U1"}))

	clearRec := httptest.NewRecorder()
	require.NoError(t, b.Clear(clearRec, withCookies(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))))

	cookies := clearRec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Less(t, cookies[0].MaxAge, 0)
}
