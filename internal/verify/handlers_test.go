package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/authlink/internal/guilded"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/alexjbarnes/authlink/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeSearcher struct {
	calls int
	users []models.Identity
}

func (s *fakeSearcher) SearchUsers(_ context.Context, _ string, _ int) ([]models.Identity, error) {
	s.calls++
	return s.users, nil
}

func newTestMux(t *testing.T, f *fixture, search *SearchCache) (*http.ServeMux, *session.Binder) {
	t.Helper()

	binder := session.NewBinder([]byte("0123456789abcdef0123456789abcdef"), nil, false, testLogger())
	h := NewHandlers(f.engine, binder, search, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/start", h.HandleStart())
	mux.HandleFunc("/start/search", h.HandleSearch())
	mux.HandleFunc("/start/verify", h.HandleVerify())
	mux.HandleFunc("/verifications/{messageId}", h.HandleStatus())

	return mux, binder
}

func postForm(mux http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/start/verify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func getPath(mux http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// --- GET /start/verify ---

func TestHandleVerify_StartProfile(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.dir.EXPECT().GetUser(gomock.Any(), alice.ID).Return(&alice, nil)

	rec := getPath(mux, "/start/verify?id="+alice.ID+"&client_id=C1&scope=identify&junk=1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	challenge := body["challenge"].(map[string]any)
	assert.Equal(t, "profile", challenge["kind"])
	assert.NotEmpty(t, challenge["authString"])
	assert.Equal(t, "client_id=C1&scope=identify", body["authQuery"])
}

func TestHandleVerify_StartMissingID(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	rec := getPath(mux, "/start/verify")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerify_StartUnknownUser(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.dir.EXPECT().GetUser(gomock.Any(), "ghost").Return(nil, nil)

	rec := getPath(mux, "/start/verify?id=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "user_not_found", decodeBody(t, rec)["error"])
}

// --- POST /start/verify ---

func expectRecentPost(f *fixture, post models.Post) {
	f.dir.EXPECT().GetUserPost(gomock.Any(), post.CreatedBy, post.ID).Return(&post, nil)
	f.dir.EXPECT().GetUserPosts(gomock.Any(), post.CreatedBy, 10).Return([]models.Post{post}, nil)
}

func TestHandleVerify_ProfileCompletesAndBindsSession(t *testing.T) {
	f := newFixture(t)
	mux, binder := newTestMux(t, f, nil)
	f.seedProfile(t, alice.ID, profileEntry{AuthString: "authlink-abc", Code: "good"})
	expectRecentPost(f, models.Post{ID: "P1", Title: "authlink-abc", CreatedBy: alice.ID})
	f.dir.EXPECT().GetUser(gomock.Any(), alice.ID).Return(&alice, nil)

	rec := postForm(mux, url.Values{
		"userId":    {alice.ID},
		"postId":    {"P1"},
		"code":      {"good"},
		"authQuery": {"client_id=C1&scope=identify&redirect_uri=https%3A%2F%2Fa.test%2Fcb&bogus=1"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/auth", loc.Path)
	assert.Equal(t, "C1", loc.Query().Get("client_id"))
	assert.False(t, loc.Query().Has("bogus"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	got := binder.Identity(req)
	require.NotNil(t, got)
	assert.Equal(t, alice.ID, got.ID)
}

func TestHandleVerify_NoPendingRequestLandsOnMe(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.seedProfile(t, alice.ID, profileEntry{AuthString: "authlink-abc", Code: "good"})
	expectRecentPost(f, models.Post{ID: "P1", Title: "authlink-abc", CreatedBy: alice.ID})
	f.dir.EXPECT().GetUser(gomock.Any(), alice.ID).Return(&alice, nil)

	rec := postForm(mux, url.Values{"userId": {alice.ID}, "postId": {"P1"}, "code": {"good"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/me", rec.Header().Get("Location"))
}

// Scenario C: someone who knows the post title but not the code gets a
// generic failure and no session.
func TestHandleVerify_WrongCodeNoSession(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.seedProfile(t, alice.ID, profileEntry{AuthString: "authlink-abc", Code: "good"})

	rec := postForm(mux, url.Values{"userId": {alice.ID}, "postId": {"P1"}, "code": {"guess"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "verification_failed", decodeBody(t, rec)["error"])
	assert.Empty(t, rec.Result().Cookies())
}

func TestHandleVerify_TitleMismatchSameMessage(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.seedProfile(t, alice.ID, profileEntry{AuthString: "authlink-abc", Code: "good"})
	f.dir.EXPECT().GetUserPost(gomock.Any(), alice.ID, "P1").Return(&models.Post{ID: "P1", Title: "other"}, nil)

	rec := postForm(mux, url.Values{"userId": {alice.ID}, "postId": {"P1"}, "code": {"good"}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "verification_failed", decodeBody(t, rec)["error"])
}

func TestHandleVerify_ExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	rec := postForm(mux, url.Values{"userId": {alice.ID}, "code": {"good"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "challenge_not_found", decodeBody(t, rec)["error"])
}

func TestHandleVerify_MissingFields(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	assert.Equal(t, http.StatusBadRequest, postForm(mux, url.Values{"userId": {alice.ID}}).Code)
	assert.Equal(t, http.StatusBadRequest, postForm(mux, url.Values{"code": {"x"}}).Code)
}

func TestHandleVerify_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/start/verify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// Scenario D: the watcher denies, the poll reports it and completion is
// refused.
func TestHandleVerify_MessageDenied(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.seedMessage(t, "M1", pendingMessage())

	rec := getPath(mux, "/verifications/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeBody(t, rec)["status"])

	f.engine.HandleReaction(context.Background(), guilded.Reaction{MessageID: "M1", UserID: alice.ID, EmoteID: guilded.EmoteX})

	rec = getPath(mux, "/verifications/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "denied", decodeBody(t, rec)["status"])

	rec = postForm(mux, url.Values{"messageId": {"M1"}, "code": {"msgcode"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_verified", decodeBody(t, rec)["error"])
	assert.Empty(t, rec.Result().Cookies())
}

func TestHandleVerify_MessageVerified(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)
	f.seedMessage(t, "M1", pendingMessage())
	f.engine.HandleReaction(context.Background(), guilded.Reaction{MessageID: "M1", UserID: alice.ID, EmoteID: guilded.EmoteTwo})
	f.dir.EXPECT().GetUser(gomock.Any(), alice.ID).Return(&alice, nil)

	rec := postForm(mux, url.Values{"messageId": {"M1"}, "code": {"msgcode"}, "a": {"my-app"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/a/my-app", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Result().Cookies())
}

// --- GET /verifications/{messageId} ---

func TestHandleStatus_Expired(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	rec := getPath(mux, "/verifications/M404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- /start and /start/search ---

func TestHandleStart_ReportsSessionUser(t *testing.T) {
	f := newFixture(t)
	mux, binder := newTestMux(t, f, nil)

	rec := getPath(mux, "/start?client_id=C1&x=y")
	body := decodeBody(t, rec)
	assert.Equal(t, "client_id=C1", body["authQuery"])
	assert.NotContains(t, body, "user")

	saveRec := httptest.NewRecorder()
	require.NoError(t, binder.Save(saveRec, httptest.NewRequest(http.MethodGet, "/", nil), alice))

	req := httptest.NewRequest(http.MethodGet, "/start", nil)
	for _, c := range saveRec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, alice.ID, user["id"])
}

func TestHandleSearch_CachesByQuery(t *testing.T) {
	f := newFixture(t)
	searcher := &fakeSearcher{users: []models.Identity{{ID: "U2bbbbbb", Name: "bob"}}}
	mux, _ := newTestMux(t, f, NewSearchCache(searcher, 10, time.Minute))

	for i := 0; i < 3; i++ {
		rec := getPath(mux, "/start/search?q=Bob")
		require.Equal(t, http.StatusOK, rec.Code)
		users := decodeBody(t, rec)["users"].([]any)
		assert.Len(t, users, 1)
	}

	getPath(mux, "/start/search?q=bob")
	assert.Equal(t, 1, searcher.calls, "case-insensitive hits are served from the cache")
}

func TestHandleSearch_ProfileURLResolvesDirectly(t *testing.T) {
	f := newFixture(t)
	searcher := &fakeSearcher{}
	mux, _ := newTestMux(t, f, NewSearchCache(searcher, 10, time.Minute))
	f.dir.EXPECT().GetUser(gomock.Any(), alice.ID).Return(&alice, nil)

	rec := getPath(mux, "/start/search?q="+url.QueryEscape("https://www.guilded.gg/profile/"+alice.ID))
	require.Equal(t, http.StatusOK, rec.Code)

	users := decodeBody(t, rec)["users"].([]any)
	require.Len(t, users, 1)
	assert.Equal(t, alice.ID, users[0].(map[string]any)["id"])
	assert.Zero(t, searcher.calls)
}

func TestHandleSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	mux, _ := newTestMux(t, f, nil)

	assert.Equal(t, http.StatusBadRequest, getPath(mux, "/start/search?q=").Code)
}

func TestSearchCache_SeparateInstancesIsolated(t *testing.T) {
	s1 := &fakeSearcher{users: []models.Identity{{ID: "a"}}}
	s2 := &fakeSearcher{users: []models.Identity{{ID: "b"}}}
	c1 := NewSearchCache(s1, 0, 0)
	c2 := NewSearchCache(s2, 0, 0)

	u1, err := c1.Search(context.Background(), "x")
	require.NoError(t, err)
	u2, err := c2.Search(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, "a", u1[0].ID)
	assert.Equal(t, "b", u2[0].ID)
}
