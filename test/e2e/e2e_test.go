package e2e_test

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/alexjbarnes/authlink/internal/auth"
	"github.com/alexjbarnes/authlink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirectParams parses the query of a redirect back to the client.
func redirectParams(t *testing.T, resp *http.Response) url.Values {
	t.Helper()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), redirectURI), loc.String())

	return loc.Query()
}

func (h *harness) exchange(t *testing.T, code string) auth.TokenResponse {
	t.Helper()

	resp := h.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))

	return decode[auth.TokenResponse](t, resp)
}

func TestE2E_FullFlow(t *testing.T) {
	h := newHarness(t)

	// Unauthenticated authorize sends the browser to /start with the
	// request carried along.
	resp := h.get(t, "/auth?"+authQuery("identify servers", "xyz").Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/start?"))

	next := h.signIn(t, authQuery("identify servers", "xyz"))
	require.True(t, strings.HasPrefix(next, "/auth?"), next)

	// Consent page.
	resp = h.get(t, next)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := csrfField.FindStringSubmatch(readBody(t, resp))
	require.Len(t, m, 2, "consent page should carry a csrf token")

	form := authQuery("identify servers", "xyz")
	form.Set("csrf_token", m[1])
	form.Set("decision", "accept")

	params := redirectParams(t, h.postForm(t, "/auth", form))
	assert.Equal(t, "xyz", params.Get("state"))
	require.NotEmpty(t, params.Get("code"))

	tokens := h.exchange(t, params.Get("code"))
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.ElementsMatch(t, []string{"identify", "servers"}, strings.Fields(tokens.Scope))

	// The code is single use.
	resp = h.postForm(t, "/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {params.Get("code")},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Resource endpoints.
	resp = h.bearer(t, "/users/@me", tokens.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	me := decode[models.Identity](t, resp)
	assert.Equal(t, testUserID, me.ID)
	assert.Equal(t, testUserName, me.Name)

	resp = h.bearer(t, "/users/@me/servers", tokens.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	servers := decode[[]models.Server](t, resp)
	require.Len(t, servers, 1)
	assert.Equal(t, "team-1", servers[0].ID)

	resp = h.bearer(t, "/users/@me/servers/team-1/member", tokens.AccessToken)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "servers.members.read was not granted")

	// The grant now covers identify, so the vanity link with prompt=none
	// goes straight back to the client.
	params = redirectParams(t, h.get(t, "/a/"+vanityCode))
	require.NotEmpty(t, params.Get("code"))

	vanityTokens := h.exchange(t, params.Get("code"))
	assert.Equal(t, "identify", vanityTokens.Scope)

	// Deauthorizing revokes every outstanding access token at once.
	resp = h.postForm(t, "/me/deauthorize", url.Values{"client_id": {testClientID}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp = h.bearer(t, "/users/@me", tokens.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.bearer(t, "/users/@me", vanityTokens.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_RefreshAndRevoke(t *testing.T) {
	h := newHarness(t)

	next := h.signIn(t, authQuery("identify", "s1"))

	resp := h.get(t, next)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := csrfField.FindStringSubmatch(readBody(t, resp))
	require.Len(t, m, 2)

	form := authQuery("identify", "s1")
	form.Set("csrf_token", m[1])
	form.Set("decision", "accept")

	params := redirectParams(t, h.postForm(t, "/auth", form))
	tokens := h.exchange(t, params.Get("code"))

	resp = h.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	refreshed := decode[auth.TokenResponse](t, resp)
	assert.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)

	resp = h.bearer(t, "/users/@me", tokens.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "rotated pair is gone")

	resp = h.postForm(t, "/token/revoke", url.Values{
		"token":         {refreshed.AccessToken},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.bearer(t, "/users/@me", refreshed.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestE2E_DeclinedConsent(t *testing.T) {
	h := newHarness(t)

	next := h.signIn(t, authQuery("identify", "s2"))

	resp := h.get(t, next)
	m := csrfField.FindStringSubmatch(readBody(t, resp))
	require.Len(t, m, 2)

	form := authQuery("identify", "s2")
	form.Set("csrf_token", m[1])
	form.Set("decision", "deny")

	params := redirectParams(t, h.postForm(t, "/auth", form))
	assert.Equal(t, "access_denied", params.Get("error"))
	assert.Equal(t, "s2", params.Get("state"))
	assert.Empty(t, params.Get("code"))
}

func TestE2E_Logout(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "/me", h.signIn(t, url.Values{}))

	resp := h.get(t, "/me")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), testUserID)

	resp = h.postForm(t, "/logout", url.Values{})
	require.Less(t, resp.StatusCode, http.StatusBadRequest)

	resp = h.get(t, "/me")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}
