package auth

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/authlink/internal/models"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(serverURL string) http.HandlerFunc {
	meta := ServerMetadata{
		Issuer:                            serverURL,
		AuthorizationEndpoint:             serverURL + "/auth",
		TokenEndpoint:                     serverURL + "/token",
		RevocationEndpoint:                serverURL + "/token/revoke",
		ScopesSupported:                   []string{models.ScopeIdentify, models.ScopeServers, models.ScopeServersMembersRead},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
