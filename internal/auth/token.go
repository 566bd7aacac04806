package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/authlink/internal/errors"
)

type tokenRequestJSON struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// parseTokenForm reads a token or revocation request. Both JSON and
// form bodies are accepted, and client credentials may come from HTTP
// Basic auth instead of the body.
func parseTokenForm(w http.ResponseWriter, r *http.Request) (tokenRequestJSON, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequestJSON

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, false, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, false, err
		}

		req = tokenRequestJSON{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			RefreshToken: r.PostFormValue("refresh_token"),
			Token:        r.PostFormValue("token"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
		}
	}

	basic := false
	if id, secret, ok := r.BasicAuth(); ok && req.ClientSecret == "" {
		req.ClientID, req.ClientSecret = id, secret
		basic = true
	}

	return req, basic, nil
}

func writeClientError(w http.ResponseWriter, basic bool) {
	if basic {
		w.Header().Set("WWW-Authenticate", `Basic realm="authlink"`)
	}

	writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
}

// HandleToken returns the /token handler.
func (h *Handlers) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, basic, err := parseTokenForm(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if req.GrantType == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
			return
		}

		resp, err := h.issuer.Token(r.Context(), TokenRequest{
			GrantType:    req.GrantType,
			Code:         req.Code,
			RedirectURI:  req.RedirectURI,
			RefreshToken: req.RefreshToken,
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
		})

		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrInvalidClient):
			writeClientError(w, basic)
			return
		case errors.Is(err, apperrors.ErrInvalidGrant):
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid, expired or revoked grant")
			return
		case errors.Is(err, apperrors.ErrUnsupportedGrantType):
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
			return
		default:
			h.logger.Error("token request failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		json.NewEncoder(w).Encode(resp)
	}
}

// HandleRevoke returns the /token/revoke handler (RFC 7009). Success is
// always 204, whether or not the token was live.
func (h *Handlers) HandleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, basic, err := parseTokenForm(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		if err := h.issuer.Revoke(r.Context(), req.Token, req.ClientID, req.ClientSecret); err != nil {
			if errors.Is(err, apperrors.ErrInvalidClient) {
				writeClientError(w, basic)
				return
			}

			h.logger.Error("revocation failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
