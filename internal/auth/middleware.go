package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/models"
)

type contextKey int

const (
	ctxToken contextKey = iota
	ctxRemoteIP
)

// RequestToken returns the validated access token from the context, or
// nil.
func RequestToken(ctx context.Context) *models.OAuthToken {
	v, _ := ctx.Value(ctxToken).(*models.OAuthToken)
	return v
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	if t := RequestToken(ctx); t != nil {
		return t.UserID
	}

	return ""
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer tokens and
// injects the token into the request context.
func Middleware(issuer *Issuer, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const wwwAuthNoToken = `Bearer realm="authlink"`
	// error="invalid_token" signals the client should attempt a refresh.
	const wwwAuthInvalid = `Bearer realm="authlink", error="invalid_token"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeJSONError(w, http.StatusUnauthorized, "invalid_request", "bearer token required")

				return
			}

			tok, err := issuer.ValidateAccess(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				if !errors.Is(err, apperrors.ErrInvalidToken) {
					logger.Error("middleware: validating token", slog.String("error", err.Error()))
					writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")

					return
				}

				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", tok.UserID),
				slog.String("client_id", tok.ClientID),
				slog.String("ip", ip),
			)

			ctx := context.WithValue(r.Context(), ctxToken, tok)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects requests whose token lacks scope. It must run
// inside Middleware.
func RequireScope(scope string, next http.Handler) http.Handler {
	wwwAuth := fmt.Sprintf(`Bearer realm="authlink", error="insufficient_scope", scope=%q`, scope)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := RequestToken(r.Context())
		if tok == nil || !tok.HasScope(scope) {
			w.Header().Set("WWW-Authenticate", wwwAuth)
			writeJSONError(w, http.StatusForbidden, "insufficient_scope", "token lacks the "+scope+" scope")

			return
		}

		next.ServeHTTP(w, r)
	})
}
