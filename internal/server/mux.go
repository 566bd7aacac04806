// Package server builds the HTTP surface of authlink.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authlink/internal/auth"
	"github.com/alexjbarnes/authlink/internal/ratelimit"
	"github.com/alexjbarnes/authlink/internal/resource"
	"github.com/alexjbarnes/authlink/internal/verify"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Auth     *auth.Handlers
	Issuer   *auth.Issuer
	Verify   *verify.Handlers
	Resource *resource.Handlers
	// Limiter, when set, throttles verification completions per client IP.
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger
	ServerURL string
}

// NewMux builds the HTTP mux with the verification, authorization,
// token, account and resource endpoints. Handlers check their own
// methods except the resource routes, which are method-qualified.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))

	mux.HandleFunc("/start", cfg.Verify.HandleStart())
	mux.HandleFunc("/start/search", cfg.Verify.HandleSearch())

	var complete http.Handler = cfg.Verify.HandleVerify()
	if cfg.Limiter != nil {
		complete = cfg.Limiter.Middleware(cfg.Logger, http.MethodPost)(complete)
	}

	mux.Handle("/start/verify", complete)
	mux.HandleFunc("/verifications/{messageId}", cfg.Verify.HandleStatus())

	mux.HandleFunc("/auth", cfg.Auth.HandleAuthorize())
	mux.HandleFunc("/a/{code}", cfg.Auth.HandleVanity())
	mux.HandleFunc("/token", cfg.Auth.HandleToken())
	mux.HandleFunc("/token/revoke", cfg.Auth.HandleRevoke())

	mux.HandleFunc("/me", cfg.Auth.HandleMe())
	mux.HandleFunc("/me/deauthorize", cfg.Auth.HandleDeauthorize())
	mux.HandleFunc("/logout", cfg.Auth.HandleLogout())

	cfg.Resource.Routes(mux, cfg.Issuer)

	return mux
}
