// Package resource serves the data a bearer token unlocks: the user's
// profile, their servers and their membership in one server. Every
// response is fetched live from upstream.
package resource

//go:generate mockgen -source=resource.go -destination=mock_upstream_test.go -package=resource

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/alexjbarnes/authlink/internal/auth"
	apperrors "github.com/alexjbarnes/authlink/internal/errors"
	"github.com/alexjbarnes/authlink/internal/guilded"
	"github.com/alexjbarnes/authlink/internal/models"
)

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// Upstream is the slice of the platform client the resource endpoints
// read from.
type Upstream interface {
	GetUser(ctx context.Context, userID string) (*models.Identity, error)
	GetUserTeams(ctx context.Context, userID string) ([]models.Server, error)
	FetchMember(ctx context.Context, serverID, userID string) (*guilded.Member, error)
}

// Handlers serves /users/@me and its children. Each handler expects
// auth.Middleware to have run.
type Handlers struct {
	upstream Upstream
	logger   *slog.Logger
}

// NewHandlers creates the resource handlers.
func NewHandlers(upstream Upstream, logger *slog.Logger) *Handlers {
	return &Handlers{upstream: upstream, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

func (h *Handlers) writeUpstreamError(w http.ResponseWriter, op string, err error) {
	if apperrors.KindOf(err) == apperrors.KindUpstream {
		h.logger.Warn("upstream request failed", slog.String("op", op), slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", "Guilded did not respond, try again later")

		return
	}

	h.logger.Error("resource request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeJSONError(w, http.StatusInternalServerError, "server_error", "internal error")
}

// HandleMe returns GET /users/@me (identify).
func (h *Handlers) HandleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.RequestUserID(r.Context())

		user, err := h.upstream.GetUser(r.Context(), userID)
		if err != nil {
			h.writeUpstreamError(w, "get user", err)
			return
		}

		if user == nil {
			writeJSONError(w, http.StatusNotFound, "user_not_found", "the user no longer exists")
			return
		}

		writeJSON(w, http.StatusOK, user)
	}
}

// HandleServers returns GET /users/@me/servers (servers).
func (h *Handlers) HandleServers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers, err := h.upstream.GetUserTeams(r.Context(), auth.RequestUserID(r.Context()))
		if err != nil {
			h.writeUpstreamError(w, "list servers", err)
			return
		}

		if servers == nil {
			servers = []models.Server{}
		}

		writeJSON(w, http.StatusOK, servers)
	}
}

// HandleMember returns GET /users/@me/servers/{serverId}/member
// (servers.members.read). The upstream member object is passed through
// as-is when present.
func (h *Handlers) HandleMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := r.PathValue("serverId")
		if !serverIDPattern.MatchString(serverID) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid server id")
			return
		}

		member, err := h.upstream.FetchMember(r.Context(), serverID, auth.RequestUserID(r.Context()))
		if err != nil {
			h.writeUpstreamError(w, "fetch member", err)
			return
		}

		if member == nil {
			writeJSONError(w, http.StatusNotFound, "member_not_found", "not a member of that server, or the server is not visible")
			return
		}

		if len(member.Raw) > 0 {
			writeJSON(w, http.StatusOK, member.Raw)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"user":     member.User,
			"nickname": member.Nickname,
			"roleIds":  member.RoleIDs,
			"joinedAt": member.JoinedAt,
		})
	}
}

// Routes mounts the resource endpoints on mux behind bearer auth, each
// gated on its scope.
func (h *Handlers) Routes(mux *http.ServeMux, issuer *auth.Issuer) {
	bearer := auth.Middleware(issuer, h.logger)

	mux.Handle("GET /users/@me", bearer(auth.RequireScope(models.ScopeIdentify, h.HandleMe())))
	mux.Handle("GET /users/@me/servers", bearer(auth.RequireScope(models.ScopeServers, h.HandleServers())))
	mux.Handle("GET /users/@me/servers/{serverId}/member", bearer(auth.RequireScope(models.ScopeServersMembersRead, h.HandleMember())))
}
