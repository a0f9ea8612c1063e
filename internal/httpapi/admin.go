package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
)

type adminRequestBody struct {
	Action string   `json:"action"`
	Tools  []string `json:"tools"`
	Reason string   `json:"reason"`
	Actor  string   `json:"actor"`
}

// handleAdminPost serves POST /api/mcp/admin (spec.md §6.4): revoke,
// restore, or reload-config, gated by bearer auth when MCP_ADMIN_TOKEN is
// set, and relaxed in test mode otherwise (spec.md §6.3).
func (s *Server) handleAdminPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeError(w, http.StatusForbidden, "admin authorization required", "")
		return
	}

	var body adminRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	switch body.Action {
	case "revoke":
		s.pol.Revoke(body.Tools, policy.Change{Reason: body.Reason, Actor: body.Actor})
		s.cat.InvalidateCache()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": s.pol.Revoked()})

	case "restore":
		s.pol.Restore(body.Tools, policy.Change{Reason: body.Reason, Actor: body.Actor})
		s.cat.InvalidateCache()
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": s.pol.Revoked()})

	case "reload-config":
		s.handleReloadConfig(w, r)

	default:
		writeError(w, http.StatusBadRequest, "unknown action", body.Action)
	}
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	defs, warning, err := config.Load(s.configPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload config", err.Error())
		return
	}
	if warning != "" {
		slog.Warn("admin reload-config", "warning", warning)
	}

	result, err := s.reloader.Reload(r.Context(), defs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to apply reload", err.Error())
		return
	}
	s.cat.InvalidateCache()

	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "result": result})
}

// authorizeAdmin implements spec.md §6.3: bearer-token check when
// MCP_ADMIN_TOKEN is set; otherwise allowed only in test mode.
func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return s.testMode
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimPrefix(auth, prefix) == s.adminToken
}
