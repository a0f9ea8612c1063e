package httpapi

import "net/http"

// InstructionsSource is the subset of *config.InstructionsCache the boundary
// needs (spec.md §6.2: the realtime instructions file, trimmed and cached
// by mtime).
type InstructionsSource interface {
	Get() (string, error)
}

// handleInstructionsGet serves GET /api/mcp/instructions: the realtime
// assistant's system instructions, as spec.md §6.2 describes them (trimmed,
// mtime-cached; an empty file is a server error). Returns 404 if no
// instructions source was configured.
func (s *Server) handleInstructionsGet(w http.ResponseWriter, r *http.Request) {
	if s.instructions == nil {
		writeError(w, http.StatusNotFound, "instructions not configured", "")
		return
	}

	text, err := s.instructions.Get()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load instructions", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"instructions": text})
}
