package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
)

type toolDescriptorJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Transport   string          `json:"transport"`
	ServerID    string          `json:"serverId"`
}

type catalogResponse struct {
	Tools       []toolDescriptorJSON `json:"tools"`
	CollectedAt int64                `json:"collectedAt"`
}

// handleCatalogGet serves GET /api/mcp/catalog (spec.md §6.4): the cached
// payload merged with the fleet's own manager-tool descriptors.
func (s *Server) handleCatalogGet(w http.ResponseWriter, r *http.Request) {
	payload, err := s.cat.GetCatalog(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect catalog", err.Error())
		return
	}

	all := make([]catalog.Descriptor, 0, len(payload.Tools)+2)
	all = append(all, payload.Tools...)
	all = append(all, catalog.ManagerDescriptors()...)

	tools := make([]toolDescriptorJSON, len(all))
	for i, d := range all {
		tools[i] = toolDescriptorJSON{
			ID: d.ID, Name: d.Name, Description: d.Description, InputSchema: d.InputSchema,
			Permissions: d.Permissions, Transport: d.Transport, ServerID: d.ServerID,
		}
	}

	writeJSON(w, http.StatusOK, catalogResponse{Tools: tools, CollectedAt: payload.CollectedAt.UnixMilli()})
}
