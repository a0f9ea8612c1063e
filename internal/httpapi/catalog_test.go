package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
)

func TestCatalogGet_MergesManagerDescriptors(t *testing.T) {
	s, cat, _, _ := newTestServer()
	schema := json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)
	cat.payload = catalog.Payload{Tools: []catalog.Descriptor{
		{ID: "alpha:search", Name: "search", ServerID: "alpha", Transport: "stdio", InputSchema: schema},
	}}

	req := httptest.NewRequest("GET", "/api/mcp/catalog", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Tools, 1+len(catalog.ManagerDescriptors()))
	assert.Equal(t, "alpha:search", resp.Tools[0].ID)
	assert.JSONEq(t, string(schema), string(resp.Tools[0].InputSchema))

	var managerIDs []string
	for _, d := range catalog.ManagerDescriptors() {
		managerIDs = append(managerIDs, d.ID)
	}
	var found int
	for _, tool := range resp.Tools {
		for _, id := range managerIDs {
			if tool.ID == id {
				found++
			}
			if tool.ID == "fleet:server_status" {
				assert.NotEmpty(t, tool.InputSchema, "server_status should carry its input schema over HTTP")
			}
		}
	}
	assert.Equal(t, len(managerIDs), found)
}
