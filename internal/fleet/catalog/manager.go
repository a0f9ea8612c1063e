package catalog

import (
	"encoding/json"

	"github.com/voicefleet/mcpfleet/internal/toolid"
)

// ManagerServerID is the synthetic server id under which the fleet exposes
// its own introspection tools (SPEC_FULL.md "Manager/introspection tools"),
// grounded on Bigsy-mcpmu's "manager tools are always shown" pattern in
// internal/server/server.go (handleToolsList). These never come from a
// child process and are never subject to revocation.
const ManagerServerID = "fleet"

var serverStatusSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"serverId": {"type": "string"}},
	"required": ["serverId"]
}`)

// ManagerDescriptors returns the fleet's own always-present tool
// descriptors. Callers append these to a Payload's child-derived tools at
// the point of use (the HTTP catalog handler, the invocation service's
// descriptor lookup) rather than inside the cached Payload itself, so the
// TTL cache and single-flight collection logic stay concerned with
// child-process aggregation only. They are never subject to revocation.
func ManagerDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:        toolid.Format(ManagerServerID, "list_servers"),
			Name:      "list_servers",
			Description: "List every configured MCP server and its current lifecycle status.",
			Transport: "stdio",
			ServerID:  ManagerServerID,
		},
		{
			ID:          toolid.Format(ManagerServerID, "server_status"),
			Name:        "server_status",
			Description: "Report detailed lifecycle state for one configured server id.",
			InputSchema: serverStatusSchema,
			Transport:   "stdio",
			ServerID:    ManagerServerID,
		},
	}
}
