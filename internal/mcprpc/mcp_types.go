package mcprpc

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// The request-side payload shapes below are written out explicitly (rather
// than reused from mark3labs/mcp-go's client package) because the fleet
// speaks its own hand-rolled framed transport, not mcp-go's stdio client —
// see DESIGN.md.
//
// Of the response-side shapes, only ToolsCallResult (an alias for
// mcp.CallToolResult) is actually decoded through mcp-go: internal/fleet/
// invocation.finishSuccess unmarshals a tools/call response into it and
// type-switches its Content entries to mcp.TextContent, exactly as the
// pack's teacher (kadirpekel/hector, pkg/tool/mcptoolset.parseToolResponse)
// does. tools/list and resources/list are deliberately NOT decoded through
// mcp.Tool/mcp.ListToolsResult/mcp.Resource: this fleet's tools/list
// entries carry an "authorized"/"permissions" annotation extension (spec.md
// §4.7 step 4) that has no place in mcp-go's fixed mcp.ToolAnnotation, and
// the resource tracker only ever needs URI/name/description/mimeType, so
// RawTool/ToolsListResult/Resource below stay this fleet's own leaner
// types rather than duplicating-then-discarding most of mcp.Tool's fields.

// InitializeParams is sent as the params of an "initialize" request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// ClientCapabilities advertises what the fleet, acting as an MCP client,
// supports — per spec.md §4.5, "tools" and "resources-notifications".
type ClientCapabilities struct {
	Tools                  *struct{} `json:"tools,omitempty"`
	ResourcesNotifications *struct{} `json:"resourcesNotifications,omitempty"`
}

// InitializeResult is the decoded result of an "initialize" call.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Capabilities    map[string]any     `json:"capabilities"`
}

// ToolsListParams is sent as the params of a "tools/list" request.
type ToolsListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolsListResult is the decoded result of a "tools/list" call. Tools is
// hand-written rather than reused from mcp-go's mcp.Tool: this fleet's Tool
// Descriptor carries a "permissions" list and an "authorized" flag (spec.md
// §4.7 step 4, GLOSSARY) that ride inside a tool's annotations and have no
// place in mcp-go's fixed ToolAnnotation struct, so the catalog decodes
// tools/list leniently into RawTool instead.
type ToolsListResult struct {
	Tools      []RawTool `json:"tools"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// RawTool is one entry of a "tools/list" result, decoded tolerantly: unknown
// keys are ignored (encoding/json's default), and InputSchema is kept raw
// since its shape is the child's to define.
type RawTool struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema json.RawMessage     `json:"inputSchema,omitempty"`
	Annotations *RawToolAnnotations `json:"annotations,omitempty"`
}

// RawToolAnnotations carries this fleet's policy-relevant extensions to a
// tool's annotations (spec.md §4.7 step 4): an explicit authorization flag
// and the list of permission strings an invocation must be granted.
type RawToolAnnotations struct {
	Authorized  *bool    `json:"authorized,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// ToolsCallParams is sent as the params of a "tools/call" request. Meta
// carries the progress token a child echoes back on
// "notifications/progress" frames during the call, per MCP's standard
// params._meta convention.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Meta      *RequestMeta   `json:"_meta,omitempty"`
}

// RequestMeta is the standard MCP params._meta envelope.
type RequestMeta struct {
	ProgressToken string `json:"progressToken,omitempty"`
}

// ToolsCallResult is an alias for mcp-go's own call-result shape, decoded
// directly by internal/fleet/invocation.finishSuccess: IsError plus
// Content ([]mcp.Content, type-switched to mcp.TextContent).
type ToolsCallResult = mcp.CallToolResult

// ProgressParams is the payload of a "notifications/progress" notification
// forwarded from a child mid-call.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken,omitempty"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Resource describes one MCP resource as reported by "resources/list".
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListParams is sent as the params of a "resources/list" request.
type ResourcesListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ResourcesListResult is the decoded result of a "resources/list" call.
type ResourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ResourcesSubscribeParams/UnsubscribeParams are sent for subscribe/
// unsubscribe requests, each naming one resource URI.
type ResourcesSubscribeParams struct {
	URI string `json:"uri"`
}

type ResourcesUnsubscribeParams struct {
	URI string `json:"uri"`
}

// ResourcesReadParams is sent as the params of a "resources/read" request.
type ResourcesReadParams struct {
	URI string `json:"uri"`
}

// ResourcesReadResult is the decoded result of a "resources/read" call.
type ResourcesReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is one content block returned by "resources/read". A
// response that carries extraneous keys alongside these is still decoded
// successfully (json.Unmarshal ignores unknown fields), matching the
// "tolerant interop" rule in spec.md §4.9.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourcesUpdatedParams is the payload of a
// "notifications/resources/updated" notification.
type ResourcesUpdatedParams struct {
	URI string `json:"uri"`
}
