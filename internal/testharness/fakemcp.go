// Package testharness provides a scriptable stdio MCP server used to
// exercise the supervisor, client pool, catalog, invocation, and resource
// tracker without a real third-party MCP server; it runs in-process or as a
// child process (cmd/fakemcp, internal/integration). Grounded on the fake
// server shape in peakyragnar-subluminal's pkg/testharness/fake_mcp_server.go, adapted
// to this fleet's wire envelope (internal/mcprpc) and resource protocol.
package testharness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/voicefleet/mcpfleet/internal/mcprpc"
)

// ToolHandler handles one tools/call invocation. Returning an error yields
// a JSON-RPC error response rather than a tool result.
type ToolHandler func(args map[string]any) (any, error)

// FakeTool is one tool this server advertises via tools/list.
type FakeTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Permissions []string
	Handler     ToolHandler

	// DelayMs simulates a slow call, useful for exercising timeouts and
	// cancellation.
	DelayMs int
}

// FakeResource is one resource this server advertises via resources/list
// and serves via resources/read.
type FakeResource struct {
	URI      string
	Name     string
	MimeType string
	Text     string
}

// FakeMCPServer is a scriptable MCP server speaking this fleet's
// newline-delimited JSON-RPC 2.0 envelope over stdio.
type FakeMCPServer struct {
	mu sync.Mutex

	tools     map[string]*FakeTool
	resources map[string]*FakeResource
	subs      map[string]bool

	calls []string

	notifyUpdates chan string
}

// NewFakeMCPServer constructs an empty fake server. Add tools and
// resources with AddTool/AddResource before calling Run.
func NewFakeMCPServer() *FakeMCPServer {
	return &FakeMCPServer{
		tools:         make(map[string]*FakeTool),
		resources:     make(map[string]*FakeResource),
		subs:          make(map[string]bool),
		notifyUpdates: make(chan string, 16),
	}
}

func (s *FakeMCPServer) AddTool(t FakeTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.InputSchema == nil {
		t.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	cp := t
	s.tools[t.Name] = &cp
}

func (s *FakeMCPServer) AddResource(r FakeResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.resources[r.URI] = &cp
}

// PushResourceUpdate queues a notifications/resources/updated frame for
// uri, emitted the next time Run's writer goroutine drains the channel.
// Only meaningful for subscribed URIs; others are dropped silently.
func (s *FakeMCPServer) PushResourceUpdate(uri string) {
	s.notifyUpdates <- uri
}

// Calls returns every tool name invoked so far, in order.
func (s *FakeMCPServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Run reads framed requests from r and writes framed responses/
// notifications to w, serialized by an internal write mutex. Blocks until
// r hits EOF or ctx-equivalent closure of r.
func (s *FakeMCPServer) Run(r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	writeLine := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "%s\n", b)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case uri, ok := <-s.notifyUpdates:
				if !ok {
					return
				}
				s.mu.Lock()
				subscribed := s.subs[uri]
				s.mu.Unlock()
				if !subscribed {
					continue
				}
				writeLine(mcprpc.Request{
					JSONRPC: "2.0",
					Method:  mcprpc.MethodNotifyResourceUpdated,
					Params:  mustMarshal(mcprpc.ResourcesUpdatedParams{URI: uri}),
				})
			case <-done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req mcprpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			writeLine(mcprpc.Response{JSONRPC: "2.0", Error: &mcprpc.Error{Code: mcprpc.ErrCodeParse, Message: "parse error"}})
			continue
		}
		if req.ID == nil {
			continue // notification from the fleet: nothing currently requires a reply
		}

		resp := s.handle(&req)
		writeLine(resp)
	}
	return scanner.Err()
}

func (s *FakeMCPServer) handle(req *mcprpc.Request) mcprpc.Response {
	switch req.Method {
	case mcprpc.MethodInitialize:
		return s.handleInitialize(req)
	case mcprpc.MethodToolsList:
		return s.handleToolsList(req)
	case mcprpc.MethodToolsCall:
		return s.handleToolsCall(req)
	case mcprpc.MethodResourcesList:
		return s.handleResourcesList(req)
	case mcprpc.MethodResourcesRead:
		return s.handleResourcesRead(req)
	case mcprpc.MethodResourcesSubscribe:
		return s.handleResourcesSubscribe(req, true)
	case mcprpc.MethodResourcesUnsubscribe:
		return s.handleResourcesSubscribe(req, false)
	default:
		return errResponse(req.ID, mcprpc.ErrCodeMethodNotFound, "method not found")
	}
}

func (s *FakeMCPServer) handleInitialize(req *mcprpc.Request) mcprpc.Response {
	result := mcprpc.InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
	}
	result.ServerInfo.Name = "fakemcp"
	result.ServerInfo.Version = "1.0.0"
	return okResponse(req.ID, result)
}

func (s *FakeMCPServer) handleToolsList(req *mcprpc.Request) mcprpc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []mcprpc.RawTool
	for _, t := range s.tools {
		rt := mcprpc.RawTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		if len(t.Permissions) > 0 {
			rt.Annotations = &mcprpc.RawToolAnnotations{Permissions: t.Permissions}
		}
		out = append(out, rt)
	}
	return okResponse(req.ID, mcprpc.ToolsListResult{Tools: out})
}

func (s *FakeMCPServer) handleToolsCall(req *mcprpc.Request) mcprpc.Response {
	var params mcprpc.ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, mcprpc.ErrCodeInvalidParams, "invalid params")
	}

	s.mu.Lock()
	tool, ok := s.tools[params.Name]
	if ok {
		s.calls = append(s.calls, params.Name)
	}
	s.mu.Unlock()

	if !ok {
		return errResponse(req.ID, mcprpc.ErrCodeInvalidParams, "unknown tool: "+params.Name)
	}
	if tool.DelayMs > 0 {
		time.Sleep(time.Duration(tool.DelayMs) * time.Millisecond)
	}

	var text string
	if tool.Handler != nil {
		result, err := tool.Handler(params.Arguments)
		if err != nil {
			return errResponse(req.ID, mcprpc.ErrCodeInternal, err.Error())
		}
		switch v := result.(type) {
		case string:
			text = v
		default:
			b, _ := json.Marshal(v)
			text = string(b)
		}
	} else {
		text = "ok"
	}

	return okResponse(req.ID, toolCallResult{
		Content: []toolContentBlock{{Type: "text", Text: text}},
	})
}

// toolCallResult mirrors the subset of a tools/call response that
// internal/fleet/invocation decodes via mcp.CallToolResult: isError and a
// content[] of {type, text} blocks.
type toolCallResult struct {
	IsError bool               `json:"isError"`
	Content []toolContentBlock `json:"content"`
}

type toolContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *FakeMCPServer) handleResourcesList(req *mcprpc.Request) mcprpc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mcprpc.Resource
	for _, r := range s.resources {
		out = append(out, mcprpc.Resource{URI: r.URI, Name: r.Name, MimeType: r.MimeType})
	}
	return okResponse(req.ID, mcprpc.ResourcesListResult{Resources: out})
}

func (s *FakeMCPServer) handleResourcesRead(req *mcprpc.Request) mcprpc.Response {
	var params mcprpc.ResourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, mcprpc.ErrCodeInvalidParams, "invalid params")
	}
	s.mu.Lock()
	r, ok := s.resources[params.URI]
	s.mu.Unlock()
	if !ok {
		return errResponse(req.ID, mcprpc.ErrCodeInvalidParams, "unknown resource: "+params.URI)
	}
	return okResponse(req.ID, mcprpc.ResourcesReadResult{
		Contents: []mcprpc.ResourceContent{{URI: r.URI, MimeType: r.MimeType, Text: r.Text}},
	})
}

func (s *FakeMCPServer) handleResourcesSubscribe(req *mcprpc.Request, subscribe bool) mcprpc.Response {
	var params mcprpc.ResourcesSubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, mcprpc.ErrCodeInvalidParams, "invalid params")
	}
	s.mu.Lock()
	if subscribe {
		s.subs[params.URI] = true
	} else {
		delete(s.subs, params.URI)
	}
	s.mu.Unlock()
	return okResponse(req.ID, map[string]any{})
}

func okResponse(id any, result any) mcprpc.Response {
	return mcprpc.Response{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)}
}

func errResponse(id any, code int, message string) mcprpc.Response {
	return mcprpc.Response{JSONRPC: "2.0", ID: id, Error: &mcprpc.Error{Code: code, Message: message}}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
