// Package rpcpool implements the JSON-RPC Client Pool (C5) from spec.md
// §4.5: one initialized JSON-RPC session per live (server id, pid),
// handshake on first use, invalidated on the underlying session's close or
// error. Handshake semantics are grounded in the teacher's
// pkg/tool/mcptoolset connectStdio (Initialize then discovery), the
// per-key de-duplication in golang.org/x/sync/singleflight per spec.md §9.
package rpcpool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/voicefleet/mcpfleet/internal/fleet/transport"
	"github.com/voicefleet/mcpfleet/internal/mcprpc"
)

// ClientIdentity is what the fleet advertises to every child during
// initialize (spec.md §4.5).
var ClientIdentity = mcprpc.InitializeParams{
	ProtocolVersion: "2024-11-05",
	ClientInfo:      mcp.Implementation{Name: "mcpfleet", Version: "1.0.0"},
	Capabilities: mcprpc.ClientCapabilities{
		Tools:                  &struct{}{},
		ResourcesNotifications: &struct{}{},
	},
}

// NotificationHandler receives unsolicited server->client frames: progress
// notifications and resource change notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Client is one handshake-initialized JSON-RPC session bound to exactly
// one pid for its lifetime (spec.md §3, RPC Client invariant).
type Client struct {
	ServerID string
	Pid      int

	session *transport.Session
	onNotif NotificationHandler

	nextID  int64
	mu      sync.Mutex
	pending map[int64]chan *mcprpc.Response

	closedOnce sync.Once
	onEvict    func()
}

// newClient allocates a Client with no session attached yet. The caller
// must call attachSession once the transport.Session exists, before the
// Client is handed to anything that might call Call/Notify/Close.
//
// Session creation is split from allocation so that transport.New's
// callbacks (which start receiving frames the instant it is called) always
// close over a live, non-nil *Client: handleFrame only touches pending/
// onNotif, never the session field, so it is safe to run before
// attachSession.
func newClient(serverID string, pid int, onNotif NotificationHandler) *Client {
	return &Client{
		ServerID: serverID,
		Pid:      pid,
		onNotif:  onNotif,
		pending:  make(map[int64]chan *mcprpc.Response),
	}
}

func (c *Client) attachSession(session *transport.Session) {
	c.session = session
}

func (c *Client) handleFrame(raw json.RawMessage) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	if probe.Method != "" {
		var params json.RawMessage
		var full struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(raw, &full)
		params = full.Params
		if c.onNotif != nil {
			c.onNotif(probe.Method, params)
		}
		return
	}

	var resp mcprpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}

	var id int64
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- &resp
	}
}

// Call issues a JSON-RPC request and waits for its matched response or
// ctx's cancellation.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	req, err := mcprpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *mcprpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.session.Send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a one-way notification frame (no response expected).
func (c *Client) Notify(method string, params any) error {
	req, err := mcprpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return c.session.Send(req)
}

// Close tears down the underlying transport session. Idempotent.
func (c *Client) Close() {
	c.closedOnce.Do(func() {
		c.session.Close()
	})
}

