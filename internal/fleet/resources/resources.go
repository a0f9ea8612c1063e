// Package resources implements the Resource Tracker (C9) from spec.md
// §4.9: periodic reconciliation of which servers should be tracked,
// resources/list paging + subscribe/unsubscribe diffing per server, update
// notification dedupe, and SSE-bound event fan-out.
//
// The get-or-create-under-RLock-then-double-check-under-write-lock shape
// for per-server state, and the subscriber fan-out shape, are both grounded
// on goa-ai's registry/stream_manager.go (streamManager.GetOrCreateStream);
// the periodic reconcile-against-desired-set idea is grounded on that
// package's registry/health_tracker.go (StartPingLoop/StopPingLoop
// register/unregister toolsets for tracking), narrowed from its
// multi-node ping/pong design down to this single-process poll.
package resources

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
	"github.com/voicefleet/mcpfleet/internal/mcprpc"
)

// EventType names the SSE-bound events the tracker publishes.
type EventType string

const (
	EventResourceUpdate EventType = "resource_update"
	EventResourceError  EventType = "resource_error"
	EventStopped        EventType = "tracker_stopped"
)

// Event is one item published to subscribers (spec.md §6.6).
type Event struct {
	Type        EventType
	ServerID    string
	ResourceURI string
	Resource    *mcprpc.Resource
	Contents    []mcprpc.ResourceContent
	ReceivedAt  time.Time
	Reason      string
	Error       string
}

// Subscriber receives tracker events. Per spec.md §5 ("enqueue and return
// quickly"), implementations must not block.
type Subscriber func(Event)

// Caller is the subset of *rpcpool.Client the tracker needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ClientGetter is the subset of *rpcpool.Pool the tracker depends on.
type ClientGetter interface {
	GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error)
}

// ServerLister is the subset of *process.Registry the tracker depends on.
type ServerLister interface {
	List() []process.State
}

// BackoffConfig controls the retry schedule for a failing refresh/read
// (spec.md §4.9: "initial × 2^attempt, capped").
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Options configures the tracker's timing.
type Options struct {
	SyncInterval time.Duration
	DedupeWindow time.Duration
	Backoff      BackoffConfig
	ReadRetryCap time.Duration
}

func (o Options) withDefaults() Options {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Second
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 2 * time.Second
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = 100 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 10 * time.Second
	}
	if o.ReadRetryCap <= 0 {
		o.ReadRetryCap = 30 * time.Second
	}
	return o
}

// serverState is one tracked server's mutable state (spec.md §4.9's
// per-server state list, field for field).
type serverState struct {
	mu sync.Mutex

	serverID string
	pid      int
	client   Caller

	subscribed  map[string]struct{}
	descriptors map[string]mcprpc.Resource
	lastEmit    map[string]time.Time
	pending     map[string]struct{}

	retryAttempt int
	refreshing   bool
	disposed     bool
	unsupported  bool
}

func newServerState(serverID string, pid int) *serverState {
	return &serverState{
		serverID:    serverID,
		pid:         pid,
		subscribed:  make(map[string]struct{}),
		descriptors: make(map[string]mcprpc.Resource),
		lastEmit:    make(map[string]time.Time),
		pending:     make(map[string]struct{}),
	}
}

// Tracker is the Resource Tracker (C9).
type Tracker struct {
	opts     Options
	registry ServerLister
	clients  ClientGetter

	mu      sync.Mutex
	servers map[string]*serverState

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSubID   int

	cancel context.CancelFunc
	done   chan struct{}
}

func New(registry ServerLister, clients ClientGetter, opts Options) *Tracker {
	return &Tracker{
		opts:        opts.withDefaults(),
		registry:    registry,
		clients:     clients,
		servers:     make(map[string]*serverState),
		subscribers: make(map[int]Subscriber),
		done:        make(chan struct{}),
	}
}

// Subscribe registers sub for future events and returns an unsubscribe func.
func (t *Tracker) Subscribe(sub Subscriber) func() {
	t.subMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = sub
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subscribers, id)
		t.subMu.Unlock()
	}
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	subs := make([]Subscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.subMu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}

// Start launches the periodic sync loop. It runs until ctx is cancelled or
// Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(ctx)
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	t.sync(ctx)

	ticker := time.NewTicker(t.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.disposeAll()
			t.publish(Event{Type: EventStopped, ReceivedAt: time.Now()})
			return
		case <-ticker.C:
			t.sync(ctx)
		}
	}
}

// Stop tears down the tracker synchronously: idempotent, safe to call more
// than once.
func (t *Tracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// sync reconciles tracked servers with the desired set: running, live, and
// track_resources=true (spec.md §4.9).
func (t *Tracker) sync(ctx context.Context) {
	desired := make(map[string]process.State)
	for _, st := range t.registry.List() {
		if st.Status == process.StatusRunning && st.Def.TrackResources && st.Pid != 0 {
			desired[st.Def.ID] = st
		}
	}

	t.mu.Lock()
	var toRefresh []*serverState
	var toDefs []config.ServerDefinition

	for id := range t.servers {
		if _, ok := desired[id]; !ok {
			ss := t.servers[id]
			delete(t.servers, id)
			go t.dispose(ss)
		}
	}

	for id, st := range desired {
		ss, exists := t.servers[id]
		if !exists {
			ss = newServerState(id, st.Pid)
			t.servers[id] = ss
			toRefresh = append(toRefresh, ss)
			toDefs = append(toDefs, st.Def)
			continue
		}
		ss.mu.Lock()
		pidChanged := ss.pid != st.Pid
		ss.mu.Unlock()
		if pidChanged {
			toRefresh = append(toRefresh, ss)
			toDefs = append(toDefs, st.Def)
		}
	}
	t.mu.Unlock()

	for i, ss := range toRefresh {
		go t.reconnectAndRefresh(ctx, ss, toDefs[i])
	}
}

func (t *Tracker) reconnectAndRefresh(ctx context.Context, ss *serverState, def config.ServerDefinition) {
	client, err := t.clients.GetClient(ctx, def, func(method string, params json.RawMessage) {
		t.handleNotification(ctx, ss, method, params)
	})
	if err != nil {
		slog.Warn("resource tracker: failed to obtain client", "server", ss.serverID, "error", err)
		t.scheduleRetry(ctx, ss, def)
		return
	}

	ss.mu.Lock()
	ss.client = client
	ss.mu.Unlock()

	t.refresh(ctx, ss, def)
}

func (t *Tracker) scheduleRetry(ctx context.Context, ss *serverState, def config.ServerDefinition) {
	ss.mu.Lock()
	ss.retryAttempt++
	attempt := ss.retryAttempt
	disposed := ss.disposed
	ss.mu.Unlock()
	if disposed {
		return
	}

	delay := t.opts.Backoff.delay(attempt)
	time.AfterFunc(delay, func() {
		select {
		case <-ctx.Done():
		default:
			t.refresh(ctx, ss, def)
		}
	})
}

// refresh pages resources/list, diffs against the subscribed set, and
// issues subscribe/unsubscribe calls (spec.md §4.9 "Refresh"). A second
// refresh while one is in flight is a no-op (spec.md §5 "guards against
// overlapping refreshes").
func (t *Tracker) refresh(ctx context.Context, ss *serverState, def config.ServerDefinition) {
	ss.mu.Lock()
	if ss.disposed {
		ss.mu.Unlock()
		return
	}
	if ss.refreshing {
		ss.mu.Unlock()
		return
	}
	ss.refreshing = true
	client := ss.client
	ss.mu.Unlock()

	defer func() {
		ss.mu.Lock()
		ss.refreshing = false
		ss.mu.Unlock()
	}()

	listed, err := listAllResources(ctx, client)
	if err != nil {
		if isUnsupported(err) {
			t.markUnsupported(ss)
			return
		}
		t.publish(Event{Type: EventResourceError, ServerID: ss.serverID, ReceivedAt: time.Now(), Reason: "refresh_failed", Error: err.Error()})
		t.scheduleRetry(ctx, ss, def)
		return
	}

	ss.mu.Lock()
	ss.retryAttempt = 0
	current := make(map[string]struct{}, len(listed))
	descriptors := make(map[string]mcprpc.Resource, len(listed))
	for _, r := range listed {
		current[r.URI] = struct{}{}
		descriptors[r.URI] = r
	}

	var toAdd, toRemove []string
	for uri := range current {
		if _, ok := ss.subscribed[uri]; !ok {
			toAdd = append(toAdd, uri)
		}
	}
	for uri := range ss.subscribed {
		if _, ok := current[uri]; !ok {
			toRemove = append(toRemove, uri)
		}
	}
	ss.mu.Unlock()

	for _, uri := range toAdd {
		if _, err := client.Call(ctx, mcprpc.MethodResourcesSubscribe, mcprpc.ResourcesSubscribeParams{URI: uri}); err != nil {
			slog.Warn("resource subscribe failed", "server", ss.serverID, "uri", uri, "error", err)
		}
	}
	for _, uri := range toRemove {
		if _, err := client.Call(ctx, mcprpc.MethodResourcesUnsubscribe, mcprpc.ResourcesUnsubscribeParams{URI: uri}); err != nil {
			slog.Warn("resource unsubscribe failed", "server", ss.serverID, "uri", uri, "error", err)
		}
	}

	ss.mu.Lock()
	ss.subscribed = current
	ss.descriptors = descriptors
	ss.mu.Unlock()
}

func listAllResources(ctx context.Context, client Caller) ([]mcprpc.Resource, error) {
	var all []mcprpc.Resource
	cursor := ""
	for {
		raw, err := client.Call(ctx, mcprpc.MethodResourcesList, mcprpc.ResourcesListParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var res mcprpc.ResourcesListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return all, nil
}

// isUnsupported reports whether err looks like a "server does not support
// resources" style error (spec.md §4.9, error kind Unsupported), which by
// convention surfaces as a JSON-RPC method-not-found error.
func isUnsupported(err error) bool {
	rpcErr, ok := err.(*mcprpc.Error)
	return ok && rpcErr.Code == mcprpc.ErrCodeMethodNotFound
}

func (t *Tracker) markUnsupported(ss *serverState) {
	ss.mu.Lock()
	ss.unsupported = true
	ss.mu.Unlock()
	t.dispose(ss)
}

func (t *Tracker) dispose(ss *serverState) {
	ss.mu.Lock()
	if ss.disposed {
		ss.mu.Unlock()
		return
	}
	ss.disposed = true
	client := ss.client
	uris := make([]string, 0, len(ss.subscribed))
	for uri := range ss.subscribed {
		uris = append(uris, uri)
	}
	ss.subscribed = make(map[string]struct{})
	ss.mu.Unlock()

	if client == nil {
		return
	}
	ctx := context.Background()
	for _, uri := range uris {
		_, _ = client.Call(ctx, mcprpc.MethodResourcesUnsubscribe, mcprpc.ResourcesUnsubscribeParams{URI: uri})
	}
}

func (t *Tracker) disposeAll() {
	t.mu.Lock()
	servers := make([]*serverState, 0, len(t.servers))
	for _, ss := range t.servers {
		servers = append(servers, ss)
	}
	t.servers = make(map[string]*serverState)
	t.mu.Unlock()

	for _, ss := range servers {
		t.dispose(ss)
	}
}

// handleNotification processes notifications/resources/list_changed and
// notifications/resources/updated frames (spec.md §4.9 "Update
// notification").
func (t *Tracker) handleNotification(ctx context.Context, ss *serverState, method string, params json.RawMessage) {
	switch method {
	case mcprpc.MethodNotifyResourcesChanged:
		ss.mu.Lock()
		disposed := ss.disposed
		ss.mu.Unlock()
		if disposed {
			return
		}
		go t.refresh(ctx, ss, config.ServerDefinition{ID: ss.serverID})

	case mcprpc.MethodNotifyResourceUpdated:
		var p mcprpc.ResourcesUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		t.handleResourceUpdated(ctx, ss, p.URI)
	}
}

func (t *Tracker) handleResourceUpdated(ctx context.Context, ss *serverState, uri string) {
	ss.mu.Lock()
	if ss.disposed || ss.unsupported {
		ss.mu.Unlock()
		return
	}
	if last, ok := ss.lastEmit[uri]; ok && time.Since(last) < t.opts.DedupeWindow {
		ss.mu.Unlock()
		return
	}
	if _, pending := ss.pending[uri]; pending {
		ss.mu.Unlock()
		return
	}
	ss.pending[uri] = struct{}{}
	client := ss.client
	descriptor, hasDescriptor := ss.descriptors[uri]
	ss.mu.Unlock()

	go t.readAndPublish(ctx, ss, client, uri, descriptor, hasDescriptor, 0)
}

func (t *Tracker) readAndPublish(ctx context.Context, ss *serverState, client Caller, uri string, descriptor mcprpc.Resource, hasDescriptor bool, attempt int) {
	defer func() {
		ss.mu.Lock()
		delete(ss.pending, uri)
		ss.mu.Unlock()
	}()

	raw, err := client.Call(ctx, mcprpc.MethodResourcesRead, mcprpc.ResourcesReadParams{URI: uri})
	if err != nil {
		delay := t.opts.Backoff.delay(attempt)
		if delay > t.opts.ReadRetryCap {
			t.publish(Event{Type: EventResourceError, ServerID: ss.serverID, ResourceURI: uri, ReceivedAt: time.Now(), Reason: "read_failed", Error: err.Error()})
			return
		}
		time.AfterFunc(delay, func() {
			ss.mu.Lock()
			ss.pending[uri] = struct{}{}
			ss.mu.Unlock()
			t.readAndPublish(ctx, ss, client, uri, descriptor, hasDescriptor, attempt+1)
		})
		return
	}

	var res mcprpc.ResourcesReadResult
	if jsonErr := json.Unmarshal(raw, &res); jsonErr != nil {
		t.publish(Event{Type: EventResourceError, ServerID: ss.serverID, ResourceURI: uri, ReceivedAt: time.Now(), Reason: "decode_failed", Error: jsonErr.Error()})
		return
	}

	now := time.Now()
	ss.mu.Lock()
	ss.lastEmit[uri] = now
	ss.mu.Unlock()

	ev := Event{Type: EventResourceUpdate, ServerID: ss.serverID, ResourceURI: uri, Contents: res.Contents, ReceivedAt: now}
	if hasDescriptor {
		d := descriptor
		ev.Resource = &d
	}
	t.publish(ev)
}
