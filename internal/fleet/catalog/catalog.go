// Package catalog implements the Catalog Service (C7) from spec.md §4.7: a
// TTL-cached, policy-filtered aggregation of every running server's
// tools/list, with single-flight collapse of concurrent cache misses and a
// warm-up retry loop for servers that are still starting.
//
// Grounded on the teacher's pkg/tool/mcptoolset tool-conversion logic
// (mcpTool.Name/Description/InputSchema -> a local Tool) for the per-tool
// decode shape, and other_examples' Bigsy-mcpmu Aggregator.ListTools for
// the fan-out-then-merge-across-servers structure.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
	"github.com/voicefleet/mcpfleet/internal/mcprpc"
	"github.com/voicefleet/mcpfleet/internal/toolid"
)

// Descriptor is one Tool Descriptor (spec.md GLOSSARY).
type Descriptor struct {
	ID          string
	Name        string
	Description string
	InputSchema json.RawMessage
	Permissions []string
	Transport   string
	ServerID    string
}

// Payload is an immutable Catalog Payload snapshot (spec.md GLOSSARY):
// once published, a Payload value is never mutated.
type Payload struct {
	Tools       []Descriptor
	CollectedAt time.Time
}

// ServerLister is the subset of *process.Registry the catalog depends on.
type ServerLister interface {
	List() []process.State
}

// Caller is the subset of *rpcpool.Client the catalog needs to issue a
// request. Narrowed to an interface (rather than depending on *rpcpool.Client
// directly) so tests can fake a server's RPC responses without a real
// child process or transport.Session.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ClientGetter is the subset of *rpcpool.Pool the catalog depends on.
type ClientGetter interface {
	GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error)
	Invalidate(id string)
}

// Starter is the subset of *process.Supervisor the catalog depends on, to
// satisfy step 1 of spec.md §4.7 ("ensure the supervisor has been started
// at least once").
type Starter interface {
	Start(ctx context.Context) error
}

// PoolAdapter adapts a concrete *rpcpool.Pool to ClientGetter: Pool.GetClient
// returns the concrete *rpcpool.Client, which satisfies Caller, but Go's
// interface satisfaction is on exact signatures, not covariant return types.
type PoolAdapter struct{ Pool *rpcpool.Pool }

func (a PoolAdapter) GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error) {
	return a.Pool.GetClient(ctx, def, onNotif)
}

func (a PoolAdapter) Invalidate(id string) { a.Pool.Invalidate(id) }

// Options configures timing knobs that spec.md leaves to deployment.
type Options struct {
	TTL            time.Duration
	InitialPoll    time.Duration
	StartupTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.InitialPoll <= 0 {
		o.InitialPoll = 10 * time.Millisecond
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 5 * time.Second
	}
	return o
}

// Telemetry receives the handshake event emitted on every getCatalog call
// (spec.md §4.7 steps 2 and 7).
type Telemetry interface {
	CatalogHandshake(cacheHit bool, toolCount int, success bool)
}

// Service is the Catalog Service (C7).
type Service struct {
	opts      Options
	starter   Starter
	registry  ServerLister
	clients   ClientGetter
	policy    *policy.Policy
	telemetry Telemetry

	startOnce sync.Once
	startErr  error

	mu        sync.RWMutex
	payload   *Payload
	expiresAt time.Time

	refresh singleflight.Group
}

func New(starter Starter, registry ServerLister, clients ClientGetter, pol *policy.Policy, telemetry Telemetry, opts Options) *Service {
	return &Service{
		opts:      opts.withDefaults(),
		starter:   starter,
		registry:  registry,
		clients:   clients,
		policy:    pol,
		telemetry: telemetry,
	}
}

// GetCatalog returns the current catalog payload, collecting a fresh one on
// a cache miss (spec.md §4.7).
func (s *Service) GetCatalog(ctx context.Context) (Payload, error) {
	s.startOnce.Do(func() { s.startErr = s.starter.Start(ctx) })
	if s.startErr != nil {
		s.emit(false, 0, false)
		return Payload{}, s.startErr
	}

	if p, ok := s.cached(); ok {
		s.emit(true, len(p.Tools), true)
		return p, nil
	}

	v, err, _ := s.refresh.Do("catalog", func() (any, error) {
		// Re-check: another caller may have just finished the collection
		// this caller is about to duplicate.
		if p, ok := s.cached(); ok {
			return p, nil
		}
		p, err := s.collect(ctx)
		if err != nil {
			return nil, err
		}
		s.store(p)
		return p, nil
	})
	if err != nil {
		s.emit(false, 0, false)
		return Payload{}, err
	}
	p := v.(Payload)
	s.emit(false, len(p.Tools), true)
	return p, nil
}

// InvalidateCache drops the cached payload, forcing the next GetCatalog
// call to re-collect.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
}

func (s *Service) cached() (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.payload == nil || time.Now().After(s.expiresAt) {
		return Payload{}, false
	}
	return *s.payload, true
}

func (s *Service) store(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.payload = &cp
	s.expiresAt = p.CollectedAt.Add(s.opts.TTL)
}

func (s *Service) emit(cacheHit bool, toolCount int, success bool) {
	if s.telemetry != nil {
		s.telemetry.CatalogHandshake(cacheHit, toolCount, success)
	}
}

// collect runs the warm-up loop (spec.md §4.7 steps 3-6) until it produces
// a non-empty aggregate or the startup deadline elapses.
func (s *Service) collect(ctx context.Context) (Payload, error) {
	deadline := time.Now().Add(s.opts.StartupTimeout)
	attempt := 0

	for {
		candidates := s.candidates()
		if len(candidates) > 0 {
			tools := s.queryAll(ctx, candidates)
			filtered := s.filter(tools)
			if len(filtered) > 0 || time.Now().After(deadline) {
				return Payload{Tools: filtered, CollectedAt: time.Now()}, nil
			}
		}

		wait := s.opts.InitialPoll << attempt
		if wait <= 0 || wait > s.opts.StartupTimeout {
			wait = s.opts.StartupTimeout
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Payload{Tools: nil, CollectedAt: time.Now()}, nil
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Payload{}, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// candidates selects servers eligible for a tools/list query: those whose
// status is running or starting. Only the status is checked; whether the
// server's stdin pipe is still open and writable is not.
func (s *Service) candidates() []process.State {
	var out []process.State
	for _, st := range s.registry.List() {
		if st.Status != process.StatusRunning && st.Status != process.StatusStarting {
			continue
		}
		out = append(out, st)
	}
	return out
}

type serverTools struct {
	serverID string
	tools    []mcprpc.RawTool
}

// queryAll fans out tools/list, paging each server until its cursor is
// exhausted, and logs (without failing the aggregate) any per-server error.
func (s *Service) queryAll(ctx context.Context, candidates []process.State) []serverTools {
	results := make([]serverTools, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range candidates {
		i, st := i, st
		g.Go(func() error {
			tools, err := s.queryOne(gctx, st.Def)
			if err != nil {
				slog.Warn("tools/list failed, excluding server from this catalog pass", "server", st.Def.ID, "error", err)
				s.clients.Invalidate(st.Def.ID)
				return nil
			}
			results[i] = serverTools{serverID: st.Def.ID, tools: tools}
			return nil
		})
	}
	g.Wait() // per-server errors are swallowed above; errgroup here only serializes completion

	return results
}

func (s *Service) queryOne(ctx context.Context, def config.ServerDefinition) ([]mcprpc.RawTool, error) {
	client, err := s.clients.GetClient(ctx, def, nil)
	if err != nil {
		return nil, err
	}

	var all []mcprpc.RawTool
	cursor := ""
	for {
		raw, err := client.Call(ctx, mcprpc.MethodToolsList, mcprpc.ToolsListParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var res mcprpc.ToolsListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return all, nil
}

// filter applies spec.md §4.7 step 4 (drop unnamed/unauthorized, extract
// permissions, qualify the id) followed by step 6 (policy exclusion), and
// returns the result sorted by qualified id for a stable payload ordering.
func (s *Service) filter(batches []serverTools) []Descriptor {
	var out []Descriptor
	for _, batch := range batches {
		for _, t := range batch.tools {
			if t.Name == "" {
				continue
			}
			if t.Annotations != nil && t.Annotations.Authorized != nil && !*t.Annotations.Authorized {
				continue
			}

			id := toolid.Format(batch.serverID, t.Name)
			if s.policy != nil && s.policy.IsRevoked(id) {
				continue
			}

			var perms []string
			if t.Annotations != nil {
				perms = t.Annotations.Permissions
			}

			out = append(out, Descriptor{
				ID:          id,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
				Permissions: perms,
				Transport:   "stdio",
				ServerID:    batch.serverID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
