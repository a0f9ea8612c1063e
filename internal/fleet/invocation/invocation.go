// Package invocation implements the Invocation Service (C8) from spec.md
// §4.8: validate -> permission-check -> schema-validate -> dispatch
// tools/call -> stream started/progress/output/completed/failed/cancelled
// events, with three-source cooperative cancellation (manual request,
// policy revocation, timeout).
//
// The schema-validation step is grounded on goa-ai's
// validatePayloadJSONAgainstSchema in registry/service.go (unmarshal schema
// and payload to `any`, jsonschema.NewCompiler -> AddResource -> Compile ->
// Validate). The terminal-event-exclusivity state machine is grounded on
// the teacher's pkg/server/events.go eventProcessor, generalized from A2A
// task events to tool-invocation outcomes.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
	"github.com/voicefleet/mcpfleet/internal/mcprpc"
	"github.com/voicefleet/mcpfleet/internal/toolid"
)

// EventType names the events an invocation streams to its caller.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventOutput    EventType = "output"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// CancelReason classifies why an invocation was aborted (spec.md §4.8 step
// 9, GLOSSARY Invocation.cancel reason).
type CancelReason string

const (
	ReasonRequest CancelReason = "request"
	ReasonRevoked CancelReason = "revoked"
	ReasonTimeout CancelReason = "timeout"
)

// Event is one item streamed to an invocation's onEvent callback.
type Event struct {
	Type             EventType
	InvocationID     string
	ToolID           string
	ToolName         string
	ServerID         string
	StartedAt        time.Time
	Progress         float64
	Content          any
	IsError          bool
	StructuredContent any
	DurationMs       int64
	Error            string
	Code             string
	Reason           CancelReason
}

// OnEvent streams one Event. Implementations must not block significantly;
// the invocation goroutine delivers events synchronously.
type OnEvent func(Event)

// Status is the terminal (or in-flight) state of an invocation (spec.md
// §4.8, state machine: pending -> running -> {success | error | cancelled}).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "success"
	StatusFailed    Status = "error"
	StatusCancelled Status = "cancelled"
)

// Request is one invoke() call's input (spec.md §4.8).
type Request struct {
	ToolID             string
	Input              map[string]any
	InvocationID       string
	SessionID          string
	GrantedPermissions []string
	Timeout            time.Duration
}

// Outcome is invoke()'s return value.
type Outcome struct {
	InvocationID string
	Status       Status
	Error        string
}

// ServerLookup is the subset of *process.Registry the service depends on.
type ServerLookup interface {
	Get(id string) (process.State, bool)
	List() []process.State
}

// ClientGetter is the subset of *rpcpool.Pool the service depends on.
type ClientGetter interface {
	GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error)
}

// Caller is the subset of *rpcpool.Client the service needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// CatalogSource resolves a tool id to its descriptor (spec.md §4.8 step 2).
type CatalogSource interface {
	GetCatalog(ctx context.Context) (catalog.Payload, error)
}

// Telemetry receives the outcome summary emitted on every invocation
// (spec.md §4.8 step 12).
type Telemetry interface {
	InvocationOutcome(toolID string, status Status, durationMs int64)
}

type active struct {
	toolID     string
	cancel     context.CancelCauseFunc
	cancelOnce sync.Once
	reason     CancelReason
}

func (a *active) abort(reason CancelReason) {
	a.cancelOnce.Do(func() {
		a.reason = reason
		a.cancel(fmt.Errorf("invocation %s: %s", reason, reason))
	})
}

// Service is the Invocation Service (C8).
type Service struct {
	servers       ServerLookup
	clients       ClientGetter
	catalog       CatalogSource
	policy        *policy.Policy
	telemetry     Telemetry
	defaultTimeout time.Duration

	mu            sync.Mutex
	byInvocation  map[string]*active
	byToolID      map[string]map[string]*active
	prevRevoked   map[string]bool
}

func New(servers ServerLookup, clients ClientGetter, cat CatalogSource, pol *policy.Policy, telemetry Telemetry, defaultTimeout time.Duration) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	s := &Service{
		servers:        servers,
		clients:        clients,
		catalog:        cat,
		policy:         pol,
		telemetry:      telemetry,
		defaultTimeout: defaultTimeout,
		byInvocation:   make(map[string]*active),
		byToolID:       make(map[string]map[string]*active),
		prevRevoked:    make(map[string]bool),
	}
	if pol != nil {
		pol.Subscribe(s.onPolicyChange)
	}
	return s
}

// onPolicyChange is the policy subscriber spec.md §4.8 wires to cancelByTool
// on newly revoked ids.
func (s *Service) onPolicyChange(revoked []string) {
	current := make(map[string]bool, len(revoked))
	for _, id := range revoked {
		current[id] = true
	}

	s.mu.Lock()
	var newlyRevoked []string
	for id := range current {
		if !s.prevRevoked[id] {
			newlyRevoked = append(newlyRevoked, id)
		}
	}
	s.prevRevoked = current
	s.mu.Unlock()

	if len(newlyRevoked) > 0 {
		s.cancelByTool(newlyRevoked)
	}
}

// Cancel marks the active invocation's reason as "request" and aborts it.
// Returns true iff an active invocation existed for id.
func (s *Service) Cancel(invocationID string) bool {
	s.mu.Lock()
	a, ok := s.byInvocation[invocationID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	a.abort(ReasonRequest)
	return true
}

// cancelByTool aborts every active invocation whose tool id is in ids, with
// reason "revoked".
func (s *Service) cancelByTool(ids []string) {
	s.mu.Lock()
	var toAbort []*active
	for _, id := range ids {
		for _, a := range s.byToolID[id] {
			toAbort = append(toAbort, a)
		}
	}
	s.mu.Unlock()

	for _, a := range toAbort {
		a.abort(ReasonRevoked)
	}
}

func (s *Service) register(invocationID, toolID string, cancel context.CancelCauseFunc) *active {
	a := &active{toolID: toolID, cancel: cancel}
	s.mu.Lock()
	s.byInvocation[invocationID] = a
	if s.byToolID[toolID] == nil {
		s.byToolID[toolID] = make(map[string]*active)
	}
	s.byToolID[toolID][invocationID] = a
	s.mu.Unlock()
	return a
}

func (s *Service) unregister(invocationID, toolID string) {
	s.mu.Lock()
	delete(s.byInvocation, invocationID)
	if m := s.byToolID[toolID]; m != nil {
		delete(m, invocationID)
		if len(m) == 0 {
			delete(s.byToolID, toolID)
		}
	}
	s.mu.Unlock()
}

// Invoke runs one tool call end to end, streaming events to onEvent, and
// returns the final outcome. It never panics on invocation-scoped errors;
// every failure mode is reported as an event plus the returned Outcome.
func (s *Service) Invoke(ctx context.Context, req Request, onEvent OnEvent) Outcome {
	invocationID := req.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	// Step 1: revoked at entry. Manager tools (catalog.ManagerServerID) are
	// exempt: SPEC_FULL.md specifies they are never subject to revocation.
	if s.policy != nil && toolid.ServerID(req.ToolID) != catalog.ManagerServerID && s.policy.IsRevoked(req.ToolID) {
		onEvent(Event{Type: EventCancelled, InvocationID: invocationID, ToolID: req.ToolID, Reason: ReasonRevoked})
		s.emitTelemetry(req.ToolID, StatusCancelled, 0)
		return Outcome{InvocationID: invocationID, Status: StatusCancelled}
	}

	// Step 2: resolve descriptor.
	payload, err := s.catalog.GetCatalog(ctx)
	if err != nil {
		return s.fail(invocationID, req.ToolID, onEvent, fmt.Errorf("resolving catalog: %w", err))
	}
	descriptor, ok := findDescriptor(payload, req.ToolID)
	if !ok {
		return s.fail(invocationID, req.ToolID, onEvent, errors.New("tool not found in catalog"))
	}

	// Step 3: permission check.
	if missing := missingPermissions(descriptor.Permissions, req.GrantedPermissions); len(missing) > 0 {
		return s.fail(invocationID, req.ToolID, onEvent, fmt.Errorf("missing permissions: %v", missing))
	}

	// Step 4: input schema validation.
	if err := validateInput(descriptor.InputSchema, req.Input); err != nil {
		return s.fail(invocationID, req.ToolID, onEvent, fmt.Errorf("input validation failed: %w", err))
	}

	serverID := toolid.ServerID(req.ToolID)

	// Manager tools (catalog.ManagerServerID) are answered locally by the
	// fleet itself: there is no child process to locate or dispatch to.
	if serverID == catalog.ManagerServerID {
		return s.invokeManagerTool(invocationID, req, descriptor, onEvent)
	}

	// Step 5: locate a running server.
	state, ok := s.servers.Get(serverID)
	if !ok || state.Status != process.StatusRunning {
		return s.fail(invocationID, req.ToolID, onEvent, errors.New("server not available"))
	}

	// Step 6: register cancel handle, timeout, started event.
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a := s.register(invocationID, req.ToolID, cancel)
	defer s.unregister(invocationID, req.ToolID)

	timer := time.AfterFunc(timeout, func() { a.abort(ReasonTimeout) })
	defer timer.Stop()

	startedAt := time.Now()
	onEvent(Event{
		Type: EventStarted, InvocationID: invocationID, ToolID: req.ToolID,
		ToolName: descriptor.Name, ServerID: serverID, StartedAt: startedAt,
	})

	// Step 7: dispatch, forwarding progress notifications.
	client, err := s.clients.GetClient(callCtx, state.Def, func(method string, params json.RawMessage) {
		s.routeNotification(invocationID, req.ToolID, method, params, onEvent)
	})
	if err != nil {
		return s.finishFailure(invocationID, req.ToolID, startedAt, onEvent, err)
	}

	raw, callErr := client.Call(callCtx, mcprpc.MethodToolsCall, mcprpc.ToolsCallParams{
		Name:      descriptor.Name,
		Arguments: req.Input,
		Meta:      &mcprpc.RequestMeta{ProgressToken: invocationID},
	})

	durationMs := time.Since(startedAt).Milliseconds()

	if callErr != nil {
		if ctxAborted(callCtx) {
			return s.finishCancelled(invocationID, req.ToolID, a.reason, durationMs, onEvent)
		}
		return s.finishFailure(invocationID, req.ToolID, startedAt, onEvent, callErr)
	}

	return s.finishSuccess(invocationID, req.ToolID, raw, durationMs, onEvent)
}

func ctxAborted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Service) routeNotification(invocationID, toolID, method string, params json.RawMessage, onEvent OnEvent) {
	if method != mcprpc.MethodNotifyProgress {
		return
	}
	var p mcprpc.ProgressParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	token, _ := p.ProgressToken.(string)
	if token != invocationID {
		return
	}
	onEvent(Event{Type: EventProgress, InvocationID: invocationID, ToolID: toolID, Progress: p.Progress})
}

// fail reports a pre-dispatch failure (steps 2-5): no started event was
// ever emitted, so the terminal event is the only event.
func (s *Service) fail(invocationID, toolID string, onEvent OnEvent, err error) Outcome {
	onEvent(Event{Type: EventFailed, InvocationID: invocationID, ToolID: toolID, Error: err.Error()})
	s.emitTelemetry(toolID, StatusFailed, 0)
	return Outcome{InvocationID: invocationID, Status: StatusFailed, Error: err.Error()}
}

func (s *Service) finishFailure(invocationID, toolID string, startedAt time.Time, onEvent OnEvent, err error) Outcome {
	durationMs := time.Since(startedAt).Milliseconds()
	onEvent(Event{Type: EventFailed, InvocationID: invocationID, ToolID: toolID, Error: err.Error(), DurationMs: durationMs})
	s.emitTelemetry(toolID, StatusFailed, durationMs)
	return Outcome{InvocationID: invocationID, Status: StatusFailed, Error: err.Error()}
}

func (s *Service) finishCancelled(invocationID, toolID string, reason CancelReason, durationMs int64, onEvent OnEvent) Outcome {
	if reason == "" {
		reason = ReasonRequest
	}
	onEvent(Event{Type: EventCancelled, InvocationID: invocationID, ToolID: toolID, Reason: reason, DurationMs: durationMs})
	s.emitTelemetry(toolID, StatusCancelled, durationMs)
	return Outcome{InvocationID: invocationID, Status: StatusCancelled}
}

func (s *Service) finishSuccess(invocationID, toolID string, raw json.RawMessage, durationMs int64, onEvent OnEvent) Outcome {
	// Decode through mcp-go's own mcp.CallToolResult (aliased as
	// mcprpc.ToolsCallResult) rather than a hand-rolled struct: it is the
	// same type the teacher's pkg/tool/mcptoolset.parseToolResponse decodes
	// a tools/call response into, including its polymorphic Content
	// ([]mcp.Content, type-switched to mcp.TextContent below exactly as
	// the teacher does).
	var result mcprpc.ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return s.finishFailure(invocationID, toolID, time.Now().Add(-time.Duration(durationMs)*time.Millisecond), onEvent, fmt.Errorf("decoding tool result: %w", err))
	}

	if result.IsError {
		errText := extractErrorText(result)
		onEvent(Event{Type: EventFailed, InvocationID: invocationID, ToolID: toolID, DurationMs: durationMs, Error: errText})
		s.emitTelemetry(toolID, StatusFailed, durationMs)
		return Outcome{InvocationID: invocationID, Status: StatusFailed, Error: errText}
	}

	content := extractContent(raw, result)
	onEvent(Event{Type: EventOutput, InvocationID: invocationID, ToolID: toolID, Content: content, IsError: false})
	onEvent(Event{
		Type: EventCompleted, InvocationID: invocationID, ToolID: toolID,
		DurationMs: durationMs, Content: content, StructuredContent: structuredContentOf(raw),
	})
	s.emitTelemetry(toolID, StatusSucceeded, durationMs)
	return Outcome{InvocationID: invocationID, Status: StatusSucceeded}
}

func (s *Service) emitTelemetry(toolID string, status Status, durationMs int64) {
	if s.telemetry != nil {
		s.telemetry.InvocationOutcome(toolID, status, durationMs)
	}
}

func findDescriptor(payload catalog.Payload, toolID string) (catalog.Descriptor, bool) {
	for _, d := range payload.Tools {
		if d.ID == toolID {
			return d, true
		}
	}
	for _, d := range catalog.ManagerDescriptors() {
		if d.ID == toolID {
			return d, true
		}
	}
	return catalog.Descriptor{}, false
}

// missingPermissions computes descriptor.permissions \ granted.
func missingPermissions(required, granted []string) []string {
	if len(required) == 0 {
		return nil
	}
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[g] = true
	}
	var missing []string
	for _, r := range required {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// validateInput treats a missing schema as no-op (spec.md §4.8 step 4),
// grounded on goa-ai's validatePayloadJSONAgainstSchema.
func validateInput(schema json.RawMessage, input map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	payloadBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadBytes, &payloadDoc); err != nil {
		return fmt.Errorf("unmarshal input: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	return compiled.Validate(payloadDoc)
}

// extractErrorText mirrors the teacher's parseToolResponse error path: scan
// Content for the first mcp.TextContent block.
func extractErrorText(result mcprpc.ToolsCallResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok && tc.Text != "" {
			return tc.Text
		}
	}
	return "tool call returned an error"
}

// extractContent applies the canonical content-field precedence (spec.md
// §4.8 step 8, DESIGN.md Open Question #2): output, then formatted, then
// structuredContent, then the first content[] text block, then nil. The
// first three are this fleet's own extensions riding alongside the standard
// tools/call response and are not part of mcp.CallToolResult, so they are
// probed from the raw bytes directly; the content[] fallback reuses the
// already-decoded mcp.CallToolResult/mcp.TextContent from result instead of
// re-parsing the content array a second time.
func extractContent(raw json.RawMessage, result mcprpc.ToolsCallResult) any {
	var probe struct {
		Output            json.RawMessage `json:"output"`
		Formatted         json.RawMessage `json:"formatted"`
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}

	if len(probe.Output) > 0 {
		return decodeAny(probe.Output)
	}
	if len(probe.Formatted) > 0 {
		return decodeAny(probe.Formatted)
	}
	if len(probe.StructuredContent) > 0 {
		return decodeAny(probe.StructuredContent)
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return nil
}

// structuredContentOf probes the raw response for a "structuredContent" key
// without assuming mcp.CallToolResult exposes it as a typed field across
// every mcp-go version this module might build against.
func structuredContentOf(raw json.RawMessage) any {
	var probe struct {
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return decodeAny(probe.StructuredContent)
}

func decodeAny(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
