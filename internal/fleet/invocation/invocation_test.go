package invocation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
)

type fakeServers struct{ states map[string]process.State }

func (f fakeServers) Get(id string) (process.State, bool) {
	st, ok := f.states[id]
	return st, ok
}

func (f fakeServers) List() []process.State {
	out := make([]process.State, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st)
	}
	return out
}

func runningServer(id string) process.State {
	return process.State{Def: config.ServerDefinition{ID: id, Command: "fake"}, Status: process.StatusRunning}
}

type fakeCatalog struct{ payload catalog.Payload }

func (f fakeCatalog) GetCatalog(ctx context.Context) (catalog.Payload, error) { return f.payload, nil }

type fakeCall struct {
	response json.RawMessage
	err      error
	delay    time.Duration
	onCalled func()
}

func (f *fakeCall) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.onCalled != nil {
		f.onCalled()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeClients struct{ caller Caller }

func (f fakeClients) GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error) {
	return f.caller, nil
}

func descriptor(toolID, name string, perms []string, schema json.RawMessage) catalog.Descriptor {
	return catalog.Descriptor{ID: toolID, Name: name, Permissions: perms, InputSchema: schema, ServerID: "alpha"}
}

func TestInvoke_SuccessEmitsOutputThenCompleted(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:search", "search", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	caller := &fakeCall{response: json.RawMessage(`{"output":"42","isError":false}`)}
	clients := fakeClients{caller: caller}

	svc := New(servers, clients, cat, policy.New(), nil, time.Second)

	var events []Event
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:search", Input: map[string]any{}}, func(e Event) {
		events = append(events, e)
	})

	require.Equal(t, StatusSucceeded, outcome.Status)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventOutput, events[1].Type)
	assert.Equal(t, "42", events[1].Content)
	assert.Equal(t, EventCompleted, events[2].Type)
}

func TestInvoke_RevokedAtEntryShortCircuits(t *testing.T) {
	pol := policy.New()
	pol.Revoke([]string{"alpha:search"}, policy.Change{Reason: "test"})

	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:search", "search", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	clients := fakeClients{caller: &fakeCall{}}

	svc := New(servers, clients, cat, pol, nil, time.Second)

	var events []Event
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:search"}, func(e Event) { events = append(events, e) })

	assert.Equal(t, StatusCancelled, outcome.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventCancelled, events[0].Type)
	assert.Equal(t, ReasonRevoked, events[0].Reason)
}

func TestInvoke_ToolNotFoundFails(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	clients := fakeClients{caller: &fakeCall{}}

	svc := New(servers, clients, cat, policy.New(), nil, time.Second)
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:missing"}, nil)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "not found")
}

func TestInvoke_MissingPermissionsFails(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:delete", "delete", []string{"admin"}, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	clients := fakeClients{caller: &fakeCall{}}

	svc := New(servers, clients, cat, policy.New(), nil, time.Second)
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:delete", GrantedPermissions: []string{"read"}}, nil)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "missing permissions")
}

func TestInvoke_InputValidationFailureIsReported(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`)
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:search", "search", nil, schema)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	clients := fakeClients{caller: &fakeCall{}}

	svc := New(servers, clients, cat, policy.New(), nil, time.Second)
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:search", Input: map[string]any{}}, nil)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "input validation failed")
}

func TestInvoke_ServerNotRunningFails(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:search", "search", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{}}
	clients := fakeClients{caller: &fakeCall{}}

	svc := New(servers, clients, cat, policy.New(), nil, time.Second)
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:search"}, nil)

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "server not available")
}

func TestInvoke_TimeoutYieldsCancelledWithReason(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:slow", "slow", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}
	clients := fakeClients{caller: &fakeCall{delay: time.Second}}

	svc := New(servers, clients, cat, policy.New(), nil, 10*time.Millisecond)

	var events []Event
	outcome := svc.Invoke(context.Background(), Request{ToolID: "alpha:slow"}, func(e Event) { events = append(events, e) })

	require.Equal(t, StatusCancelled, outcome.Status)
	last := events[len(events)-1]
	assert.Equal(t, EventCancelled, last.Type)
	assert.Equal(t, ReasonTimeout, last.Reason)
}

func TestInvoke_ManualCancelYieldsRequestReason(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:slow", "slow", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}

	started := make(chan struct{})
	caller := &fakeCall{delay: time.Second, onCalled: func() { close(started) }}
	clients := fakeClients{caller: caller}

	svc := New(servers, clients, cat, policy.New(), nil, time.Minute)

	var events []Event
	done := make(chan Outcome, 1)
	go func() {
		done <- svc.Invoke(context.Background(), Request{ToolID: "alpha:slow", InvocationID: "inv-1"}, func(e Event) { events = append(events, e) })
	}()

	<-started
	require.Eventually(t, func() bool { return svc.Cancel("inv-1") }, time.Second, time.Millisecond)

	outcome := <-done
	assert.Equal(t, StatusCancelled, outcome.Status)
	assert.Equal(t, ReasonRequest, events[len(events)-1].Reason)
}

func TestInvoke_RevocationMidFlightCancelsActiveInvocation(t *testing.T) {
	cat := fakeCatalog{payload: catalog.Payload{Tools: []catalog.Descriptor{descriptor("alpha:slow", "slow", nil, nil)}}}
	servers := fakeServers{states: map[string]process.State{"alpha": runningServer("alpha")}}

	started := make(chan struct{})
	caller := &fakeCall{delay: time.Second, onCalled: func() { close(started) }}
	clients := fakeClients{caller: caller}

	pol := policy.New()
	svc := New(servers, clients, cat, pol, nil, time.Minute)

	done := make(chan Outcome, 1)
	go func() {
		done <- svc.Invoke(context.Background(), Request{ToolID: "alpha:slow", InvocationID: "inv-2"}, nil)
	}()

	<-started
	pol.Revoke([]string{"alpha:slow"}, policy.Change{Reason: "incident"})

	select {
	case outcome := <-done:
		assert.Equal(t, StatusCancelled, outcome.Status)
	case <-time.After(time.Second):
		t.Fatal("invocation was not cancelled by revocation")
	}
}
