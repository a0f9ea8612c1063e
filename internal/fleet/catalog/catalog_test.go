package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
)

type fakeStarter struct{ err error }

func (f fakeStarter) Start(ctx context.Context) error { return f.err }

type fakeLister struct{ states []process.State }

func (f fakeLister) List() []process.State { return f.states }

type fakeCaller struct {
	pages [][]fakeTool // one slice of tools per page, paged in order
	call  int
	err   error
}

type fakeTool struct {
	name        string
	authorized  *bool
	permissions []string
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[f.call]
	f.call++

	tools := make([]map[string]any, 0, len(page))
	for _, t := range page {
		annotations := map[string]any{}
		if t.authorized != nil {
			annotations["authorized"] = *t.authorized
		}
		if t.permissions != nil {
			annotations["permissions"] = t.permissions
		}
		tools = append(tools, map[string]any{
			"name":        t.name,
			"annotations": annotations,
		})
	}
	result := map[string]any{"tools": tools}
	if f.call < len(f.pages) {
		result["nextCursor"] = "more"
	}
	return json.Marshal(result)
}

type fakeClients struct {
	callers map[string]*fakeCaller
}

func (f *fakeClients) GetClient(ctx context.Context, def config.ServerDefinition, onNotif rpcpool.NotificationHandler) (Caller, error) {
	return f.callers[def.ID], nil
}
func (f *fakeClients) Invalidate(id string) {}

func runningState(id string) process.State {
	return process.State{Def: config.ServerDefinition{ID: id, Command: "fake"}, Status: process.StatusRunning}
}

func TestCatalog_CollectsFiltersAndCaches(t *testing.T) {
	authorizedTrue := true
	authorizedFalse := false

	lister := fakeLister{states: []process.State{runningState("alpha")}}
	clients := &fakeClients{callers: map[string]*fakeCaller{
		"alpha": {pages: [][]fakeTool{
			{{name: "search", permissions: []string{"read"}}, {name: "", permissions: nil}},
			{{name: "delete", authorized: &authorizedFalse}, {name: "restart", authorized: &authorizedTrue}},
		}},
	}}

	svc := New(fakeStarter{}, lister, clients, policy.New(), nil, Options{TTL: time.Minute})

	payload, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, payload.Tools, 2, "unnamed and unauthorized tools must be dropped")

	assert.Equal(t, "alpha:restart", payload.Tools[0].ID)
	assert.Equal(t, "alpha:search", payload.Tools[1].ID)
	assert.Equal(t, []string{"read"}, payload.Tools[1].Permissions)

	// Second call within TTL must hit the cache, not call the fake again.
	callsBefore := clients.callers["alpha"].call
	payload2, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, callsBefore, clients.callers["alpha"].call)
	assert.Equal(t, payload.CollectedAt, payload2.CollectedAt)
}

func TestCatalog_PolicyExcludesRevokedTool(t *testing.T) {
	lister := fakeLister{states: []process.State{runningState("alpha")}}
	clients := &fakeClients{callers: map[string]*fakeCaller{
		"alpha": {pages: [][]fakeTool{{{name: "search"}, {name: "delete"}}}},
	}}

	pol := policy.New()
	pol.Revoke([]string{"alpha:delete"}, policy.Change{Reason: "unsafe"})

	svc := New(fakeStarter{}, lister, clients, pol, nil, Options{TTL: time.Minute})
	payload, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(payload.Tools))
	for i, d := range payload.Tools {
		ids[i] = d.ID
	}
	assert.NotContains(t, ids, "alpha:delete")
	assert.Contains(t, ids, "alpha:search")
}

func TestCatalog_InvalidateForcesRecollect(t *testing.T) {
	lister := fakeLister{states: []process.State{runningState("alpha")}}
	clients := &fakeClients{callers: map[string]*fakeCaller{
		"alpha": {pages: [][]fakeTool{{{name: "search"}}}},
	}}

	svc := New(fakeStarter{}, lister, clients, policy.New(), nil, Options{TTL: time.Minute})
	_, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)

	svc.InvalidateCache()
	clients.callers["alpha"].call = 0
	clients.callers["alpha"].pages = [][]fakeTool{{{name: "search"}, {name: "new_tool"}}}

	payload, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, payload.Tools, 2)
}

func TestCatalog_NoRunningServersReturnsEmptyAfterDeadline(t *testing.T) {
	lister := fakeLister{states: nil}
	clients := &fakeClients{callers: map[string]*fakeCaller{}}

	svc := New(fakeStarter{}, lister, clients, policy.New(), nil, Options{
		TTL:            time.Minute,
		InitialPoll:    time.Millisecond,
		StartupTimeout: 20 * time.Millisecond,
	})

	payload, err := svc.GetCatalog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, payload.Tools)
}
