package invocation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
)

func TestInvoke_ManagerListServers(t *testing.T) {
	servers := fakeServers{states: map[string]process.State{
		"alpha": runningServer("alpha"),
	}}
	svc := New(servers, fakeClients{}, fakeCatalog{}, policy.New(), nil, 0)

	var events []Event
	outcome := svc.Invoke(context.Background(), Request{ToolID: "fleet:list_servers"}, func(e Event) { events = append(events, e) })

	require.Equal(t, StatusSucceeded, outcome.Status)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventOutput, events[1].Type)
	assert.Equal(t, EventCompleted, events[2].Type)

	summaries, ok := events[2].Content.([]serverSummary)
	require.True(t, ok)
	require.Len(t, summaries, 1)
	assert.Equal(t, "alpha", summaries[0].ID)
}

func TestInvoke_ManagerServerStatusUnknownID(t *testing.T) {
	svc := New(fakeServers{states: map[string]process.State{}}, fakeClients{}, fakeCatalog{}, policy.New(), nil, 0)

	outcome := svc.Invoke(context.Background(), Request{
		ToolID: "fleet:server_status",
		Input:  map[string]any{"serverId": "missing"},
	}, func(Event) {})

	assert.Equal(t, StatusFailed, outcome.Status)
}

func TestInvoke_ManagerToolNotRevocable(t *testing.T) {
	pol := policy.New()
	pol.Revoke([]string{"fleet:list_servers"}, policy.Change{})
	svc := New(fakeServers{states: map[string]process.State{}}, fakeClients{}, fakeCatalog{}, pol, nil, 0)

	outcome := svc.Invoke(context.Background(), Request{ToolID: "fleet:list_servers"}, func(Event) {})
	assert.Equal(t, StatusSucceeded, outcome.Status, "manager tools are exempt from revocation per SPEC_FULL.md")
}
