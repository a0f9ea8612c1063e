// Package integration wires the real Process Supervisor, JSON-RPC Client
// Pool, Catalog Service, and Invocation Service together against a child
// speaking internal/testharness.FakeMCPServer, the way a deployed fleet
// would run. Grounded on the subprocess re-exec pattern in
// Bigsy-mcpmu's internal/server reload_test.go
// (TestEndToEnd_HotReload_ToolsChange / TestHelperProcess): the child
// process is this same test binary, re-invoked with a marker env var
// rather than a separately built binary.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
	"github.com/voicefleet/mcpfleet/internal/testharness"
)

// TestHelperProcess is not a real test: it is re-executed as a child
// process by tests below whenever GO_WANT_HELPER_PROCESS=1 is set, and it
// never returns to the normal go test harness.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	server := testharness.NewFakeMCPServer()
	for _, name := range []string{"search", "boom"} {
		name := name
		server.AddTool(testharness.FakeTool{
			Name:        name,
			Description: "integration test tool",
			Handler: func(args map[string]any) (any, error) {
				if name == "boom" {
					return nil, os.ErrInvalid
				}
				return map[string]any{"echo": args}, nil
			},
		})
	}
	server.AddResource(testharness.FakeResource{URI: "res://doc", Name: "doc", MimeType: "text/plain", Text: "hello"})
	_ = server.Run(os.Stdin, os.Stdout)
}

func helperProcessDef(id string) config.ServerDefinition {
	return config.ServerDefinition{
		ID:      id,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Enabled: true,
	}
}

// TestFleet_EndToEnd_CatalogAndInvoke spawns a real child process (this
// test binary in TestHelperProcess disguise), lets the supervisor bring
// it up, and drives it through the catalog and invocation services.
// GO_WANT_HELPER_PROCESS is set on the whole test process rather than
// passed as a per-command Env, since process.Supervisor builds its own
// *exec.Cmd from a ServerDefinition and inherits os.Environ().
func TestFleet_EndToEnd_CatalogAndInvoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end fleet test in short mode")
	}
	require.NoError(t, os.Setenv("GO_WANT_HELPER_PROCESS", "1"))
	defer os.Unsetenv("GO_WANT_HELPER_PROCESS")

	registry := process.NewRegistry()
	supervisor := process.NewSupervisor(registry, process.BackoffConfig{Initial: 50 * time.Millisecond, Max: time.Second}, "")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := supervisor.Reload(ctx, []config.ServerDefinition{helperProcessDef("alpha")})
	require.NoError(t, err)
	defer supervisor.Stop()

	require.Eventually(t, func() bool {
		st, ok := registry.Get("alpha")
		return ok && st.Status == process.StatusRunning
	}, 5*time.Second, 20*time.Millisecond, "server never reached Running")

	pool := rpcpool.NewPool(supervisor, 2*time.Second)
	pol := policy.New()
	cat := catalog.New(supervisor, registry, catalog.PoolAdapter{Pool: pool}, pol, nil, catalog.Options{})

	payload, err := cat.GetCatalog(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, payload.Tools)

	var sawSearch, sawBoom bool
	for _, tool := range payload.Tools {
		switch tool.ID {
		case "alpha:search":
			sawSearch = true
		case "alpha:boom":
			sawBoom = true
		}
	}
	assert.True(t, sawSearch)
	assert.True(t, sawBoom)

	invoker := invocation.New(registry, invocation.PoolAdapter{Pool: pool}, cat, pol, nil, 5*time.Second)

	var events []invocation.Event
	outcome := invoker.Invoke(ctx, invocation.Request{
		ToolID: "alpha:search",
		Input:  map[string]any{"q": "test"},
	}, func(ev invocation.Event) { events = append(events, ev) })

	require.Equal(t, invocation.StatusSucceeded, outcome.Status)
	require.NotEmpty(t, events)

	failOutcome := invoker.Invoke(ctx, invocation.Request{ToolID: "alpha:boom"}, func(invocation.Event) {})
	assert.Equal(t, invocation.StatusFailed, failOutcome.Status)

	pol.Revoke([]string{"alpha:search"}, policy.Change{Reason: "test", Actor: "test"})
	revokedOutcome := invoker.Invoke(ctx, invocation.Request{ToolID: "alpha:search"}, func(invocation.Event) {})
	assert.Equal(t, invocation.StatusCancelled, revokedOutcome.Status)
}
