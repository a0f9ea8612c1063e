package httpapi

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
)

type fakeCatalogSource struct {
	payload       catalog.Payload
	invalidated   int
}

func (f *fakeCatalogSource) GetCatalog(ctx context.Context) (catalog.Payload, error) { return f.payload, nil }
func (f *fakeCatalogSource) InvalidateCache()                                        { f.invalidated++ }

type fakeInvoker struct {
	outcome    invocation.Outcome
	events     []invocation.Event
	cancelled  map[string]bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, req invocation.Request, onEvent invocation.OnEvent) invocation.Outcome {
	for _, ev := range f.events {
		onEvent(ev)
	}
	return f.outcome
}

func (f *fakeInvoker) Cancel(invocationID string) bool {
	return f.cancelled[invocationID]
}

type fakeReloader struct {
	result process.ReloadResult
	err    error
}

func (f *fakeReloader) Reload(ctx context.Context, newDefs []config.ServerDefinition) (process.ReloadResult, error) {
	return f.result, f.err
}

func newTestServer() (*Server, *fakeCatalogSource, *fakeInvoker, *policy.Policy) {
	cat := &fakeCatalogSource{}
	inv := &fakeInvoker{outcome: invocation.Outcome{Status: invocation.StatusSucceeded}}
	pol := policy.New()
	s := New(Options{
		Catalog:    cat,
		Invoker:    inv,
		Policy:     pol,
		Reloader:   &fakeReloader{},
		ConfigPath: "/nonexistent/mcpfleet-test-servers.json",
		TestMode:   true,
	})
	return s, cat, inv, pol
}

func TestAdmin_RevokeInvalidatesCache(t *testing.T) {
	s, cat, _, pol := newTestServer()

	body := bytes.NewBufferString(`{"action":"revoke","tools":["alpha:search"],"reason":"incident"}`)
	req := httptest.NewRequest("POST", "/api/mcp/admin", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, cat.invalidated)
	assert.True(t, pol.IsRevoked("alpha:search"))
}

func TestAdmin_RequiresAuthWhenTokenSet(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.adminToken = "t"
	s.testMode = false

	req := httptest.NewRequest("POST", "/api/mcp/admin", bytes.NewBufferString(`{"action":"reload-config"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, 403, rec.Code)

	req2 := httptest.NewRequest("POST", "/api/mcp/admin", bytes.NewBufferString(`{"action":"reload-config"}`))
	req2.Header.Set("Authorization", "Bearer t")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	assert.Equal(t, 200, rec2.Code)
	assert.Contains(t, rec2.Body.String(), `"reloaded"`)
}

func TestAdmin_DeniedWithoutTokenOutsideTestMode(t *testing.T) {
	s, _, _, _ := newTestServer()
	s.testMode = false

	req := httptest.NewRequest("POST", "/api/mcp/admin", bytes.NewBufferString(`{"action":"reload-config"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, 403, rec.Code)
}
