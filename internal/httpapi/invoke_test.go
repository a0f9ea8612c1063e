package httpapi

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
)

func TestInvokePost_StreamsEventsThenFinal(t *testing.T) {
	s, _, inv, _ := newTestServer()
	inv.events = []invocation.Event{
		{Type: invocation.EventStarted, InvocationID: "inv-1", ToolID: "alpha:search"},
		{Type: invocation.EventOutput, InvocationID: "inv-1", ToolID: "alpha:search", Content: "42"},
		{Type: invocation.EventCompleted, InvocationID: "inv-1", ToolID: "alpha:search"},
	}
	inv.outcome = invocation.Outcome{InvocationID: "inv-1", Status: invocation.StatusSucceeded}

	body := bytes.NewBufferString(`{"toolId":"alpha:search","invocationId":"inv-1"}`)
	req := httptest.NewRequest("POST", "/api/mcp/invoke", body)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "event: handshake")
	assert.Contains(t, out, "event: started")
	assert.Contains(t, out, "event: output")
	assert.Contains(t, out, "event: completed")
	assert.Contains(t, out, "event: final")
	assert.Contains(t, out, `"status":"success"`)
}

func TestInvokePost_MissingToolIDIs400(t *testing.T) {
	s, _, _, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/mcp/invoke", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestInvokeDelete_RequiresInvocationID(t *testing.T) {
	s, _, _, _ := newTestServer()

	req := httptest.NewRequest("DELETE", "/api/mcp/invoke", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestInvokeDelete_ReturnsCancelledBool(t *testing.T) {
	s, _, inv, _ := newTestServer()
	inv.cancelled = map[string]bool{"inv-2": true}

	req := httptest.NewRequest("DELETE", "/api/mcp/invoke?invocationId=inv-2", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())
}
