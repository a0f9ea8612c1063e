package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
)

type invokeRequestBody struct {
	ToolID             string         `json:"toolId"`
	Input              map[string]any `json:"input"`
	InvocationID       string         `json:"invocationId"`
	SessionID          string         `json:"sessionId"`
	GrantedPermissions []string       `json:"grantedPermissions"`
	TimeoutMs          int64          `json:"timeoutMs"`
}

type invokeEventJSON struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	ToolID       string `json:"toolId,omitempty"`
	ToolName     string `json:"toolName,omitempty"`
	ServerID     string `json:"serverId,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	Message      string `json:"message,omitempty"`
	Content      any    `json:"content,omitempty"`
	IsError      bool   `json:"isError,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

type invokeOutcomeJSON struct {
	InvocationID string `json:"invocationId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// handleInvokePost serves POST /api/mcp/invoke (spec.md §6.4): streams an
// `onEvent`-driven SSE body, closing with a terminal `final` frame that
// carries the outcome.
func (s *Server) handleInvokePost(w http.ResponseWriter, r *http.Request) {
	var body invokeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if body.ToolID == "" {
		writeError(w, http.StatusBadRequest, "toolId is required", "")
		return
	}
	if body.InvocationID == "" {
		body.InvocationID = uuid.NewString()
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}
	w.WriteHeader(http.StatusOK)

	sse.writeRetry(sseRetryHintMs)
	sse.writeEvent("handshake", map[string]any{
		"type": "handshake", "status": "ready", "timestamp": time.Now().UnixMilli(),
	})

	stop := make(chan struct{})
	sse.startHeartbeat(stop)
	defer close(stop)

	req := invocation.Request{
		ToolID:             body.ToolID,
		Input:              body.Input,
		InvocationID:       body.InvocationID,
		SessionID:          body.SessionID,
		GrantedPermissions: body.GrantedPermissions,
	}
	if body.TimeoutMs > 0 {
		req.Timeout = time.Duration(body.TimeoutMs) * time.Millisecond
	}

	outcome := s.invoker.Invoke(r.Context(), req, func(ev invocation.Event) {
		sse.writeEvent(string(ev.Type), toInvokeEventJSON(ev))
	})

	sse.writeEvent("final", invokeOutcomeJSON{
		InvocationID: outcome.InvocationID, Status: string(outcome.Status), Error: outcome.Error,
	})
}

func toInvokeEventJSON(ev invocation.Event) invokeEventJSON {
	out := invokeEventJSON{
		Type: string(ev.Type), InvocationID: ev.InvocationID, ToolID: ev.ToolID,
		ToolName: ev.ToolName, ServerID: ev.ServerID, Content: ev.Content,
		IsError: ev.IsError, Error: ev.Error, Reason: string(ev.Reason), DurationMs: ev.DurationMs,
	}
	if ev.Type == invocation.EventProgress {
		p := ev.Progress
		out.Progress = &p
	}
	return out
}

// handleInvokeDelete serves DELETE /api/mcp/invoke?invocationId=… (spec.md
// §6.4): requests cancellation of an active invocation.
func (s *Server) handleInvokeDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("invocationId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invocationId query parameter is required", "")
		return
	}
	cancelled := s.invoker.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
