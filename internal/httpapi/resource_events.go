package httpapi

import (
	"net/http"
	"time"

	"github.com/voicefleet/mcpfleet/internal/fleet/resources"
)

// handleResourceEvents serves GET /api/mcp/resource-events (spec.md §6.4,
// §6.6): handshake, retry hint, heartbeats, and the tracker's own events,
// fanned out via resources.Tracker.Subscribe. Every listener this stream
// attaches is detached before the handler returns, on every exit path
// (spec.md testable property 8).
func (s *Server) handleResourceEvents(w http.ResponseWriter, r *http.Request) {
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

	done := make(chan struct{})
	unsubscribe := s.tracker.Subscribe(func(ev resources.Event) {
		s.writeResourceEvent(sse, ev)
		if ev.Type == resources.EventStopped {
			close(done)
		}
	})
	defer unsubscribe()

	select {
	case <-r.Context().Done():
		sse.writeEvent("stream_closed", map[string]any{
			"type": "stream_closed", "reason": "client_aborted", "timestamp": time.Now().UnixMilli(),
		})
	case <-done:
	}
}

func (s *Server) writeResourceEvent(sse *sseWriter, ev resources.Event) {
	if s.metrics != nil {
		s.metrics.ResourceEvent(string(ev.Type))
	}

	ts := ev.ReceivedAt.UnixMilli()
	switch ev.Type {
	case resources.EventResourceUpdate:
		sse.writeEvent(string(ev.Type), map[string]any{
			"type": ev.Type, "serverId": ev.ServerID, "resourceUri": ev.ResourceURI, "timestamp": ts,
		})
	case resources.EventResourceError:
		sse.writeEvent(string(ev.Type), map[string]any{
			"type": ev.Type, "serverId": ev.ServerID, "resourceUri": ev.ResourceURI,
			"timestamp": ts, "reason": ev.Reason, "error": ev.Error,
		})
	case resources.EventStopped:
		sse.writeEvent(string(ev.Type), map[string]any{"type": ev.Type, "timestamp": ts})
	}
}
