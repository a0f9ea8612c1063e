// Package httpapi implements the HTTP Boundary (C10) from spec.md §6.4: a
// thin layer that parses and validates each request, dispatches into the
// catalog/invocation/policy/resources services, and streams or serializes
// the result. Routing is chi, grounded on the teacher's
// pkg/transport/http_metrics_middleware.go (RouteContext-based route
// labeling); the SSE writer shape (header set, heartbeat goroutine,
// Flusher cast, write-error-marks-disconnected) is grounded directly on
// rcourtman-Pulse's internal/api/ai_handler.go HandleChatStream.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	sseHeartbeatPeriod = 15 * time.Second
	sseRetryHintMs     = 5000
)

// sseWriter serializes every frame written to one SSE response: heartbeats
// and event writes share a mutex so they never interleave (spec.md §5,
// "SSE writers are single-consumer, single-producer; heartbeat and event
// writes must be serialized").
type sseWriter struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	flusher      http.Flusher
	disconnected bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) writeRetry(ms int) {
	s.writeRaw([]byte("retry: " + strconv.Itoa(ms) + "\n\n"))
}

func (s *sseWriter) writeComment(text string) {
	s.writeRaw([]byte(": " + text + "\n\n"))
}

// writeEvent writes a named SSE event with a JSON-encoded data payload.
func (s *sseWriter) writeEvent(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("sse: marshal payload", "event", event, "error", err)
		return
	}
	s.writeRaw([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
}

func (s *sseWriter) writeRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return
	}
	if _, err := s.w.Write(b); err != nil {
		s.disconnected = true
		return
	}
	s.flusher.Flush()
}

// startHeartbeat launches a goroutine that writes a comment frame every
// sseHeartbeatPeriod until stop is closed (spec.md §6: "send a comment
// frame every 15 s as a heartbeat"). A heartbeat goes through writeRaw's
// shared mutex, so it waits for any in-progress write to finish; ticks are
// not skipped.
func (s *sseWriter) startHeartbeat(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(sseHeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.writeComment("heartbeat")
			case <-stop:
				return
			}
		}
	}()
}
