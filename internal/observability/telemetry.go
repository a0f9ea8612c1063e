package observability

import (
	"log/slog"
	"os"
)

// TelemetryEnabled reports whether the default telemetry handler should log
// events, per spec.md §6.3: MCP_ENABLE_TELEMETRY or PUBLIC_ENABLE_TELEMETRY
// set to "1".
func TelemetryEnabled() bool {
	return os.Getenv("MCP_ENABLE_TELEMETRY") == "1" || os.Getenv("PUBLIC_ENABLE_TELEMETRY") == "1"
}

// Sink receives free-form telemetry events. The default implementation
// below only logs; a test seam can substitute a capturing Sink.
type Sink interface {
	Event(name string, attrs map[string]any)
}

// SlogSink logs each event at Info level when TelemetryEnabled, and is a
// no-op otherwise — grounded on the teacher's direct os.Getenv flag checks
// (e.g. its NODE_ENV-equivalent toggles) rather than a config struct, since
// this is a single on/off switch read once at startup.
type SlogSink struct {
	enabled bool
}

// NewSlogSink builds a Sink honoring TelemetryEnabled at construction time.
func NewSlogSink() *SlogSink {
	return &SlogSink{enabled: TelemetryEnabled()}
}

func (s *SlogSink) Event(name string, attrs map[string]any) {
	if !s.enabled {
		return
	}
	args := make([]any, 0, len(attrs)*2+2)
	args = append(args, "event", name)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	slog.Info("telemetry", args...)
}
