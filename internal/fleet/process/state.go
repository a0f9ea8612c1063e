// Package process implements the Process Registry (C2) and Process
// Supervisor (C3) from spec.md §4.2/§4.3: it launches, monitors, and
// restarts configured child processes with exponential backoff.
package process

import (
	"os/exec"
	"time"

	"github.com/voicefleet/mcpfleet/internal/config"
)

// Status is a server's lifecycle state (spec.md §3).
type Status string

const (
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusRestarting  Status = "restarting"
	StatusStopped     Status = "stopped"
	StatusError       Status = "error"
)

// LastExit records the outcome of the most recent exit, if any.
type LastExit struct {
	Code   int
	Signal string
	At     time.Time
}

// State is an immutable snapshot of one server's lifecycle record.
// The handle is process-scoped and only meaningful for the pid it was
// captured with.
type State struct {
	Def           config.ServerDefinition
	Status        Status
	RestartCount  int
	LastExit      *LastExit
	StartedAt     time.Time
	RunningSince  time.Time // zero unless Status == StatusRunning
	Pid           int
	handle        *exec.Cmd
}

// Handle returns the live *exec.Cmd for this state, or nil. Only the
// supervisor package itself dereferences this; callers outside the
// package should not assume it is non-nil even when Status is "running"
// (it is cleared as soon as the process exits).
func (s State) Handle() *exec.Cmd { return s.handle }
