package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/voicefleet/mcpfleet/internal/config"
)

// BackoffConfig controls restart scheduling (spec.md §4.3, invariant 3 in
// §8): delay(n) = min(initial*2^(n-1), max).
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

func (b BackoffConfig) delay(restarts int) time.Duration {
	if restarts < 1 {
		restarts = 1
	}
	d := b.Initial
	for i := 1; i < restarts; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// SettleDuration is how long a server must remain continuously "running"
// before its restart counter resets on its own. This is the Open Question
// decision recorded in DESIGN.md: the spec leaves the reset policy
// unspecified, and this runtime resets it after a period of stability
// rather than only on an explicit reload.
const SettleDuration = 120 * time.Second

// Telemetry receives restart/running signals for metrics. Kept as a small
// interface local to this package (rather than importing observability
// directly) since process sits below invocation/catalog in the import
// graph and observability depends on invocation for its Status type.
type Telemetry interface {
	RestartScheduled(serverID string)
	ServerRunning(serverID string, running bool)
}

// Supervisor is the Process Supervisor (C3).
type Supervisor struct {
	registry *Registry
	backoff  BackoffConfig
	configPath string
	telemetry  Telemetry

	mu           sync.Mutex
	shuttingDown bool
	stoppedByUs  map[string]bool // explicit per-id stop, suppresses auto-restart
	timers       map[string]*time.Timer
	streams      map[string]*liveStreams
}

// SetTelemetry wires an optional metrics sink. Safe to call once before
// Start; nil-safe if never called.
func (s *Supervisor) SetTelemetry(t Telemetry) { s.telemetry = t }

type liveStreams struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	pid    int
}

func NewSupervisor(registry *Registry, backoff BackoffConfig, configPath string) *Supervisor {
	return &Supervisor{
		registry:    registry,
		backoff:     backoff,
		configPath:  configPath,
		stoppedByUs: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
		streams:     make(map[string]*liveStreams),
	}
}

// Start loads the config and spawns every enabled definition. It is safe
// to call more than once; servers already in the registry (running or
// otherwise) are left alone.
func (s *Supervisor) Start(ctx context.Context) error {
	defs, warning, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if warning != "" {
		slog.Warn(warning)
	}

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if _, exists := s.registry.Get(def.ID); exists {
			continue
		}
		s.registry.Ensure(def)
		s.spawn(def)
	}
	return nil
}

// Streams returns the live stdin/stdout pipes for id, if it currently has
// a running process.
func (s *Supervisor) Streams(id string) (stdin io.WriteCloser, stdout io.ReadCloser, pid int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.streams[id]
	if !ok {
		return nil, nil, 0, false
	}
	return ls.stdin, ls.stdout, ls.pid, true
}

func (s *Supervisor) spawn(def config.ServerDefinition) {
	cmd := exec.Command(def.Command, def.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.markError(def.ID, err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.markError(def.ID, err)
		return
	}
	cmd.Stderr = &slogWriter{serverID: def.ID}

	if err := cmd.Start(); err != nil {
		s.markError(def.ID, err)
		s.scheduleRestart(def)
		return
	}

	pid := cmd.Process.Pid
	now := time.Now()

	s.mu.Lock()
	s.streams[def.ID] = &liveStreams{stdin: stdin, stdout: stdout, pid: pid}
	delete(s.stoppedByUs, def.ID)
	s.mu.Unlock()

	s.registry.Patch(def.ID, func(st *State) {
		st.Status = StatusRunning
		st.StartedAt = now
		st.RunningSince = now
		st.Pid = pid
		st.handle = cmd
		st.LastExit = nil
	})

	slog.Info("server started", "server", def.ID, "pid", pid, "command", def.Command)
	if s.telemetry != nil {
		s.telemetry.ServerRunning(def.ID, true)
	}

	go s.monitor(def, cmd)
	go s.settleTimer(def.ID, now)
}

// settleTimer resets the restart counter once a server has stayed running
// continuously for SettleDuration (DESIGN.md Open Question #1).
func (s *Supervisor) settleTimer(id string, startedAt time.Time) {
	timer := time.NewTimer(SettleDuration)
	defer timer.Stop()
	<-timer.C

	st, ok := s.registry.Get(id)
	if !ok || st.Status != StatusRunning || !st.RunningSince.Equal(startedAt) {
		return
	}
	s.registry.ResetRestarts(id)
}

func (s *Supervisor) monitor(def config.ServerDefinition, cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	delete(s.streams, def.ID)
	shuttingDown := s.shuttingDown
	explicitStop := s.stoppedByUs[def.ID]
	s.mu.Unlock()

	exit := &LastExit{At: time.Now()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		exit.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		}
	}

	s.registry.Patch(def.ID, func(st *State) {
		st.handle = nil
		st.LastExit = exit
		st.RunningSince = time.Time{}
		if shuttingDown || explicitStop {
			st.Status = StatusStopped
		} else {
			st.Status = StatusRestarting
		}
	})

	if s.telemetry != nil {
		s.telemetry.ServerRunning(def.ID, false)
	}

	if shuttingDown || explicitStop {
		slog.Info("server stopped", "server", def.ID)
		return
	}

	slog.Warn("server exited, scheduling restart", "server", def.ID, "exitCode", exit.Code, "signal", exit.Signal)
	s.scheduleRestart(def)
}

func (s *Supervisor) scheduleRestart(def config.ServerDefinition) {
	restarts := s.registry.IncrementRestarts(def.ID)
	delay := s.backoff.delay(restarts)
	if s.telemetry != nil {
		s.telemetry.RestartScheduled(def.ID)
	}

	s.mu.Lock()
	if old, ok := s.timers[def.ID]; ok {
		old.Stop()
	}
	s.timers[def.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		shuttingDown := s.shuttingDown
		s.mu.Unlock()
		if shuttingDown {
			return
		}
		s.spawn(def)
	})
	s.mu.Unlock()
}

func (s *Supervisor) markError(id string, err error) {
	slog.Error("failed to spawn server", "server", id, "error", err)
	s.registry.Patch(id, func(st *State) {
		st.Status = StatusError
	})
}

// StopServer explicitly stops one server; it will not be auto-restarted.
func (s *Supervisor) StopServer(id string) {
	s.mu.Lock()
	s.stoppedByUs[id] = true
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	ls := s.streams[id]
	s.mu.Unlock()

	st, ok := s.registry.Get(id)
	if ok && st.handle != nil && st.handle.Process != nil {
		_ = st.handle.Process.Signal(syscall.SIGTERM)
	}
	if ls != nil {
		_ = ls.stdin.Close()
	}
}

// Stop performs shutdown (spec.md §5): stop accepting restarts, clear
// timers, SIGTERM every live child, mark everything stopped. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, st := range s.registry.List() {
		if st.handle != nil && st.handle.Process != nil {
			_ = st.handle.Process.Signal(syscall.SIGTERM)
		}
		s.registry.Patch(st.Def.ID, func(s *State) {
			s.Status = StatusStopped
			s.handle = nil
			s.RunningSince = time.Time{}
		})
	}
}

type slogWriter struct{ serverID string }

func (w *slogWriter) Write(p []byte) (int, error) {
	slog.Debug("server stderr", "server", w.serverID, "line", string(p))
	return len(p), nil
}
