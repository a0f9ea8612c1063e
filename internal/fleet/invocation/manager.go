package invocation

import (
	"fmt"
	"time"

	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
)

// invokeManagerTool answers a call to one of catalog.ManagerDescriptors
// locally, without a child process or RPC round trip (SPEC_FULL.md
// "Manager/introspection tools"). It still emits the same started/output/
// completed event sequence as a dispatched call so HTTP clients see one
// consistent invocation shape regardless of which server answered it.
func (s *Service) invokeManagerTool(invocationID string, req Request, descriptor catalog.Descriptor, onEvent OnEvent) Outcome {
	startedAt := time.Now()
	onEvent(Event{
		Type: EventStarted, InvocationID: invocationID, ToolID: req.ToolID,
		ToolName: descriptor.Name, ServerID: catalog.ManagerServerID, StartedAt: startedAt,
	})

	content, err := s.callManagerTool(descriptor.Name, req.Input)
	durationMs := time.Since(startedAt).Milliseconds()
	if err != nil {
		return s.finishFailure(invocationID, req.ToolID, startedAt, onEvent, err)
	}

	onEvent(Event{Type: EventOutput, InvocationID: invocationID, ToolID: req.ToolID, Content: content})
	onEvent(Event{Type: EventCompleted, InvocationID: invocationID, ToolID: req.ToolID, DurationMs: durationMs, Content: content})
	s.emitTelemetry(req.ToolID, StatusSucceeded, durationMs)
	return Outcome{InvocationID: invocationID, Status: StatusSucceeded}
}

func (s *Service) callManagerTool(name string, input map[string]any) (any, error) {
	switch name {
	case "list_servers":
		return s.listServers(), nil
	case "server_status":
		id, _ := input["serverId"].(string)
		if id == "" {
			return nil, fmt.Errorf("server_status: missing required input \"serverId\"")
		}
		return s.serverStatus(id)
	default:
		return nil, fmt.Errorf("unknown manager tool %q", name)
	}
}

type serverSummary struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Pid          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restartCount"`
}

func (s *Service) listServers() []serverSummary {
	states := s.servers.List()
	out := make([]serverSummary, 0, len(states))
	for _, st := range states {
		out = append(out, serverSummary{
			ID:           st.Def.ID,
			Status:       string(st.Status),
			Pid:          st.Pid,
			RestartCount: st.RestartCount,
		})
	}
	return out
}

type serverStatusDetail struct {
	serverSummary
	Command      string     `json:"command"`
	Args         []string   `json:"args,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LastExitCode *int       `json:"lastExitCode,omitempty"`
}

func (s *Service) serverStatus(id string) (serverStatusDetail, error) {
	st, ok := s.servers.Get(id)
	if !ok {
		return serverStatusDetail{}, fmt.Errorf("server_status: unknown server id %q", id)
	}
	detail := serverStatusDetail{
		serverSummary: serverSummary{ID: st.Def.ID, Status: string(st.Status), Pid: st.Pid, RestartCount: st.RestartCount},
		Command:       st.Def.Command,
		Args:          st.Def.Args,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt
		detail.StartedAt = &t
	}
	if st.LastExit != nil {
		c := st.LastExit.Code
		detail.LastExitCode = &c
	}
	return detail, nil
}
