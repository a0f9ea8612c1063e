package process

import (
	"context"
	"reflect"

	"github.com/voicefleet/mcpfleet/internal/config"
)

// ReloadResult enumerates what a Reload call did, per spec.md §4.3.
type ReloadResult struct {
	Started   []string
	Stopped   []string
	Restarted []string
}

// Reload diffs newDefs against the current registry: servers no longer
// present are stopped; servers whose command/args/enabled differ are
// stopped then restarted; unchanged servers keep running; new enabled
// servers are launched.
func (s *Supervisor) Reload(ctx context.Context, newDefs []config.ServerDefinition) (ReloadResult, error) {
	var result ReloadResult

	byID := make(map[string]config.ServerDefinition, len(newDefs))
	for _, d := range newDefs {
		byID[d.ID] = d
	}

	for _, st := range s.registry.List() {
		newDef, present := byID[st.Def.ID]
		switch {
		case !present:
			s.StopServer(st.Def.ID)
			s.registry.Remove(st.Def.ID)
			result.Stopped = append(result.Stopped, st.Def.ID)

		case definitionChanged(st.Def, newDef):
			s.StopServer(st.Def.ID)
			s.registry.Remove(st.Def.ID)
			if newDef.Enabled {
				s.registry.Ensure(newDef)
				s.spawn(newDef)
				result.Restarted = append(result.Restarted, newDef.ID)
			} else {
				result.Stopped = append(result.Stopped, newDef.ID)
			}

		default:
			// unchanged, still enabled: leave running as-is.
		}
	}

	for _, def := range newDefs {
		if _, ok := s.registry.Get(def.ID); ok {
			continue
		}
		if !def.Enabled {
			continue
		}
		s.registry.Ensure(def)
		s.spawn(def)
		result.Started = append(result.Started, def.ID)
	}

	return result, nil
}

func definitionChanged(old, new config.ServerDefinition) bool {
	if old.Command != new.Command || old.Enabled != new.Enabled || old.TrackResources != new.TrackResources {
		return true
	}
	return !reflect.DeepEqual(old.Args, new.Args)
}
