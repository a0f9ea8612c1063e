package process

import (
	"sync"

	"github.com/voicefleet/mcpfleet/internal/config"
)

// Registry is the Process Registry (C2): a pure in-memory state container,
// no I/O, generalized from the teacher's pkg/registry.BaseRegistry into the
// specific ensure/update/incrementRestarts/remove/list contract spec.md
// §4.2 asks for (a plain generic map wouldn't give us incrementRestarts'
// read-modify-write atomicity).
type Registry struct {
	mu    sync.RWMutex
	items map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*State)}
}

// Ensure returns the record for def.ID, creating it in StatusStarting if
// absent.
func (r *Registry) Ensure(def config.ServerDefinition) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.items[def.ID]; ok {
		return s
	}
	s := &State{Def: def, Status: StatusStarting}
	r.items[def.ID] = s
	return s
}

// Patch mutates fields of an existing record under lock and returns the
// updated snapshot. The mutator must not retain the pointer it is given.
func (r *Registry) Patch(id string, mutate func(*State)) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.items[id]
	if !ok {
		return nil, false
	}
	mutate(s)
	cp := *s
	return &cp, true
}

// IncrementRestarts bumps the monotonic restart counter for id and returns
// the new value.
func (r *Registry) IncrementRestarts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.items[id]
	if !ok {
		return 0
	}
	s.RestartCount++
	return s.RestartCount
}

// ResetRestarts zeroes the restart counter for id (operator action or a
// reload, per spec.md §4.3, or the continuous-uptime rule in DESIGN.md).
func (r *Registry) ResetRestarts(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.items[id]; ok {
		s.RestartCount = 0
	}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[id]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// List returns immutable snapshots of every record, ordered arbitrarily.
func (r *Registry) List() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, *s)
	}
	return out
}
