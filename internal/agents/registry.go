package agents

import (
	"sort"
	"sync"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// Registry holds the set of live agent instances, keyed by the task types
// they declare. Grounded on tools.ToolRegistry's map-plus-mutex shape but
// keyed by capability/task-type with priority ordering instead of by tool
// name (spec.md §4.2).
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an agent. Agents are kept sorted by ascending priority
// (lower runs first when more than one handles the same task) so Dispatch
// never has to re-sort on the hot path.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
	sort.SliceStable(r.agents, func(i, j int) bool {
		return r.agents[i].Capabilities().Priority < r.agents[j].Capabilities().Priority
	})
}

// Dispatch selects the lowest-priority agent whose supportedTasks contains
// taskType. requireChat additionally filters to chatEnabled agents, for
// chat routes (spec.md §4.2).
func (r *Registry) Dispatch(taskType string, requireChat bool) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		caps := a.Capabilities()
		if requireChat && !caps.ChatEnabled {
			continue
		}
		if caps.supports(taskType) {
			return a, nil
		}
	}
	return nil, itinerary.NewError(itinerary.ErrAgentCannotHandle,
		"no registered agent supports task "+taskType, map[string]interface{}{"taskType": taskType})
}

// All returns every registered agent, priority-ordered. Used by the
// orchestrator to seed the itinerary's initial agents status map.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, len(r.agents))
	copy(out, r.agents)
	return out
}
