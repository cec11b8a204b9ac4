package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/storetalon/storetalon/internal/plan"
)

// Registry maps agent names to providers. Dispatch is a plain lookup; the
// registry holds no business logic.
type Registry struct {
	mu        sync.RWMutex
	caps      map[plan.Agent]Capability
	providers map[plan.Agent]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		caps:      make(map[plan.Agent]Capability),
		providers: make(map[plan.Agent]Provider),
	}
}

func (r *Registry) Register(cap Capability, p Provider) error {
	if cap.Agent == "" {
		return fmt.Errorf("capability has no agent name")
	}
	if p == nil {
		return fmt.Errorf("agent %q: nil provider", cap.Agent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[cap.Agent]; exists {
		return fmt.Errorf("agent %q already registered", cap.Agent)
	}
	r.caps[cap.Agent] = cap
	r.providers[cap.Agent] = p
	return nil
}

func (r *Registry) Deregister(agent plan.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, agent)
	delete(r.providers, agent)
}

func (r *Registry) Provider(agent plan.Agent) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[agent]
	return p, ok
}

func (r *Registry) Capability(agent plan.Agent) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[agent]
	return cap, ok
}

// ListCapabilities returns all capabilities sorted by agent name.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.caps))
	for _, cap := range r.caps {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Agent < caps[j].Agent })
	return caps
}

func (r *Registry) HasAction(agent plan.Agent, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.caps[agent]
	if !ok {
		return false
	}
	for _, a := range cap.Actions {
		if a.Name == action {
			return true
		}
	}
	return false
}
