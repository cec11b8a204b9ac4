package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured model providers by id.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q not found", id)
}

func (r *Registry) GetForModel(ref ModelRef) (Provider, error) {
	return r.Get(ref.Provider())
}

// LookupModel returns what the provider of ref declares about the model.
// ok is false when the provider is unknown or does not list the model.
func (r *Registry) LookupModel(ref ModelRef) (ModelInfo, bool) {
	p, err := r.GetForModel(ref)
	if err != nil {
		return ModelInfo{}, false
	}
	for _, m := range p.Models() {
		if m.ID == ref.Model() {
			if m.ProviderID == "" {
				m.ProviderID = p.ID()
			}
			return m, true
		}
	}
	return ModelInfo{}, false
}

// List returns the providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}
