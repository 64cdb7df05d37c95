package agent

import (
	"sync"

	"github.com/codeharbor/codeharbor/internal/common/apperr"
)

// Registry maps provider names to implementations.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry with the given default provider name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		defaultName: defaultName,
	}
}

// Register adds a provider under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get resolves a provider by name; an empty name resolves the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.Errorf(apperr.KindAgentNotFound, "agent provider %q not registered", name)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
