package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps plugin ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id. Registering an id twice fails.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" || factory == nil {
		return newError(id, OpRegister, fmt.Errorf("plugin id and factory are required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return newError(id, OpRegister, fmt.Errorf("plugin already registered"))
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is Register for wiring code that cannot recover.
func (r *Registry) MustRegister(id string, factory Factory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// Load instantiates the plugin registered under id.
func (r *Registry) Load(id string) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, newError(id, OpLoad, fmt.Errorf("unknown plugin"))
	}
	p := factory()
	if p == nil {
		return nil, newError(id, OpLoad, fmt.Errorf("factory returned nil"))
	}
	return p, nil
}

// IDs lists the registered plugin ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
