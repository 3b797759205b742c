package runtime

import (
	"sort"
	"sync"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

// Registry maps adapter names to factories. Environments reference adapters
// by name; the registry resolves the factory and builds a connected adapter
// per environment.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps adapter name to factory.
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers an adapter factory under a name. Re-registering a name
// replaces the previous factory.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return engine.NewValidationError("adapter name is required", nil)
	}
	if factory == nil {
		return engine.NewValidationError("adapter factory is required", nil).WithResource(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	return nil
}

// Resolve builds an adapter for the named runtime with the given connection.
func (r *Registry) Resolve(name string, cfg ConnectionConfig) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, engine.NewAdapterError("unknown adapter", nil).
			WithCode(engine.ErrCodeAdapterUnavailable).
			WithResource(name)
	}
	adapter, err := factory(cfg)
	if err != nil {
		return nil, engine.NewAdapterError("failed to build adapter", err).
			WithCode(engine.ErrCodeAdapterUnavailable).
			WithResource(name)
	}
	return adapter, nil
}

// Names returns the registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
