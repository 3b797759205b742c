package runtime

import (
	"context"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/stores"
)

// Resolver turns an environment record into a connected runtime adapter.
type Resolver interface {
	AdapterFor(ctx context.Context, env *stores.Environment) (Adapter, error)
}

// RegistryResolver resolves adapters through a Registry, combining the
// environment's adapter name and URL with an API key from configuration.
type RegistryResolver struct {
	registry *Registry
	apiKeys  map[string]string // environment id -> API key
}

// NewRegistryResolver creates a resolver over the given registry. apiKeys
// maps environment ids to the credentials used to reach their runtimes.
func NewRegistryResolver(registry *Registry, apiKeys map[string]string) *RegistryResolver {
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	return &RegistryResolver{registry: registry, apiKeys: apiKeys}
}

func (r *RegistryResolver) AdapterFor(ctx context.Context, env *stores.Environment) (Adapter, error) {
	return r.registry.Resolve(env.AdapterName, ConnectionConfig{
		BaseURL: env.AdapterURL,
		APIKey:  r.apiKeys[env.ID],
	})
}

// StaticResolver maps environment ids to fixed adapters. Used by tests.
type StaticResolver map[string]Adapter

func (r StaticResolver) AdapterFor(ctx context.Context, env *stores.Environment) (Adapter, error) {
	adapter, ok := r[env.ID]
	if !ok {
		return nil, engine.NewAdapterError("no adapter for environment", nil).
			WithCode(engine.ErrCodeAdapterUnavailable).
			WithResource(env.ID)
	}
	return adapter, nil
}
