package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// MemoryAdapter is an in-memory Adapter used by tests and dry runs. It also
// implements CredentialAware with the "type:name" logical key scheme.
type MemoryAdapter struct {
	mu        sync.RWMutex
	workflows map[string]workflow.Definition
	unhealthy bool
}

// NewMemoryAdapter returns an adapter seeded with the given workflows.
func NewMemoryAdapter(seed ...workflow.Definition) *MemoryAdapter {
	a := &MemoryAdapter{workflows: make(map[string]workflow.Definition)}
	for _, def := range seed {
		a.workflows[def.ID] = def
	}
	return a
}

// SetUnhealthy makes subsequent calls fail with an adapter error.
func (a *MemoryAdapter) SetUnhealthy(unhealthy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unhealthy = unhealthy
}

// Put inserts or replaces a workflow directly, bypassing UpdateWorkflow's
// existence check. Used to simulate out-of-band edits.
func (a *MemoryAdapter) Put(def workflow.Definition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflows[def.ID] = def
}

func (a *MemoryAdapter) fail(op string) error {
	return engine.NewAdapterError("runtime unreachable", nil).
		WithCode(engine.ErrCodeAdapterUnavailable).
		WithOperation(op)
}

// GetWorkflows returns all workflows ordered by id.
func (a *MemoryAdapter) GetWorkflows(_ context.Context) ([]workflow.Definition, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.unhealthy {
		return nil, a.fail("get_workflows")
	}

	ids := make([]string, 0, len(a.workflows))
	for id := range a.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	defs := make([]workflow.Definition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, a.workflows[id])
	}
	return defs, nil
}

// GetWorkflow returns one workflow by id.
func (a *MemoryAdapter) GetWorkflow(_ context.Context, id string) (*workflow.Definition, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.unhealthy {
		return nil, a.fail("get_workflow")
	}

	def, ok := a.workflows[id]
	if !ok {
		return nil, engine.NewAdapterError(fmt.Sprintf("workflow not found in runtime: %s", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	return &def, nil
}

// UpdateWorkflow replaces an existing workflow definition.
func (a *MemoryAdapter) UpdateWorkflow(_ context.Context, id string, def workflow.Definition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unhealthy {
		return a.fail("update_workflow")
	}

	if _, ok := a.workflows[id]; !ok {
		return engine.NewAdapterError(fmt.Sprintf("workflow not found in runtime: %s", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	def.ID = id
	a.workflows[id] = def
	return nil
}

// TestConnection reports the simulated health state.
func (a *MemoryAdapter) TestConnection(_ context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.unhealthy {
		return a.fail("test_connection")
	}
	return nil
}

// ExtractLogicalCredentials returns the sorted set of "type:name" keys used
// by the definition's nodes.
func (a *MemoryAdapter) ExtractLogicalCredentials(def workflow.Definition) []string {
	seen := make(map[string]struct{})
	for _, node := range def.Nodes {
		for credType, cred := range node.Credentials {
			seen[credType+":"+cred.Name] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RewriteCredentialsWithMappings replaces credential references whose
// logical key appears in mappings; unmapped references are left as-is.
func (a *MemoryAdapter) RewriteCredentialsWithMappings(def workflow.Definition, mappings map[string]workflow.Credential) workflow.Definition {
	out := def
	out.Nodes = make([]workflow.Node, len(def.Nodes))
	for i, node := range def.Nodes {
		rewritten := node
		if len(node.Credentials) > 0 {
			rewritten.Credentials = make(map[string]workflow.Credential, len(node.Credentials))
			for credType, cred := range node.Credentials {
				if mapped, ok := mappings[credType+":"+cred.Name]; ok {
					rewritten.Credentials[credType] = mapped
				} else {
					rewritten.Credentials[credType] = cred
				}
			}
		}
		out.Nodes[i] = rewritten
	}
	return out
}
