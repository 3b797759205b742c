// Package runtime defines the adapter surface for external workflow
// runtimes. The engine only depends on these narrow interfaces; concrete
// adapters (REST clients for hosted runtimes) register themselves through
// the Registry.
package runtime

import (
	"context"

	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// Adapter is the minimal read/write surface of a workflow runtime.
type Adapter interface {
	// GetWorkflows returns every workflow definition in the runtime.
	GetWorkflows(ctx context.Context) ([]workflow.Definition, error)
	// GetWorkflow returns a single workflow by runtime id.
	GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	// UpdateWorkflow replaces the definition of an existing workflow.
	UpdateWorkflow(ctx context.Context, id string, def workflow.Definition) error
	// TestConnection verifies the runtime is reachable and authorized.
	TestConnection(ctx context.Context) error
}

// CredentialAware is implemented by adapters that can translate credential
// references between environments. Logical keys take the form "type:name";
// the mapping resolves a logical key to the target environment's credential
// id.
type CredentialAware interface {
	ExtractLogicalCredentials(def workflow.Definition) []string
	RewriteCredentialsWithMappings(def workflow.Definition, mappings map[string]workflow.Credential) workflow.Definition
}

// ConnectionConfig carries what an adapter factory needs to reach a runtime.
type ConnectionConfig struct {
	BaseURL string
	APIKey  string
}

// Factory constructs an adapter for one environment.
type Factory func(cfg ConnectionConfig) (Adapter, error)
