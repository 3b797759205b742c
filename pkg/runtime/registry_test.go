package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	adapter := NewMemoryAdapter()
	require.NoError(t, reg.Register("memory", func(ConnectionConfig) (Adapter, error) {
		return adapter, nil
	}))

	resolved, err := reg.Resolve("memory", ConnectionConfig{})
	require.NoError(t, err)
	assert.Same(t, adapter, resolved.(*MemoryAdapter))

	_, err = reg.Resolve("n8n", ConnectionConfig{BaseURL: "https://n8n.example.com"})
	require.Error(t, err)
	assert.True(t, engine.IsAdapter(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeAdapterUnavailable))

	assert.Equal(t, []string{"memory"}, reg.Names())
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, engine.IsValidation(reg.Register("", func(ConnectionConfig) (Adapter, error) { return nil, nil })))
	assert.True(t, engine.IsValidation(reg.Register("memory", nil)))
}

func TestMemoryAdapterCredentialRewrite(t *testing.T) {
	adapter := NewMemoryAdapter()
	def := workflow.Definition{
		ID:   "wf-1",
		Name: "Order Sync",
		Nodes: []workflow.Node{
			{
				Name: "Fetch",
				Type: "httpRequest",
				Credentials: map[string]workflow.Credential{
					"httpBasicAuth": {ID: "cred-staging", Name: "orders-api"},
				},
			},
			{Name: "Start", Type: "start"},
		},
	}

	keys := adapter.ExtractLogicalCredentials(def)
	assert.Equal(t, []string{"httpBasicAuth:orders-api"}, keys)

	rewritten := adapter.RewriteCredentialsWithMappings(def, map[string]workflow.Credential{
		"httpBasicAuth:orders-api": {ID: "cred-prod", Name: "orders-api"},
	})
	assert.Equal(t, "cred-prod", rewritten.Nodes[0].Credentials["httpBasicAuth"].ID)
	// Original stays untouched.
	assert.Equal(t, "cred-staging", def.Nodes[0].Credentials["httpBasicAuth"].ID)
}

func TestMemoryAdapterLifecycle(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryAdapter(workflow.Definition{ID: "wf-1", Name: "A"})

	require.NoError(t, adapter.TestConnection(ctx))

	defs, err := adapter.GetWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	err = adapter.UpdateWorkflow(ctx, "wf-2", workflow.Definition{Name: "B"})
	assert.True(t, engine.IsNotFound(err))

	require.NoError(t, adapter.UpdateWorkflow(ctx, "wf-1", workflow.Definition{Name: "A v2"}))
	got, err := adapter.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "A v2", got.Name)

	adapter.SetUnhealthy(true)
	assert.Error(t, adapter.TestConnection(ctx))
}
