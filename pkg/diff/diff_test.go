package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/workflow"
)

func sampleWorkflow() workflow.Definition {
	return workflow.Definition{
		ID:   "wf-1",
		Name: "Invoice Pipeline",
		Nodes: []workflow.Node{
			{
				ID:   "n1",
				Name: "Start",
				Type: "start",
			},
			{
				ID:   "n2",
				Name: "Fetch Invoices",
				Type: "httpRequest",
				Parameters: map[string]interface{}{
					"url": "https://billing.example.com/invoices",
				},
				Credentials: map[string]workflow.Credential{
					"httpBasicAuth": {ID: "c1", Name: "billing-api"},
				},
			},
		},
		Connections: map[string]interface{}{
			"Start": map[string]interface{}{"main": []interface{}{"Fetch Invoices"}},
		},
		Settings: map[string]interface{}{"executionOrder": "v1"},
	}
}

func TestCompareWorkflowsNoBaseline(t *testing.T) {
	result, err := CompareWorkflows(nil, sampleWorkflow())
	require.NoError(t, err)
	assert.False(t, result.HasDrift)
	assert.Empty(t, result.Differences)
	assert.Empty(t, result.SourceVersion)
	assert.NotEmpty(t, result.RuntimeVersion)
}

func TestCompareWorkflowsIdentical(t *testing.T) {
	source := sampleWorkflow()
	result, err := CompareWorkflows(&source, sampleWorkflow())
	require.NoError(t, err)
	assert.False(t, result.HasDrift)
	assert.Equal(t, result.SourceVersion, result.RuntimeVersion)
}

func TestCompareWorkflowsIgnoresEnvironmentFields(t *testing.T) {
	source := sampleWorkflow()
	source.Active = true

	changed := sampleWorkflow()
	changed.ID = "wf-999"
	changed.Active = false
	changed.Nodes[0].Position = []float64{500, 500}
	changed.Nodes[1].Credentials["httpBasicAuth"] = workflow.Credential{ID: "c-other", Name: "billing-api"}

	result, err := CompareWorkflows(&source, changed)
	require.NoError(t, err)
	assert.False(t, result.HasDrift, "activation, position, and credential id changes are not drift")
}

func TestCompareWorkflowsParameterChange(t *testing.T) {
	source := sampleWorkflow()
	changed := sampleWorkflow()
	changed.Nodes[1].Parameters["url"] = "https://billing.example.com/v2/invoices"

	result, err := CompareWorkflows(&source, changed)
	require.NoError(t, err)
	require.True(t, result.HasDrift)
	require.Len(t, result.Differences, 1)
	d := result.Differences[0]
	assert.Equal(t, "nodes.Fetch Invoices.parameters", d.Path)
	assert.Equal(t, DifferenceModified, d.Type)
	assert.Equal(t, 1, result.Summary.NodesModified)
}

func TestCompareWorkflowsNodeAddedAndRemoved(t *testing.T) {
	source := sampleWorkflow()
	changed := sampleWorkflow()
	changed.Nodes = append(changed.Nodes[:1], workflow.Node{
		ID: "n3", Name: "Notify", Type: "slack",
	})

	result, err := CompareWorkflows(&source, changed)
	require.NoError(t, err)
	require.True(t, result.HasDrift)
	assert.Equal(t, 1, result.Summary.NodesAdded)
	assert.Equal(t, 1, result.Summary.NodesRemoved)

	paths := make(map[string]DifferenceType)
	for _, d := range result.Differences {
		paths[d.Path] = d.Type
	}
	assert.Equal(t, DifferenceRemoved, paths["nodes.Fetch Invoices"])
	assert.Equal(t, DifferenceAdded, paths["nodes.Notify"])
}

func TestCompareWorkflowsConnectionsAndSettings(t *testing.T) {
	source := sampleWorkflow()
	changed := sampleWorkflow()
	changed.Connections = map[string]interface{}{}
	changed.Settings["executionOrder"] = "v2"
	changed.Settings["timezone"] = "UTC"

	result, err := CompareWorkflows(&source, changed)
	require.NoError(t, err)
	require.True(t, result.HasDrift)
	assert.True(t, result.Summary.ConnectionsChanged)
	assert.True(t, result.Summary.SettingsChanged)

	paths := make(map[string]DifferenceType)
	for _, d := range result.Differences {
		paths[d.Path] = d.Type
	}
	assert.Equal(t, DifferenceModified, paths["connections"])
	assert.Equal(t, DifferenceModified, paths["settings.executionOrder"])
	assert.Equal(t, DifferenceAdded, paths["settings.timezone"])
}

func TestCompareWorkflowsCredentialRename(t *testing.T) {
	source := sampleWorkflow()
	changed := sampleWorkflow()
	changed.Nodes[1].Credentials["httpBasicAuth"] = workflow.Credential{ID: "c1", Name: "billing-api-backup"}

	result, err := CompareWorkflows(&source, changed)
	require.NoError(t, err)
	require.True(t, result.HasDrift)
	require.Len(t, result.Differences, 1)
	assert.Equal(t, "nodes.Fetch Invoices.credentials.httpBasicAuth", result.Differences[0].Path)
}

func TestComputeSyncStatus(t *testing.T) {
	synced := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	before := synced.Add(-time.Hour)
	after := synced.Add(time.Hour)
	// One side barely past the sync point, the other barely before it:
	// the stamps are closer together than the heuristic window allows.
	justAfter := synced.Add(time.Second)
	justBefore := synced.Add(-500 * time.Millisecond)

	tracked := sampleWorkflow()
	changed := sampleWorkflow()
	changed.Settings["timezone"] = "UTC"

	tests := []struct {
		name             string
		runtime          workflow.Definition
		source           *workflow.Definition
		lastSyncedAt     *time.Time
		runtimeUpdatedAt *time.Time
		sourceUpdatedAt  *time.Time
		want             SyncStatus
	}{
		{"content equal", sampleWorkflow(), &tracked, &synced, &after, &after, SyncInSync},
		{"untracked workflow", changed, nil, &synced, &after, nil, SyncLocalChanges},
		{"runtime newer", changed, &tracked, &synced, &after, &before, SyncLocalChanges},
		{"source newer", changed, &tracked, &synced, &before, &after, SyncUpdateAvailable},
		{"both newer", changed, &tracked, &synced, &after, &after, SyncConflict},
		{"near-simultaneous change", changed, &tracked, &synced, &justAfter, &justBefore, SyncConflict},
		{"neither newer", changed, &tracked, &synced, &before, &before, SyncConflict},
		{"missing timestamps", changed, &tracked, nil, nil, nil, SyncConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeSyncStatus(tt.runtime, tt.source, tt.lastSyncedAt, tt.runtimeUpdatedAt, tt.sourceUpdatedAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
