package snapshot

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/gitops"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

func testStore() (*Store, *gitops.MemoryRepo) {
	repo := gitops.NewMemoryRepo()
	return NewStore(repo, "main", zerolog.Nop()), repo
}

func testWorkflows() []workflow.Definition {
	return []workflow.Definition{
		{
			ID:     "wf-1",
			Name:   "Order Sync",
			Active: true,
			Nodes: []workflow.Node{
				{Name: "Start", Type: "start"},
				{Name: "Fetch", Type: "httpRequest", Parameters: map[string]interface{}{"url": "https://a"}},
			},
		},
		{
			ID:   "wf-2",
			Name: "Invoice Export",
			Nodes: []workflow.Node{
				{Name: "Start", Type: "start"},
			},
		},
	}
}

func TestCreateSnapshotAndPointer(t *testing.T) {
	store, repo := testStore()
	ctx := context.Background()

	manifest, commitRef, err := store.Create(ctx, CreateRequest{
		TenantID:            "tenant-1",
		TargetEnvironmentID: "env-prod",
		Kind:                KindOnboarding,
		CreatedBy:           "alice",
		Workflows:           testWorkflows(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, commitRef)
	assert.Equal(t, 2, manifest.WorkflowsCount)
	assert.NotEmpty(t, manifest.OverallHash)
	assert.Equal(t, "sha256", manifest.OverallHash.Algorithm())

	// Manifest and workflow files landed in one commit.
	commits := repo.Commits()
	require.Len(t, commits, 1)
	assert.Len(t, commits[0].Paths, 3)

	got, err := store.GetManifest(ctx, "env-prod", manifest.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, manifest.OverallHash, got.OverallHash)

	// No pointer before UpdatePointer.
	onboarded, _, err := store.IsOnboarded(ctx, "env-prod")
	require.NoError(t, err)
	assert.False(t, onboarded)

	_, err = store.UpdatePointer(ctx, "env-prod", manifest.SnapshotID, commitRef, "alice")
	require.NoError(t, err)

	onboarded, pointer, err := store.IsOnboarded(ctx, "env-prod")
	require.NoError(t, err)
	require.True(t, onboarded)
	assert.Equal(t, manifest.SnapshotID, pointer.SnapshotID)
	assert.Equal(t, commitRef, pointer.CommitRef)
}

func TestSnapshotOverallHashIgnoresOrder(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	wfs := testWorkflows()
	m1, _, err := store.Create(ctx, CreateRequest{
		TenantID: "t", TargetEnvironmentID: "env-a", Kind: KindBackup, Workflows: wfs,
	})
	require.NoError(t, err)

	reversed := []workflow.Definition{wfs[1], wfs[0]}
	m2, _, err := store.Create(ctx, CreateRequest{
		TenantID: "t", TargetEnvironmentID: "env-b", Kind: KindBackup, Workflows: reversed,
	})
	require.NoError(t, err)

	assert.Equal(t, m1.OverallHash, m2.OverallHash)
}

func TestGetWorkflowFileRoundTrip(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	manifest, _, err := store.Create(ctx, CreateRequest{
		TenantID: "t", TargetEnvironmentID: "env-prod", Kind: KindPromotion, Workflows: testWorkflows(),
	})
	require.NoError(t, err)

	var orderSync *WorkflowFileEntry
	for i := range manifest.Workflows {
		if manifest.Workflows[i].Name == "Order Sync" {
			orderSync = &manifest.Workflows[i]
		}
	}
	require.NotNil(t, orderSync)
	assert.Equal(t, "env-prod/snapshots/"+manifest.SnapshotID+"/workflows/order-sync.json", orderSync.Path)

	def, err := store.GetWorkflowFile(ctx, *orderSync)
	require.NoError(t, err)
	assert.Equal(t, "Order Sync", def.Name)
	assert.Len(t, def.Nodes, 2)

	hash, err := workflow.Hash(*def)
	require.NoError(t, err)
	assert.Equal(t, orderSync.ContentHash, hash)
}

func TestVerifyRuntimeMatches(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	wfs := testWorkflows()
	manifest, _, err := store.Create(ctx, CreateRequest{
		TenantID: "t", TargetEnvironmentID: "env-prod", Kind: KindPromotion, Workflows: wfs,
	})
	require.NoError(t, err)

	ok, mismatches, err := store.VerifyRuntimeMatches(ctx, "env-prod", manifest.SnapshotID, wfs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, mismatches)

	// Runtime ids may differ across environments; only content counts.
	renumbered := testWorkflows()
	renumbered[0].ID = "wf-777"
	ok, _, err = store.VerifyRuntimeMatches(ctx, "env-prod", manifest.SnapshotID, renumbered)
	require.NoError(t, err)
	assert.True(t, ok)

	drifted := testWorkflows()
	drifted[0].Nodes[1].Parameters["url"] = "https://b"
	ok, mismatches, err = store.VerifyRuntimeMatches(ctx, "env-prod", manifest.SnapshotID, drifted)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "Order Sync", mismatches[0].Name)
	assert.False(t, mismatches[0].Missing)

	ok, mismatches, err = store.VerifyRuntimeMatches(ctx, "env-prod", manifest.SnapshotID, drifted[1:])
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, mismatches, 1)
	assert.True(t, mismatches[0].Missing)
}

func TestCreateSnapshotValidation(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	_, _, err := store.Create(ctx, CreateRequest{
		TargetEnvironmentID: "env-prod", Kind: "weekly", Workflows: testWorkflows(),
	})
	assert.True(t, engine.IsValidation(err))

	_, _, err = store.Create(ctx, CreateRequest{Kind: KindBackup})
	assert.True(t, engine.IsValidation(err))

	// Duplicate file keys would overwrite each other inside the snapshot.
	dup := []workflow.Definition{
		{ID: "a", Name: "Same Name"},
		{ID: "b", Name: "same name"},
	}
	_, _, err = store.Create(ctx, CreateRequest{
		TargetEnvironmentID: "env-prod", Kind: KindBackup, Workflows: dup,
	})
	assert.True(t, engine.IsValidation(err))
}

func TestPointerUpdateIdempotent(t *testing.T) {
	store, _ := testStore()
	ctx := context.Background()

	manifest, commitRef, err := store.Create(ctx, CreateRequest{
		TenantID: "t", TargetEnvironmentID: "env-prod", Kind: KindOnboarding, Workflows: testWorkflows(),
	})
	require.NoError(t, err)

	_, err = store.UpdatePointer(ctx, "env-prod", manifest.SnapshotID, commitRef, "alice")
	require.NoError(t, err)
	_, err = store.UpdatePointer(ctx, "env-prod", manifest.SnapshotID, commitRef, "alice")
	require.NoError(t, err)

	pointer, err := store.GetPointer(ctx, "env-prod")
	require.NoError(t, err)
	assert.Equal(t, manifest.SnapshotID, pointer.SnapshotID)
}
