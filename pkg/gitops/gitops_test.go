package gitops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepoCommitAndRead(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	ref, err := repo.CommitFiles(ctx, "main", []FileWrite{
		{Path: "prod/current.json", Content: []byte(`{"snapshot_id":"snap-1"}`)},
		{Path: "prod/snapshots/snap-1/manifest.json", Content: []byte(`{}`)},
	}, "onboard prod")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	content, err := repo.ReadFile(ctx, "main", "prod/current.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"snapshot_id":"snap-1"}`, string(content))

	commits := repo.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, ref, commits[0].Ref)
	assert.Equal(t, "onboard prod", commits[0].Message)
	assert.Len(t, commits[0].Paths, 2)
}

func TestMemoryRepoNotFound(t *testing.T) {
	repo := NewMemoryRepo()
	_, err := repo.ReadFile(context.Background(), "main", "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepoOverwrite(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	_, err := repo.CommitFiles(ctx, "main", []FileWrite{{Path: "prod/current.json", Content: []byte("v1")}}, "first")
	require.NoError(t, err)
	_, err = repo.CommitFiles(ctx, "main", []FileWrite{{Path: "prod/current.json", Content: []byte("v2")}}, "second")
	require.NoError(t, err)

	content, err := repo.ReadFile(ctx, "main", "prod/current.json")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
	assert.Len(t, repo.Commits(), 2)
}

func TestFSRepoCommitAndRead(t *testing.T) {
	repo, err := NewFSRepo(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := repo.CommitFiles(ctx, "main", []FileWrite{
		{Path: "staging/snapshots/snap-7/workflows/order-sync.json", Content: []byte(`{"name":"Order Sync"}`)},
	}, "snapshot staging")
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	content, err := repo.ReadFile(ctx, "main", "staging/snapshots/snap-7/workflows/order-sync.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Order Sync"}`, string(content))

	_, err = repo.ReadFile(ctx, "main", "staging/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSRepoRejectsEscapingPaths(t *testing.T) {
	repo, err := NewFSRepo(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = repo.CommitFiles(ctx, "main", []FileWrite{{Path: "../outside.json", Content: []byte("x")}}, "bad")
	assert.Error(t, err)

	_, err = repo.ReadFile(ctx, "main", "/etc/passwd")
	assert.Error(t, err)
}
