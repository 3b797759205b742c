package gitops

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Client used by tests and local dry runs. Commits
// are atomic under a single mutex.
type MemoryRepo struct {
	mu      sync.RWMutex
	files   map[string]map[string][]byte // branch -> path -> content
	commits []Commit
}

// NewMemoryRepo returns an empty in-memory repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{files: make(map[string]map[string][]byte)}
}

// CommitFiles writes all files to the branch as one commit.
func (r *MemoryRepo) CommitFiles(_ context.Context, branch string, files []FileWrite, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, ok := r.files[branch]
	if !ok {
		tree = make(map[string][]byte)
		r.files[branch] = tree
	}

	commit := Commit{
		Ref:       uuid.New().String(),
		Branch:    branch,
		Message:   message,
		Committed: time.Now().UTC(),
	}
	for _, f := range files {
		content := make([]byte, len(f.Content))
		copy(content, f.Content)
		tree[f.Path] = content
		commit.Paths = append(commit.Paths, f.Path)
	}
	r.commits = append(r.commits, commit)
	return commit.Ref, nil
}

// ReadFile returns the current content of path on branch.
func (r *MemoryRepo) ReadFile(_ context.Context, branch, path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.files[branch]
	if !ok {
		return nil, ErrNotFound
	}
	content, ok := tree[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// Commits returns the commit log in application order.
func (r *MemoryRepo) Commits() []Commit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Commit, len(r.commits))
	copy(out, r.commits)
	return out
}
