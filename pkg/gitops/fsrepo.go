package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FSRepo is a Client backed by a working tree on local disk. Each branch is a
// subdirectory of the root; the commit log is appended to commits.log as one
// JSON record per line. Commits are staged into a temporary directory and
// renamed into place so a crash mid-commit never leaves partial files behind.
type FSRepo struct {
	root string
	mu   sync.Mutex
}

// NewFSRepo opens (or creates) a filesystem repository rooted at root.
func NewFSRepo(root string) (*FSRepo, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository root %s: %w", root, err)
	}
	return &FSRepo{root: root}, nil
}

// CommitFiles stages every file, moves them into the branch tree, and appends
// a commit record.
func (r *FSRepo) CommitFiles(_ context.Context, branch string, files []FileWrite, message string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	branchDir, err := r.branchDir(branch)
	if err != nil {
		return "", err
	}

	staging, err := os.MkdirTemp(r.root, ".staging-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	commit := Commit{
		Ref:       uuid.New().String(),
		Branch:    branch,
		Message:   message,
		Committed: time.Now().UTC(),
	}

	for i, f := range files {
		if err := validateRepoPath(f.Path); err != nil {
			return "", err
		}
		staged := filepath.Join(staging, fmt.Sprintf("f%d", i))
		if err := os.WriteFile(staged, f.Content, 0o644); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", f.Path, err)
		}
	}
	for i, f := range files {
		target := filepath.Join(branchDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.Rename(filepath.Join(staging, fmt.Sprintf("f%d", i)), target); err != nil {
			return "", fmt.Errorf("failed to commit %s: %w", f.Path, err)
		}
		commit.Paths = append(commit.Paths, f.Path)
	}

	if err := r.appendCommit(commit); err != nil {
		return "", err
	}
	return commit.Ref, nil
}

// ReadFile returns the current content of path on branch.
func (r *FSRepo) ReadFile(_ context.Context, branch, path string) ([]byte, error) {
	if err := validateRepoPath(path); err != nil {
		return nil, err
	}
	branchDir, err := r.branchDir(branch)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(branchDir, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return content, nil
}

func (r *FSRepo) branchDir(branch string) (string, error) {
	if branch == "" || strings.ContainsAny(branch, "/\\") {
		return "", fmt.Errorf("invalid branch name %q", branch)
	}
	dir := filepath.Join(r.root, branch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create branch directory: %w", err)
	}
	return dir, nil
}

func (r *FSRepo) appendCommit(commit Commit) error {
	record, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("failed to serialize commit record: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(r.root, "commits.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open commit log: %w", err)
	}
	defer logFile.Close()
	if _, err := logFile.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("failed to append commit record: %w", err)
	}
	return nil
}

func validateRepoPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty repository path")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") || clean == ".." {
		return fmt.Errorf("repository path %q escapes the tree", path)
	}
	return nil
}
