// Package gitops abstracts the version-controlled store that snapshots and
// environment pointers are committed to. Callers only depend on atomic
// multi-file commits and path reads; the backing implementation can be an
// in-memory repo, a working tree on disk, or a hosted git provider.
package gitops

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a path does not exist on the requested branch.
var ErrNotFound = errors.New("gitops: path not found")

// FileWrite is a single file in a commit.
type FileWrite struct {
	Path    string
	Content []byte
}

// Commit records one applied commit.
type Commit struct {
	Ref       string    `json:"ref"`
	Branch    string    `json:"branch"`
	Message   string    `json:"message"`
	Paths     []string  `json:"paths"`
	Committed time.Time `json:"committed"`
}

// Client is the write/read surface of the configuration store. CommitFiles
// applies all files as one atomic commit and returns the commit ref; partial
// writes must never be observable.
type Client interface {
	CommitFiles(ctx context.Context, branch string, files []FileWrite, message string) (string, error)
	ReadFile(ctx context.Context, branch, path string) ([]byte, error)
}
