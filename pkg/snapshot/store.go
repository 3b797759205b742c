// Package snapshot implements the content-addressed snapshot store. Every
// snapshot is an immutable manifest plus one file per workflow, committed
// atomically to the version-controlled backend; a per-environment pointer
// file names the snapshot the environment is currently pinned to.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/gitops"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// Store reads and writes snapshots through a gitops client. All writes for
// one snapshot go into a single commit; the pointer is only ever updated
// after the snapshot commit has landed, so a pointer can never reference a
// commit that does not contain its manifest.
type Store struct {
	git    gitops.Client
	branch string
	logger zerolog.Logger
}

// NewStore creates a snapshot store committing to the given branch.
func NewStore(git gitops.Client, branch string, logger zerolog.Logger) *Store {
	return &Store{
		git:    git,
		branch: branch,
		logger: logger.With().Str("component", "snapshot-store").Logger(),
	}
}

func pointerPath(envID string) string {
	return envID + "/current.json"
}

func manifestPath(envID, snapshotID string) string {
	return fmt.Sprintf("%s/snapshots/%s/manifest.json", envID, snapshotID)
}

func workflowPath(envID, snapshotID, key string) string {
	return fmt.Sprintf("%s/snapshots/%s/workflows/%s.json", envID, snapshotID, key)
}

// FileKey derives the stable file name for a workflow. The name is used
// rather than the runtime id because ids differ across environments while
// the name is what a promotion carries over. Falls back to the id when the
// name sanitizes to nothing.
func FileKey(def workflow.Definition) string {
	key := sanitizeKey(def.Name)
	if key == "" {
		key = sanitizeKey(def.ID)
	}
	return key
}

func sanitizeKey(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Create takes one snapshot: hashes every workflow, writes the manifest and
// one file per workflow as a single atomic commit, and returns the manifest
// with its commit ref. No partial manifest is ever observable.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Manifest, string, error) {
	if !req.Kind.Valid() {
		return nil, "", engine.NewValidationError(fmt.Sprintf("unknown snapshot kind: %s", req.Kind), nil)
	}
	if req.TargetEnvironmentID == "" {
		return nil, "", engine.NewValidationError("target environment is required", nil)
	}

	manifest := &Manifest{
		SnapshotID:          uuid.New().String(),
		Kind:                req.Kind,
		TenantID:            req.TenantID,
		TargetEnvironmentID: req.TargetEnvironmentID,
		SourceEnvironmentID: req.SourceEnvironmentID,
		SourceSnapshotID:    req.SourceSnapshotID,
		CreatedAt:           time.Now().UTC(),
		CreatedBy:           req.CreatedBy,
		Reason:              req.Reason,
	}

	files := make([]gitops.FileWrite, 0, len(req.Workflows)+1)
	hashes := make([]workflow.ContentHash, 0, len(req.Workflows))
	seenKeys := make(map[string]struct{}, len(req.Workflows))

	defs := make([]workflow.Definition, len(req.Workflows))
	copy(defs, req.Workflows)
	sort.Slice(defs, func(i, j int) bool { return FileKey(defs[i]) < FileKey(defs[j]) })

	for _, def := range defs {
		hash, err := workflow.Hash(def)
		if err != nil {
			return nil, "", engine.NewValidationError(
				fmt.Sprintf("failed to hash workflow %s", def.ID), err).WithResource(def.ID)
		}

		key := FileKey(def)
		if _, dup := seenKeys[key]; dup {
			// Two workflows sanitizing to the same key would silently
			// overwrite each other inside the snapshot.
			return nil, "", engine.NewValidationError(
				fmt.Sprintf("duplicate workflow file key: %s", key), nil).WithResource(def.ID)
		}
		seenKeys[key] = struct{}{}

		content, err := json.MarshalIndent(def, "", "  ")
		if err != nil {
			return nil, "", engine.NewValidationError(
				fmt.Sprintf("failed to serialize workflow %s", def.ID), err).WithResource(def.ID)
		}

		path := workflowPath(req.TargetEnvironmentID, manifest.SnapshotID, key)
		files = append(files, gitops.FileWrite{Path: path, Content: content})
		hashes = append(hashes, hash)
		manifest.Workflows = append(manifest.Workflows, WorkflowFileEntry{
			WorkflowID:  def.ID,
			Name:        def.Name,
			Path:        path,
			ContentHash: hash,
			Active:      def.Active,
		})
	}

	manifest.WorkflowsCount = len(manifest.Workflows)
	manifest.OverallHash = workflow.Combine(hashes)

	manifestContent, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", engine.NewPersistenceError("failed to serialize manifest", err)
	}
	files = append(files, gitops.FileWrite{
		Path:    manifestPath(req.TargetEnvironmentID, manifest.SnapshotID),
		Content: manifestContent,
	})

	message := fmt.Sprintf("snapshot %s (%s) for %s: %d workflows",
		manifest.SnapshotID, manifest.Kind, req.TargetEnvironmentID, manifest.WorkflowsCount)
	commitRef, err := s.git.CommitFiles(ctx, s.branch, files, message)
	if err != nil {
		return nil, "", engine.NewPersistenceError("failed to commit snapshot", err).
			WithCode(engine.ErrCodeCommitFailed).
			WithResource(manifest.SnapshotID)
	}

	s.logger.Info().
		Str("snapshot_id", manifest.SnapshotID).
		Str("kind", string(manifest.Kind)).
		Str("environment_id", req.TargetEnvironmentID).
		Int("workflows", manifest.WorkflowsCount).
		Str("commit_ref", commitRef).
		Msg("Snapshot created")

	return manifest, commitRef, nil
}

// UpdatePointer commits the environment pointer file. Idempotent for the
// same snapshot id; it must only be called after Create for that snapshot
// has committed.
func (s *Store) UpdatePointer(ctx context.Context, envID, snapshotID, commitRef, updatedBy string) (string, error) {
	pointer := EnvironmentPointer{
		EnvironmentID: envID,
		SnapshotID:    snapshotID,
		CommitRef:     commitRef,
		UpdatedBy:     updatedBy,
		UpdatedAt:     time.Now().UTC(),
	}
	content, err := json.MarshalIndent(pointer, "", "  ")
	if err != nil {
		return "", engine.NewPersistenceError("failed to serialize environment pointer", err)
	}

	message := fmt.Sprintf("point %s at snapshot %s", envID, snapshotID)
	ref, err := s.git.CommitFiles(ctx, s.branch, []gitops.FileWrite{
		{Path: pointerPath(envID), Content: content},
	}, message)
	if err != nil {
		return "", engine.NewPersistenceError("failed to commit environment pointer", err).
			WithCode(engine.ErrCodeCommitFailed).
			WithResource(envID)
	}

	s.logger.Info().
		Str("environment_id", envID).
		Str("snapshot_id", snapshotID).
		Msg("Environment pointer updated")
	return ref, nil
}

// IsOnboarded reports whether the environment has a pointer file; absence
// means the environment is new.
func (s *Store) IsOnboarded(ctx context.Context, envID string) (bool, *EnvironmentPointer, error) {
	pointer, err := s.GetPointer(ctx, envID)
	if err != nil {
		if engine.IsNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	return true, pointer, nil
}

// GetPointer reads the environment's current pointer file.
func (s *Store) GetPointer(ctx context.Context, envID string) (*EnvironmentPointer, error) {
	content, err := s.git.ReadFile(ctx, s.branch, pointerPath(envID))
	if err != nil {
		if errors.Is(err, gitops.ErrNotFound) {
			return nil, engine.NewPersistenceError(
				fmt.Sprintf("environment has no pointer: %s", envID), nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(envID)
		}
		return nil, engine.NewPersistenceError("failed to read environment pointer", err).WithResource(envID)
	}

	pointer := &EnvironmentPointer{}
	if err := json.Unmarshal(content, pointer); err != nil {
		return nil, engine.NewPersistenceError("failed to parse environment pointer", err).WithResource(envID)
	}
	return pointer, nil
}

// GetManifest reads a snapshot manifest.
func (s *Store) GetManifest(ctx context.Context, envID, snapshotID string) (*Manifest, error) {
	content, err := s.git.ReadFile(ctx, s.branch, manifestPath(envID, snapshotID))
	if err != nil {
		if errors.Is(err, gitops.ErrNotFound) {
			return nil, engine.NewPersistenceError(
				fmt.Sprintf("snapshot manifest not found: %s", snapshotID), nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(snapshotID)
		}
		return nil, engine.NewPersistenceError("failed to read snapshot manifest", err).WithResource(snapshotID)
	}

	manifest := &Manifest{}
	if err := json.Unmarshal(content, manifest); err != nil {
		return nil, engine.NewPersistenceError("failed to parse snapshot manifest", err).WithResource(snapshotID)
	}
	return manifest, nil
}

// GetWorkflowFile reads one workflow definition from a snapshot by its
// manifest entry.
func (s *Store) GetWorkflowFile(ctx context.Context, entry WorkflowFileEntry) (*workflow.Definition, error) {
	content, err := s.git.ReadFile(ctx, s.branch, entry.Path)
	if err != nil {
		if errors.Is(err, gitops.ErrNotFound) {
			return nil, engine.NewPersistenceError(
				fmt.Sprintf("snapshot workflow file not found: %s", entry.Path), nil).
				WithCode(engine.ErrCodeNotFound).
				WithResource(entry.WorkflowID)
		}
		return nil, engine.NewPersistenceError("failed to read snapshot workflow file", err).WithResource(entry.WorkflowID)
	}

	def := &workflow.Definition{}
	if err := json.Unmarshal(content, def); err != nil {
		return nil, engine.NewPersistenceError("failed to parse snapshot workflow file", err).WithResource(entry.WorkflowID)
	}
	return def, nil
}

// VerifyRuntimeMatches recomputes hashes for the supplied runtime workflows
// and compares them against the snapshot manifest. Used as a post-write
// sanity check. Workflows are matched by file key.
func (s *Store) VerifyRuntimeMatches(ctx context.Context, envID, snapshotID string, runtime []workflow.Definition) (bool, []Mismatch, error) {
	manifest, err := s.GetManifest(ctx, envID, snapshotID)
	if err != nil {
		return false, nil, err
	}

	byKey := make(map[string]workflow.Definition, len(runtime))
	for _, def := range runtime {
		byKey[FileKey(def)] = def
	}

	var mismatches []Mismatch
	for _, entry := range manifest.Workflows {
		key := sanitizeKey(entry.Name)
		if key == "" {
			key = sanitizeKey(entry.WorkflowID)
		}
		def, ok := byKey[key]
		if !ok {
			mismatches = append(mismatches, Mismatch{
				WorkflowID:   entry.WorkflowID,
				Name:         entry.Name,
				ExpectedHash: entry.ContentHash,
				Missing:      true,
			})
			continue
		}
		hash, err := workflow.Hash(def)
		if err != nil {
			return false, nil, engine.NewValidationError(
				fmt.Sprintf("failed to hash runtime workflow %s", def.ID), err).WithResource(def.ID)
		}
		if hash != entry.ContentHash {
			mismatches = append(mismatches, Mismatch{
				WorkflowID:   entry.WorkflowID,
				Name:         entry.Name,
				ExpectedHash: entry.ContentHash,
				ActualHash:   hash,
			})
		}
	}
	return len(mismatches) == 0, mismatches, nil
}
