package snapshot

import (
	"time"

	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// Kind names why a snapshot was taken.
type Kind string

const (
	KindOnboarding Kind = "onboarding"
	KindPromotion  Kind = "promotion"
	KindBackup     Kind = "backup"
	KindRollback   Kind = "rollback"
)

// Valid reports whether the kind is one of the known snapshot kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOnboarding, KindPromotion, KindBackup, KindRollback:
		return true
	}
	return false
}

// WorkflowFileEntry describes one workflow file inside a snapshot.
type WorkflowFileEntry struct {
	WorkflowID  string               `json:"workflow_id"`
	Name        string               `json:"name"`
	Path        string               `json:"path"`
	ContentHash workflow.ContentHash `json:"content_hash"`
	Active      bool                 `json:"active"`
}

// Manifest is the immutable index of one snapshot: which workflows it
// contains, their content hashes, and the combined overall hash.
type Manifest struct {
	SnapshotID          string               `json:"snapshot_id"`
	Kind                Kind                 `json:"kind"`
	TenantID            string               `json:"tenant_id"`
	TargetEnvironmentID string               `json:"target_environment_id"`
	SourceEnvironmentID string               `json:"source_environment_id,omitempty"`
	SourceSnapshotID    string               `json:"source_snapshot_id,omitempty"`
	Workflows           []WorkflowFileEntry  `json:"workflows"`
	WorkflowsCount      int                  `json:"workflows_count"`
	OverallHash         workflow.ContentHash `json:"overall_hash"`
	CreatedAt           time.Time            `json:"created_at"`
	CreatedBy           string               `json:"created_by"`
	Reason              string               `json:"reason,omitempty"`
}

// EnvironmentPointer is the per-environment current.json file naming the
// snapshot the environment is pinned to.
type EnvironmentPointer struct {
	EnvironmentID string    `json:"environment_id"`
	SnapshotID    string    `json:"snapshot_id"`
	CommitRef     string    `json:"commit_ref"`
	UpdatedBy     string    `json:"updated_by"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Mismatch reports one workflow whose runtime content does not match the
// snapshot.
type Mismatch struct {
	WorkflowID   string               `json:"workflow_id"`
	Name         string               `json:"name"`
	ExpectedHash workflow.ContentHash `json:"expected_hash"`
	ActualHash   workflow.ContentHash `json:"actual_hash"`
	Missing      bool                 `json:"missing"`
}

// CreateRequest carries everything needed to take a snapshot.
type CreateRequest struct {
	TenantID            string
	TargetEnvironmentID string
	SourceEnvironmentID string
	SourceSnapshotID    string
	Kind                Kind
	CreatedBy           string
	Reason              string
	Workflows           []workflow.Definition
}
