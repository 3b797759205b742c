package stores

import (
	"context"
	"time"
)

// PromotionStatus represents the lifecycle state of a promotion record.
type PromotionStatus string

const (
	PromotionStatusPending   PromotionStatus = "pending"
	PromotionStatusRunning   PromotionStatus = "running"
	PromotionStatusCompleted PromotionStatus = "completed"
	PromotionStatusFailed    PromotionStatus = "failed"
)

// IncidentStatus represents the lifecycle state of a drift incident.
// Expiry is an overlay computed from expires_at, not a lifecycle state.
type IncidentStatus string

const (
	IncidentStatusDetected     IncidentStatus = "detected"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusStabilized   IncidentStatus = "stabilized"
	IncidentStatusClosed       IncidentStatus = "closed"
)

// IncidentSeverity classifies how disruptive the detected drift is.
type IncidentSeverity string

const (
	SeverityCritical IncidentSeverity = "critical"
	SeverityHigh     IncidentSeverity = "high"
	SeverityMedium   IncidentSeverity = "medium"
	SeverityLow      IncidentSeverity = "low"
)

// ActionType names an operation on a drift incident that may be gated by an
// approval requirement.
type ActionType string

const (
	ActionAcknowledge        ActionType = "acknowledge"
	ActionExtendTTL          ActionType = "extend_ttl"
	ActionReconcile          ActionType = "reconcile"
	ActionDeploymentOverride ActionType = "deployment_override"
)

// ApprovalStatus represents the decision state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ArtifactStatus represents the lifecycle state of a reconciliation
// artifact. Success and failed are terminal.
type ArtifactStatus string

const (
	ArtifactStatusPending    ArtifactStatus = "pending"
	ArtifactStatusInProgress ArtifactStatus = "in_progress"
	ArtifactStatusSuccess    ArtifactStatus = "success"
	ArtifactStatusFailed     ArtifactStatus = "failed"
)

// IsTerminal returns true for statuses that must never be mutated again.
func (s ArtifactStatus) IsTerminal() bool {
	return s == ArtifactStatusSuccess || s == ArtifactStatusFailed
}

// ResolutionType names a reconciliation strategy.
type ResolutionType string

const (
	ResolutionPromote ResolutionType = "promote"
	ResolutionRevert  ResolutionType = "revert"
	ResolutionReplace ResolutionType = "replace"
)

// Environment represents a tracked workflow runtime environment.
type Environment struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Production  bool      `json:"production"`
	AdapterName string    `json:"adapter_name"`
	AdapterURL  string    `json:"adapter_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Promotion is a tenant-scoped record of one promotion attempt. At most one
// promotion per (tenant, target environment) may hold the running status.
type Promotion struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Name                string          `json:"name"`
	SourceEnvironmentID string          `json:"source_environment_id"`
	TargetEnvironmentID string          `json:"target_environment_id"`
	Status              PromotionStatus `json:"status"`
	WorkflowIDs         string          `json:"workflow_ids"` // JSON array of workflow ids
	SnapshotID          *string         `json:"snapshot_id,omitempty"`
	CommitRef           *string         `json:"commit_ref,omitempty"`
	Error               *string         `json:"error,omitempty"`
	CreatedBy           string          `json:"created_by"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// DriftIncident tracks one detected divergence between an environment's
// runtime state and its snapshot baseline.
type DriftIncident struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	EnvironmentID  string           `json:"environment_id"`
	WorkflowID     string           `json:"workflow_id"`
	WorkflowName   string           `json:"workflow_name"`
	Status         IncidentStatus   `json:"status"`
	Severity       IncidentSeverity `json:"severity"`
	Summary        string           `json:"summary"` // JSON-encoded diff.DriftSummary
	Expired        bool             `json:"expired"`
	DetectedAt     time.Time        `json:"detected_at"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	AcknowledgedBy *string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	StabilizedAt   *time.Time       `json:"stabilized_at,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Open returns true while the incident still blocks or gates operations.
func (i *DriftIncident) Open() bool {
	return i.Status != IncidentStatusClosed
}

// DriftPolicy holds one tenant's TTL, blocking, and approval-gating rules.
type DriftPolicy struct {
	ID                         string    `json:"id"`
	TenantID                   string    `json:"tenant_id"`
	CriticalTTLHours           int       `json:"critical_ttl_hours"`
	HighTTLHours               int       `json:"high_ttl_hours"`
	MediumTTLHours             int       `json:"medium_ttl_hours"`
	LowTTLHours                int       `json:"low_ttl_hours"`
	DefaultTTLHours            int       `json:"default_ttl_hours"`
	AutoCreateIncidents        bool      `json:"auto_create_incidents"`
	BlockDeploymentsOnDrift    bool      `json:"block_deployments_on_drift"`
	BlockDeploymentsOnExpired  bool      `json:"block_deployments_on_expired"`
	RequireApprovalAcknowledge bool      `json:"require_approval_acknowledge"`
	RequireApprovalExtendTTL   bool      `json:"require_approval_extend_ttl"`
	RequireApprovalReconcile   bool      `json:"require_approval_reconcile"`
	ApprovalExpiryHours        int       `json:"approval_expiry_hours"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

// DriftApproval records one approval request/decision for a gated action on
// an incident. PromotionID scopes deployment_override approvals to a single
// promotion.
type DriftApproval struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	IncidentID  string         `json:"incident_id"`
	ActionType  ActionType     `json:"action_type"`
	Status      ApprovalStatus `json:"status"`
	PromotionID *string        `json:"promotion_id,omitempty"`
	RequestedBy string         `json:"requested_by"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Reason      *string        `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ReconciliationArtifact tracks one reconciliation attempt through its
// lifecycle. A failed artifact is never retried in place; a retry is a new
// artifact, preserving the attempt history.
type ReconciliationArtifact struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	IncidentID     string         `json:"incident_id"`
	ResolutionType ResolutionType `json:"resolution_type"`
	Status         ArtifactStatus `json:"status"`
	RequestedBy    string         `json:"requested_by"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ExternalRefs   *string        `json:"external_refs,omitempty"` // JSON object
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RefreshLogEntry records one materialized-view refresh cycle.
type RefreshLogEntry struct {
	ID         string     `json:"id"`
	ViewName   string     `json:"view_name"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// AuditEntry records one state-changing operation for traceability.
type AuditEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details"` // JSON object
	CreatedAt    time.Time `json:"created_at"`
}

// Store defines the persistence surface of the engine. Not-found lookups
// return a persistence error carrying the NOT_FOUND code except where the
// signature documents a nil result.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Environment operations
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, tenantID string) ([]*Environment, error)
	// ListAllEnvironments crosses tenant boundaries; only the sweeper's
	// scheduled scans use it.
	ListAllEnvironments(ctx context.Context) ([]*Environment, error)

	// Promotion operations
	CreatePromotion(ctx context.Context, p *Promotion) error
	GetPromotion(ctx context.Context, id string) (*Promotion, error)
	UpdatePromotionStatus(ctx context.Context, id string, status PromotionStatus, errMsg *string) error
	// AcquireRunningPromotion conditionally transitions the promotion into
	// running; false means another promotion holds the running status for
	// the tenant/target pair.
	AcquireRunningPromotion(ctx context.Context, tenantID, targetEnvID, id string) (bool, error)
	SetPromotionResult(ctx context.Context, id, snapshotID, commitRef string) error
	// GetRunningPromotion returns nil when no promotion holds the running
	// status for (tenant, target environment).
	GetRunningPromotion(ctx context.Context, tenantID, targetEnvID string) (*Promotion, error)
	ListStaleRunningPromotions(ctx context.Context, startedBefore time.Time) ([]*Promotion, error)
	ListPromotions(ctx context.Context, tenantID string, limit, offset int) ([]*Promotion, error)

	// Drift incident operations
	CreateDriftIncident(ctx context.Context, incident *DriftIncident) error
	GetDriftIncident(ctx context.Context, id string) (*DriftIncident, error)
	UpdateDriftIncidentStatus(ctx context.Context, id string, status IncidentStatus, actor string) error
	ExtendDriftIncidentTTL(ctx context.Context, id string, expiresAt time.Time) error
	MarkDriftIncidentExpired(ctx context.Context, id string) error
	ListOpenIncidentsByEnvironment(ctx context.Context, tenantID, envID string) ([]*DriftIncident, error)
	// GetOpenIncidentForWorkflow returns nil when the workflow has no open
	// incident in the environment.
	GetOpenIncidentForWorkflow(ctx context.Context, tenantID, envID, workflowID string) (*DriftIncident, error)
	ListNewlyExpiredIncidents(ctx context.Context, now time.Time) ([]*DriftIncident, error)

	// Drift policy operations
	UpsertDriftPolicy(ctx context.Context, policy *DriftPolicy) error
	// GetDriftPolicy returns nil when the tenant has no stored policy.
	GetDriftPolicy(ctx context.Context, tenantID string) (*DriftPolicy, error)

	// Drift approval operations
	CreateDriftApproval(ctx context.Context, approval *DriftApproval) error
	DecideDriftApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string) error
	// LatestApproval returns nil when no approval exists for the
	// incident/action pair.
	LatestApproval(ctx context.Context, incidentID string, action ActionType) (*DriftApproval, error)

	// Reconciliation artifact operations
	CreateArtifact(ctx context.Context, artifact *ReconciliationArtifact) error
	GetArtifact(ctx context.Context, id string) (*ReconciliationArtifact, error)
	UpdateArtifactStatus(ctx context.Context, id string, status ArtifactStatus, externalRefs, errMsg *string) error
	ListArtifactsByIncident(ctx context.Context, incidentID string) ([]*ReconciliationArtifact, error)
	ListStaleInProgressArtifacts(ctx context.Context, startedBefore time.Time) ([]*ReconciliationArtifact, error)

	// Refresh log operations
	AppendRefreshLog(ctx context.Context, entry *RefreshLogEntry) error
	ListRefreshLog(ctx context.Context, viewName string, limit int) ([]*RefreshLogEntry, error)

	// Audit operations
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit, offset int) ([]*AuditEntry, error)
}
