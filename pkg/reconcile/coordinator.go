// Package reconcile executes reconciliation actions against drift
// incidents. Every attempt is a persisted artifact moving through
// pending, in_progress, and a terminal success or failed status; a failed
// artifact is never reused, a retry is a new artifact.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/policy"
	"github.com/driftwarden/driftwarden/pkg/runtime"
	"github.com/driftwarden/driftwarden/pkg/snapshot"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
)

// Coordinator runs promote, revert, and replace reconciliations.
type Coordinator struct {
	store     stores.Store
	snapshots *snapshot.Store
	resolver  runtime.Resolver
	policies  *policy.Engine
	events    *telemetry.Dispatcher
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

// NewCoordinator wires a reconciliation coordinator. tracer may be nil.
func NewCoordinator(
	store stores.Store,
	snapshots *snapshot.Store,
	resolver runtime.Resolver,
	policies *policy.Engine,
	events *telemetry.Dispatcher,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		snapshots: snapshots,
		resolver:  resolver,
		policies:  policies,
		events:    events,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With().Str("component", "reconcile").Logger(),
	}
}

// Execute runs one reconciliation attempt for the incident. The approval
// gate for the reconcile action is checked before any artifact is created;
// a blocked action leaves no artifact behind.
func (c *Coordinator) Execute(ctx context.Context, incidentID string, resolution stores.ResolutionType, actor string) (*stores.ReconciliationArtifact, error) {
	switch resolution {
	case stores.ResolutionPromote, stores.ResolutionRevert, stores.ResolutionReplace:
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown resolution type: %s", resolution), nil)
	}

	incident, err := c.store.GetDriftIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !incident.Open() {
		return nil, engine.NewConflictError("incident is closed; nothing to reconcile", nil).
			WithResource(incidentID).
			WithOperation("reconcile")
	}

	state, err := c.policies.CanPerform(ctx, incident, stores.ActionReconcile)
	if err != nil {
		return nil, err
	}
	if !state.Allows() {
		c.events.EmitPolicyBlocked(incident.TenantID, incident.EnvironmentID, "reconcile", string(state))
		c.metrics.RecordPolicyBlock("reconcile", string(state))
		return nil, engine.NewPolicyBlockedError(
			fmt.Sprintf("reconciliation of incident %s requires approval (state: %s)", incidentID, state), nil).
			WithCode(engine.ErrCodeApprovalRequired).
			WithResource(incidentID).
			WithOperation("reconcile").
			WithDetail("approval_state", string(state))
	}

	artifact := &stores.ReconciliationArtifact{
		ID:             uuid.New().String(),
		TenantID:       incident.TenantID,
		IncidentID:     incident.ID,
		ResolutionType: resolution,
		Status:         stores.ArtifactStatusPending,
		RequestedBy:    actor,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := c.store.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	if err := c.store.UpdateArtifactStatus(ctx, artifact.ID, stores.ArtifactStatusInProgress, nil, nil); err != nil {
		return nil, err
	}

	if c.tracer != nil {
		spanCtx, span := c.tracer.StartReconcileSpan(ctx, artifact.ID, string(resolution))
		defer span.End()
		ctx = spanCtx
	}

	started := time.Now()
	refs, execErr := c.run(ctx, incident, resolution, actor)
	elapsed := time.Since(started)

	if execErr != nil {
		msg := execErr.Error()
		if err := c.store.UpdateArtifactStatus(ctx, artifact.ID, stores.ArtifactStatusFailed, nil, &msg); err != nil {
			c.logger.Error().Err(err).Str("artifact_id", artifact.ID).Msg("Failed to mark artifact failed")
		}
		c.events.EmitReconciliationResult(incident.TenantID, incident.ID, artifact.ID, string(resolution), execErr)
		c.metrics.RecordReconciliation(string(resolution), string(stores.ArtifactStatusFailed), elapsed)
		c.metrics.RecordError(engine.Class(execErr))
		c.logger.Error().Err(execErr).
			Str("incident_id", incident.ID).
			Str("artifact_id", artifact.ID).
			Str("resolution", string(resolution)).
			Msg("Reconciliation failed")
		return c.store.GetArtifact(ctx, artifact.ID)
	}

	encoded, err := json.Marshal(refs)
	if err != nil {
		encoded = []byte("{}")
	}
	refsJSON := string(encoded)
	if err := c.store.UpdateArtifactStatus(ctx, artifact.ID, stores.ArtifactStatusSuccess, &refsJSON, nil); err != nil {
		return nil, err
	}
	if err := c.store.UpdateDriftIncidentStatus(ctx, incident.ID, stores.IncidentStatusStabilized, actor); err != nil {
		c.logger.Error().Err(err).Str("incident_id", incident.ID).Msg("Failed to stabilize incident")
	}

	c.events.EmitReconciliationResult(incident.TenantID, incident.ID, artifact.ID, string(resolution), nil)
	c.metrics.RecordReconciliation(string(resolution), string(stores.ArtifactStatusSuccess), elapsed)
	c.audit(ctx, incident, artifact, actor, refs)

	c.logger.Info().
		Str("incident_id", incident.ID).
		Str("artifact_id", artifact.ID).
		Str("resolution", string(resolution)).
		Dur("duration", elapsed).
		Msg("Reconciliation succeeded")

	return c.store.GetArtifact(ctx, artifact.ID)
}

func (c *Coordinator) run(ctx context.Context, incident *stores.DriftIncident, resolution stores.ResolutionType, actor string) (map[string]interface{}, error) {
	switch resolution {
	case stores.ResolutionPromote:
		return c.promote(ctx, incident, actor)
	case stores.ResolutionRevert:
		return c.revert(ctx, incident, actor)
	case stores.ResolutionReplace:
		// Desired state was already updated out of band; only the
		// bookkeeping transition is needed.
		return map[string]interface{}{"note": "desired state updated out-of-band"}, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown resolution type: %s", resolution), nil)
	}
}

// promote accepts the drift: the runtime's current state becomes the new
// desired state. The full runtime is snapshotted so the baseline stays a
// complete picture of the environment, and the pointer moves to it.
func (c *Coordinator) promote(ctx context.Context, incident *stores.DriftIncident, actor string) (map[string]interface{}, error) {
	env, err := c.store.GetEnvironment(ctx, incident.EnvironmentID)
	if err != nil {
		return nil, err
	}
	adapter, err := c.resolver.AdapterFor(ctx, env)
	if err != nil {
		return nil, err
	}

	defs, err := adapter.GetWorkflows(ctx)
	if err != nil {
		c.metrics.RecordAdapterError(env.AdapterName, "get_workflows")
		return nil, engine.NewAdapterError("failed to read runtime state", err).
			WithResource(env.ID).
			WithOperation("reconcile")
	}

	manifest, commitRef, err := c.snapshots.Create(ctx, snapshot.CreateRequest{
		TenantID:            incident.TenantID,
		TargetEnvironmentID: env.ID,
		Kind:                snapshot.KindPromotion,
		CreatedBy:           actor,
		Reason:              fmt.Sprintf("accept drift on workflow %s", incident.WorkflowName),
		Workflows:           defs,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.snapshots.UpdatePointer(ctx, env.ID, manifest.SnapshotID, commitRef, actor); err != nil {
		return nil, err
	}

	c.events.EmitSnapshotCreated(incident.TenantID, env.ID, manifest.SnapshotID, string(snapshot.KindPromotion), len(defs))
	c.metrics.RecordSnapshotCreated(string(snapshot.KindPromotion))

	return map[string]interface{}{
		"snapshot_id": manifest.SnapshotID,
		"commit_sha":  commitRef,
		"workflows":   len(defs),
	}, nil
}

// revert restores the environment's desired state: every workflow in the
// current snapshot is written back to the runtime. The runtime's state is
// snapshotted as a backup first, so the revert itself can be undone, but
// the pointer stays on the desired snapshot.
func (c *Coordinator) revert(ctx context.Context, incident *stores.DriftIncident, actor string) (map[string]interface{}, error) {
	env, err := c.store.GetEnvironment(ctx, incident.EnvironmentID)
	if err != nil {
		return nil, err
	}
	adapter, err := c.resolver.AdapterFor(ctx, env)
	if err != nil {
		return nil, err
	}

	pointer, err := c.snapshots.GetPointer(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	manifest, err := c.snapshots.GetManifest(ctx, env.ID, pointer.SnapshotID)
	if err != nil {
		return nil, err
	}

	backupID, err := c.backupRuntime(ctx, incident, env, adapter, actor)
	if err != nil {
		return nil, err
	}

	restored := 0
	for _, entry := range manifest.Workflows {
		def, err := c.snapshots.GetWorkflowFile(ctx, entry)
		if err != nil {
			return nil, err
		}
		if err := adapter.UpdateWorkflow(ctx, entry.WorkflowID, *def); err != nil {
			c.metrics.RecordAdapterError(env.AdapterName, "update_workflow")
			return nil, engine.NewAdapterError(
				fmt.Sprintf("failed to restore workflow %q", entry.Name), err).
				WithResource(env.ID).
				WithOperation("reconcile").
				WithDetail("workflow_id", entry.WorkflowID).
				WithDetail("restored_before_failure", restored)
		}
		restored++
	}

	return map[string]interface{}{
		"restored_count":     restored,
		"source_commit":      pointer.CommitRef,
		"source_snapshot_id": pointer.SnapshotID,
		"backup_snapshot_id": backupID,
	}, nil
}

func (c *Coordinator) backupRuntime(ctx context.Context, incident *stores.DriftIncident, env *stores.Environment, adapter runtime.Adapter, actor string) (string, error) {
	defs, err := adapter.GetWorkflows(ctx)
	if err != nil {
		c.metrics.RecordAdapterError(env.AdapterName, "get_workflows")
		return "", engine.NewAdapterError("failed to read runtime state for backup", err).
			WithResource(env.ID).
			WithOperation("reconcile")
	}

	manifest, _, err := c.snapshots.Create(ctx, snapshot.CreateRequest{
		TenantID:            incident.TenantID,
		TargetEnvironmentID: env.ID,
		Kind:                snapshot.KindBackup,
		CreatedBy:           actor,
		Reason:              fmt.Sprintf("pre-revert backup for incident %s", incident.ID),
		Workflows:           defs,
	})
	if err != nil {
		return "", err
	}
	c.metrics.RecordSnapshotCreated(string(snapshot.KindBackup))
	return manifest.SnapshotID, nil
}

func (c *Coordinator) audit(ctx context.Context, incident *stores.DriftIncident, artifact *stores.ReconciliationArtifact, actor string, refs map[string]interface{}) {
	details, err := json.Marshal(map[string]interface{}{
		"incident_id":   incident.ID,
		"resolution":    string(artifact.ResolutionType),
		"external_refs": refs,
	})
	if err != nil {
		details = []byte("{}")
	}
	entry := &stores.AuditEntry{
		ID:           uuid.New().String(),
		TenantID:     incident.TenantID,
		Actor:        actor,
		Action:       "incident.reconciled",
		ResourceType: "reconciliation_artifact",
		ResourceID:   artifact.ID,
		Details:      string(details),
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("artifact_id", artifact.ID).Msg("Failed to append audit entry")
	}
}
