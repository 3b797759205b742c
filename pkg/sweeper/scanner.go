// Package sweeper holds the engine's periodic background work: TTL expiry
// enforcement, scheduled drift scans, stale artifact and promotion timeouts,
// and refresh bookkeeping. The Sweeper is an explicit handle owning its own
// lifecycle; cycles are idempotent and tolerate cancellation between runs.
package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/diff"
	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/policy"
	"github.com/driftwarden/driftwarden/pkg/runtime"
	"github.com/driftwarden/driftwarden/pkg/snapshot"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// WorkflowDrift is one workflow's drift status within a scan report.
type WorkflowDrift struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	// Missing marks a baseline workflow absent from the runtime.
	Missing bool             `json:"missing"`
	Result  diff.DriftResult `json:"result"`
	// SyncStatus names which side moved since the baseline was captured.
	SyncStatus diff.SyncStatus         `json:"sync_status,omitempty"`
	Severity   stores.IncidentSeverity `json:"severity,omitempty"`
	IncidentID string                  `json:"incident_id,omitempty"`
}

// ScanReport summarizes one drift scan of an environment.
type ScanReport struct {
	EnvironmentID string          `json:"environment_id"`
	SnapshotID    string          `json:"snapshot_id"`
	Drifted       []WorkflowDrift `json:"drifted"`
	InSync        int             `json:"in_sync"`
	// StaleWorkflows are runtime workflows the baseline snapshot does not
	// cover; they make the snapshot stale rather than the runtime drifted.
	StaleWorkflows []string `json:"stale_workflows,omitempty"`
}

// Scanner compares an environment's runtime state against its baseline
// snapshot and, when asked, opens incidents for what it finds.
type Scanner struct {
	store     stores.Store
	snapshots *snapshot.Store
	resolver  runtime.Resolver
	policies  *policy.Engine
	events    *telemetry.Dispatcher
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

// NewScanner wires a drift scanner. tracer may be nil.
func NewScanner(
	store stores.Store,
	snapshots *snapshot.Store,
	resolver runtime.Resolver,
	policies *policy.Engine,
	events *telemetry.Dispatcher,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Scanner {
	return &Scanner{
		store:     store,
		snapshots: snapshots,
		resolver:  resolver,
		policies:  policies,
		events:    events,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With().Str("component", "drift-scanner").Logger(),
	}
}

// ScanEnvironment diffs the environment against its baseline. With
// createIncidents set, drift on workflows without an open incident opens one
// when the tenant policy enables auto-creation; detection on a workflow that
// already has an open incident never duplicates it.
func (s *Scanner) ScanEnvironment(ctx context.Context, env *stores.Environment, createIncidents bool) (*ScanReport, error) {
	if s.tracer != nil {
		spanCtx, span := s.tracer.StartScanSpan(ctx, env.ID)
		defer span.End()
		ctx = spanCtx
	}

	onboarded, pointer, err := s.snapshots.IsOnboarded(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if !onboarded {
		return nil, engine.NewValidationError("environment has no baseline snapshot; onboard it first", nil).
			WithResource(env.ID).
			WithOperation("drift-scan")
	}

	manifest, err := s.snapshots.GetManifest(ctx, env.ID, pointer.SnapshotID)
	if err != nil {
		return nil, err
	}

	adapter, err := s.resolver.AdapterFor(ctx, env)
	if err != nil {
		return nil, err
	}
	runtimeDefs, err := adapter.GetWorkflows(ctx)
	if err != nil {
		s.metrics.RecordAdapterError(env.AdapterName, "get_workflows")
		return nil, engine.NewAdapterError("failed to list runtime workflows", err).
			WithResource(env.ID).
			WithOperation("drift-scan")
	}

	byID := make(map[string]workflow.Definition, len(runtimeDefs))
	byName := make(map[string]workflow.Definition, len(runtimeDefs))
	for _, def := range runtimeDefs {
		byID[def.ID] = def
		byName[def.Name] = def
	}

	var effective *stores.DriftPolicy
	if createIncidents {
		effective, err = s.policies.EffectivePolicy(ctx, env.TenantID)
		if err != nil {
			return nil, err
		}
	}

	report := &ScanReport{EnvironmentID: env.ID, SnapshotID: pointer.SnapshotID}
	covered := make(map[string]struct{}, len(manifest.Workflows))

	for _, entry := range manifest.Workflows {
		source, err := s.snapshots.GetWorkflowFile(ctx, entry)
		if err != nil {
			return nil, err
		}

		current, found := byID[entry.WorkflowID]
		if !found {
			current, found = byName[entry.Name]
		}
		if found {
			covered[current.ID] = struct{}{}
		}

		s.metrics.RecordDriftComparison(env.ID)

		drift, missing, err := s.compare(source, current, found)
		if err != nil {
			return nil, err
		}
		if !drift.HasDrift {
			report.InSync++
			continue
		}

		item := WorkflowDrift{
			WorkflowID:   entry.WorkflowID,
			WorkflowName: entry.Name,
			Missing:      missing,
			Result:       drift,
			Severity:     policy.ClassifySeverity(drift.Summary),
		}
		if missing {
			item.Severity = stores.SeverityCritical
		} else {
			item.SyncStatus = syncState(current, source, manifest.CreatedAt)
		}

		if createIncidents {
			incidentID, err := s.ensureIncident(ctx, env, effective, &item)
			if err != nil {
				return nil, err
			}
			item.IncidentID = incidentID
		}

		report.Drifted = append(report.Drifted, item)
	}

	for _, def := range runtimeDefs {
		if _, ok := covered[def.ID]; !ok {
			report.StaleWorkflows = append(report.StaleWorkflows, def.Name)
		}
	}
	if len(report.StaleWorkflows) > 0 {
		s.events.Emit(telemetry.Event{
			Type:          telemetry.EventTypeSnapshotStale,
			TenantID:      env.TenantID,
			EnvironmentID: env.ID,
			Level:         telemetry.EventLevelWarning,
			Message:       "runtime has workflows the baseline snapshot does not cover",
			Data: map[string]interface{}{
				"snapshot_id": pointer.SnapshotID,
				"workflows":   report.StaleWorkflows,
			},
		})
	}

	return report, nil
}

func (s *Scanner) compare(source *workflow.Definition, current workflow.Definition, found bool) (diff.DriftResult, bool, error) {
	if !found {
		// A baseline workflow gone from the runtime is the most severe
		// form of drift: every node is effectively removed.
		return diff.DriftResult{
			HasDrift: true,
			Differences: []diff.DriftDifference{{
				Path:        "workflow",
				Type:        diff.DifferenceRemoved,
				SourceValue: source.Name,
			}},
			Summary: diff.DriftSummary{NodesRemoved: len(source.Nodes)},
		}, true, nil
	}
	result, err := diff.CompareWorkflows(source, current)
	return result, false, err
}

// syncState classifies which side of a drifted workflow moved, using the
// baseline capture time as the last known sync point. Classification
// failures fall back to conflict.
func syncState(current workflow.Definition, source *workflow.Definition, baselineAt time.Time) diff.SyncStatus {
	status, err := diff.ComputeSyncStatus(current, source, &baselineAt, parseStamp(current.UpdatedAt), parseStamp(source.UpdatedAt))
	if err != nil {
		return diff.SyncConflict
	}
	return status
}

func parseStamp(v string) *time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// ensureIncident opens an incident for the drifted workflow unless one is
// already open or the tenant policy opts out of auto-creation.
func (s *Scanner) ensureIncident(ctx context.Context, env *stores.Environment, effective *stores.DriftPolicy, item *WorkflowDrift) (string, error) {
	existing, err := s.store.GetOpenIncidentForWorkflow(ctx, env.TenantID, env.ID, item.WorkflowID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	if !effective.AutoCreateIncidents {
		return "", nil
	}

	summary, err := json.Marshal(item.Result.Summary)
	if err != nil {
		summary = []byte("{}")
	}

	now := time.Now().UTC()
	incident := &stores.DriftIncident{
		ID:            uuid.New().String(),
		TenantID:      env.TenantID,
		EnvironmentID: env.ID,
		WorkflowID:    item.WorkflowID,
		WorkflowName:  item.WorkflowName,
		Status:        stores.IncidentStatusDetected,
		Severity:      item.Severity,
		Summary:       string(summary),
		DetectedAt:    now,
		ExpiresAt:     policy.ExpiryFor(effective, item.Severity, now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateDriftIncident(ctx, incident); err != nil {
		return "", err
	}

	s.events.EmitDriftDetected(env.TenantID, env.ID, incident.ID, item.WorkflowName, string(item.Severity))
	s.metrics.RecordDriftDetection(env.ID, string(item.Severity))
	s.logger.Warn().
		Str("environment_id", env.ID).
		Str("workflow_name", item.WorkflowName).
		Str("incident_id", incident.ID).
		Str("severity", string(item.Severity)).
		Msg("Drift incident opened")

	return incident.ID, nil
}
