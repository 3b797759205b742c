// Package onboarding creates the initial baseline snapshot for an
// environment. Onboarding is idempotent: an environment that already has a
// current-snapshot pointer converges without writing anything.
package onboarding

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/runtime"
	"github.com/driftwarden/driftwarden/pkg/snapshot"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// Result reports the outcome of an onboarding run.
type Result struct {
	AlreadyOnboarded bool
	SnapshotID       string
	CommitRef        string
	WorkflowsCount   int
	// SkippedWorkflows lists workflow ids whose full fetch failed. A
	// partial baseline is allowed; the skipped workflows surface here and
	// in the log instead of failing the run.
	SkippedWorkflows []string
}

// Coordinator serializes onboarding per environment within the process and
// converges on the pointer check across processes.
type Coordinator struct {
	store     stores.Store
	snapshots *snapshot.Store
	resolver  runtime.Resolver
	events    *telemetry.Dispatcher
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator creates an onboarding coordinator.
func NewCoordinator(
	store stores.Store,
	snapshots *snapshot.Store,
	resolver runtime.Resolver,
	events *telemetry.Dispatcher,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		snapshots: snapshots,
		resolver:  resolver,
		events:    events,
		metrics:   metrics,
		logger:    logger.With().Str("component", "onboarding").Logger(),
		inFlight:  make(map[string]struct{}),
	}
}

func (c *Coordinator) acquire(envID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[envID]; busy {
		return engine.NewConflictError("onboarding already in progress for environment", nil).
			WithCode(engine.ErrCodeOnboardingInFlight).
			WithResource(envID).
			WithOperation("onboarding")
	}
	c.inFlight[envID] = struct{}{}
	return nil
}

func (c *Coordinator) release(envID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, envID)
}

// Onboard snapshots the environment's current runtime state as its baseline.
// Calling it again after success returns the existing pointer without
// touching the repository. Concurrent calls for the same environment get a
// conflict error; distinct environments onboard in parallel.
func (c *Coordinator) Onboard(ctx context.Context, envID, actor string) (*Result, error) {
	env, err := c.store.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(envID); err != nil {
		return nil, err
	}
	defer c.release(envID)

	onboarded, pointer, err := c.snapshots.IsOnboarded(ctx, envID)
	if err != nil {
		return nil, err
	}
	if onboarded {
		c.logger.Info().
			Str("environment_id", envID).
			Str("snapshot_id", pointer.SnapshotID).
			Msg("Environment already onboarded")
		return &Result{
			AlreadyOnboarded: true,
			SnapshotID:       pointer.SnapshotID,
			CommitRef:        pointer.CommitRef,
		}, nil
	}

	defs, skipped, err := c.fetchBaseline(ctx, env)
	if err != nil {
		return nil, err
	}

	manifest, commitRef, err := c.snapshots.Create(ctx, snapshot.CreateRequest{
		TenantID:            env.TenantID,
		TargetEnvironmentID: envID,
		Kind:                snapshot.KindOnboarding,
		CreatedBy:           actor,
		Reason:              "initial baseline",
		Workflows:           defs,
	})
	if err != nil {
		return nil, err
	}

	pointerRef, err := c.snapshots.UpdatePointer(ctx, envID, manifest.SnapshotID, commitRef, actor)
	if err != nil {
		return nil, err
	}

	c.events.EmitSnapshotCreated(env.TenantID, envID, manifest.SnapshotID, string(snapshot.KindOnboarding), len(defs))
	c.metrics.RecordSnapshotCreated(string(snapshot.KindOnboarding))
	c.audit(ctx, env, actor, manifest.SnapshotID, len(defs), skipped)

	c.logger.Info().
		Str("environment_id", envID).
		Str("snapshot_id", manifest.SnapshotID).
		Str("commit_ref", commitRef).
		Int("workflows", len(defs)).
		Int("skipped", len(skipped)).
		Msg("Environment onboarded")

	return &Result{
		SnapshotID:       manifest.SnapshotID,
		CommitRef:        pointerRef,
		WorkflowsCount:   len(defs),
		SkippedWorkflows: skipped,
	}, nil
}

// fetchBaseline lists the runtime's workflows and re-reads each one in full.
// A workflow whose full fetch fails is skipped, not fatal: the baseline is
// what could be read. A failing list is fatal since there is no baseline at
// all to build.
func (c *Coordinator) fetchBaseline(ctx context.Context, env *stores.Environment) ([]workflow.Definition, []string, error) {
	adapter, err := c.resolver.AdapterFor(ctx, env)
	if err != nil {
		return nil, nil, err
	}

	started := time.Now()
	listed, err := adapter.GetWorkflows(ctx)
	if err != nil {
		c.metrics.RecordAdapterError(env.AdapterName, "get_workflows")
		return nil, nil, engine.NewAdapterError("failed to list runtime workflows", err).
			WithResource(env.ID).
			WithOperation("onboarding")
	}
	c.metrics.RecordAdapterCall(env.AdapterName, "get_workflows", time.Since(started))

	defs := make([]workflow.Definition, 0, len(listed))
	var skipped []string
	for _, summary := range listed {
		full, err := adapter.GetWorkflow(ctx, summary.ID)
		if err != nil {
			c.metrics.RecordAdapterError(env.AdapterName, "get_workflow")
			c.logger.Warn().Err(err).
				Str("environment_id", env.ID).
				Str("workflow_id", summary.ID).
				Str("workflow_name", summary.Name).
				Msg("Skipping workflow that could not be fetched")
			skipped = append(skipped, summary.ID)
			continue
		}
		defs = append(defs, *full)
	}
	return defs, skipped, nil
}

func (c *Coordinator) audit(ctx context.Context, env *stores.Environment, actor, snapshotID string, count int, skipped []string) {
	details, err := json.Marshal(map[string]interface{}{
		"snapshot_id": snapshotID,
		"workflows":   count,
		"skipped":     skipped,
	})
	if err != nil {
		details = []byte("{}")
	}
	entry := &stores.AuditEntry{
		ID:           uuid.New().String(),
		TenantID:     env.TenantID,
		Actor:        actor,
		Action:       "environment.onboarded",
		ResourceType: "environment",
		ResourceID:   env.ID,
		Details:      string(details),
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("environment_id", env.ID).Msg("Failed to append audit entry")
	}
}
