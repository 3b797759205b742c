package promotion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/gitops"
	"github.com/driftwarden/driftwarden/pkg/policy"
	"github.com/driftwarden/driftwarden/pkg/runtime"
	"github.com/driftwarden/driftwarden/pkg/snapshot"
	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

type harness struct {
	store     *stores.SQLiteStore
	snapshots *snapshot.Store
	source    *runtime.MemoryAdapter
	target    *runtime.MemoryAdapter
	service   *Service
	sourceEnv *stores.Environment
	targetEnv *stores.Environment
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "warden-test.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	sourceEnv := &stores.Environment{
		ID: "env-staging", TenantID: "tenant-1", Name: "staging",
		AdapterName: "memory", AdapterURL: "mem://staging",
		CreatedAt: now, UpdatedAt: now,
	}
	targetEnv := &stores.Environment{
		ID: "env-prod", TenantID: "tenant-1", Name: "production", Production: true,
		AdapterName: "memory", AdapterURL: "mem://prod",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateEnvironment(ctx, sourceEnv))
	require.NoError(t, store.CreateEnvironment(ctx, targetEnv))

	source := runtime.NewMemoryAdapter(
		workflow.Definition{ID: "wf-1", Name: "invoice-sync", Nodes: []workflow.Node{{Name: "Start", Type: "trigger"}}},
		workflow.Definition{ID: "wf-2", Name: "order-export", Nodes: []workflow.Node{{Name: "Start", Type: "trigger"}}},
	)
	target := runtime.NewMemoryAdapter()

	snapshots := snapshot.NewStore(gitops.NewMemoryRepo(), "main", zerolog.Nop())

	guardrails, err := policy.NewGuardrails(zerolog.Nop())
	require.NoError(t, err)
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	require.NoError(t, err)

	service := NewService(
		store,
		snapshots,
		runtime.StaticResolver{sourceEnv.ID: source, targetEnv.ID: target},
		policy.NewEngine(store, zerolog.Nop()),
		guardrails,
		telemetry.NewDispatcher(telemetry.EventsConfig{}),
		metrics,
		nil,
		zerolog.Nop(),
	)

	return &harness{
		store:     store,
		snapshots: snapshots,
		source:    source,
		target:    target,
		service:   service,
		sourceEnv: sourceEnv,
		targetEnv: targetEnv,
	}
}

func TestRunPromotesAllWorkflows(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	result, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "release-1",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
		Reason:              "weekly release",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.WorkflowsCount)
	assert.NotEmpty(t, result.SnapshotID)
	assert.NotEmpty(t, result.CommitRef)

	// The target runtime now carries the promoted workflows.
	deployed, err := h.target.GetWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, deployed, 2)

	// The environment pointer follows the new snapshot.
	pointer, err := h.snapshots.GetPointer(ctx, h.targetEnv.ID)
	require.NoError(t, err)
	assert.Equal(t, result.SnapshotID, pointer.SnapshotID)
	assert.Equal(t, result.CommitRef, pointer.CommitRef)

	// The record reached completed with the snapshot result attached.
	record, err := h.store.GetPromotion(ctx, result.PromotionID)
	require.NoError(t, err)
	assert.Equal(t, stores.PromotionStatusCompleted, record.Status)
	require.NotNil(t, record.SnapshotID)
	assert.Equal(t, result.SnapshotID, *record.SnapshotID)
	require.NotNil(t, record.CompletedAt)
}

func TestRunSelectsWorkflows(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	result, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "partial-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		WorkflowIDs:         []string{"wf-1"},
		CreatedBy:           "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.WorkflowsCount)

	deployed, err := h.target.GetWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, deployed, 1)
	assert.Equal(t, "invoice-sync", deployed[0].Name)
}

func TestRunRejectsUnknownSelection(t *testing.T) {
	h := setupHarness(t)

	_, err := h.service.Run(context.Background(), Request{
		TenantID:            "tenant-1",
		Name:                "bad-selection",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		WorkflowIDs:         []string{"wf-1", "wf-missing"},
		CreatedBy:           "ops@example.com",
	})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestRunGuardrailBlocksEmptyProductionPromotion(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	empty := runtime.NewMemoryAdapter()
	h.service.resolver = runtime.StaticResolver{
		h.sourceEnv.ID: empty,
		h.targetEnv.ID: h.target,
	}

	_, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "empty-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
	})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeGuardrailDenied))
}

func TestRunLockExcludesConcurrentPromotion(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	// A promotion already running against the target holds the lock.
	blocking := &stores.Promotion{
		ID:                  uuid.New().String(),
		TenantID:            "tenant-1",
		Name:                "long-running",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		Status:              stores.PromotionStatusPending,
		WorkflowIDs:         "[]",
		CreatedBy:           "other@example.com",
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	require.NoError(t, h.store.CreatePromotion(ctx, blocking))
	require.NoError(t, h.store.UpdatePromotionStatus(ctx, blocking.ID, stores.PromotionStatusRunning, nil))

	_, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "contender",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
	})
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodePromotionLockHeld))

	var engineErr *engine.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, blocking.ID, engineErr.Details["blocking_promotion_id"])
	assert.Equal(t, "long-running", engineErr.Details["blocking_promotion_name"])
	assert.Equal(t, "other@example.com", engineErr.Details["started_by"])
}

func TestRunPolicyBlocksOnOpenDrift(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                      uuid.New().String(),
		TenantID:                "tenant-1",
		BlockDeploymentsOnDrift: true,
	}))

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateDriftIncident(ctx, &stores.DriftIncident{
		ID:            uuid.New().String(),
		TenantID:      "tenant-1",
		EnvironmentID: h.targetEnv.ID,
		WorkflowID:    "wf-1",
		WorkflowName:  "invoice-sync",
		Status:        stores.IncidentStatusDetected,
		Severity:      stores.SeverityHigh,
		Summary:       "{}",
		DetectedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	_, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "blocked-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
	})
	require.Error(t, err)
	assert.True(t, engine.IsPolicyBlocked(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeDriftBlocked))

	// Nothing was deployed and the record ended failed.
	deployed, err := h.target.GetWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, deployed)

	promotions, err := h.store.ListPromotions(ctx, "tenant-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, promotions, 1)
	assert.Equal(t, stores.PromotionStatusFailed, promotions[0].Status)
	require.NotNil(t, promotions[0].Error)
}

func TestRunFailsWhenTargetAdapterDown(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	h.target.SetUnhealthy(true)

	_, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "doomed-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
	})
	require.Error(t, err)
	assert.True(t, engine.IsAdapter(err))

	// The lock is released by the failed transition: a retry can run.
	h.target.SetUnhealthy(false)
	_, err = h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "retry-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		CreatedBy:           "ops@example.com",
	})
	require.NoError(t, err)
}

func TestRunRewritesCredentials(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	h.source.Put(workflow.Definition{
		ID:   "wf-cred",
		Name: "notify",
		Nodes: []workflow.Node{{
			Name: "Slack",
			Type: "slack",
			Credentials: map[string]workflow.Credential{
				"slackApi": {ID: "cred-staging", Name: "staging-slack"},
			},
		}},
	})

	_, err := h.service.Run(ctx, Request{
		TenantID:            "tenant-1",
		Name:                "cred-release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		WorkflowIDs:         []string{"wf-cred"},
		CredentialMappings: map[string]workflow.Credential{
			"slackApi:staging-slack": {ID: "cred-prod", Name: "prod-slack"},
		},
		CreatedBy: "ops@example.com",
	})
	require.NoError(t, err)

	deployed, err := h.target.GetWorkflow(ctx, "wf-cred")
	require.NoError(t, err)
	assert.Equal(t, "prod-slack", deployed.Nodes[0].Credentials["slackApi"].Name)
}

func TestCheckAndAcquireIdempotentRetry(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	lock := NewLock(h.store, zerolog.Nop())

	record := &stores.Promotion{
		ID:                  uuid.New().String(),
		TenantID:            "tenant-1",
		Name:                "release",
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		Status:              stores.PromotionStatusPending,
		WorkflowIDs:         "[]",
		CreatedBy:           "ops@example.com",
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	require.NoError(t, h.store.CreatePromotion(ctx, record))

	require.NoError(t, lock.CheckAndAcquire(ctx, "tenant-1", h.targetEnv.ID, record.ID))
	// Retrying with the same promotion id converges instead of conflicting.
	require.NoError(t, lock.CheckAndAcquire(ctx, "tenant-1", h.targetEnv.ID, record.ID))
}

func pendingPromotion(t *testing.T, h *harness, name string) *stores.Promotion {
	t.Helper()
	record := &stores.Promotion{
		ID:                  uuid.New().String(),
		TenantID:            "tenant-1",
		Name:                name,
		SourceEnvironmentID: h.sourceEnv.ID,
		TargetEnvironmentID: h.targetEnv.ID,
		Status:              stores.PromotionStatusPending,
		WorkflowIDs:         "[]",
		CreatedBy:           "ops@example.com",
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	}
	require.NoError(t, h.store.CreatePromotion(context.Background(), record))
	return record
}

func TestCheckAndAcquireConcurrentRequests(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	lock := NewLock(h.store, zerolog.Nop())

	// Barrier-released pairs racing for the same target. The conditional
	// acquire must admit exactly one of each pair.
	for round := 0; round < 10; round++ {
		first := pendingPromotion(t, h, "first")
		second := pendingPromotion(t, h, "second")

		start := make(chan struct{})
		errs := make(chan error, 2)
		for _, id := range []string{first.ID, second.ID} {
			go func(id string) {
				<-start
				errs <- lock.CheckAndAcquire(ctx, "tenant-1", h.targetEnv.ID, id)
			}(id)
		}
		close(start)

		var acquired, conflicted int
		for i := 0; i < 2; i++ {
			if err := <-errs; err == nil {
				acquired++
			} else {
				require.True(t, engine.HasCode(err, engine.ErrCodePromotionLockHeld), "unexpected error: %v", err)
				conflicted++
			}
		}
		assert.Equal(t, 1, acquired)
		assert.Equal(t, 1, conflicted)

		running, err := h.store.GetRunningPromotion(ctx, "tenant-1", h.targetEnv.ID)
		require.NoError(t, err)
		require.NotNil(t, running)
		released := "released for next round"
		require.NoError(t, h.store.UpdatePromotionStatus(ctx, running.ID, stores.PromotionStatusFailed, &released))
	}
}

func TestCheckAndAcquireUnknownPromotion(t *testing.T) {
	h := setupHarness(t)
	lock := NewLock(h.store, zerolog.Nop())

	err := lock.CheckAndAcquire(context.Background(), "tenant-1", h.targetEnv.ID, "no-such-promotion")
	require.Error(t, err)
	assert.True(t, engine.IsNotFound(err))
}
