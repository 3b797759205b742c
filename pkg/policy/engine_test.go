package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/diff"
	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/stores"
)

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "warden-test.db"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, store stores.Store) *Engine {
	t.Helper()
	return NewEngine(store, zerolog.Nop())
}

func newTestIncident(tenantID, envID string, severity stores.IncidentSeverity) *stores.DriftIncident {
	now := time.Now().UTC()
	return &stores.DriftIncident{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		EnvironmentID: envID,
		WorkflowID:    "wf-1",
		WorkflowName:  "invoice-sync",
		Status:        stores.IncidentStatusDetected,
		Severity:      severity,
		Summary:       `{"nodes_modified":1}`,
		DetectedAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestTTLForSeverity(t *testing.T) {
	policy := &stores.DriftPolicy{
		CriticalTTLHours: 4,
		HighTTLHours:     24,
		DefaultTTLHours:  72,
	}

	assert.Equal(t, 4*time.Hour, TTLForSeverity(policy, stores.SeverityCritical))
	assert.Equal(t, 24*time.Hour, TTLForSeverity(policy, stores.SeverityHigh))
	// Unset severities fall back to the default TTL.
	assert.Equal(t, 72*time.Hour, TTLForSeverity(policy, stores.SeverityMedium))
	assert.Equal(t, 72*time.Hour, TTLForSeverity(policy, stores.SeverityLow))

	// No TTL configured at all means no expiry.
	assert.Equal(t, time.Duration(0), TTLForSeverity(&stores.DriftPolicy{}, stores.SeverityCritical))
}

func TestExpiryFor(t *testing.T) {
	detected := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expiry := ExpiryFor(&stores.DriftPolicy{HighTTLHours: 6}, stores.SeverityHigh, detected)
	require.NotNil(t, expiry)
	assert.Equal(t, detected.Add(6*time.Hour), *expiry)

	assert.Nil(t, ExpiryFor(&stores.DriftPolicy{}, stores.SeverityHigh, detected))
}

func TestIsExpiredOverlay(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityHigh)
	assert.False(t, eng.IsExpired(incident))

	past := now.Add(-time.Minute)
	incident.ExpiresAt = &past
	assert.True(t, eng.IsExpired(incident), "expiry time passed but sweep has not run yet")

	future := now.Add(time.Hour)
	incident.ExpiresAt = &future
	assert.False(t, eng.IsExpired(incident))

	incident.Expired = true
	assert.True(t, eng.IsExpired(incident))
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		name    string
		summary diff.DriftSummary
		want    stores.IncidentSeverity
	}{
		{"node removal is critical", diff.DriftSummary{NodesRemoved: 1, NodesAdded: 2}, stores.SeverityCritical},
		{"connection rewire is high", diff.DriftSummary{ConnectionsChanged: true}, stores.SeverityHigh},
		{"settings change is high", diff.DriftSummary{SettingsChanged: true}, stores.SeverityHigh},
		{"node edit is medium", diff.DriftSummary{NodesModified: 2}, stores.SeverityMedium},
		{"node addition is medium", diff.DriftSummary{NodesAdded: 1}, stores.SeverityMedium},
		{"rename only is low", diff.DriftSummary{NameChanged: true}, stores.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifySeverity(tt.summary))
		})
	}
}

func TestCanPerformWithoutPolicy(t *testing.T) {
	store := setupTestStore(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	// No stored policy: nothing requires approval.
	state, err := eng.CanPerform(ctx, incident, stores.ActionReconcile)
	require.NoError(t, err)
	assert.Equal(t, ApprovalNotRequired, state)
	assert.True(t, state.Allows())
}

func TestCanPerformApprovalFlow(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                       uuid.New().String(),
		TenantID:                 "tenant-1",
		RequireApprovalReconcile: true,
	}))

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	// Required but never requested.
	state, err := eng.CanPerform(ctx, incident, stores.ActionReconcile)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRequiredNoRequest, state)
	assert.False(t, state.Allows())

	approval := &stores.DriftApproval{
		ID:          uuid.New().String(),
		TenantID:    "tenant-1",
		IncidentID:  incident.ID,
		ActionType:  stores.ActionReconcile,
		Status:      stores.ApprovalStatusPending,
		RequestedBy: "ops@example.com",
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateDriftApproval(ctx, approval))

	state, err = eng.CanPerform(ctx, incident, stores.ActionReconcile)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRequiredPending, state)

	require.NoError(t, store.DecideDriftApproval(ctx, approval.ID, stores.ApprovalStatusApproved, "lead@example.com"))
	state, err = eng.CanPerform(ctx, incident, stores.ActionReconcile)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRequiredApproved, state)
	assert.True(t, state.Allows())

	// Other gated actions are unaffected by this approval.
	state, err = eng.CanPerform(ctx, incident, stores.ActionAcknowledge)
	require.NoError(t, err)
	assert.Equal(t, ApprovalNotRequired, state)
}

func TestCanPerformExpiredApproval(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                       uuid.New().String(),
		TenantID:                 "tenant-1",
		RequireApprovalReconcile: true,
	}))

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	expired := now.Add(-time.Hour)
	approval := &stores.DriftApproval{
		ID:          uuid.New().String(),
		TenantID:    "tenant-1",
		IncidentID:  incident.ID,
		ActionType:  stores.ActionReconcile,
		Status:      stores.ApprovalStatusPending,
		RequestedBy: "ops@example.com",
		RequestedAt: expired.Add(-time.Hour),
		ExpiresAt:   &expired,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateDriftApproval(ctx, approval))
	require.NoError(t, store.DecideDriftApproval(ctx, approval.ID, stores.ApprovalStatusApproved, "lead@example.com"))

	state, err := eng.CanPerform(ctx, incident, stores.ActionReconcile)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRequiredNoRequest, state, "approved approval past its expiry no longer counts")
}

func TestCheckDeploymentBlocking(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	// No policy, no incidents: deployments proceed.
	require.NoError(t, eng.CheckDeployment(ctx, "tenant-1", "env-prod", "promo-1"))

	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                        uuid.New().String(),
		TenantID:                  "tenant-1",
		BlockDeploymentsOnExpired: true,
	}))

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityHigh)
	future := now.Add(time.Hour)
	incident.ExpiresAt = &future
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	// Open but unexpired incident does not trip block_on_expired alone.
	require.NoError(t, eng.CheckDeployment(ctx, "tenant-1", "env-prod", "promo-1"))

	require.NoError(t, store.MarkDriftIncidentExpired(ctx, incident.ID))
	err := eng.CheckDeployment(ctx, "tenant-1", "env-prod", "promo-1")
	require.Error(t, err)
	assert.True(t, engine.IsPolicyBlocked(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeExpiredDriftBlocked))

	// Tightening the policy to block on any drift changes the code.
	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                      uuid.New().String(),
		TenantID:                "tenant-1",
		BlockDeploymentsOnDrift: true,
	}))
	err = eng.CheckDeployment(ctx, "tenant-1", "env-prod", "promo-1")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeDriftBlocked))

	// Other environments are unaffected.
	require.NoError(t, eng.CheckDeployment(ctx, "tenant-1", "env-staging", "promo-1"))
}

func TestCheckDeploymentOverride(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                      uuid.New().String(),
		TenantID:                "tenant-1",
		BlockDeploymentsOnDrift: true,
	}))

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityHigh)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	promotionID := "promo-1"
	approval := &stores.DriftApproval{
		ID:          uuid.New().String(),
		TenantID:    "tenant-1",
		IncidentID:  incident.ID,
		ActionType:  stores.ActionDeploymentOverride,
		Status:      stores.ApprovalStatusPending,
		PromotionID: &promotionID,
		RequestedBy: "ops@example.com",
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateDriftApproval(ctx, approval))

	// A pending override does not bypass the block.
	err := eng.CheckDeployment(ctx, "tenant-1", "env-prod", promotionID)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeDriftBlocked))

	require.NoError(t, store.DecideDriftApproval(ctx, approval.ID, stores.ApprovalStatusApproved, "lead@example.com"))
	require.NoError(t, eng.CheckDeployment(ctx, "tenant-1", "env-prod", promotionID))

	// The override is scoped to its promotion id.
	err = eng.CheckDeployment(ctx, "tenant-1", "env-prod", "promo-other")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeDriftBlocked))
}

func TestApprovalExpiry(t *testing.T) {
	requested := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expiry := ApprovalExpiry(&stores.DriftPolicy{ApprovalExpiryHours: 48}, requested)
	require.NotNil(t, expiry)
	assert.Equal(t, requested.Add(48*time.Hour), *expiry)

	assert.Nil(t, ApprovalExpiry(&stores.DriftPolicy{}, requested))
}

func TestExtendTTLAnchorsAndClearsExpired(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	// Already past its expiry and flagged: the extension starts from now.
	lapsed := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	past := now.Add(-2 * time.Hour)
	lapsed.ExpiresAt = &past
	require.NoError(t, store.CreateDriftIncident(ctx, lapsed))
	require.NoError(t, store.MarkDriftIncidentExpired(ctx, lapsed.ID))

	got, err := eng.ExtendTTL(ctx, lapsed.ID, 24*time.Hour, "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, now.Add(24*time.Hour), got.ExpiresAt.UTC(), time.Second)
	assert.False(t, got.Expired)

	// Still-live expiry: the extension stacks on top of it.
	live := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	future := now.Add(3 * time.Hour)
	live.ExpiresAt = &future
	require.NoError(t, store.CreateDriftIncident(ctx, live))

	got, err = eng.ExtendTTL(ctx, live.ID, 6*time.Hour, "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, future.Add(6*time.Hour), got.ExpiresAt.UTC(), time.Second)
}

func TestExtendTTLApprovalGate(t *testing.T) {
	store := setupTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := newTestEngine(t, store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.UpsertDriftPolicy(ctx, &stores.DriftPolicy{
		ID:                       uuid.New().String(),
		TenantID:                 "tenant-1",
		RequireApprovalExtendTTL: true,
	}))

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityMedium)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	_, err := eng.ExtendTTL(ctx, incident.ID, time.Hour, "ops@example.com")
	require.Error(t, err)
	assert.True(t, engine.IsPolicyBlocked(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeApprovalRequired))

	approval := &stores.DriftApproval{
		ID:          uuid.New().String(),
		TenantID:    "tenant-1",
		IncidentID:  incident.ID,
		ActionType:  stores.ActionExtendTTL,
		Status:      stores.ApprovalStatusPending,
		RequestedBy: "ops@example.com",
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreateDriftApproval(ctx, approval))

	// Pending does not unlock the action.
	_, err = eng.ExtendTTL(ctx, incident.ID, time.Hour, "ops@example.com")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeApprovalRequired))

	require.NoError(t, store.DecideDriftApproval(ctx, approval.ID, stores.ApprovalStatusApproved, "lead@example.com"))
	got, err := eng.ExtendTTL(ctx, incident.ID, time.Hour, "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, now.Add(time.Hour), got.ExpiresAt.UTC(), time.Second)
}

func TestExtendTTLRejectsClosedAndBadInput(t *testing.T) {
	store := setupTestStore(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	incident := newTestIncident("tenant-1", "env-prod", stores.SeverityLow)
	require.NoError(t, store.CreateDriftIncident(ctx, incident))

	_, err := eng.ExtendTTL(ctx, incident.ID, 0, "ops@example.com")
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))

	require.NoError(t, store.UpdateDriftIncidentStatus(ctx, incident.ID, stores.IncidentStatusClosed, "ops@example.com"))
	_, err = eng.ExtendTTL(ctx, incident.ID, time.Hour, "ops@example.com")
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
}
