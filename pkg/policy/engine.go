// Package policy implements the drift policy engine: TTL resolution and
// expiry overlays for incidents, approval gating for incident actions, and
// the deployment-blocking decision applied before promotions. Rego-based
// guardrails for promotion inputs live alongside in this package.
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/diff"
	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/stores"
)

// ApprovalState is the outcome of a gated-action check.
type ApprovalState string

const (
	// ApprovalNotRequired means the policy does not gate the action.
	ApprovalNotRequired ApprovalState = "not_required"
	// ApprovalRequiredPending means a request exists and awaits a decision.
	ApprovalRequiredPending ApprovalState = "required_pending"
	// ApprovalRequiredApproved means the action may proceed.
	ApprovalRequiredApproved ApprovalState = "required_approved"
	// ApprovalRequiredRejected means the latest request was rejected.
	ApprovalRequiredRejected ApprovalState = "required_rejected"
	// ApprovalRequiredNoRequest means approval is required but none has
	// been requested (or the last one expired).
	ApprovalRequiredNoRequest ApprovalState = "required_no_request"
)

// Allows reports whether the state permits executing the action.
func (s ApprovalState) Allows() bool {
	return s == ApprovalNotRequired || s == ApprovalRequiredApproved
}

// Engine evaluates drift policies against incidents and promotions.
type Engine struct {
	store  stores.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a drift policy engine backed by the given store.
func NewEngine(store stores.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With().Str("component", "policy-engine").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine's clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// DefaultPolicy returns the policy applied to tenants with no stored policy:
// incidents never expire, nothing blocks, and no action requires approval.
func DefaultPolicy(tenantID string) *stores.DriftPolicy {
	return &stores.DriftPolicy{TenantID: tenantID}
}

// EffectivePolicy returns the tenant's stored policy or the default.
func (e *Engine) EffectivePolicy(ctx context.Context, tenantID string) (*stores.DriftPolicy, error) {
	policy, err := e.store.GetDriftPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return DefaultPolicy(tenantID), nil
	}
	return policy, nil
}

// TTLForSeverity resolves the incident TTL for a severity, falling back to
// the default TTL. Zero means the incident never expires.
func TTLForSeverity(policy *stores.DriftPolicy, severity stores.IncidentSeverity) time.Duration {
	hours := 0
	switch severity {
	case stores.SeverityCritical:
		hours = policy.CriticalTTLHours
	case stores.SeverityHigh:
		hours = policy.HighTTLHours
	case stores.SeverityMedium:
		hours = policy.MediumTTLHours
	case stores.SeverityLow:
		hours = policy.LowTTLHours
	}
	if hours == 0 {
		hours = policy.DefaultTTLHours
	}
	return time.Duration(hours) * time.Hour
}

// ExpiryFor computes an incident's expiry from its severity and detection
// time. Nil means no TTL applies.
func ExpiryFor(policy *stores.DriftPolicy, severity stores.IncidentSeverity, detectedAt time.Time) *time.Time {
	ttl := TTLForSeverity(policy, severity)
	if ttl == 0 {
		return nil
	}
	expires := detectedAt.Add(ttl)
	return &expires
}

// IsExpired reports the expiry overlay for an incident: either the sweep
// already marked it, or its expiry time has passed.
func (e *Engine) IsExpired(incident *stores.DriftIncident) bool {
	if incident.Expired {
		return true
	}
	return incident.ExpiresAt != nil && e.now().After(*incident.ExpiresAt)
}

// ClassifySeverity derives an incident severity from a drift summary. Node
// removals are the most disruptive change; connection and settings rewires
// come next.
func ClassifySeverity(summary diff.DriftSummary) stores.IncidentSeverity {
	switch {
	case summary.NodesRemoved > 0:
		return stores.SeverityCritical
	case summary.ConnectionsChanged || summary.SettingsChanged:
		return stores.SeverityHigh
	case summary.NodesAdded > 0 || summary.NodesModified > 0:
		return stores.SeverityMedium
	default:
		return stores.SeverityLow
	}
}

func requiresApproval(policy *stores.DriftPolicy, action stores.ActionType) bool {
	switch action {
	case stores.ActionAcknowledge:
		return policy.RequireApprovalAcknowledge
	case stores.ActionExtendTTL:
		return policy.RequireApprovalExtendTTL
	case stores.ActionReconcile:
		return policy.RequireApprovalReconcile
	default:
		return false
	}
}

// CanPerform evaluates the gated-action check for an incident. The decision
// reads the tenant policy's require_approval flag for the action and, when
// required, the most recent approval record for the incident/action pair.
func (e *Engine) CanPerform(ctx context.Context, incident *stores.DriftIncident, action stores.ActionType) (ApprovalState, error) {
	switch action {
	case stores.ActionAcknowledge, stores.ActionExtendTTL, stores.ActionReconcile:
	default:
		return "", engine.NewValidationError(fmt.Sprintf("unknown gated action: %s", action), nil)
	}

	policy, err := e.EffectivePolicy(ctx, incident.TenantID)
	if err != nil {
		return "", err
	}
	if !requiresApproval(policy, action) {
		return ApprovalNotRequired, nil
	}

	approval, err := e.store.LatestApproval(ctx, incident.ID, action)
	if err != nil {
		return "", err
	}
	if approval == nil {
		return ApprovalRequiredNoRequest, nil
	}

	switch approval.Status {
	case stores.ApprovalStatusPending:
		return ApprovalRequiredPending, nil
	case stores.ApprovalStatusRejected:
		return ApprovalRequiredRejected, nil
	case stores.ApprovalStatusApproved:
		// An approval past its expiry window no longer counts.
		if approval.ExpiresAt != nil && e.now().After(*approval.ExpiresAt) {
			return ApprovalRequiredNoRequest, nil
		}
		return ApprovalRequiredApproved, nil
	default:
		return "", engine.NewPersistenceError(
			fmt.Sprintf("approval %s has unknown status %s", approval.ID, approval.Status), nil)
	}
}

// ExtendTTL pushes an open incident's expiry forward by the given duration
// and clears the expired overlay. The extension is anchored on the current
// expiry when that is still in the future, otherwise on the clock, so an
// already-expired incident gets a fresh window rather than a backdated one.
// The action is approval-gated per tenant policy.
func (e *Engine) ExtendTTL(ctx context.Context, incidentID string, extension time.Duration, actor string) (*stores.DriftIncident, error) {
	if extension <= 0 {
		return nil, engine.NewValidationError("ttl extension must be positive", nil)
	}

	incident, err := e.store.GetDriftIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !incident.Open() {
		return nil, engine.NewConflictError("incident is closed; nothing to extend", nil).
			WithResource(incidentID).
			WithOperation("extend_ttl")
	}

	state, err := e.CanPerform(ctx, incident, stores.ActionExtendTTL)
	if err != nil {
		return nil, err
	}
	if !state.Allows() {
		return nil, engine.NewPolicyBlockedError("ttl extension requires approval", nil).
			WithCode(engine.ErrCodeApprovalRequired).
			WithResource(incidentID).
			WithOperation("extend_ttl").
			WithDetail("approval_state", string(state))
	}

	base := e.now()
	if incident.ExpiresAt != nil && incident.ExpiresAt.After(base) {
		base = *incident.ExpiresAt
	}
	expiresAt := base.Add(extension)
	if err := e.store.ExtendDriftIncidentTTL(ctx, incidentID, expiresAt); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("incident_id", incidentID).
		Str("actor", actor).
		Time("expires_at", expiresAt).
		Msg("Incident TTL extended")
	return e.store.GetDriftIncident(ctx, incidentID)
}

// hasDeploymentOverride reports whether an approved deployment_override
// approval exists for the incident that applies to this promotion. An
// override scoped to a promotion id only covers that promotion.
func (e *Engine) hasDeploymentOverride(ctx context.Context, incident *stores.DriftIncident, promotionID string) (bool, error) {
	approval, err := e.store.LatestApproval(ctx, incident.ID, stores.ActionDeploymentOverride)
	if err != nil {
		return false, err
	}
	if approval == nil || approval.Status != stores.ApprovalStatusApproved {
		return false, nil
	}
	if approval.ExpiresAt != nil && e.now().After(*approval.ExpiresAt) {
		return false, nil
	}
	if approval.PromotionID != nil && *approval.PromotionID != promotionID {
		return false, nil
	}
	return true, nil
}

// CheckDeployment decides whether a promotion into the environment may run.
// block_deployments_on_expired and block_deployments_on_drift are evaluated
// independently; either alone is sufficient to block. An approved
// deployment_override on an incident exempts that incident from both checks
// for the given promotion.
func (e *Engine) CheckDeployment(ctx context.Context, tenantID, targetEnvID, promotionID string) error {
	policy, err := e.EffectivePolicy(ctx, tenantID)
	if err != nil {
		return err
	}
	if !policy.BlockDeploymentsOnDrift && !policy.BlockDeploymentsOnExpired {
		return nil
	}

	incidents, err := e.store.ListOpenIncidentsByEnvironment(ctx, tenantID, targetEnvID)
	if err != nil {
		return err
	}

	for _, incident := range incidents {
		overridden, err := e.hasDeploymentOverride(ctx, incident, promotionID)
		if err != nil {
			return err
		}
		if overridden {
			e.logger.Info().
				Str("incident_id", incident.ID).
				Str("promotion_id", promotionID).
				Msg("Deployment override applied to open drift incident")
			continue
		}

		if policy.BlockDeploymentsOnExpired && e.IsExpired(incident) {
			return engine.NewPolicyBlockedError(
				fmt.Sprintf("environment %s has an expired drift incident on workflow %s",
					targetEnvID, incident.WorkflowName), nil).
				WithCode(engine.ErrCodeExpiredDriftBlocked).
				WithResource(incident.ID).
				WithDetail("workflow_name", incident.WorkflowName).
				WithDetail("severity", string(incident.Severity))
		}
		if policy.BlockDeploymentsOnDrift {
			return engine.NewPolicyBlockedError(
				fmt.Sprintf("environment %s has an unresolved drift incident on workflow %s",
					targetEnvID, incident.WorkflowName), nil).
				WithCode(engine.ErrCodeDriftBlocked).
				WithResource(incident.ID).
				WithDetail("workflow_name", incident.WorkflowName).
				WithDetail("severity", string(incident.Severity))
		}
	}
	return nil
}

// ApprovalExpiry computes the expiry for a new approval request from the
// tenant policy. Nil means the approval never expires.
func ApprovalExpiry(policy *stores.DriftPolicy, requestedAt time.Time) *time.Time {
	if policy.ApprovalExpiryHours == 0 {
		return nil
	}
	expires := requestedAt.Add(time.Duration(policy.ApprovalExpiryHours) * time.Hour)
	return &expires
}
