package promotion

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
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// Request describes one promotion: deploy workflows from a source
// environment into a target environment, snapshotting the result.
type Request struct {
	TenantID            string
	Name                string
	SourceEnvironmentID string
	TargetEnvironmentID string
	// WorkflowIDs selects source workflows. Empty selects all.
	WorkflowIDs []string
	// CredentialMappings remaps logical credentials (type:name keys) onto
	// the target environment's credentials before deploying.
	CredentialMappings map[string]workflow.Credential
	CreatedBy          string
	Reason             string
}

// Result reports a completed promotion.
type Result struct {
	PromotionID    string
	SnapshotID     string
	CommitRef      string
	WorkflowsCount int
}

// Service runs promotions end to end: guardrails, lock, deployment policy,
// source fetch, credential rewrite, snapshot commit, runtime deploy, verify,
// pointer update. The persisted promotion record tracks every transition.
type Service struct {
	store      stores.Store
	snapshots  *snapshot.Store
	resolver   runtime.Resolver
	policies   *policy.Engine
	guardrails *policy.Guardrails
	lock       *Lock
	events     *telemetry.Dispatcher
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
}

// NewService wires a promotion service. tracer may be nil.
func NewService(
	store stores.Store,
	snapshots *snapshot.Store,
	resolver runtime.Resolver,
	policies *policy.Engine,
	guardrails *policy.Guardrails,
	events *telemetry.Dispatcher,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	logger zerolog.Logger,
) *Service {
	return &Service{
		store:      store,
		snapshots:  snapshots,
		resolver:   resolver,
		policies:   policies,
		guardrails: guardrails,
		lock:       NewLock(store, logger),
		events:     events,
		metrics:    metrics,
		tracer:     tracer,
		logger:     logger.With().Str("component", "promotion-service").Logger(),
	}
}

func (s *Service) validate(req *Request) error {
	if req.TenantID == "" {
		return engine.NewValidationError("tenant id is required", nil)
	}
	if req.Name == "" {
		return engine.NewValidationError("promotion name is required", nil)
	}
	if req.SourceEnvironmentID == "" || req.TargetEnvironmentID == "" {
		return engine.NewValidationError("source and target environment ids are required", nil)
	}
	return nil
}

// Run executes a promotion. The returned error carries the failure class;
// the persisted record holds the same outcome.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	source, err := s.store.GetEnvironment(ctx, req.SourceEnvironmentID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetEnvironment(ctx, req.TargetEnvironmentID)
	if err != nil {
		return nil, err
	}

	record, err := s.createRecord(ctx, &req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if s.tracer != nil {
		spanCtx, span := s.tracer.StartPromotionSpan(ctx, record.ID, target.ID)
		defer span.End()
		ctx = spanCtx
	}

	result, err := s.execute(ctx, record, &req, source, target)
	if err != nil {
		s.fail(ctx, record, target, err, time.Since(started))
		return nil, err
	}

	s.complete(ctx, record, target, result, time.Since(started))
	return result, nil
}

func (s *Service) createRecord(ctx context.Context, req *Request) (*stores.Promotion, error) {
	ids, err := json.Marshal(req.WorkflowIDs)
	if err != nil {
		return nil, engine.NewValidationError("failed to encode workflow selection", err)
	}

	now := time.Now().UTC()
	record := &stores.Promotion{
		ID:                  uuid.New().String(),
		TenantID:            req.TenantID,
		Name:                req.Name,
		SourceEnvironmentID: req.SourceEnvironmentID,
		TargetEnvironmentID: req.TargetEnvironmentID,
		Status:              stores.PromotionStatusPending,
		WorkflowIDs:         string(ids),
		CreatedBy:           req.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreatePromotion(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) execute(ctx context.Context, record *stores.Promotion, req *Request, source, target *stores.Environment) (*Result, error) {
	defs, err := s.fetchSource(ctx, req, source)
	if err != nil {
		return nil, err
	}

	if err := s.guardrails.Check(ctx, &policy.PromotionInput{
		TenantID:       req.TenantID,
		Source:         policy.GuardrailEnvironment{ID: source.ID, Name: source.Name, Production: source.Production},
		Target:         policy.GuardrailEnvironment{ID: target.ID, Name: target.Name, Production: target.Production},
		WorkflowsCount: len(defs),
		CreatedBy:      req.CreatedBy,
		Reason:         req.Reason,
	}); err != nil {
		return nil, err
	}

	if err := s.lock.CheckAndAcquire(ctx, req.TenantID, target.ID, record.ID); err != nil {
		return nil, err
	}
	s.events.EmitPromotion(telemetry.EventTypePromotionStarted, req.TenantID, target.ID, record.ID, map[string]interface{}{
		"name":      record.Name,
		"workflows": len(defs),
	})
	s.metrics.RecordPromotionStarted(target.ID)

	if err := s.policies.CheckDeployment(ctx, req.TenantID, target.ID, record.ID); err != nil {
		if engine.IsPolicyBlocked(err) {
			s.events.EmitPolicyBlocked(req.TenantID, target.ID, "promotion", err.Error())
			s.metrics.RecordPolicyBlock("promotion", engine.Code(err))
		}
		return nil, err
	}

	defs = s.rewriteCredentials(ctx, defs, req, source)

	manifest, commitRef, err := s.snapshots.Create(ctx, snapshot.CreateRequest{
		TenantID:            req.TenantID,
		TargetEnvironmentID: target.ID,
		SourceEnvironmentID: source.ID,
		Kind:                snapshot.KindPromotion,
		CreatedBy:           req.CreatedBy,
		Reason:              req.Reason,
		Workflows:           defs,
	})
	if err != nil {
		return nil, err
	}
	s.events.EmitSnapshotCreated(req.TenantID, target.ID, manifest.SnapshotID, string(snapshot.KindPromotion), len(defs))
	s.metrics.RecordSnapshotCreated(string(snapshot.KindPromotion))

	if err := s.deploy(ctx, target, defs); err != nil {
		return nil, err
	}

	// Re-read the target runtime so verification sees what the adapter
	// actually persisted, not what was sent.
	deployed, err := s.fetchTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	ok, mismatches, err := s.snapshots.VerifyRuntimeMatches(ctx, target.ID, manifest.SnapshotID, deployed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, engine.NewAdapterError(
			fmt.Sprintf("runtime state diverged from snapshot %s during deploy", manifest.SnapshotID), nil).
			WithResource(target.ID).
			WithOperation("promotion").
			WithDetail("mismatches", mismatches)
	}

	if _, err := s.snapshots.UpdatePointer(ctx, target.ID, manifest.SnapshotID, commitRef, req.CreatedBy); err != nil {
		return nil, err
	}
	if err := s.store.SetPromotionResult(ctx, record.ID, manifest.SnapshotID, commitRef); err != nil {
		return nil, err
	}

	return &Result{
		PromotionID:    record.ID,
		SnapshotID:     manifest.SnapshotID,
		CommitRef:      commitRef,
		WorkflowsCount: len(defs),
	}, nil
}

// fetchSource loads the selected workflows from the source runtime.
// Selecting a workflow id that the source does not have is a validation
// error rather than a silent partial promotion.
func (s *Service) fetchSource(ctx context.Context, req *Request, source *stores.Environment) ([]workflow.Definition, error) {
	adapter, err := s.resolver.AdapterFor(ctx, source)
	if err != nil {
		return nil, err
	}

	all, err := adapter.GetWorkflows(ctx)
	if err != nil {
		s.metrics.RecordAdapterError(source.AdapterName, "get_workflows")
		return nil, engine.NewAdapterError("failed to list source workflows", err).
			WithResource(source.ID).
			WithOperation("promotion")
	}

	if len(req.WorkflowIDs) == 0 {
		return all, nil
	}

	byID := make(map[string]workflow.Definition, len(all))
	for _, def := range all {
		byID[def.ID] = def
	}

	selected := make([]workflow.Definition, 0, len(req.WorkflowIDs))
	var missing []string
	for _, id := range req.WorkflowIDs {
		def, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		selected = append(selected, def)
	}
	if len(missing) > 0 {
		return nil, engine.NewValidationError("selected workflows not found in source environment", nil).
			WithResource(source.ID).
			WithDetail("missing_workflow_ids", missing)
	}
	return selected, nil
}

// rewriteCredentials remaps logical credentials for the target environment
// when the source adapter supports it and the request carries mappings.
func (s *Service) rewriteCredentials(ctx context.Context, defs []workflow.Definition, req *Request, source *stores.Environment) []workflow.Definition {
	if len(req.CredentialMappings) == 0 {
		return defs
	}
	adapter, err := s.resolver.AdapterFor(ctx, source)
	if err != nil {
		return defs
	}
	aware, ok := adapter.(runtime.CredentialAware)
	if !ok {
		s.logger.Warn().
			Str("adapter", source.AdapterName).
			Msg("Credential mappings supplied but adapter cannot rewrite credentials")
		return defs
	}

	rewritten := make([]workflow.Definition, len(defs))
	for i, def := range defs {
		rewritten[i] = aware.RewriteCredentialsWithMappings(def, req.CredentialMappings)
	}
	return rewritten
}

func (s *Service) fetchTarget(ctx context.Context, target *stores.Environment) ([]workflow.Definition, error) {
	adapter, err := s.resolver.AdapterFor(ctx, target)
	if err != nil {
		return nil, err
	}
	defs, err := adapter.GetWorkflows(ctx)
	if err != nil {
		s.metrics.RecordAdapterError(target.AdapterName, "get_workflows")
		return nil, engine.NewAdapterError("failed to list target workflows after deploy", err).
			WithResource(target.ID).
			WithOperation("promotion")
	}
	return defs, nil
}

func (s *Service) deploy(ctx context.Context, target *stores.Environment, defs []workflow.Definition) error {
	adapter, err := s.resolver.AdapterFor(ctx, target)
	if err != nil {
		return err
	}

	for _, def := range defs {
		started := time.Now()
		if err := adapter.UpdateWorkflow(ctx, def.ID, def); err != nil {
			s.metrics.RecordAdapterError(target.AdapterName, "update_workflow")
			return engine.NewAdapterError(
				fmt.Sprintf("failed to deploy workflow %q to target environment", def.Name), err).
				WithResource(target.ID).
				WithOperation("promotion").
				WithDetail("workflow_id", def.ID)
		}
		s.metrics.RecordAdapterCall(target.AdapterName, "update_workflow", time.Since(started))
	}
	return nil
}

func (s *Service) complete(ctx context.Context, record *stores.Promotion, target *stores.Environment, result *Result, elapsed time.Duration) {
	if err := s.store.UpdatePromotionStatus(ctx, record.ID, stores.PromotionStatusCompleted, nil); err != nil {
		s.logger.Error().Err(err).Str("promotion_id", record.ID).Msg("Failed to mark promotion completed")
	}
	s.audit(ctx, record, "promotion.completed", map[string]interface{}{
		"snapshot_id": result.SnapshotID,
		"commit_ref":  result.CommitRef,
		"workflows":   result.WorkflowsCount,
	})
	s.events.EmitPromotion(telemetry.EventTypePromotionCompleted, record.TenantID, target.ID, record.ID, map[string]interface{}{
		"snapshot_id": result.SnapshotID,
		"commit_ref":  result.CommitRef,
	})
	s.metrics.RecordPromotionCompleted(target.ID, string(stores.PromotionStatusCompleted), elapsed)

	s.logger.Info().
		Str("promotion_id", record.ID).
		Str("snapshot_id", result.SnapshotID).
		Str("commit_ref", result.CommitRef).
		Int("workflows", result.WorkflowsCount).
		Dur("duration", elapsed).
		Msg("Promotion completed")
}

func (s *Service) fail(ctx context.Context, record *stores.Promotion, target *stores.Environment, cause error, elapsed time.Duration) {
	// Validation, guardrail, and lock failures happen before the record
	// transitions to running; failing the record is still correct since
	// pending records accept the failed transition.
	msg := cause.Error()
	if err := s.store.UpdatePromotionStatus(ctx, record.ID, stores.PromotionStatusFailed, &msg); err != nil {
		s.logger.Error().Err(err).Str("promotion_id", record.ID).Msg("Failed to mark promotion failed")
	}
	s.audit(ctx, record, "promotion.failed", map[string]interface{}{"error": msg})
	s.events.EmitPromotion(telemetry.EventTypePromotionFailed, record.TenantID, target.ID, record.ID, map[string]interface{}{
		"error": msg,
	})
	s.metrics.RecordPromotionCompleted(target.ID, string(stores.PromotionStatusFailed), elapsed)
	s.metrics.RecordError(engine.Class(cause))

	s.logger.Error().Err(cause).
		Str("promotion_id", record.ID).
		Str("target_environment", target.ID).
		Msg("Promotion failed")
}

func (s *Service) audit(ctx context.Context, record *stores.Promotion, action string, details map[string]interface{}) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	entry := &stores.AuditEntry{
		ID:           uuid.New().String(),
		TenantID:     record.TenantID,
		Actor:        record.CreatedBy,
		Action:       action,
		ResourceType: "promotion",
		ResourceID:   record.ID,
		Details:      string(payload),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("promotion_id", record.ID).Msg("Failed to append audit entry")
	}
}
