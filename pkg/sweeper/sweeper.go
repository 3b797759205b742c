package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/stores"
	"github.com/driftwarden/driftwarden/pkg/telemetry"
)

// RefreshViewName keys the scheduled scan cycles in the refresh log.
const RefreshViewName = "drift_overview"

// Config carries the sweep intervals and timeout bounds.
type Config struct {
	// ExpiryInterval is how often incident TTLs are enforced.
	ExpiryInterval time.Duration
	// ScanInterval is how often every environment is drift-scanned.
	ScanInterval time.Duration
	// StaleInterval is how often stuck artifacts/promotions are swept.
	StaleInterval time.Duration
	// ArtifactTimeout fails in_progress artifacts older than this.
	ArtifactTimeout time.Duration
	// PromotionTimeout fails running promotions older than this.
	PromotionTimeout time.Duration
}

// DefaultConfig returns the standard sweep cadence.
func DefaultConfig() Config {
	return Config{
		ExpiryInterval:   time.Minute,
		ScanInterval:     5 * time.Minute,
		StaleInterval:    time.Minute,
		ArtifactTimeout:  30 * time.Minute,
		PromotionTimeout: time.Hour,
	}
}

// Sweeper owns the periodic cycles. Each concern runs on its own timer;
// the persisted store is the only coordination between them and the
// request-driven handlers.
type Sweeper struct {
	cfg     Config
	store   stores.Store
	scanner *Scanner
	events  *telemetry.Dispatcher
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped sweeper.
func New(cfg Config, store stores.Store, scanner *Scanner, events *telemetry.Dispatcher, metrics *telemetry.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		store:   store,
		scanner: scanner,
		events:  events,
		metrics: metrics,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start launches the sweep loops. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.loop(runCtx, s.cfg.ExpiryInterval, s.sweepExpiredIncidents)
	s.loop(runCtx, s.cfg.ScanInterval, s.sweepDriftScan)
	s.loop(runCtx, s.cfg.StaleInterval, s.sweepStale)

	s.logger.Info().
		Dur("expiry_interval", s.cfg.ExpiryInterval).
		Dur("scan_interval", s.cfg.ScanInterval).
		Dur("stale_interval", s.cfg.StaleInterval).
		Msg("Sweeper started")
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cycle(ctx)
			}
		}
	}()
}

// sweepExpiredIncidents marks incidents whose TTL has passed and emits the
// expiry events. Marking is idempotent; a crash mid-cycle just means the
// next cycle picks up the remainder.
func (s *Sweeper) sweepExpiredIncidents(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.store.ListNewlyExpiredIncidents(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Expiry sweep failed to list incidents")
		return
	}

	for _, incident := range expired {
		if err := s.store.MarkDriftIncidentExpired(ctx, incident.ID); err != nil {
			s.logger.Error().Err(err).Str("incident_id", incident.ID).Msg("Failed to mark incident expired")
			continue
		}
		s.events.EmitDriftExpired(incident.TenantID, incident.EnvironmentID, incident.ID)
		s.logger.Warn().
			Str("incident_id", incident.ID).
			Str("environment_id", incident.EnvironmentID).
			Str("workflow_name", incident.WorkflowName).
			Msg("Drift incident expired")
	}
	if len(expired) > 0 {
		s.metrics.SetExpiredIncidents(float64(len(expired)))
	}
}

// sweepDriftScan scans every environment and records the cycle in the
// refresh log.
func (s *Sweeper) sweepDriftScan(ctx context.Context) {
	startedAt := time.Now().UTC()

	envs, err := s.store.ListAllEnvironments(ctx)
	if err != nil {
		s.finishRefresh(ctx, startedAt, err)
		return
	}

	var scanErr error
	for _, env := range envs {
		if ctx.Err() != nil {
			scanErr = ctx.Err()
			break
		}
		report, err := s.scanner.ScanEnvironment(ctx, env, true)
		if err != nil {
			// One unreachable environment must not stop the rest of
			// the fleet from being scanned.
			s.logger.Error().Err(err).Str("environment_id", env.ID).Msg("Drift scan failed")
			scanErr = err
			continue
		}
		s.metrics.SetOpenIncidents(env.ID, float64(len(report.Drifted)))
	}

	s.finishRefresh(ctx, startedAt, scanErr)
}

func (s *Sweeper) finishRefresh(ctx context.Context, startedAt time.Time, cause error) {
	finished := time.Now().UTC()
	entry := &stores.RefreshLogEntry{
		ID:         uuid.New().String(),
		ViewName:   RefreshViewName,
		Status:     "success",
		StartedAt:  startedAt,
		FinishedAt: &finished,
	}
	if cause != nil {
		entry.Status = "failed"
		msg := cause.Error()
		entry.Error = &msg
	}
	if err := s.store.AppendRefreshLog(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write refresh log entry")
	}
}

// sweepStale times out artifacts and promotions stuck in their in-flight
// status, resolving the crash window where a process died after starting
// work but before recording an outcome.
func (s *Sweeper) sweepStale(ctx context.Context) {
	now := time.Now().UTC()

	artifacts, err := s.store.ListStaleInProgressArtifacts(ctx, now.Add(-s.cfg.ArtifactTimeout))
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale sweep failed to list artifacts")
	} else {
		for _, artifact := range artifacts {
			msg := fmt.Sprintf("timed out after %s in in_progress", s.cfg.ArtifactTimeout)
			if err := s.store.UpdateArtifactStatus(ctx, artifact.ID, stores.ArtifactStatusFailed, nil, &msg); err != nil {
				s.logger.Error().Err(err).Str("artifact_id", artifact.ID).Msg("Failed to time out artifact")
				continue
			}
			s.events.EmitReconciliationResult(artifact.TenantID, artifact.IncidentID, artifact.ID,
				string(artifact.ResolutionType), fmt.Errorf("%s", msg))
			s.logger.Warn().
				Str("artifact_id", artifact.ID).
				Str("incident_id", artifact.IncidentID).
				Msg("Timed out stale reconciliation artifact")
		}
	}

	promotions, err := s.store.ListStaleRunningPromotions(ctx, now.Add(-s.cfg.PromotionTimeout))
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale sweep failed to list promotions")
		return
	}
	for _, promo := range promotions {
		msg := fmt.Sprintf("timed out after %s in running", s.cfg.PromotionTimeout)
		if err := s.store.UpdatePromotionStatus(ctx, promo.ID, stores.PromotionStatusFailed, &msg); err != nil {
			s.logger.Error().Err(err).Str("promotion_id", promo.ID).Msg("Failed to time out promotion")
			continue
		}
		s.events.EmitPromotion(telemetry.EventTypePromotionFailed, promo.TenantID, promo.TargetEnvironmentID,
			promo.ID, map[string]interface{}{"error": msg})
		s.logger.Warn().
			Str("promotion_id", promo.ID).
			Str("target_environment", promo.TargetEnvironmentID).
			Msg("Timed out stale promotion")
	}
}
