// Package promotion implements the promotion concurrency lock and the
// promotion service that snapshots a source environment and deploys it into
// a target environment.
package promotion

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/stores"
)

// Lock serializes promotions per (tenant, target environment). The persisted
// promotion record is the single source of truth: at most one promotion per
// pair holds the running status, and acquiring the lock is the transition of
// the requesting record into running.
type Lock struct {
	store  stores.Store
	logger zerolog.Logger
}

// NewLock creates a promotion lock over the given store.
func NewLock(store stores.Store, logger zerolog.Logger) *Lock {
	return &Lock{
		store:  store,
		logger: logger.With().Str("component", "promotion-lock").Logger(),
	}
}

// CheckAndAcquire transitions the requesting promotion into running if no
// other promotion holds the lock for the tenant/target pair. The acquire is
// a single conditional update, so two truly concurrent requests cannot both
// pass. Re-requesting with the id of the promotion that already holds the
// lock is a no-op, so a retried request converges instead of deadlocking on
// itself.
func (l *Lock) CheckAndAcquire(ctx context.Context, tenantID, targetEnvID, requestingID string) error {
	acquired, err := l.store.AcquireRunningPromotion(ctx, tenantID, targetEnvID, requestingID)
	if err != nil {
		return err
	}
	if acquired {
		l.logger.Info().
			Str("promotion_id", requestingID).
			Str("tenant_id", tenantID).
			Str("target_environment", targetEnvID).
			Msg("Promotion lock acquired")
		return nil
	}

	running, err := l.store.GetRunningPromotion(ctx, tenantID, targetEnvID)
	if err != nil {
		return err
	}
	if running == nil {
		// The blocker finished between the acquire and this read, or the
		// requesting record does not exist. Surface which.
		if _, err := l.store.GetPromotion(ctx, requestingID); err != nil {
			return err
		}
		return engine.NewConflictError(
			fmt.Sprintf("promotion lock for environment %s was held concurrently; retry", targetEnvID), nil).
			WithCode(engine.ErrCodePromotionLockHeld).
			WithResource(targetEnvID).
			WithOperation("promotion")
	}

	conflict := engine.NewConflictError(
		fmt.Sprintf("promotion %q is already running against environment %s", running.Name, targetEnvID), nil).
		WithCode(engine.ErrCodePromotionLockHeld).
		WithResource(targetEnvID).
		WithOperation("promotion").
		WithDetail("blocking_promotion_id", running.ID).
		WithDetail("blocking_promotion_name", running.Name).
		WithDetail("started_by", running.CreatedBy)
	if running.StartedAt != nil {
		conflict = conflict.WithDetail("started_at", running.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return conflict
}
