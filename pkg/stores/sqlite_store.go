package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewValidationError("database path is required", nil)
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return engine.NewPersistenceError("failed to open database", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return engine.NewPersistenceError("failed to ping database", err)
	}

	// Connection-level setting, enforced explicitly.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return engine.NewPersistenceError("failed to enable foreign keys", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return engine.NewPersistenceError("database not initialized", nil)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return engine.NewPersistenceError("failed to create migration source", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return engine.NewPersistenceError("failed to create database driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return engine.NewPersistenceError("failed to create migration instance", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return engine.NewPersistenceError("failed to run migrations", err)
	}
	return nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return engine.NewPersistenceError("database not initialized", nil)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return engine.NewPersistenceError("database health check failed", err)
	}
	return nil
}

func notFound(resource, id string) error {
	return engine.NewPersistenceError(fmt.Sprintf("%s not found: %s", resource, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// CreateEnvironment creates a new environment record
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	query := `
		INSERT INTO environments (id, tenant_id, name, production, adapter_name, adapter_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		env.ID,
		env.TenantID,
		env.Name,
		env.Production,
		env.AdapterName,
		env.AdapterURL,
		env.CreatedAt,
		env.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to create environment", err).WithResource(env.ID)
	}
	return nil
}

// GetEnvironment retrieves an environment by ID
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	query := `
		SELECT id, tenant_id, name, production, adapter_name, adapter_url, created_at, updated_at
		FROM environments
		WHERE id = ?
	`

	env := &Environment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID,
		&env.TenantID,
		&env.Name,
		&env.Production,
		&env.AdapterName,
		&env.AdapterURL,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("environment", id)
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get environment", err).WithResource(id)
	}
	return env, nil
}

// ListEnvironments lists a tenant's environments ordered by name
func (s *SQLiteStore) ListEnvironments(ctx context.Context, tenantID string) ([]*Environment, error) {
	query := `
		SELECT id, tenant_id, name, production, adapter_name, adapter_url, created_at, updated_at
		FROM environments
		WHERE tenant_id = ?
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list environments", err)
	}
	defer rows.Close()

	envs := []*Environment{}
	for rows.Next() {
		env := &Environment{}
		err := rows.Scan(
			&env.ID,
			&env.TenantID,
			&env.Name,
			&env.Production,
			&env.AdapterName,
			&env.AdapterURL,
			&env.CreatedAt,
			&env.UpdatedAt,
		)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan environment", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating environments", err)
	}
	return envs, nil
}

// ListAllEnvironments returns every environment regardless of tenant.
func (s *SQLiteStore) ListAllEnvironments(ctx context.Context) ([]*Environment, error) {
	query := `
		SELECT id, tenant_id, name, production, adapter_name, adapter_url, created_at, updated_at
		FROM environments
		ORDER BY tenant_id, name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list environments", err)
	}
	defer rows.Close()

	envs := []*Environment{}
	for rows.Next() {
		env := &Environment{}
		err := rows.Scan(
			&env.ID,
			&env.TenantID,
			&env.Name,
			&env.Production,
			&env.AdapterName,
			&env.AdapterURL,
			&env.CreatedAt,
			&env.UpdatedAt,
		)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan environment", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating environments", err)
	}
	return envs, nil
}

const promotionColumns = `id, tenant_id, name, source_environment_id, target_environment_id, status,
	workflow_ids, snapshot_id, commit_ref, error, created_by, started_at, completed_at, created_at, updated_at`

func scanPromotion(row interface{ Scan(...interface{}) error }) (*Promotion, error) {
	p := &Promotion{}
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.SourceEnvironmentID,
		&p.TargetEnvironmentID,
		&p.Status,
		&p.WorkflowIDs,
		&p.SnapshotID,
		&p.CommitRef,
		&p.Error,
		&p.CreatedBy,
		&p.StartedAt,
		&p.CompletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// CreatePromotion creates a new promotion record
func (s *SQLiteStore) CreatePromotion(ctx context.Context, p *Promotion) error {
	query := `
		INSERT INTO promotions (` + promotionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.TenantID,
		p.Name,
		p.SourceEnvironmentID,
		p.TargetEnvironmentID,
		p.Status,
		p.WorkflowIDs,
		p.SnapshotID,
		p.CommitRef,
		p.Error,
		p.CreatedBy,
		p.StartedAt,
		p.CompletedAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to create promotion", err).
			WithCode(engine.ErrCodeRecordWriteFailed).
			WithResource(p.ID)
	}
	return nil
}

// GetPromotion retrieves a promotion by ID
func (s *SQLiteStore) GetPromotion(ctx context.Context, id string) (*Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions WHERE id = ?`

	p, err := scanPromotion(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("promotion", id)
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get promotion", err).WithResource(id)
	}
	return p, nil
}

// UpdatePromotionStatus updates the status of a promotion. Running sets
// started_at; terminal statuses set completed_at.
func (s *SQLiteStore) UpdatePromotionStatus(ctx context.Context, id string, status PromotionStatus, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	switch status {
	case PromotionStatusRunning:
		startedAt = &now
	case PromotionStatusCompleted, PromotionStatusFailed:
		completedAt = &now
	}

	query := `
		UPDATE promotions
		SET status = ?, error = ?,
		    started_at = COALESCE(?, started_at),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, startedAt, completedAt, now, id)
	if err != nil {
		return engine.NewPersistenceError("failed to update promotion status", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFound("promotion", id)
	}
	return nil
}

// SetPromotionResult records the snapshot and commit produced by a promotion
func (s *SQLiteStore) SetPromotionResult(ctx context.Context, id, snapshotID, commitRef string) error {
	query := `UPDATE promotions SET snapshot_id = ?, commit_ref = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, snapshotID, commitRef, time.Now().UTC(), id)
	if err != nil {
		return engine.NewPersistenceError("failed to set promotion result", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFound("promotion", id)
	}
	return nil
}

// GetRunningPromotion returns the promotion holding the running status for
// the (tenant, target environment) pair, or nil when there is none.
// AcquireRunningPromotion transitions the promotion into running in a single
// conditional statement: the update applies only while no other promotion
// holds the running status for the tenant/target pair, so two concurrent
// acquisitions cannot both pass. Re-acquiring with the id already holding
// the status succeeds and keeps the original started_at.
func (s *SQLiteStore) AcquireRunningPromotion(ctx context.Context, tenantID, targetEnvID, id string) (bool, error) {
	now := time.Now().UTC()
	query := `
		UPDATE promotions
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM promotions
			WHERE tenant_id = ? AND target_environment_id = ? AND status = ? AND id <> ?
		  )
	`

	result, err := s.db.ExecContext(ctx, query,
		PromotionStatusRunning, now, now, id,
		tenantID, targetEnvID, PromotionStatusRunning, id)
	if err != nil {
		return false, engine.NewPersistenceError("failed to acquire promotion lock", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, engine.NewPersistenceError("failed to get rows affected", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) GetRunningPromotion(ctx context.Context, tenantID, targetEnvID string) (*Promotion, error) {
	query := `
		SELECT ` + promotionColumns + `
		FROM promotions
		WHERE tenant_id = ? AND target_environment_id = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`

	p, err := scanPromotion(s.db.QueryRowContext(ctx, query, tenantID, targetEnvID, PromotionStatusRunning))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get running promotion", err)
	}
	return p, nil
}

// ListStaleRunningPromotions returns running promotions started before the
// given cutoff, for the timeout sweep.
func (s *SQLiteStore) ListStaleRunningPromotions(ctx context.Context, startedBefore time.Time) ([]*Promotion, error) {
	query := `
		SELECT ` + promotionColumns + `
		FROM promotions
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`
	return s.queryPromotions(ctx, query, PromotionStatusRunning, startedBefore)
}

// ListPromotions lists a tenant's promotions with pagination
func (s *SQLiteStore) ListPromotions(ctx context.Context, tenantID string, limit, offset int) ([]*Promotion, error) {
	query := `
		SELECT ` + promotionColumns + `
		FROM promotions
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`
	return s.queryPromotions(ctx, query, tenantID, limit, offset)
}

func (s *SQLiteStore) queryPromotions(ctx context.Context, query string, args ...interface{}) ([]*Promotion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list promotions", err)
	}
	defer rows.Close()

	promotions := []*Promotion{}
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan promotion", err)
		}
		promotions = append(promotions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating promotions", err)
	}
	return promotions, nil
}

const incidentColumns = `id, tenant_id, environment_id, workflow_id, workflow_name, status, severity,
	summary, expired, detected_at, expires_at, acknowledged_by, acknowledged_at, stabilized_at, closed_at,
	created_at, updated_at`

func scanIncident(row interface{ Scan(...interface{}) error }) (*DriftIncident, error) {
	incident := &DriftIncident{}
	err := row.Scan(
		&incident.ID,
		&incident.TenantID,
		&incident.EnvironmentID,
		&incident.WorkflowID,
		&incident.WorkflowName,
		&incident.Status,
		&incident.Severity,
		&incident.Summary,
		&incident.Expired,
		&incident.DetectedAt,
		&incident.ExpiresAt,
		&incident.AcknowledgedBy,
		&incident.AcknowledgedAt,
		&incident.StabilizedAt,
		&incident.ClosedAt,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	return incident, err
}

// CreateDriftIncident creates a new drift incident record
func (s *SQLiteStore) CreateDriftIncident(ctx context.Context, incident *DriftIncident) error {
	query := `
		INSERT INTO drift_incidents (` + incidentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		incident.ID,
		incident.TenantID,
		incident.EnvironmentID,
		incident.WorkflowID,
		incident.WorkflowName,
		incident.Status,
		incident.Severity,
		incident.Summary,
		incident.Expired,
		incident.DetectedAt,
		incident.ExpiresAt,
		incident.AcknowledgedBy,
		incident.AcknowledgedAt,
		incident.StabilizedAt,
		incident.ClosedAt,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to create drift incident", err).
			WithCode(engine.ErrCodeRecordWriteFailed).
			WithResource(incident.ID)
	}
	return nil
}

// GetDriftIncident retrieves a drift incident by ID
func (s *SQLiteStore) GetDriftIncident(ctx context.Context, id string) (*DriftIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM drift_incidents WHERE id = ?`

	incident, err := scanIncident(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("drift incident", id)
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get drift incident", err).WithResource(id)
	}
	return incident, nil
}

// UpdateDriftIncidentStatus transitions an incident and stamps the matching
// timestamp column.
func (s *SQLiteStore) UpdateDriftIncidentStatus(ctx context.Context, id string, status IncidentStatus, actor string) error {
	now := time.Now().UTC()

	set := "status = ?, updated_at = ?"
	args := []interface{}{status, now}
	switch status {
	case IncidentStatusAcknowledged:
		set += ", acknowledged_by = ?, acknowledged_at = ?"
		args = append(args, actor, now)
	case IncidentStatusStabilized:
		set += ", stabilized_at = ?"
		args = append(args, now)
	case IncidentStatusClosed:
		set += ", closed_at = ?"
		args = append(args, now)
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, "UPDATE drift_incidents SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return engine.NewPersistenceError("failed to update incident status", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFound("drift incident", id)
	}
	return nil
}

// ExtendDriftIncidentTTL pushes the incident's expiry forward and clears the
// expired overlay.
func (s *SQLiteStore) ExtendDriftIncidentTTL(ctx context.Context, id string, expiresAt time.Time) error {
	query := `UPDATE drift_incidents SET expires_at = ?, expired = 0, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, expiresAt, time.Now().UTC(), id)
	if err != nil {
		return engine.NewPersistenceError("failed to extend incident TTL", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFound("drift incident", id)
	}
	return nil
}

// MarkDriftIncidentExpired sets the expired overlay flag
func (s *SQLiteStore) MarkDriftIncidentExpired(ctx context.Context, id string) error {
	query := `UPDATE drift_incidents SET expired = 1, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return engine.NewPersistenceError("failed to mark incident expired", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return notFound("drift incident", id)
	}
	return nil
}

// ListOpenIncidentsByEnvironment returns all non-closed incidents for an
// environment.
func (s *SQLiteStore) ListOpenIncidentsByEnvironment(ctx context.Context, tenantID, envID string) ([]*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE tenant_id = ? AND environment_id = ? AND status != ?
		ORDER BY detected_at DESC
	`
	return s.queryIncidents(ctx, query, tenantID, envID, IncidentStatusClosed)
}

// GetOpenIncidentForWorkflow returns the open incident tracking a workflow
// in an environment, or nil when there is none.
func (s *SQLiteStore) GetOpenIncidentForWorkflow(ctx context.Context, tenantID, envID, workflowID string) (*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE tenant_id = ? AND environment_id = ? AND workflow_id = ? AND status != ?
		ORDER BY detected_at DESC
		LIMIT 1
	`

	incident, err := scanIncident(s.db.QueryRowContext(ctx, query, tenantID, envID, workflowID, IncidentStatusClosed))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get open incident", err)
	}
	return incident, nil
}

// ListNewlyExpiredIncidents returns open incidents whose expiry has passed
// but whose expired flag is not yet set, for the TTL sweep.
func (s *SQLiteStore) ListNewlyExpiredIncidents(ctx context.Context, now time.Time) ([]*DriftIncident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM drift_incidents
		WHERE status != ? AND expired = 0 AND expires_at IS NOT NULL AND expires_at < ?
	`
	return s.queryIncidents(ctx, query, IncidentStatusClosed, now)
}

func (s *SQLiteStore) queryIncidents(ctx context.Context, query string, args ...interface{}) ([]*DriftIncident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list drift incidents", err)
	}
	defer rows.Close()

	incidents := []*DriftIncident{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan drift incident", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating drift incidents", err)
	}
	return incidents, nil
}

// UpsertDriftPolicy inserts or replaces a tenant's drift policy
func (s *SQLiteStore) UpsertDriftPolicy(ctx context.Context, policy *DriftPolicy) error {
	query := `
		INSERT INTO drift_policies (
			id, tenant_id, critical_ttl_hours, high_ttl_hours, medium_ttl_hours, low_ttl_hours,
			default_ttl_hours, auto_create_incidents, block_deployments_on_drift, block_deployments_on_expired,
			require_approval_acknowledge, require_approval_extend_ttl, require_approval_reconcile,
			approval_expiry_hours, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			critical_ttl_hours = excluded.critical_ttl_hours,
			high_ttl_hours = excluded.high_ttl_hours,
			medium_ttl_hours = excluded.medium_ttl_hours,
			low_ttl_hours = excluded.low_ttl_hours,
			default_ttl_hours = excluded.default_ttl_hours,
			auto_create_incidents = excluded.auto_create_incidents,
			block_deployments_on_drift = excluded.block_deployments_on_drift,
			block_deployments_on_expired = excluded.block_deployments_on_expired,
			require_approval_acknowledge = excluded.require_approval_acknowledge,
			require_approval_extend_ttl = excluded.require_approval_extend_ttl,
			require_approval_reconcile = excluded.require_approval_reconcile,
			approval_expiry_hours = excluded.approval_expiry_hours,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		policy.ID,
		policy.TenantID,
		policy.CriticalTTLHours,
		policy.HighTTLHours,
		policy.MediumTTLHours,
		policy.LowTTLHours,
		policy.DefaultTTLHours,
		policy.AutoCreateIncidents,
		policy.BlockDeploymentsOnDrift,
		policy.BlockDeploymentsOnExpired,
		policy.RequireApprovalAcknowledge,
		policy.RequireApprovalExtendTTL,
		policy.RequireApprovalReconcile,
		policy.ApprovalExpiryHours,
		policy.CreatedAt,
		policy.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to upsert drift policy", err).WithResource(policy.TenantID)
	}
	return nil
}

// GetDriftPolicy returns the tenant's drift policy, or nil when the tenant
// has no stored policy.
func (s *SQLiteStore) GetDriftPolicy(ctx context.Context, tenantID string) (*DriftPolicy, error) {
	query := `
		SELECT id, tenant_id, critical_ttl_hours, high_ttl_hours, medium_ttl_hours, low_ttl_hours,
			default_ttl_hours, auto_create_incidents, block_deployments_on_drift, block_deployments_on_expired,
			require_approval_acknowledge, require_approval_extend_ttl, require_approval_reconcile,
			approval_expiry_hours, created_at, updated_at
		FROM drift_policies
		WHERE tenant_id = ?
	`

	policy := &DriftPolicy{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&policy.ID,
		&policy.TenantID,
		&policy.CriticalTTLHours,
		&policy.HighTTLHours,
		&policy.MediumTTLHours,
		&policy.LowTTLHours,
		&policy.DefaultTTLHours,
		&policy.AutoCreateIncidents,
		&policy.BlockDeploymentsOnDrift,
		&policy.BlockDeploymentsOnExpired,
		&policy.RequireApprovalAcknowledge,
		&policy.RequireApprovalExtendTTL,
		&policy.RequireApprovalReconcile,
		&policy.ApprovalExpiryHours,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get drift policy", err).WithResource(tenantID)
	}
	return policy, nil
}

const approvalColumns = `id, tenant_id, incident_id, action_type, status, promotion_id,
	requested_by, requested_at, decided_by, decided_at, expires_at, reason, created_at, updated_at`

// CreateDriftApproval creates a new approval request
func (s *SQLiteStore) CreateDriftApproval(ctx context.Context, approval *DriftApproval) error {
	query := `
		INSERT INTO drift_approvals (` + approvalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		approval.ID,
		approval.TenantID,
		approval.IncidentID,
		approval.ActionType,
		approval.Status,
		approval.PromotionID,
		approval.RequestedBy,
		approval.RequestedAt,
		approval.DecidedBy,
		approval.DecidedAt,
		approval.ExpiresAt,
		approval.Reason,
		approval.CreatedAt,
		approval.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to create drift approval", err).WithResource(approval.ID)
	}
	return nil
}

// DecideDriftApproval records the decision on a pending approval request
func (s *SQLiteStore) DecideDriftApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string) error {
	now := time.Now().UTC()
	query := `
		UPDATE drift_approvals
		SET status = ?, decided_by = ?, decided_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, decidedBy, now, now, id, ApprovalStatusPending)
	if err != nil {
		return engine.NewPersistenceError("failed to decide drift approval", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		return engine.NewConflictError("approval is not pending", nil).WithResource(id)
	}
	return nil
}

// LatestApproval returns the most recent approval record for an
// incident/action pair, or nil when none exists.
func (s *SQLiteStore) LatestApproval(ctx context.Context, incidentID string, action ActionType) (*DriftApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM drift_approvals
		WHERE incident_id = ? AND action_type = ?
		ORDER BY requested_at DESC
		LIMIT 1
	`

	approval := &DriftApproval{}
	err := s.db.QueryRowContext(ctx, query, incidentID, action).Scan(
		&approval.ID,
		&approval.TenantID,
		&approval.IncidentID,
		&approval.ActionType,
		&approval.Status,
		&approval.PromotionID,
		&approval.RequestedBy,
		&approval.RequestedAt,
		&approval.DecidedBy,
		&approval.DecidedAt,
		&approval.ExpiresAt,
		&approval.Reason,
		&approval.CreatedAt,
		&approval.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get latest approval", err).WithResource(incidentID)
	}
	return approval, nil
}

const artifactColumns = `id, tenant_id, incident_id, resolution_type, status, requested_by,
	started_at, finished_at, external_refs, error_message, created_at, updated_at`

func scanArtifact(row interface{ Scan(...interface{}) error }) (*ReconciliationArtifact, error) {
	artifact := &ReconciliationArtifact{}
	err := row.Scan(
		&artifact.ID,
		&artifact.TenantID,
		&artifact.IncidentID,
		&artifact.ResolutionType,
		&artifact.Status,
		&artifact.RequestedBy,
		&artifact.StartedAt,
		&artifact.FinishedAt,
		&artifact.ExternalRefs,
		&artifact.ErrorMessage,
		&artifact.CreatedAt,
		&artifact.UpdatedAt,
	)
	return artifact, err
}

// CreateArtifact creates a new reconciliation artifact
func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact *ReconciliationArtifact) error {
	query := `
		INSERT INTO drift_reconciliation_artifacts (` + artifactColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.TenantID,
		artifact.IncidentID,
		artifact.ResolutionType,
		artifact.Status,
		artifact.RequestedBy,
		artifact.StartedAt,
		artifact.FinishedAt,
		artifact.ExternalRefs,
		artifact.ErrorMessage,
		artifact.CreatedAt,
		artifact.UpdatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to create reconciliation artifact", err).
			WithCode(engine.ErrCodeRecordWriteFailed).
			WithResource(artifact.ID)
	}
	return nil
}

// GetArtifact retrieves a reconciliation artifact by ID
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*ReconciliationArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM drift_reconciliation_artifacts WHERE id = ?`

	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound("reconciliation artifact", id)
	}
	if err != nil {
		return nil, engine.NewPersistenceError("failed to get reconciliation artifact", err).WithResource(id)
	}
	return artifact, nil
}

// UpdateArtifactStatus advances an artifact's lifecycle. Terminal artifacts
// are immutable: the update is refused at the store level, not just in the
// coordinator.
func (s *SQLiteStore) UpdateArtifactStatus(ctx context.Context, id string, status ArtifactStatus, externalRefs, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, finishedAt *time.Time
	switch status {
	case ArtifactStatusInProgress:
		startedAt = &now
	case ArtifactStatusSuccess, ArtifactStatusFailed:
		finishedAt = &now
	}

	query := `
		UPDATE drift_reconciliation_artifacts
		SET status = ?,
		    external_refs = COALESCE(?, external_refs),
		    error_message = COALESCE(?, error_message),
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		status, externalRefs, errMsg, startedAt, finishedAt, now,
		id, ArtifactStatusPending, ArtifactStatusInProgress,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to update artifact status", err).WithResource(id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewPersistenceError("failed to get rows affected", err)
	}
	if rows == 0 {
		existing, getErr := s.GetArtifact(ctx, id)
		if getErr != nil {
			return getErr
		}
		return engine.NewConflictError("artifact is in a terminal state", nil).
			WithCode(engine.ErrCodeTerminalArtifact).
			WithResource(id).
			WithDetail("status", string(existing.Status))
	}
	return nil
}

// ListArtifactsByIncident returns all artifacts for an incident, oldest first
func (s *SQLiteStore) ListArtifactsByIncident(ctx context.Context, incidentID string) ([]*ReconciliationArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM drift_reconciliation_artifacts
		WHERE incident_id = ?
		ORDER BY created_at
	`
	return s.queryArtifacts(ctx, query, incidentID)
}

// ListStaleInProgressArtifacts returns in-progress artifacts started before
// the given cutoff, for the timeout sweep.
func (s *SQLiteStore) ListStaleInProgressArtifacts(ctx context.Context, startedBefore time.Time) ([]*ReconciliationArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM drift_reconciliation_artifacts
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`
	return s.queryArtifacts(ctx, query, ArtifactStatusInProgress, startedBefore)
}

func (s *SQLiteStore) queryArtifacts(ctx context.Context, query string, args ...interface{}) ([]*ReconciliationArtifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list artifacts", err)
	}
	defer rows.Close()

	artifacts := []*ReconciliationArtifact{}
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan artifact", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating artifacts", err)
	}
	return artifacts, nil
}

// AppendRefreshLog records one materialized-view refresh cycle
func (s *SQLiteStore) AppendRefreshLog(ctx context.Context, entry *RefreshLogEntry) error {
	query := `
		INSERT INTO materialized_view_refresh_log (id, view_name, status, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ViewName,
		entry.Status,
		entry.StartedAt,
		entry.FinishedAt,
		entry.Error,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to append refresh log", err)
	}
	return nil
}

// ListRefreshLog lists the most recent refresh entries for a view
func (s *SQLiteStore) ListRefreshLog(ctx context.Context, viewName string, limit int) ([]*RefreshLogEntry, error) {
	query := `
		SELECT id, view_name, status, started_at, finished_at, error
		FROM materialized_view_refresh_log
		WHERE view_name = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, viewName, limit)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list refresh log", err)
	}
	defer rows.Close()

	entries := []*RefreshLogEntry{}
	for rows.Next() {
		entry := &RefreshLogEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.ViewName,
			&entry.Status,
			&entry.StartedAt,
			&entry.FinishedAt,
			&entry.Error,
		)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan refresh log entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating refresh log", err)
	}
	return entries, nil
}

// AppendAudit records one audit entry
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit_entries (id, tenant_id, actor, action, resource_type, resource_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return engine.NewPersistenceError("failed to append audit entry", err)
	}
	return nil
}

// ListAudit lists a tenant's audit entries with pagination
func (s *SQLiteStore) ListAudit(ctx context.Context, tenantID string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, tenant_id, actor, action, resource_type, resource_id, details, created_at
		FROM audit_entries
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list audit entries", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.TenantID,
			&entry.Actor,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&entry.Details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, engine.NewPersistenceError("failed to scan audit entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewPersistenceError("error iterating audit entries", err)
	}
	return entries, nil
}
