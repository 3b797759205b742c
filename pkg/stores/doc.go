// Package stores provides the persistence layer for the drift engine.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for environments, promotions, drift incidents,
// policies, approvals, reconciliation artifacts, and audit entries.
package stores
