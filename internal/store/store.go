// Package store provides database access for the monitoring core.
//
// # Design
//
// The store uses raw SQL with pgx. Target state written by the worker pool
// is updated with targeted field patches so it never collides with config
// fields owned by the REST layer.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/upmon-net/upmon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// TARGETS
// =============================================================================

const targetColumns = `
	id, name, address, kind, owner_id, owner_plan, owner_role, priority,
	monitoring, contact_emails, contact_phones,
	status, last_checked, last_status_change, last_latency_ms, last_error, created_at`

// CreateTarget registers a new target. Called from the REST layer and tests;
// the monitoring core itself never creates targets.
func (s *Store) CreateTarget(ctx context.Context, t *types.Target) error {
	monitoringJSON, err := json.Marshal(t.Monitoring)
	if err != nil {
		return fmt.Errorf("marshaling monitoring config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO targets (id, name, address, kind, owner_id, owner_plan, owner_role, priority,
			monitoring, contact_emails, contact_phones, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		t.ID, t.Name, t.Address, t.Kind, t.OwnerID, t.OwnerPlan, t.OwnerRole, t.Priority,
		monitoringJSON, t.ContactEmails, t.ContactPhones, t.Status, t.CreatedAt,
	)
	return err
}

// GetTarget retrieves a target by ID. Returns (nil, nil) when absent.
func (s *Store) GetTarget(ctx context.Context, id string) (*types.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTargets returns every registered target. The scheduler filters in
// process; target counts stay small enough that one scan per tick is fine.
func (s *Store) ListTargets(ctx context.Context) ([]types.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+`
		FROM targets
		ORDER BY last_checked ASC NULLS FIRST
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []types.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

// ListTargetsByIDs returns the targets matching the given ids.
func (s *Store) ListTargetsByIDs(ctx context.Context, ids []string) ([]types.Target, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetColumns+`
		FROM targets
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []types.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, rows.Err()
}

// ObservationUpdate carries the target fields the worker pool owns.
type ObservationUpdate struct {
	Status        types.TargetStatus
	LatencyMs     *float64
	Error         *string
	CheckedAt     time.Time
	StatusChanged bool
}

// ApplyObservation patches the observation-owned fields of a target.
// last_status_change moves only when the status actually changed.
func (s *Store) ApplyObservation(ctx context.Context, targetID string, u ObservationUpdate) error {
	if u.StatusChanged {
		_, err := s.pool.Exec(ctx, `
			UPDATE targets
			SET status = $2, last_latency_ms = $3, last_error = $4,
				last_checked = $5, last_status_change = $5
			WHERE id = $1
		`, targetID, u.Status, u.LatencyMs, u.Error, u.CheckedAt)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE targets
		SET status = $2, last_latency_ms = $3, last_error = $4, last_checked = $5
		WHERE id = $1
	`, targetID, u.Status, u.LatencyMs, u.Error, u.CheckedAt)
	return err
}

// DeleteTarget removes a target; observations cascade at the schema level.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	return err
}

// CountTargets returns the number of registered targets.
func (s *Store) CountTargets(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM targets`).Scan(&n)
	return n, err
}

func scanTarget(row pgx.Row) (*types.Target, error) {
	var t types.Target
	var monitoringJSON []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Address, &t.Kind, &t.OwnerID, &t.OwnerPlan, &t.OwnerRole, &t.Priority,
		&monitoringJSON, &t.ContactEmails, &t.ContactPhones,
		&t.Status, &t.LastChecked, &t.LastStatusChange, &t.LastLatencyMs, &t.LastError, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(monitoringJSON, &t.Monitoring); err != nil {
		return nil, fmt.Errorf("unmarshaling monitoring config for %s: %w", t.ID, err)
	}
	return &t, nil
}

// =============================================================================
// STORAGE STATS
// =============================================================================

// StorageStats reports the numbers the retention sweeper uses to pick a tier.
type StorageStats struct {
	TotalSizeBytes   int64 `json:"total_size_bytes"`
	ObservationCount int64 `json:"observation_count"`
	JobLogCount      int64 `json:"job_log_count"`
}

// GetStorageStats measures the current database footprint.
func (s *Store) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	var stats StorageStats
	err := s.pool.QueryRow(ctx, `
		SELECT pg_database_size(current_database()),
			(SELECT COUNT(*) FROM observations),
			(SELECT COUNT(*) FROM job_log)
	`).Scan(&stats.TotalSizeBytes, &stats.ObservationCount, &stats.JobLogCount)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Compact reclaims space from the observation and job log tables after a
// bulk delete.
func (s *Store) Compact(ctx context.Context) error {
	for _, table := range []string{"observations", "job_log"} {
		if _, err := s.pool.Exec(ctx, `VACUUM `+table); err != nil {
			return fmt.Errorf("vacuum %s: %w", table, err)
		}
	}
	return nil
}
