package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/upmon-net/upmon/pkg/types"
)

// =============================================================================
// OBSERVATIONS
// =============================================================================

// InsertObservation appends one probe result to the observation store.
func (s *Store) InsertObservation(ctx context.Context, o *types.Observation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO observations (id, target_id, status, latency_ms, error, ts, check_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, o.ID, o.TargetID, o.Status, o.LatencyMs, o.Error, o.Timestamp, o.CheckType)
	return err
}

// InsertObservations bulk-inserts probe results using COPY. Used by the
// batch probe path where several results land at once.
func (s *Store) InsertObservations(ctx context.Context, obs []types.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	rows := make([][]any, len(obs))
	for i, o := range obs {
		rows[i] = []any{o.ID, o.TargetID, o.Status, o.LatencyMs, o.Error, o.Timestamp, o.CheckType}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"observations"},
		[]string{"id", "target_id", "status", "latency_ms", "error", "ts", "check_type"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// ListObservations returns the most recent observations for a target,
// newest first.
func (s *Store) ListObservations(ctx context.Context, targetID string, limit int) ([]types.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_id, status, latency_ms, error, ts, check_type
		FROM observations
		WHERE target_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []types.Observation
	for rows.Next() {
		var o types.Observation
		if err := rows.Scan(&o.ID, &o.TargetID, &o.Status, &o.LatencyMs, &o.Error, &o.Timestamp, &o.CheckType); err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// CountObservations returns the total observation count.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM observations`).Scan(&n)
	return n, err
}

// DeleteObservationsBefore removes observations older than the cutoff and
// returns the number deleted.
func (s *Store) DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM observations WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAllObservations truncates the observation store. TRUNCATE is used
// instead of DELETE because the aggressive and emergency tiers drop
// everything and the table can be large.
func (s *Store) DeleteAllObservations(ctx context.Context) (int64, error) {
	n, err := s.CountObservations(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE observations`); err != nil {
		return 0, err
	}
	return n, nil
}
