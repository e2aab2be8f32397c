package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/upmon-net/upmon/pkg/types"
)

// =============================================================================
// JOB LOG
// =============================================================================

// StartJobLog records the beginning of a named background run and returns
// the entry id used to complete or fail it.
func (s *Store) StartJobLog(ctx context.Context, name string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_log (id, name, started_at, status)
		VALUES ($1, $2, $3, $4)
	`, id, name, time.Now(), types.JobRunning)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompleteJobLog marks a run completed with a result summary.
func (s *Store) CompleteJobLog(ctx context.Context, id, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_log SET status = $2, result = $3, completed_at = $4 WHERE id = $1
	`, id, types.JobCompleted, result, time.Now())
	return err
}

// FailJobLog marks a run failed with the error text.
func (s *Store) FailJobLog(ctx context.Context, id, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_log SET status = $2, error = $3, completed_at = $4 WHERE id = $1
	`, id, types.JobFailed, errText, time.Now())
	return err
}

// SkipJobLog records a run that was skipped, e.g. a scheduler tick that
// found the previous tick still holding the lock.
func (s *Store) SkipJobLog(ctx context.Context, name, reason string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_log (id, name, started_at, completed_at, status, result)
		VALUES ($1, $2, $3, $3, $4, $5)
	`, uuid.New().String(), name, now, types.JobSkipped, reason)
	return err
}

// LatestJobLog returns the most recent entry for a job name, or nil.
func (s *Store) LatestJobLog(ctx context.Context, name string) (*types.JobLogEntry, error) {
	var e types.JobLogEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, started_at, completed_at, status, result, error
		FROM job_log
		WHERE name = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, name).Scan(&e.ID, &e.Name, &e.StartedAt, &e.CompletedAt, &e.Status, &e.Result, &e.Error)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteJobLogsBefore removes entries started before the cutoff.
func (s *Store) DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_log WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAllJobLogs truncates the job log (emergency retention tier).
func (s *Store) DeleteAllJobLogs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_log`).Scan(&n); err != nil {
		return 0, err
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE job_log`); err != nil {
		return 0, err
	}
	return n, nil
}
