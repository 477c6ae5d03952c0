package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

const insertBackfillJob = `
INSERT INTO backfill_jobs (id, source, subject, kind, granularity, start_ts, end_ts,
    cursor_ts, records_written, pages_fetched, status, error, created_at, updated_at)
VALUES (:id, :source, :subject, :kind, :granularity, :start_ts, :end_ts,
    :cursor_ts, :records_written, :pages_fetched, :status, :error, :created_at, :updated_at)`

// CreateBackfillJob admits one backfill job. Admission is exclusive:
// while any job is pending or running the call fails with
// ErrJobAlreadyRunning.
func (s *Store) CreateBackfillJob(ctx context.Context, job contract.BackfillJob) error {
	return s.WithTx(ctx, func(q *Queries) error {
		var active int
		var err = sqlx.GetContext(ctx, q.ext, &active, `
SELECT COUNT(*) FROM backfill_jobs WHERE status IN (?, ?)`,
			contract.JobPending, contract.JobRunning)
		if err != nil {
			return fmt.Errorf("checking backfill admission: %w", err)
		}
		if active > 0 {
			return ErrJobAlreadyRunning
		}
		if _, err := sqlx.NamedExecContext(ctx, q.ext, insertBackfillJob, job); err != nil {
			return fmt.Errorf("inserting backfill job %s: %w", job.ID, err)
		}
		return nil
	})
}

// BackfillJobByID loads one job, ErrNotFound when absent.
func (q *Queries) BackfillJobByID(ctx context.Context, id string) (contract.BackfillJob, error) {
	var out contract.BackfillJob
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM backfill_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("backfill job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading backfill job %s: %w", id, err)
	}
	return out, nil
}

// ActiveBackfillJob returns the pending or running job, nil when idle.
func (q *Queries) ActiveBackfillJob(ctx context.Context) (*contract.BackfillJob, error) {
	var out contract.BackfillJob
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM backfill_jobs WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		contract.JobPending, contract.JobRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active backfill job: %w", err)
	}
	return &out, nil
}

// ListBackfillJobs returns jobs newest first.
func (q *Queries) ListBackfillJobs(ctx context.Context, limit, offset int) ([]contract.BackfillJob, error) {
	var out []contract.BackfillJob
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM backfill_jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing backfill jobs: %w", err)
	}
	return out, nil
}

// StartBackfillJob flips a pending job to running. ErrConflict when the
// job is not pending.
func (q *Queries) StartBackfillJob(ctx context.Context, id string, at time.Time) error {
	return q.transitionBackfill(ctx, id, contract.JobPending, contract.JobRunning, nil, at)
}

// UpdateBackfillProgress advances a running job's resumable cursor.
func (q *Queries) UpdateBackfillProgress(ctx context.Context, id string, cursorTs, recordsWritten, pagesFetched int64, at time.Time) error {
	var res, err = q.ext.ExecContext(ctx, `
UPDATE backfill_jobs SET cursor_ts = ?, records_written = ?, pages_fetched = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		cursorTs, recordsWritten, pagesFetched, at, id, contract.JobRunning)
	if err != nil {
		return fmt.Errorf("updating backfill job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("backfill job %s is not running: %w", id, ErrConflict)
	}
	return nil
}

// CompleteBackfillJob marks a running job completed.
func (q *Queries) CompleteBackfillJob(ctx context.Context, id string, at time.Time) error {
	return q.transitionBackfill(ctx, id, contract.JobRunning, contract.JobCompleted, nil, at)
}

// FailBackfillJob marks a running job failed with its error message.
func (q *Queries) FailBackfillJob(ctx context.Context, id, message string, at time.Time) error {
	return q.transitionBackfill(ctx, id, contract.JobRunning, contract.JobFailed, &message, at)
}

func (q *Queries) transitionBackfill(ctx context.Context, id string, from, to contract.JobStatus, message *string, at time.Time) error {
	var res, err = q.ext.ExecContext(ctx, `
UPDATE backfill_jobs SET status = ?, error = COALESCE(?, error), updated_at = ?
WHERE id = ? AND status = ?`,
		to, message, at, id, from)
	if err != nil {
		return fmt.Errorf("moving backfill job %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("backfill job %s is not %s: %w", id, from, ErrConflict)
	}
	return nil
}
