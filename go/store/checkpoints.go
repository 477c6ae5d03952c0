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

const insertCheckpoint = `
INSERT INTO checkpoints (id, period_start, period_end, merkle_root, emission_payload,
    status, tx_hash, cycle_count, created_at, emitted_at)
VALUES (:id, :period_start, :period_end, :merkle_root, :emission_payload,
    :status, :tx_hash, :cycle_count, :created_at, :emitted_at)`

// InsertCheckpoint persists a freshly built checkpoint.
func (q *Queries) InsertCheckpoint(ctx context.Context, cp contract.Checkpoint) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, insertCheckpoint, cp); err != nil {
		return fmt.Errorf("inserting checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// CheckpointByID loads one checkpoint, ErrNotFound when absent.
func (q *Queries) CheckpointByID(ctx context.Context, id string) (contract.Checkpoint, error) {
	var out contract.Checkpoint
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading checkpoint %s: %w", id, err)
	}
	return out, nil
}

// LatestCheckpoint returns the newest checkpoint, nil when none exist.
func (q *Queries) LatestCheckpoint(ctx context.Context) (*contract.Checkpoint, error) {
	var out contract.Checkpoint
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	return &out, nil
}

// ListCheckpoints returns checkpoints newest first.
func (q *Queries) ListCheckpoints(ctx context.Context, limit, offset int) ([]contract.Checkpoint, error) {
	var out []contract.Checkpoint
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM checkpoints ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	return out, nil
}

// AdvanceCheckpoint moves a checkpoint one step along its lifecycle.
// An illegal transition, including repeating the current status, fails
// with ErrConflict. The transaction wrapper makes the read-check-write
// atomic.
func (s *Store) AdvanceCheckpoint(ctx context.Context, id string, next contract.CheckpointStatus, txHash *string) (contract.Checkpoint, error) {
	var out contract.Checkpoint
	var err = s.WithTx(ctx, func(q *Queries) error {
		var cp, err = q.CheckpointByID(ctx, id)
		if err != nil {
			return err
		}
		if !cp.Status.CanAdvanceTo(next) {
			return fmt.Errorf("checkpoint %s cannot move %s -> %s: %w", id, cp.Status, next, ErrConflict)
		}

		var emittedAt = cp.EmittedAt
		if next == contract.CheckpointSubmitted {
			var now = time.Now().UTC()
			emittedAt = &now
		}
		res, err := q.ext.ExecContext(ctx, `
UPDATE checkpoints SET status = ?, tx_hash = COALESCE(?, tx_hash), emitted_at = ?
WHERE id = ? AND status = ?`,
			next, txHash, emittedAt, id, cp.Status)
		if err != nil {
			return fmt.Errorf("advancing checkpoint %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("checkpoint %s changed concurrently: %w", id, ErrConflict)
		}
		out, err = q.CheckpointByID(ctx, id)
		return err
	})
	if err != nil {
		return contract.Checkpoint{}, err
	}
	return out, nil
}
