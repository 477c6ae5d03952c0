package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

const upsertSnapshot = `
INSERT INTO snapshots (id, model_id, period_start, period_end, prediction_count,
    result_summary, content_hash, meta, created_at)
VALUES (:id, :model_id, :period_start, :period_end, :prediction_count,
    :result_summary, :content_hash, :meta, :created_at)
ON CONFLICT (model_id, period_end) DO UPDATE SET
    period_start = excluded.period_start,
    prediction_count = excluded.prediction_count,
    result_summary = excluded.result_summary,
    content_hash = excluded.content_hash,
    meta = excluded.meta`

// UpsertSnapshot writes a model's period snapshot. A replayed pass for
// the same (model, period_end) replaces the summary but keeps the
// original row id, so merkle leaves committed earlier stay resolvable.
// Returns the stored row.
func (q *Queries) UpsertSnapshot(ctx context.Context, snapshot contract.Snapshot) (contract.Snapshot, error) {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, upsertSnapshot, snapshot); err != nil {
		return contract.Snapshot{}, fmt.Errorf("upserting snapshot for model %s: %w", snapshot.ModelID, err)
	}
	var out contract.Snapshot
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM snapshots WHERE model_id = ? AND period_end = ?`,
		snapshot.ModelID, snapshot.PeriodEnd)
	if err != nil {
		return contract.Snapshot{}, fmt.Errorf("reloading snapshot for model %s: %w", snapshot.ModelID, err)
	}
	return out, nil
}

// SnapshotByID loads one snapshot, ErrNotFound when absent.
func (q *Queries) SnapshotByID(ctx context.Context, id string) (contract.Snapshot, error) {
	var out contract.Snapshot
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM snapshots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	return out, nil
}

// SnapshotsByModelSince returns the model's snapshots created after the
// cutoff, ascending by creation.
func (q *Queries) SnapshotsByModelSince(ctx context.Context, modelID string, since time.Time) ([]contract.Snapshot, error) {
	var out []contract.Snapshot
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM snapshots WHERE model_id = ? AND created_at > ?
ORDER BY created_at ASC`,
		modelID, since)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots for model %s: %w", modelID, err)
	}
	return out, nil
}

// LatestSnapshotByModel returns the model's newest snapshot, (zero,
// false) when the model has none.
func (q *Queries) LatestSnapshotByModel(ctx context.Context, modelID string) (contract.Snapshot, bool, error) {
	var out contract.Snapshot
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM snapshots WHERE model_id = ?
ORDER BY created_at DESC, period_end DESC LIMIT 1`, modelID)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("loading latest snapshot for model %s: %w", modelID, err)
	}
	return out, true, nil
}

// SnapshotModelIDs returns every model id holding at least one snapshot.
func (q *Queries) SnapshotModelIDs(ctx context.Context) ([]string, error) {
	var out []string
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT DISTINCT model_id FROM snapshots ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshot models: %w", err)
	}
	return out, nil
}

// RecentSnapshots lists snapshots newest first. modelID "" means all
// models; zero times leave that bound open.
func (q *Queries) RecentSnapshots(ctx context.Context, modelID string, since, until time.Time, limit, offset int) ([]contract.Snapshot, error) {
	var conds []string
	var args []any
	if modelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, modelID)
	}
	if !since.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, since)
	}
	if !until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, until)
	}
	var query = `SELECT * FROM snapshots`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []contract.Snapshot
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return out, nil
}
