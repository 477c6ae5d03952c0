package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

const insertPrediction = `
INSERT INTO predictions (id, model_id, input_id, config_id, scope_key, scope,
    inference_output, exec_time_us, status, score, meta, performed_at)
VALUES (:id, :model_id, :input_id, :config_id, :scope_key, :scope,
    :inference_output, :exec_time_us, :status, :score, :meta, :performed_at)
ON CONFLICT (id) DO NOTHING`

// InsertPredictions persists one tick's fan-out, typically inside the
// same transaction as its Input. Rows whose id already exists are kept
// as stored: synthetic ensemble rows reuse deterministic ids, so a
// group rebuilt for an input that gained late predictions collides
// here instead of duplicating or failing the pass.
func (q *Queries) InsertPredictions(ctx context.Context, predictions []contract.Prediction) error {
	for _, p := range predictions {
		if _, err := sqlx.NamedExecContext(ctx, q.ext, insertPrediction, p); err != nil {
			return fmt.Errorf("inserting prediction %s: %w", p.ID, err)
		}
	}
	return nil
}

// PredictionsByInput returns every prediction of one input.
func (q *Queries) PredictionsByInput(ctx context.Context, inputID string) ([]contract.Prediction, error) {
	var out []contract.Prediction
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM predictions WHERE input_id = ? ORDER BY model_id`, inputID)
	if err != nil {
		return nil, fmt.Errorf("loading predictions for input %s: %w", inputID, err)
	}
	return out, nil
}

// PendingPredictionsByInput returns the input's still unscored rows.
func (q *Queries) PendingPredictionsByInput(ctx context.Context, inputID string) ([]contract.Prediction, error) {
	var out []contract.Prediction
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM predictions WHERE input_id = ? AND status = ? ORDER BY model_id`,
		inputID, contract.PredictionPending)
	if err != nil {
		return nil, fmt.Errorf("loading pending predictions for input %s: %w", inputID, err)
	}
	return out, nil
}

// FinishPrediction writes a prediction's terminal status and score. Only
// PENDING rows move; a row another pass already finished reports
// (false, nil) so replays stay idempotent.
func (q *Queries) FinishPrediction(ctx context.Context, id string, status contract.PredictionStatus, score *contract.Score) (bool, error) {
	var res, err = q.ext.ExecContext(ctx, `
UPDATE predictions SET status = ?, score = ? WHERE id = ? AND status = ?`,
		status, score, id, contract.PredictionPending)
	if err != nil {
		return false, fmt.Errorf("finishing prediction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ScoredPredictionsInWindow returns the model's rows carrying a score
// with performed_at in (from, to], ascending. Both SCORED and FAILED
// rows count; ABSENT rows carry no score and are excluded.
func (q *Queries) ScoredPredictionsInWindow(ctx context.Context, modelID string, from, to time.Time) ([]contract.Prediction, error) {
	var out []contract.Prediction
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM predictions
WHERE model_id = ? AND score IS NOT NULL AND performed_at > ? AND performed_at <= ?
ORDER BY performed_at ASC`,
		modelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading scored window for model %s: %w", modelID, err)
	}
	return out, nil
}

// ModelIDsScoredInWindow returns the distinct models holding scored rows
// with performed_at in (from, to].
func (q *Queries) ModelIDsScoredInWindow(ctx context.Context, from, to time.Time) ([]string, error) {
	var out []string
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT DISTINCT model_id FROM predictions
WHERE score IS NOT NULL AND performed_at > ? AND performed_at <= ?
ORDER BY model_id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("listing scored models: %w", err)
	}
	return out, nil
}

// RecentPredictions lists predictions newest first. Empty modelID or
// status leaves that filter off.
func (q *Queries) RecentPredictions(ctx context.Context, modelID string, status contract.PredictionStatus, limit, offset int) ([]contract.Prediction, error) {
	var conds []string
	var args []any
	if modelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, modelID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	var query = `SELECT * FROM predictions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY performed_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []contract.Prediction
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing predictions: %w", err)
	}
	return out, nil
}

// PredictionCountsByStatus returns row counts per status.
func (q *Queries) PredictionCountsByStatus(ctx context.Context) (map[contract.PredictionStatus]int64, error) {
	var rows []struct {
		Status contract.PredictionStatus `db:"status"`
		N      int64                     `db:"n"`
	}
	var err = sqlx.SelectContext(ctx, q.ext, &rows, `
SELECT status, COUNT(*) AS n FROM predictions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting predictions: %w", err)
	}
	var out = make(map[contract.PredictionStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
