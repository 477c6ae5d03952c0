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

const insertInput = `
INSERT INTO inputs (id, config_id, scope, raw_input, performed_at, resolvable_at, actuals, status)
VALUES (:id, :config_id, :scope, :raw_input, :performed_at, :resolvable_at, :actuals, :status)`

// InsertInput persists one materialized inference input.
func (q *Queries) InsertInput(ctx context.Context, input contract.Input) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, insertInput, input); err != nil {
		return fmt.Errorf("inserting input %s: %w", input.ID, err)
	}
	return nil
}

// InputByID loads one input, ErrNotFound when absent.
func (q *Queries) InputByID(ctx context.Context, id string) (contract.Input, error) {
	var out contract.Input
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM inputs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("input %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading input %s: %w", id, err)
	}
	return out, nil
}

// DueInputs returns unresolved inputs whose resolvable_at has passed,
// oldest first.
func (q *Queries) DueInputs(ctx context.Context, now time.Time, limit int) ([]contract.Input, error) {
	var out []contract.Input
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM inputs
WHERE status = ? AND resolvable_at <= ?
ORDER BY resolvable_at ASC LIMIT ?`,
		contract.InputReceived, now, limit)
	if err != nil {
		return nil, fmt.Errorf("loading due inputs: %w", err)
	}
	return out, nil
}

// ResolveInput stamps actuals onto a received input and flips it to
// RESOLVED. Resolving an already resolved input returns ErrConflict, so
// concurrent passes cannot overwrite ground truth.
func (q *Queries) ResolveInput(ctx context.Context, id string, actuals contract.JSONMap) error {
	var res, err = q.ext.ExecContext(ctx, `
UPDATE inputs SET actuals = ?, status = ? WHERE id = ? AND status = ?`,
		actuals, contract.InputResolved, id, contract.InputReceived)
	if err != nil {
		return fmt.Errorf("resolving input %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("input %s already resolved: %w", id, ErrConflict)
	}
	return nil
}

// RecentInputs lists inputs newest first.
func (q *Queries) RecentInputs(ctx context.Context, limit, offset int) ([]contract.Input, error) {
	var out []contract.Input
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM inputs ORDER BY performed_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing inputs: %w", err)
	}
	return out, nil
}

// ResolvedInputsWithPending returns resolved inputs that still carry
// unscored predictions, oldest first. This is the score engine's work
// queue.
func (q *Queries) ResolvedInputsWithPending(ctx context.Context, limit int) ([]contract.Input, error) {
	var out []contract.Input
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT DISTINCT i.* FROM inputs i
JOIN predictions p ON p.input_id = i.id
WHERE i.status = ? AND p.status = ?
ORDER BY i.performed_at ASC LIMIT ?`,
		contract.InputResolved, contract.PredictionPending, limit)
	if err != nil {
		return nil, fmt.Errorf("loading scorable inputs: %w", err)
	}
	return out, nil
}
