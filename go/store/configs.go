package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

const upsertPredictionConfig = `
INSERT INTO prediction_configs (id, scope_key, scope, schedule, active, ord, resolve_after_seconds)
VALUES (:id, :scope_key, :scope, :schedule, :active, :ord, :resolve_after_seconds)
ON CONFLICT (id) DO UPDATE SET
    scope_key = excluded.scope_key,
    scope = excluded.scope,
    schedule = excluded.schedule,
    active = excluded.active,
    ord = excluded.ord,
    resolve_after_seconds = excluded.resolve_after_seconds`

// UpsertPredictionConfig seeds or updates one scheduled prediction
// config.
func (q *Queries) UpsertPredictionConfig(ctx context.Context, cfg contract.ScheduledPredictionConfig) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, upsertPredictionConfig, cfg); err != nil {
		return fmt.Errorf("upserting prediction config %s: %w", cfg.ID, err)
	}
	return nil
}

// PredictionConfigByID loads one config, ErrNotFound when absent.
func (q *Queries) PredictionConfigByID(ctx context.Context, id string) (contract.ScheduledPredictionConfig, error) {
	var out contract.ScheduledPredictionConfig
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM prediction_configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("prediction config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading prediction config %s: %w", id, err)
	}
	return out, nil
}

// ActivePredictionConfigs returns active configs in declared order.
func (q *Queries) ActivePredictionConfigs(ctx context.Context) ([]contract.ScheduledPredictionConfig, error) {
	var out []contract.ScheduledPredictionConfig
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM prediction_configs WHERE active = 1 ORDER BY ord ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active prediction configs: %w", err)
	}
	return out, nil
}

// ListPredictionConfigs returns every config, active or not.
func (q *Queries) ListPredictionConfigs(ctx context.Context) ([]contract.ScheduledPredictionConfig, error) {
	var out []contract.ScheduledPredictionConfig
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM prediction_configs ORDER BY ord ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing prediction configs: %w", err)
	}
	return out, nil
}
