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

const upsertModel = `
INSERT INTO models (id, name, player_id, player_name, deployment_id,
    overall_score, scores_by_scope, meta, created_at, updated_at)
VALUES (:id, :name, :player_id, :player_name, :deployment_id,
    :overall_score, :scores_by_scope, :meta, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    player_id = excluded.player_id,
    player_name = excluded.player_name,
    deployment_id = excluded.deployment_id,
    meta = excluded.meta,
    updated_at = excluded.updated_at`

// UpsertModel registers or refreshes a model. Score columns are owned
// by the score engine and survive registry refreshes.
func (q *Queries) UpsertModel(ctx context.Context, m contract.Model) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, upsertModel, m); err != nil {
		return fmt.Errorf("upserting model %s: %w", m.ID, err)
	}
	return nil
}

// ModelByID loads one model, ErrNotFound when absent.
func (q *Queries) ModelByID(ctx context.Context, id string) (contract.Model, error) {
	var out contract.Model
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM models WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("loading model %s: %w", id, err)
	}
	return out, nil
}

// ListModels returns every registered model ordered by id.
func (q *Queries) ListModels(ctx context.Context) ([]contract.Model, error) {
	var out []contract.Model
	var err = sqlx.SelectContext(ctx, q.ext, &out, `SELECT * FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	return out, nil
}

// SetModelScores updates a model's denormalized ranking columns.
func (q *Queries) SetModelScores(ctx context.Context, id string, overall float64, byScope contract.JSONMap, at time.Time) error {
	var _, err = q.ext.ExecContext(ctx, `
UPDATE models SET overall_score = ?, scores_by_scope = ?, updated_at = ? WHERE id = ?`,
		overall, byScope, at, id)
	if err != nil {
		return fmt.Errorf("updating scores for model %s: %w", id, err)
	}
	return nil
}
