package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// InsertLeaderboard appends an immutable ranking.
func (q *Queries) InsertLeaderboard(ctx context.Context, lb contract.Leaderboard) error {
	var _, err = sqlx.NamedExecContext(ctx, q.ext, `
INSERT INTO leaderboards (id, entries, created_at) VALUES (:id, :entries, :created_at)`, lb)
	if err != nil {
		return fmt.Errorf("inserting leaderboard %s: %w", lb.ID, err)
	}
	return nil
}

// LatestLeaderboard returns the newest ranking, nil before the first
// score pass completes.
func (q *Queries) LatestLeaderboard(ctx context.Context) (*contract.Leaderboard, error) {
	var out contract.Leaderboard
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM leaderboards ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest leaderboard: %w", err)
	}
	return &out, nil
}

// ListLeaderboards returns rankings newest first.
func (q *Queries) ListLeaderboards(ctx context.Context, limit, offset int) ([]contract.Leaderboard, error) {
	var out []contract.Leaderboard
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM leaderboards ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing leaderboards: %w", err)
	}
	return out, nil
}
