package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// The lookups below implement the proof service's store interface and
// return (nil, nil) when no row matches.

const insertMerkleCycle = `
INSERT INTO merkle_cycles (id, previous_cycle_id, previous_cycle_root, snapshots_root,
    chained_root, snapshot_count, checkpoint_id, created_at)
VALUES (:id, :previous_cycle_id, :previous_cycle_root, :snapshots_root,
    :chained_root, :snapshot_count, :checkpoint_id, :created_at)`

const insertMerkleNode = `
INSERT INTO merkle_nodes (id, cycle_id, checkpoint_id, level, position, hash,
    left_child_id, right_child_id, snapshot_id, snapshot_content_hash, created_at)
VALUES (:id, :cycle_id, :checkpoint_id, :level, :position, :hash,
    :left_child_id, :right_child_id, :snapshot_id, :snapshot_content_hash, :created_at)`

// InsertMerkleCycle persists a committed cycle with its tree, normally
// inside the score pass transaction.
func (q *Queries) InsertMerkleCycle(ctx context.Context, cycle contract.MerkleCycle, nodes []contract.MerkleNode) error {
	if _, err := sqlx.NamedExecContext(ctx, q.ext, insertMerkleCycle, cycle); err != nil {
		return fmt.Errorf("inserting merkle cycle %s: %w", cycle.ID, err)
	}
	return q.InsertMerkleNodes(ctx, nodes)
}

// InsertMerkleNodes persists tree nodes.
func (q *Queries) InsertMerkleNodes(ctx context.Context, nodes []contract.MerkleNode) error {
	for _, n := range nodes {
		if _, err := sqlx.NamedExecContext(ctx, q.ext, insertMerkleNode, n); err != nil {
			return fmt.Errorf("inserting merkle node %s: %w", n.ID, err)
		}
	}
	return nil
}

// LatestMerkleCycle returns the newest cycle, nil when the chain is
// empty.
func (q *Queries) LatestMerkleCycle(ctx context.Context) (*contract.MerkleCycle, error) {
	var out contract.MerkleCycle
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM merkle_cycles ORDER BY created_at DESC, id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest merkle cycle: %w", err)
	}
	return &out, nil
}

// MerkleCycle loads one cycle, nil when absent.
func (q *Queries) MerkleCycle(ctx context.Context, id string) (*contract.MerkleCycle, error) {
	var out contract.MerkleCycle
	var err = sqlx.GetContext(ctx, q.ext, &out, `SELECT * FROM merkle_cycles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading merkle cycle %s: %w", id, err)
	}
	return &out, nil
}

// ListMerkleCycles returns cycles newest first.
func (q *Queries) ListMerkleCycles(ctx context.Context, limit, offset int) ([]contract.MerkleCycle, error) {
	var out []contract.MerkleCycle
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM merkle_cycles ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing merkle cycles: %w", err)
	}
	return out, nil
}

// UncheckpointedCycles returns cycles no checkpoint covers yet, oldest
// first.
func (q *Queries) UncheckpointedCycles(ctx context.Context) ([]contract.MerkleCycle, error) {
	var out []contract.MerkleCycle
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM merkle_cycles WHERE checkpoint_id IS NULL ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing uncheckpointed cycles: %w", err)
	}
	return out, nil
}

// AssignCyclesToCheckpoint stamps the covered cycles with their
// checkpoint.
func (q *Queries) AssignCyclesToCheckpoint(ctx context.Context, cycleIDs []string, checkpointID string) error {
	if len(cycleIDs) == 0 {
		return nil
	}
	var query, args, err = sqlx.In(`
UPDATE merkle_cycles SET checkpoint_id = ? WHERE id IN (?)`, checkpointID, cycleIDs)
	if err != nil {
		return fmt.Errorf("expanding cycle assignment: %w", err)
	}
	if _, err := q.ext.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("assigning cycles to checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// CycleNodes returns the persisted tree of one cycle.
func (q *Queries) CycleNodes(ctx context.Context, cycleID string) ([]contract.MerkleNode, error) {
	var out []contract.MerkleNode
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM merkle_nodes WHERE cycle_id = ? ORDER BY level ASC, position ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("loading nodes for cycle %s: %w", cycleID, err)
	}
	return out, nil
}

// CheckpointNodes returns the persisted tree of one checkpoint.
func (q *Queries) CheckpointNodes(ctx context.Context, checkpointID string) ([]contract.MerkleNode, error) {
	var out []contract.MerkleNode
	var err = sqlx.SelectContext(ctx, q.ext, &out, `
SELECT * FROM merkle_nodes WHERE checkpoint_id = ? ORDER BY level ASC, position ASC`, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("loading nodes for checkpoint %s: %w", checkpointID, err)
	}
	return out, nil
}

// NodeBySnapshotID returns the leaf committing one snapshot, nil when
// the snapshot was never committed.
func (q *Queries) NodeBySnapshotID(ctx context.Context, snapshotID string) (*contract.MerkleNode, error) {
	var out contract.MerkleNode
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM merkle_nodes WHERE snapshot_id = ? LIMIT 1`, snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading merkle leaf for snapshot %s: %w", snapshotID, err)
	}
	return &out, nil
}

// CheckpointLeafByHash returns the checkpoint tree leaf carrying a
// cycle's chained root, nil when no checkpoint covers it.
func (q *Queries) CheckpointLeafByHash(ctx context.Context, hash string) (*contract.MerkleNode, error) {
	var out contract.MerkleNode
	var err = sqlx.GetContext(ctx, q.ext, &out, `
SELECT * FROM merkle_nodes
WHERE checkpoint_id IS NOT NULL AND left_child_id IS NULL AND hash = ?
LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint leaf %s: %w", hash, err)
	}
	return &out, nil
}
