package merkle

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// ErrNotCommitted marks a snapshot that no committed cycle covers yet.
var ErrNotCommitted = errors.New("snapshot is not part of a committed merkle cycle")

// Store is the slice of persistence the proof service reads. Lookups
// return (nil, nil) when no row matches.
type Store interface {
	MerkleCycle(ctx context.Context, id string) (*contract.MerkleCycle, error)
	CycleNodes(ctx context.Context, cycleID string) ([]contract.MerkleNode, error)
	NodeBySnapshotID(ctx context.Context, snapshotID string) (*contract.MerkleNode, error)
	CheckpointLeafByHash(ctx context.Context, hash string) (*contract.MerkleNode, error)
	CheckpointNodes(ctx context.Context, checkpointID string) ([]contract.MerkleNode, error)
}

// Proof is a verifiable inclusion path for one snapshot. Path runs from
// the snapshot content hash through the cycle tree, across the chain
// step, and when the cycle is settled, through the checkpoint tree.
// Folding the path therefore lands on MerkleRoot when CheckpointID is
// set, and on CycleRoot otherwise.
type Proof struct {
	SnapshotID          string      `json:"snapshot_id"`
	SnapshotContentHash string      `json:"snapshot_content_hash"`
	CycleID             string      `json:"cycle_id"`
	SnapshotsRoot       string      `json:"snapshots_root"`
	CycleRoot           string      `json:"cycle_root"`
	CheckpointID        *string     `json:"checkpoint_id,omitempty"`
	MerkleRoot          *string     `json:"merkle_root,omitempty"`
	Path                []ProofStep `json:"path"`
}

// Verify folds the path and compares against the strongest root present.
func (p *Proof) Verify() bool {
	var expected = p.CycleRoot
	if p.MerkleRoot != nil {
		expected = *p.MerkleRoot
	}
	return Verify(p.SnapshotContentHash, p.Path, expected)
}

// Service assembles proofs from persisted trees.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Proof builds the inclusion proof for a snapshot. Fails with
// ErrNotCommitted when the snapshot was never folded into a cycle.
func (s *Service) Proof(ctx context.Context, snapshotID string) (*Proof, error) {
	var leaf, err = s.store.NodeBySnapshotID(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("loading merkle leaf for snapshot %s: %w", snapshotID, err)
	}
	if leaf == nil || leaf.CycleID == nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotCommitted)
	}

	cycle, err := s.store.MerkleCycle(ctx, *leaf.CycleID)
	if err != nil {
		return nil, fmt.Errorf("loading cycle %s: %w", *leaf.CycleID, err)
	}
	if cycle == nil {
		return nil, fmt.Errorf("cycle %s missing for snapshot %s", *leaf.CycleID, snapshotID)
	}

	records, err := s.store.CycleNodes(ctx, cycle.ID)
	if err != nil {
		return nil, fmt.Errorf("loading cycle tree %s: %w", cycle.ID, err)
	}
	tree, err := Reconstruct(records)
	if err != nil {
		return nil, fmt.Errorf("rebuilding cycle tree %s: %w", cycle.ID, err)
	}
	if tree == nil {
		return nil, fmt.Errorf("cycle %s has no persisted tree", cycle.ID)
	}

	var proof = &Proof{
		SnapshotID:          snapshotID,
		SnapshotContentHash: leaf.Hash,
		CycleID:             cycle.ID,
		SnapshotsRoot:       cycle.SnapshotsRoot,
		CycleRoot:           cycle.ChainedRoot,
		Path:                tree.Proof(leaf.Hash),
	}

	// The chain step turns the snapshots root into the chained root.
	var prevRoot = ""
	if cycle.PreviousCycleRoot != nil {
		prevRoot = *cycle.PreviousCycleRoot
	}
	proof.Path = append(proof.Path, ProofStep{Hash: prevRoot, Position: SideLeft})

	if err := s.extendThroughCheckpoint(ctx, proof, cycle.ChainedRoot); err != nil {
		return nil, err
	}

	if !proof.Verify() {
		return nil, fmt.Errorf("proof reconstruction mismatch for snapshot %s", snapshotID)
	}
	return proof, nil
}

// extendThroughCheckpoint continues the path into the settlement tree
// when some checkpoint already covers the cycle's chained root.
func (s *Service) extendThroughCheckpoint(ctx context.Context, proof *Proof, chainedRoot string) error {
	var leaf, err = s.store.CheckpointLeafByHash(ctx, chainedRoot)
	if err != nil {
		return fmt.Errorf("looking up checkpoint leaf: %w", err)
	}
	if leaf == nil || leaf.CheckpointID == nil {
		return nil
	}
	records, err := s.store.CheckpointNodes(ctx, *leaf.CheckpointID)
	if err != nil {
		return fmt.Errorf("loading checkpoint tree %s: %w", *leaf.CheckpointID, err)
	}
	tree, err := Reconstruct(records)
	if err != nil {
		return fmt.Errorf("rebuilding checkpoint tree %s: %w", *leaf.CheckpointID, err)
	}
	if tree == nil {
		return nil
	}
	proof.Path = append(proof.Path, tree.Proof(chainedRoot)...)
	proof.CheckpointID = leaf.CheckpointID
	proof.MerkleRoot = &tree.Root.Hash
	return nil
}

// Reconstruct rebuilds an in-memory tree from persisted rows using the
// child id links. Returns nil for an empty row set.
func Reconstruct(records []contract.MerkleNode) (*Tree, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var ordered = make([]contract.MerkleNode, len(records))
	copy(ordered, records)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Level != ordered[j].Level {
			return ordered[i].Level < ordered[j].Level
		}
		return ordered[i].Position < ordered[j].Position
	})

	var byID = make(map[string]*Node, len(ordered))
	for _, r := range ordered {
		var n = &Node{Hash: r.Hash, Level: r.Level, Position: r.Position}
		if r.SnapshotID != nil {
			n.SnapshotID = *r.SnapshotID
		}
		if r.SnapshotContentHash != nil {
			n.SnapshotContentHash = *r.SnapshotContentHash
		}
		byID[r.ID] = n
	}

	var t = &Tree{parents: make(map[*Node]*Node)}
	for _, r := range ordered {
		var n = byID[r.ID]
		if r.LeftChildID != nil && r.RightChildID != nil {
			var left, ok = byID[*r.LeftChildID]
			if !ok {
				return nil, fmt.Errorf("node %s references missing child %s", r.ID, *r.LeftChildID)
			}
			right, ok := byID[*r.RightChildID]
			if !ok {
				return nil, fmt.Errorf("node %s references missing child %s", r.ID, *r.RightChildID)
			}
			n.Left, n.Right = left, right
			t.parents[left] = n
			t.parents[right] = n
		}
		t.Nodes = append(t.Nodes, n)
	}
	t.Root = t.Nodes[len(t.Nodes)-1]
	if _, claimed := t.parents[t.Root]; claimed {
		return nil, fmt.Errorf("persisted tree has no root node")
	}
	return t, nil
}
