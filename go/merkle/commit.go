package merkle

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// BuildCycle assembles the Merkle cycle for one score pass: a tree over
// the snapshots' content hashes keyed by model, chained onto the
// previous cycle. A pass with no snapshots still yields a cycle, rooted
// at EmptyRoot, so the chain never stalls. The returned nodes are ready
// to persist in the same transaction as the snapshots.
func BuildCycle(prev *contract.MerkleCycle, snapshots []contract.Snapshot, at time.Time) (contract.MerkleCycle, []contract.MerkleNode, error) {
	var leaves = make([]Leaf, 0, len(snapshots))
	for _, s := range snapshots {
		var hash = s.ContentHash
		if hash == "" {
			var err error
			if hash, err = SnapshotHash(s); err != nil {
				return contract.MerkleCycle{}, nil, err
			}
		}
		leaves = append(leaves, Leaf{Key: s.ModelID, Hash: hash, SnapshotID: s.ID})
	}

	var tree = Build(leaves)
	var root = EmptyRoot()
	if tree != nil {
		root = tree.Root.Hash
	}

	var cycle = contract.MerkleCycle{
		ID:            contract.NewCycleID(at),
		SnapshotsRoot: root,
		SnapshotCount: len(snapshots),
		CreatedAt:     at,
	}
	var prevRoot = ""
	if prev != nil {
		cycle.PreviousCycleID = lo.ToPtr(prev.ID)
		cycle.PreviousCycleRoot = lo.ToPtr(prev.ChainedRoot)
		prevRoot = prev.ChainedRoot
	}
	cycle.ChainedRoot = ChainRoot(prevRoot, root)

	return cycle, materialize(tree, cycle.ID, lo.ToPtr(cycle.ID), nil, at), nil
}

// BuildCheckpointTree assembles the settlement tree over the chained
// roots of the cycles inside one checkpoint period, ordered by cycle
// creation time. Returns the checkpoint merkle root and the persistable
// nodes. An empty period roots at EmptyRoot with no nodes.
func BuildCheckpointTree(checkpointID string, cycles []contract.MerkleCycle, at time.Time) (string, []contract.MerkleNode) {
	var ordered = make([]contract.MerkleCycle, len(cycles))
	copy(ordered, cycles)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	var leaves = make([]Leaf, 0, len(ordered))
	for i, c := range ordered {
		// Zero-padded keys keep Build's key sort equal to creation order.
		leaves = append(leaves, Leaf{Key: leafOrdinal(i), Hash: c.ChainedRoot})
	}
	var tree = Build(leaves)
	if tree == nil {
		return EmptyRoot(), nil
	}
	return tree.Root.Hash, materialize(tree, checkpointID, nil, lo.ToPtr(checkpointID), at)
}

func leafOrdinal(i int) string {
	var digits = []byte("00000000")
	for p := len(digits) - 1; p >= 0 && i > 0; p-- {
		digits[p] = byte('0' + i%10)
		i /= 10
	}
	return string(digits)
}

// materialize flattens a built tree into persistable rows. A self-paired
// node stores the same child id on both sides, mirroring the in-memory
// shape.
func materialize(t *Tree, ownerID string, cycleID, checkpointID *string, at time.Time) []contract.MerkleNode {
	if t == nil {
		return nil
	}
	var ids = make(map[*Node]string, len(t.Nodes))
	for _, n := range t.Nodes {
		ids[n] = contract.NewMerkleNodeID(ownerID, n.Level, n.Position)
	}
	var out = make([]contract.MerkleNode, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		var rec = contract.MerkleNode{
			ID:           ids[n],
			CycleID:      cycleID,
			CheckpointID: checkpointID,
			Level:        n.Level,
			Position:     n.Position,
			Hash:         n.Hash,
			CreatedAt:    at,
		}
		if n.IsLeaf() {
			if n.SnapshotID != "" {
				rec.SnapshotID = lo.ToPtr(n.SnapshotID)
			}
			rec.SnapshotContentHash = lo.ToPtr(n.Hash)
		} else {
			rec.LeftChildID = lo.ToPtr(ids[n.Left])
			rec.RightChildID = lo.ToPtr(ids[n.Right])
		}
		out = append(out, rec)
	}
	return out
}
