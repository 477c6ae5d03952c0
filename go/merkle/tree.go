package merkle

import (
	"sort"
)

// Node is one position in a built tree. Leaves sit at level 0; the root
// is the single node at the highest level. When a level has an odd node
// count the last node is paired with itself, so a parent's Left and
// Right may reference the same child.
type Node struct {
	Hash     string
	Level    int
	Position int
	Left     *Node
	Right    *Node

	// Leaf provenance, empty on interior nodes.
	SnapshotID          string
	SnapshotContentHash string
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left == nil && n.Right == nil }

// Tree is a fully built Merkle tree. Nodes holds every distinct node,
// leaves first, root last.
type Tree struct {
	Nodes []*Node
	Root  *Node

	parents map[*Node]*Node
}

// Leaf describes one input to Build. Leaves are sorted by Key before
// hashing so the root is independent of input order.
type Leaf struct {
	Key        string
	Hash       string
	SnapshotID string
}

// Build constructs the tree bottom-up. A nil or empty leaf set returns a
// nil tree; callers represent that state with EmptyRoot.
func Build(leaves []Leaf) *Tree {
	if len(leaves) == 0 {
		return nil
	}
	var ordered = make([]Leaf, len(leaves))
	copy(ordered, leaves)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })

	var level = make([]*Node, 0, len(ordered))
	for i, lf := range ordered {
		level = append(level, &Node{
			Hash:                lf.Hash,
			Level:               0,
			Position:            i,
			SnapshotID:          lf.SnapshotID,
			SnapshotContentHash: lf.Hash,
		})
	}

	var t = &Tree{
		Nodes:   append([]*Node{}, level...),
		parents: make(map[*Node]*Node),
	}
	var depth = 0
	for len(level) > 1 {
		depth++
		var next = make([]*Node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var left = level[i]
			var right = left
			if i+1 < len(level) {
				right = level[i+1]
			}
			var parent = &Node{
				Hash:     HashConcat(left.Hash, right.Hash),
				Level:    depth,
				Position: i / 2,
				Left:     left,
				Right:    right,
			}
			t.parents[left] = parent
			t.parents[right] = parent
			next = append(next, parent)
			t.Nodes = append(t.Nodes, parent)
		}
		level = next
	}
	t.Root = level[0]
	return t
}

// ProofStep is one hop of an inclusion path. Hash is the sibling digest
// and Position names the side the sibling occupies, so verification
// knows the concatenation order.
type ProofStep struct {
	Hash     string `json:"hash"`
	Position string `json:"position"`
}

const (
	// SideLeft marks a sibling hashed before the running digest.
	SideLeft = "left"
	// SideRight marks a sibling hashed after the running digest.
	SideRight = "right"
)

// Proof returns the path from the leaf carrying hash up to the root. A
// self-paired node contributes its own hash as a right sibling. Returns
// nil when the hash is not a leaf of this tree.
func (t *Tree) Proof(leafHash string) []ProofStep {
	if t == nil {
		return nil
	}
	var current *Node
	for _, n := range t.Nodes {
		if n.IsLeaf() && n.Hash == leafHash {
			current = n
			break
		}
	}
	if current == nil {
		return nil
	}
	var path = []ProofStep{}
	for current != t.Root {
		var parent, ok = t.parents[current]
		if !ok {
			return nil
		}
		if parent.Left == current {
			path = append(path, ProofStep{Hash: parent.Right.Hash, Position: SideRight})
		} else {
			path = append(path, ProofStep{Hash: parent.Left.Hash, Position: SideLeft})
		}
		current = parent
	}
	return path
}

// Verify folds a leaf hash through a proof path and compares the result
// with the expected root.
func Verify(leafHash string, path []ProofStep, expectedRoot string) bool {
	var current = leafHash
	for _, step := range path {
		if step.Position == SideRight {
			current = HashConcat(current, step.Hash)
		} else {
			current = HashConcat(step.Hash, current)
		}
	}
	return current == expectedRoot
}
