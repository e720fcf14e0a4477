// Package jobtree implements the per-job, per-worker view of a job's
// binary heap of workers (spec.md §3 JobTree, §4.D).
package jobtree

// Side picks between a node's two children.
type Side int

const (
	Left Side = iota
	Right
)

// ChildIndex returns the implicit-heap index of i's left or right child:
// 2i+1 (left) or 2i+2 (right), per spec.md §4.D.
func ChildIndex(i int, side Side) int {
	if side == Left {
		return 2*i + 1
	}
	return 2*i + 2
}

// ParentIndex returns the implicit-heap index of i's parent. The root (i=0)
// has no parent; callers must check IsRoot first.
func ParentIndex(i int) int {
	return (i - 1) / 2
}

// Tree is one worker's local view of its position within a single job's
// binary heap of workers. The heap maps index -> rank via a permutation
// fixed for the job's lifetime (spec.md §3: "a deterministic per-job
// permutation seeded by job id"); Tree only stores the ranks this worker
// has actually learned about (its own position, parent, and direct
// children), not the whole tree.
type Tree struct {
	JobID int
	// Index is this worker's position in the job's implicit heap. 0 means
	// this worker is the root.
	Index int

	RootRank   int
	ParentRank int // meaningless (and unused) when Index == 0

	hasLeft  bool
	leftRank int

	hasRight  bool
	rightRank int

	// PastChildren holds ranks that defected (spec.md §3) and must still
	// receive terminal signals (Terminate/Abort) before the entry can be
	// dropped.
	PastChildren map[int]bool
}

// New creates a Tree for a worker newly adopting index within jobID's tree,
// rooted at rootRank, whose parent is parentRank.
func New(jobID, index, rootRank, parentRank int) *Tree {
	return &Tree{
		JobID:        jobID,
		Index:        index,
		RootRank:     rootRank,
		ParentRank:   parentRank,
		PastChildren: make(map[int]bool),
	}
}

// IsRoot reports whether this worker is the job's root (index 0).
func (t *Tree) IsRoot() bool {
	return t.Index == 0
}

// IsLeaf reports whether this worker currently has no children -- "neither
// child set", per spec.md §4.D.
func (t *Tree) IsLeaf() bool {
	return !t.hasLeft && !t.hasRight
}

// LeftChildRank returns the rank occupying the left-child index, if known.
func (t *Tree) LeftChildRank() (int, bool) {
	return t.leftRank, t.hasLeft
}

// RightChildRank returns the rank occupying the right-child index, if
// known.
func (t *Tree) RightChildRank() (int, bool) {
	return t.rightRank, t.hasRight
}

// SetLeftChild records that rank now occupies this node's left child.
func (t *Tree) SetLeftChild(rank int) {
	t.hasLeft = true
	t.leftRank = rank
}

// SetRightChild records that rank now occupies this node's right child.
func (t *Tree) SetRightChild(rank int) {
	t.hasRight = true
	t.rightRank = rank
}

// UnsetLeftChild drops the left-child link, e.g. because that child
// defected or was shrunk away.
func (t *Tree) UnsetLeftChild() {
	t.hasLeft = false
	t.leftRank = 0
}

// UnsetRightChild drops the right-child link.
func (t *Tree) UnsetRightChild() {
	t.hasRight = false
	t.rightRank = 0
}

// Children returns every currently-known child rank, in left-then-right
// order. Used by components (the clause overlay, Terminate/Abort fan-out)
// that need to act on "all live children" without caring which side.
func (t *Tree) Children() []int {
	var out []int
	if t.hasLeft {
		out = append(out, t.leftRank)
	}
	if t.hasRight {
		out = append(out, t.rightRank)
	}
	return out
}

// MarkDefected moves rank from "live child" to PastChildren: it must still
// receive terminal signals (spec.md §4.E) but is no longer part of the
// active tree.
func (t *Tree) MarkDefected(rank int) {
	if t.hasLeft && t.leftRank == rank {
		t.UnsetLeftChild()
	}
	if t.hasRight && t.rightRank == rank {
		t.UnsetRightChild()
	}
	t.PastChildren[rank] = true
}

// AckPastChild drops rank from PastChildren once it has acknowledged a
// terminal signal, so the set stays bounded by the tree's depth rather
// than growing unboundedly over the job's lifetime (spec.md §9).
func (t *Tree) AckPastChild(rank int) {
	delete(t.PastChildren, rank)
}
