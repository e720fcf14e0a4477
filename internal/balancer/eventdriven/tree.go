package eventdriven

import "github.com/wtmJepsen/mallob/internal/reduction"

// tree wraps one of spec.md §4.H's two overlaid butterfly trees. The
// "normal" tree is rooted at rank 0, exactly as internal/reduction.New
// already arranges it. The "reversed" tree rooted at rank n-1 is obtained
// by running the identical butterfly arithmetic over a mirrored rank space
// (virtual = n-1-real, its own inverse) and translating every peer the
// underlying Reduction names back to a real rank before it reaches the
// fabric.
type tree struct {
	n      int
	mirror bool
	red    *reduction.Reduction
}

func newTree(real, n int, mirror bool, local reduction.Reducible) *tree {
	return &tree{
		n:      n,
		mirror: mirror,
		red:    reduction.New(mirrorRank(real, n, mirror), n, nil, local),
	}
}

func mirrorRank(rank, n int, mirror bool) int {
	if !mirror {
		return rank
	}
	return n - 1 - rank
}

// toReal and toVirtual are the same involution: mirroring twice is
// identity, so one helper serves both directions.
func (t *tree) toReal(virtual int) int { return mirrorRank(virtual, t.n, t.mirror) }
func (t *tree) toVirtual(real int) int { return mirrorRank(real, t.n, t.mirror) }
