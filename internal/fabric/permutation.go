package fabric

import "math/rand"

// Permutation is a deterministic bijection of {0..n-1} parameterised by an
// integer seed (spec.md §4.A). The same seed always yields the same
// ordering on the same n, which is what lets every worker independently
// derive the same bounce-candidate set or diversification seed without
// exchanging it over the wire.
type Permutation struct {
	order []int
	seed  int64
	n     int
}

// NewPermutation builds the permutation of {0..n-1} for the given seed using
// a Fisher-Yates shuffle driven by a seeded PRNG. Any bijection would
// satisfy the contract in spec.md §4.A; Fisher-Yates is the straightforward
// choice that is trivially uniform over all n! orderings.
func NewPermutation(seed int64, n int) *Permutation {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	rng := rand.New(rand.NewSource(seed))
	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	return &Permutation{order: order, seed: seed, n: n}
}

// Get returns the i-th element of the permutation.
func (p *Permutation) Get(i int) int {
	return p.order[i%p.n]
}

// IndexOf returns the position of rank within the permutation, i.e. the
// inverse of Get.
func (p *Permutation) IndexOf(rank int) int {
	for i, r := range p.order {
		if r == rank {
			return i
		}
	}
	return -1
}

// Len returns n, the size of the permuted set.
func (p *Permutation) Len() int {
	return p.n
}

// GlobalSeed derives the seed used for the fleet-wide worker ordering:
// fixed across all workers and all calls, used e.g. by the derandomized
// bounce-alternative computation (spec.md §4.F) to agree on one shared
// ordering without communication.
func GlobalSeed() int64 {
	return 0x6d616c6c6f62 // "mallob" in hex, an arbitrary fixed constant
}

// RequestSeed derives the per-request derandomisation seed from the job id,
// the requested tree index, the requesting rank, and the request's current
// hop count (spec.md §4.A, §4.F: "computed from (job_id, requested_index,
// requesting_rank) offset by num_hops"). Mixing in num_hops means each hop
// of the same request's walk draws a fresh permutation instead of
// recomputing the same one, turning the bounce target choice into a real
// per-hop random walk rather than a fixed traversal.
func RequestSeed(jobID uint32, requestedIndex int, requestingRank int, numHops int) int64 {
	h := uint64(jobID)
	h = h*1000003 + uint64(uint32(requestedIndex))
	h = h*1000003 + uint64(uint32(requestingRank))
	h = h*1000003 + uint64(uint32(numHops))
	return int64(h)
}
