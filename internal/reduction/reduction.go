// Package reduction implements the butterfly reduce-then-broadcast
// primitive of spec.md §4.C: a single-shot, step-advance-on-message state
// machine that merges a Reducible value across an arbitrary subset of
// fabric ranks and broadcasts the merged result back out.
package reduction

import (
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// Reducible is anything with a commutative, associative, and idempotent
// merge (a join-semilattice) plus a serialise/deserialise pair -- the shape
// spec.md §3 describes for EventMap (merge is point-wise dominance-
// maximum, which is idempotent: merging the same map twice is a no-op).
// Idempotence is what lets AdvanceBroadcast re-use the same MergeFrom the
// reduce half uses: the broadcast payload is the join of every
// contribution including the receiver's own, so merging it into a partial
// local value is equivalent to overwriting with it (spec.md §8 property 3).
// A plain accumulator (e.g. integer sum) is commutative and associative
// but NOT idempotent, and is therefore not a valid Reducible for this
// primitive -- see reduction_test.go for how scenario S4's "sum" example
// is expressed as an idempotent union-of-contributions instead.
type Reducible interface {
	// Serialize encodes the value to bytes for transmission.
	Serialize() ([]byte, error)
	// MergeFrom deserialises data and merges it into the receiver in place.
	MergeFrom(data []byte) error
	// Clone returns a deep copy, used when seeding per-step scratch state.
	Clone() Reducible
}

// Phase distinguishes the two halves of a single reduce-then-broadcast
// cycle.
type Phase int

const (
	PhaseReducing Phase = iota
	PhaseBroadcasting
	PhaseDone
)

// PendingOp describes the one fabric operation the caller must perform
// next to advance the reduction: either send the local value to peer, or
// wait for a receive from peer. A nil PendingOp means the rank has nothing
// left to do this phase.
type PendingOp struct {
	Send bool // true: send to Peer; false: receive from Peer
	Peer int
}

// Reduction drives one butterfly reduce-then-broadcast over the set of
// ranks {0..n-1} minus Excluded, following spec.md §4.C exactly: at step k
// (successive powers of two, k=2,4,... >= n), rank r sends to r-k/2 iff
// r mod k == k/2, otherwise receives from r+k/2 iff r mod k == 0 and
// r+k/2 < n. Excluded ranks are skipped on both sides.
type Reduction struct {
	rank     int
	n        int
	excluded map[int]bool

	phase Phase
	k     int // current butterfly step during reduction
	// steps records the powers-of-two sequence so PhaseBroadcasting can
	// replay it in reverse.
	steps []int
	bcIdx int

	value Reducible

	// contributed records which ranks' values are already merged into
	// value. Nothing in this package reads it back; empty contributors are
	// excluded only through MarkEmpty.
	contributed map[int]bool

	log logger.Logger
}

// New starts a reduction of local (the caller's own contribution) among
// ranks {0..n-1}, skipping excluded.
func New(rank, n int, excluded map[int]bool, local Reducible) *Reduction {
	if excluded == nil {
		excluded = map[int]bool{}
	}
	r := &Reduction{
		rank:        rank,
		n:           n,
		excluded:    excluded,
		phase:       PhaseReducing,
		value:       local,
		contributed: map[int]bool{rank: true},
	}
	config.InitLogger(&r.log, r)

	for k := 2; k/2 < n; k *= 2 {
		r.steps = append(r.steps, k)
	}
	r.k = 0
	return r
}

func (r *Reduction) String() string {
	return fmt.Sprintf("Reduction[rank=%d,n=%d,phase=%v]", r.rank, r.n, r.phase)
}

// Value returns the reducible's current state. During PhaseReducing this
// is only meaningful for ranks that have completed reduction; once Phase
// is PhaseDone every non-excluded rank holds the full merge, per spec.md
// §8 property 3.
func (r *Reduction) Value() Reducible {
	return r.value
}

func (r *Reduction) Phase() Phase {
	return r.phase
}

// excludedNow reports whether rank is currently excluded, either because
// it was passed in at construction or because MarkEmpty was called for it.
func (r *Reduction) excludedNow(rank int) bool {
	return r.excluded[rank]
}

// NextReduceOp computes the next fabric operation the caller must perform for
// the reduce half. Returns nil once the receiver's participation in the
// reduce half is finished (it is either a forwarding node with nothing
// more to send, or it has reached the root of its subtree).
func (r *Reduction) NextReduceOp() *PendingOp {
	for r.k < len(r.steps) {
		k := r.steps[r.k]
		mod := r.rank % k
		switch {
		case mod == k/2:
			r.k++
			peer := r.rank - k/2
			if r.excludedNow(peer) {
				continue
			}
			return &PendingOp{Send: true, Peer: peer}
		case mod == 0:
			peer := r.rank + k/2
			if peer >= r.n || r.excludedNow(peer) {
				r.k++
				continue
			}
			return &PendingOp{Send: false, Peer: peer}
		default:
			r.k++
		}
	}
	return nil
}

// AdvanceReduce deserialises a received payload from peer and merges it
// into the local value, then advances past the step that produced this
// receive (spec.md §4.C "advance_reduction(handle) deserialises the
// received value, merges into the local, and advances").
func (r *Reduction) AdvanceReduce(peer int, payload []byte) error {
	if err := r.value.MergeFrom(payload); err != nil {
		return fmt.Errorf("reduction: merge from rank %d: %w", peer, err)
	}
	r.contributed[peer] = true
	r.k++
	return nil
}

// MarkEmpty records that peer contributed nothing this round (e.g. it had
// no local jobs), so the broadcast half will skip it.
func (r *Reduction) MarkEmpty(peer int) {
	r.excluded[peer] = true
}

// BeginBroadcast switches the state machine to the inverse (broadcast)
// tree, replaying the same power-of-two steps in reverse (spec.md §4.C
// "start_broadcast/advance_broadcast run the inverse tree").
func (r *Reduction) BeginBroadcast() {
	r.phase = PhaseBroadcasting
	r.bcIdx = len(r.steps) - 1
}

// NextBroadcastOp mirrors NextReduceOp for the inverse tree: the rank that
// was a "sender" during reduce becomes a "receiver" during broadcast, and
// vice versa.
func (r *Reduction) NextBroadcastOp() *PendingOp {
	for r.bcIdx >= 0 {
		k := r.steps[r.bcIdx]
		mod := r.rank % k
		switch {
		case mod == k/2:
			peer := r.rank - k/2
			if r.excludedNow(peer) {
				r.bcIdx--
				continue
			}
			return &PendingOp{Send: false, Peer: peer}
		case mod == 0:
			peer := r.rank + k/2
			if peer >= r.n || r.excludedNow(peer) {
				r.bcIdx--
				continue
			}
			r.bcIdx--
			return &PendingOp{Send: true, Peer: peer}
		default:
			r.bcIdx--
		}
	}
	r.phase = PhaseDone
	return nil
}

// AdvanceBroadcast deserialises the broadcast payload from the parent into
// the local value (a plain overwrite-merge, since the broadcast carries
// the authoritative final value) and moves past this rank's receive step.
func (r *Reduction) AdvanceBroadcast(payload []byte) error {
	if err := r.value.MergeFrom(payload); err != nil {
		return fmt.Errorf("reduction: broadcast merge: %w", err)
	}
	// The payload can arrive before NextBroadcastOp has walked past this
	// rank's non-participating steps, so skip to the receive step first.
	for r.bcIdx >= 0 {
		k := r.steps[r.bcIdx]
		if r.rank%k == k/2 {
			break
		}
		r.bcIdx--
	}
	r.bcIdx--
	return nil
}
