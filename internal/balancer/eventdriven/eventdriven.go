// Package eventdriven implements spec.md §4.H's asynchronous event-driven
// balancer: an EventMap of per-job (demand, priority) kept eventually
// consistent across the fleet by two overlaid butterfly reduction trees,
// with every rank locally and deterministically recomputing volumes
// whenever its view changes. Grounded on the same teacher
// `common/scheduling/policy` shape as internal/balancer/cutoff, but
// driven by EventMap propagation instead of a synchronous round.
package eventdriven

import (
	"fmt"
	"math"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/balancer/fairshare"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/reduction"
)

const (
	treeNormal   byte = 0
	treeReversed byte = 1

	// gcDelay is how many completed propagation rounds a termination event
	// must survive before it is dropped from the local EventMap, giving it
	// time to circulate to every rank first.
	gcDelay = 3
)

// Balancer drives spec.md §4.H's continuous EventMap propagation and local
// fair-share recomputation.
type Balancer struct {
	rank       int
	fleetSize  int
	loadFactor float64

	known *EventMap

	// lastSnapshot/localEpoch track this rank's own jobs so Begin can tell
	// which of them actually changed and needs a fresh epoch.
	lastSnapshot map[uint32]balancer.JobInfo
	localEpoch   map[uint32]int64

	normal, reversed    *tree
	ringNormal          broadcastRing
	ringReversed        broadcastRing
	normalDone, revDone bool

	zeroRound map[uint32]int // job id -> round it was first seen terminated
	round     int

	volumes map[uint32]int
	done    bool

	log logger.Logger
}

// New creates an event-driven Balancer for this worker.
func New(rank, fleetSize int, loadFactor float64) *Balancer {
	b := &Balancer{
		rank:         rank,
		fleetSize:    fleetSize,
		loadFactor:   loadFactor,
		known:        NewEventMap(),
		lastSnapshot: make(map[uint32]balancer.JobInfo),
		localEpoch:   make(map[uint32]int64),
		zeroRound:    make(map[uint32]int),
		done:         true,
	}
	goutilscfg.InitLogger(&b.log, b)
	return b
}

func (b *Balancer) String() string {
	return "eventdriven.Balancer"
}

// Begin records this rank's current jobs, bumping the epoch (and starting
// a propagation round) for any that are new or changed since the previous
// call. Jobs already reflected in the known EventMap produce no traffic --
// this is the asynchronous algorithm's whole point, unlike cutoff's every-
// round all-reduce.
func (b *Balancer) Begin(jobs []balancer.JobInfo) {
	diff := NewEventMap()
	seen := make(map[uint32]bool, len(jobs))
	for _, j := range jobs {
		seen[j.JobID] = true
		prev, ok := b.lastSnapshot[j.JobID]
		if ok && prev.Demand == j.Demand && prev.Priority == j.Priority {
			continue
		}
		b.localEpoch[j.JobID]++
		e := Event{JobID: j.JobID, Epoch: b.localEpoch[j.JobID], Demand: int32(j.Demand), Priority: j.Priority}
		b.known.InsertIfNovel(e)
		diff.InsertIfNovel(e)
		b.lastSnapshot[j.JobID] = j
	}
	for id := range b.lastSnapshot {
		if !seen[id] {
			delete(b.lastSnapshot, id)
		}
	}

	b.recomputeVolumes()
	b.startRoundIfNeeded(diff)
}

// Forget emits a termination event for jobID (spec.md §4.H's "demand=0 ∧
// priority=0 at a new epoch") and starts a round to propagate it.
func (b *Balancer) Forget(jobID uint32) {
	delete(b.lastSnapshot, jobID)
	b.localEpoch[jobID]++
	e := Event{JobID: jobID, Epoch: b.localEpoch[jobID], Demand: 0, Priority: 0}
	if !b.known.InsertIfNovel(e) {
		return
	}
	delete(b.volumes, jobID)

	diff := NewEventMap()
	diff.InsertIfNovel(e)
	b.startRoundIfNeeded(diff)
}

func (b *Balancer) startRoundIfNeeded(diff *EventMap) {
	if b.normal != nil || b.reversed != nil {
		// A round is already in flight; its eventual broadcast carries
		// the full known map, so this diff will be subsumed.
		return
	}
	diff = b.ringNormal.filter(b.ringReversed.filter(diff))
	if diff.Len() == 0 {
		b.done = true
		return
	}

	localNormal := diff.Clone()
	localReversed := diff.Clone()
	b.normal = newTree(b.rank, b.fleetSize, false, localNormal)
	b.reversed = newTree(b.rank, b.fleetSize, true, localReversed)
	b.normalDone = false
	b.revDone = false
	b.done = false
}

// CanContinue reports whether either tree has a pending fabric operation.
// Like internal/balancer/cutoff, it must not call NextReduceOp/
// NextBroadcastOp itself -- those mutate step cursors -- so it only checks
// whether a round is in flight at all.
func (b *Balancer) CanContinue() bool {
	return b.normal != nil || b.reversed != nil
}

// Continue drives both trees' pending fabric operations.
func (b *Balancer) Continue(send balancer.Send) error {
	if b.normal != nil && !b.normalDone {
		if err := b.stepTree(b.normal, &b.ringNormal, treeNormal, send, &b.normalDone); err != nil {
			return err
		}
	}
	if b.reversed != nil && !b.revDone {
		if err := b.stepTree(b.reversed, &b.ringReversed, treeReversed, send, &b.revDone); err != nil {
			return err
		}
	}
	if b.normalDone && b.revDone && b.normal != nil {
		return b.finishRound()
	}
	return nil
}

func (b *Balancer) stepTree(t *tree, ring *broadcastRing, treeID byte, send balancer.Send, doneFlag *bool) error {
	switch t.red.Phase() {
	case reduction.PhaseReducing:
		op := t.red.NextReduceOp()
		if op == nil {
			t.red.BeginBroadcast()
			return b.stepTree(t, ring, treeID, send, doneFlag)
		}
		if op.Send {
			payload, err := t.red.Value().Serialize()
			if err != nil {
				return err
			}
			return send(t.toReal(op.Peer), fabric.AnytimeReduction, packTree(treeID, payload))
		}
		return nil
	case reduction.PhaseBroadcasting:
		op := t.red.NextBroadcastOp()
		if op == nil {
			ring.push(t.red.Value().(*EventMap).Clone().(*EventMap))
			*doneFlag = true
			return nil
		}
		if op.Send {
			payload, err := t.red.Value().Serialize()
			if err != nil {
				return err
			}
			return send(t.toReal(op.Peer), fabric.AnytimeBroadcast, packTree(treeID, payload))
		}
		return nil
	default:
		*doneFlag = true
		return nil
	}
}

// HandleMessage routes one received reduce/broadcast payload to whichever
// tree it names.
func (b *Balancer) HandleMessage(from int, tag fabric.Tag, payload []byte) error {
	treeID, rest, err := unpackTree(payload)
	if err != nil {
		return err
	}
	var t *tree
	switch treeID {
	case treeNormal:
		t = b.normal
	case treeReversed:
		t = b.reversed
	default:
		return fmt.Errorf("eventdriven: unknown tree id %d", treeID)
	}
	if t == nil {
		return nil
	}
	virtual := t.toVirtual(from)
	switch {
	case tag == fabric.AnytimeReduction && t.red.Phase() == reduction.PhaseReducing:
		return t.red.AdvanceReduce(virtual, rest)
	case tag == fabric.AnytimeBroadcast && t.red.Phase() == reduction.PhaseBroadcasting:
		return t.red.AdvanceBroadcast(rest)
	}
	return nil
}

func (b *Balancer) finishRound() error {
	merged := NewEventMap()
	merged.Merge(b.normal.red.Value().(*EventMap))
	merged.Merge(b.reversed.red.Value().(*EventMap))
	b.known.Merge(merged)

	b.normal, b.reversed = nil, nil
	b.round++
	b.gc()
	b.recomputeVolumes()
	b.done = true
	return nil
}

// gc drops termination events that have survived gcDelay completed rounds,
// per spec.md §4.H's "garbage step periodically removes such entries after
// they have circulated".
func (b *Balancer) gc() {
	for _, id := range b.known.TerminatedJobs() {
		if _, tracked := b.zeroRound[id]; !tracked {
			b.zeroRound[id] = b.round
			continue
		}
		if b.round-b.zeroRound[id] >= gcDelay {
			b.known.Delete(id)
			delete(b.zeroRound, id)
		}
	}
}

// recomputeVolumes runs spec.md §4.G steps 2-3 locally over every
// currently-known non-terminated job, per §4.H's "recomputes volumes by
// running the same fair-share computation as §4.G steps 2-3, treating all
// currently-known jobs as participants". No bisection rounding is applied
// here: volumes are emitted immediately as the floor of the adjusted
// fractional share, which is why §4.H accepts ±1 oscillation instead of
// paying for a synchronized rounding round.
func (b *Balancer) recomputeVolumes() {
	type job struct {
		id       uint32
		demand   int
		priority float64
	}
	var jobs []job
	var weighted float64
	byPriority := map[float64]float64{}
	activeJobs := 0
	b.known.Each(func(e Event) {
		if e.IsTermination() {
			return
		}
		activeJobs++
		d := int(e.Demand)
		jobs = append(jobs, job{id: e.JobID, demand: d, priority: e.Priority})
		if d > 1 {
			weighted += float64(d-1) * e.Priority
		}
		byPriority[e.Priority] += float64(d)
	})

	remaining := float64(b.fleetSize)*b.loadFactor - float64(activeJobs)

	hist := make(fairshare.Histogram, 0, len(byPriority))
	for p, d := range byPriority {
		hist = append(hist, fairshare.Bucket{Priority: p, Demanded: d})
	}
	hist.SortDescending()

	volumes := make(map[uint32]int, len(jobs))
	for _, j := range jobs {
		provisional := fairshare.AssignFair(j.demand, j.priority, b.fleetSize, b.loadFactor, activeJobs, weighted)
		adjusted := fairshare.AdjustAssignment(provisional, float64(j.demand), j.priority, hist, remaining)
		v := int(math.Floor(adjusted))
		if v < 1 {
			v = 1
		}
		volumes[j.id] = v
	}
	b.volumes = volumes
}

// Result returns the latest locally-computed volumes. done is true
// whenever no propagation round is currently in flight -- the volumes
// reflect this rank's most recent view, which is always immediately
// usable per spec.md §4.H's "volumes are emitted immediately".
func (b *Balancer) Result() (map[uint32]int, bool) {
	return b.volumes, b.done
}

func packTree(id byte, payload []byte) []byte {
	return append([]byte{id}, payload...)
}

func unpackTree(payload []byte) (byte, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("eventdriven: payload too short for tree id")
	}
	return payload[0], payload[1:], nil
}
