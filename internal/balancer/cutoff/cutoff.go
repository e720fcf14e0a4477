// Package cutoff implements the synchronous cutoff-priority balancer of
// spec.md §4.G: a sequence of butterfly all-reductions, each gated by the
// completion of the previous one, ending in bisection (or probabilistic)
// rounding of the fractional fair-share assignment.
package cutoff

import (
	"math"
	"math/rand"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/balancer/fairshare"
	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/reduction"
)

type stage int

const (
	stageIdle stage = iota
	stageInitialDemand
	stageHistogram
	stageRemainders
	stageDone
)

// Balancer drives one §4.G round to completion; grounded on the teacher's
// `common/scheduling/policy` package's "aggregate cluster state -> per-job
// fair share -> rounding" pipeline shape, and on
// `common/scheduling/resource/manager.go`'s idle/pending/committed
// resource bookkeeping for the fractional-then-rounded assignment table.
type Balancer struct {
	rank       int
	fleetSize  int
	loadFactor float64
	rounding   config.RoundingMode
	rng        *rand.Rand

	st stage

	jobs []balancer.JobInfo

	demandRed *reduction.Reduction
	histRed   *reduction.Reduction
	remRed    *reduction.Reduction

	aggregate  float64
	activeJobs int
	remaining  float64 // headroom: M*L - activeJobs

	provisional map[uint32]float64 // AssignFair output, keyed by job id
	volumes     map[uint32]int
	done        bool

	log logger.Logger
}

// New creates a cutoff-priority Balancer for this worker.
func New(rank, fleetSize int, loadFactor float64, rounding config.RoundingMode) *Balancer {
	b := &Balancer{
		rank:       rank,
		fleetSize:  fleetSize,
		loadFactor: loadFactor,
		rounding:   rounding,
		rng:        rand.New(rand.NewSource(int64(rank) + 1)),
		st:         stageIdle,
	}
	goutilscfg.InitLogger(&b.log, b)
	return b
}

func (b *Balancer) String() string {
	return "cutoff.Balancer"
}

// Begin starts a new round, per spec.md §4.G step 1.
func (b *Balancer) Begin(jobs []balancer.JobInfo) {
	b.jobs = jobs
	b.done = false
	b.volumes = nil

	var weighted float64
	for _, j := range jobs {
		if j.Demand > 1 {
			weighted += float64(j.Demand-1) * j.Priority
		}
	}

	local := newAggregate(b.rank, demandContribution{
		WeightedDemand: weighted,
		Busy:           len(jobs) > 0,
		ActiveJobs:     len(jobs),
	})
	b.demandRed = reduction.New(b.rank, b.fleetSize, nil, &local)
	b.st = stageInitialDemand
}

// CanContinue reports whether the round is in a stage that still has work
// to do. NextReduceOp/NextBroadcastOp are not safe to call here just to
// peek -- they mutate the reduction's step cursor as they skip excluded
// peers, so only Continue (which actually consumes what they return) may
// call them.
func (b *Balancer) CanContinue() bool {
	return b.st != stageIdle && b.st != stageDone
}

// Continue advances whichever reduction is active, sending via send
// whenever the butterfly schedule calls for it.
func (b *Balancer) Continue(send balancer.Send) error {
	switch b.st {
	case stageInitialDemand:
		return b.stepReduction(b.demandRed, fabric.AnytimeReduction, fabric.AnytimeBroadcast, send, b.finishInitialDemand)
	case stageHistogram:
		return b.stepReduction(b.histRed, fabric.AnytimeReduction, fabric.AnytimeBroadcast, send, b.finishHistogram)
	case stageRemainders:
		return b.stepReduction(b.remRed, fabric.AnytimeReduction, fabric.AnytimeBroadcast, send, b.finishRemainders)
	default:
		return nil
	}
}

// stepReduction drives one pending send for r, if any, and checks for
// completion. Receives are driven entirely by HandleMessage, since they
// depend on data arriving over the fabric, not on local readiness.
func (b *Balancer) stepReduction(r *reduction.Reduction, reduceTag, broadcastTag fabric.Tag, send balancer.Send, onDone func() error) error {
	if r == nil {
		return nil
	}
	switch r.Phase() {
	case reduction.PhaseReducing:
		op := r.NextReduceOp()
		if op == nil {
			r.BeginBroadcast()
			return b.stepReduction(r, reduceTag, broadcastTag, send, onDone)
		}
		if op.Send {
			payload, err := r.Value().Serialize()
			if err != nil {
				return err
			}
			return send(op.Peer, reduceTag, payload)
		}
		return nil // awaiting a receive, nothing to send
	case reduction.PhaseBroadcasting:
		op := r.NextBroadcastOp()
		if op == nil {
			return onDone()
		}
		if op.Send {
			payload, err := r.Value().Serialize()
			if err != nil {
				return err
			}
			return send(op.Peer, broadcastTag, payload)
		}
		return nil
	default:
		return onDone()
	}
}

// HandleMessage feeds one received reduction/broadcast payload into
// whichever reduction is currently active.
func (b *Balancer) HandleMessage(from int, tag fabric.Tag, payload []byte) error {
	var r *reduction.Reduction
	switch b.st {
	case stageInitialDemand:
		r = b.demandRed
	case stageHistogram:
		r = b.histRed
	case stageRemainders:
		r = b.remRed
	default:
		return nil
	}
	if r == nil {
		return nil
	}
	switch {
	case tag == fabric.AnytimeReduction && r.Phase() == reduction.PhaseReducing:
		return r.AdvanceReduce(from, payload)
	case tag == fabric.AnytimeBroadcast && r.Phase() == reduction.PhaseBroadcasting:
		return r.AdvanceBroadcast(payload)
	}
	return nil
}

func (b *Balancer) finishInitialDemand() error {
	agg := *b.demandRed.Value().(*aggregateReducible)
	aggregate, _, activeJobs := agg.Totals()
	b.aggregate = aggregate
	b.activeJobs = activeJobs
	b.remaining = float64(b.fleetSize)*b.loadFactor - float64(activeJobs)

	b.provisional = make(map[uint32]float64, len(b.jobs))
	byPriority := map[float64]float64{}
	for _, j := range b.jobs {
		a := fairshare.AssignFair(j.Demand, j.Priority, b.fleetSize, b.loadFactor, activeJobs, aggregate)
		b.provisional[j.JobID] = a
		byPriority[j.Priority] += float64(j.Demand)
	}

	buckets := make([]fairshare.Bucket, 0, len(byPriority))
	for p, d := range byPriority {
		buckets = append(buckets, fairshare.Bucket{Priority: p, Demanded: d})
	}
	local := newHistogram(b.rank, buckets)
	b.histRed = reduction.New(b.rank, b.fleetSize, nil, &local)
	b.st = stageHistogram
	return nil
}

func (b *Balancer) finishHistogram() error {
	hist := b.histRed.Value().(*histogramReducible).Merged()

	adjusted := make(map[uint32]float64, len(b.jobs))
	var floorSum float64
	var remainders []fairshare.Remainder
	for _, j := range b.jobs {
		current := b.provisional[j.JobID]
		a := fairshare.AdjustAssignment(current, float64(j.Demand), j.Priority, hist, b.remaining)
		adjusted[j.JobID] = a
		floor := math.Floor(a)
		floorSum += floor
		if frac := a - floor; frac > 0 && frac < 1 {
			remainders = append(remainders, fairshare.Remainder{JobID: j.JobID, Frac: frac})
		}
	}
	b.provisional = adjusted

	local := newRemainders(b.rank, remainderContribution{Remainders: remainders, FloorSum: floorSum})
	b.remRed = reduction.New(b.rank, b.fleetSize, nil, &local)
	b.st = stageRemainders
	return nil
}

func (b *Balancer) finishRemainders() error {
	merged := *b.remRed.Value().(*remainderReducible)
	allRemainders, fleetFloorSum := merged.Flatten()

	capacity := float64(b.fleetSize) * b.loadFactor
	roundUp := make(map[uint32]bool, len(allRemainders))

	if b.rounding == config.RoundingProbabilistic {
		for _, r := range allRemainders {
			if fairshare.ProbabilisticRound(r.Frac, b.rng.Float64) {
				roundUp[r.JobID] = true
			}
		}
	} else {
		fracs := make([]float64, len(allRemainders))
		for i, r := range allRemainders {
			fracs[i] = r.Frac
		}
		utilAt := func(t float64) float64 {
			n := 0.0
			for _, f := range fracs {
				if f >= t {
					n++
				}
			}
			return fleetFloorSum + n
		}
		threshold := fairshare.BisectionThreshold(fracs, capacity, utilAt)
		for _, r := range allRemainders {
			if r.Frac >= threshold {
				roundUp[r.JobID] = true
			}
		}
	}

	volumes := make(map[uint32]int, len(b.jobs))
	for _, j := range b.jobs {
		a := b.provisional[j.JobID]
		v := int(math.Floor(a))
		if roundUp[j.JobID] {
			v++
		}
		if v < 1 {
			v = 1
		}
		volumes[j.JobID] = v
	}

	b.volumes = volumes
	b.done = true
	b.st = stageDone
	return nil
}

// Result returns the latest computed volumes and whether the round that
// produced them has completed.
func (b *Balancer) Result() (map[uint32]int, bool) {
	return b.volumes, b.done
}

// Forget drops any per-job state retained for jobID (a no-op for this
// balancer beyond the next round simply omitting the job: cutoff rounds
// are stateless between invocations, unlike the event-driven balancer's
// persistent EventMap).
func (b *Balancer) Forget(jobID uint32) {
	delete(b.provisional, jobID)
	if b.volumes != nil {
		delete(b.volumes, jobID)
	}
}
