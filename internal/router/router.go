// Package router implements the bounded random-walk placement request
// router of spec.md §4.F: a FindNode travels the fabric until some worker
// adopts it or it is discarded as obsolete / hop-exhausted.
package router

import (
	"math/rand"
	"time"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/config"
	mfabric "github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// Outcome is what a worker decided to do with an incoming FindNode,
// returned by Router.Handle for the control loop to act on.
type Outcome int

const (
	// OutcomeAdopt: the local worker has committed to the job/index and
	// should now send RequestBecomeChild to the requester.
	OutcomeAdopt Outcome = iota
	// OutcomeBounce: forward the request to NextHop with NumHops
	// incremented.
	OutcomeBounce
	// OutcomeDiscard: the request is obsolete or hop-exhausted; drop it
	// silently per spec.md §7's "transient routing" error class.
	OutcomeDiscard
	// OutcomeDisplace: a root request has exceeded MaxHops; the local
	// worker should suspend DisplacedLeafJobID (a non-root active leaf)
	// and adopt the root in its place (anti-starvation, spec.md §4.F).
	OutcomeDisplace
)

// Decision is the result of routing one FindNode.
type Decision struct {
	Outcome          Outcome
	NextHop          int
	DisplacedLeafJob uint32
}

// OfferKey identifies a specific placement slot being contended for.
type OfferKey struct {
	JobID          uint32
	RequestedIndex int32
}

// offer records the most recent adoption attempt this worker has observed
// for a (job, index) pair, used for the obsolescence check in spec.md
// §4.F: "an adoption offer for the same (job_id, requested_index) has been
// seen with a later time_of_birth".
type offer struct {
	timeOfBirth int64
}

// LeafProvider lets the router ask the hosting layer (internal/worker) for
// a currently-active non-root leaf job id eligible for anti-starvation
// displacement, without the router depending on the worker package
// directly.
type LeafProvider func() (jobID uint32, ok bool)

// Router implements the FindNode adopt-or-bounce decision and the bounce
// target computation, grounded on the teacher's random_placer.go (uniform
// draw among index members) and static_placer.go (deterministic, seed-
// derived placement) for the two bounce modes spec.md §4.F names.
type Router struct {
	rank int
	opts *config.WorkerOptions
	db   *jobdb.Database

	global *mfabric.Permutation // fixed global ordering, for derandomized bounce alternatives
	leaves LeafProvider

	offers map[OfferKey]offer

	log logger.Logger
}

// New creates a Router for this worker.
func New(rank int, opts *config.WorkerOptions, db *jobdb.Database, leaves LeafProvider) *Router {
	r := &Router{
		rank:   rank,
		opts:   opts,
		db:     db,
		global: mfabric.NewPermutation(mfabric.GlobalSeed(), opts.NumWorkers),
		leaves: leaves,
		offers: make(map[OfferKey]offer),
	}
	goutilscfg.InitLogger(&r.log, r)
	return r
}

func (r *Router) String() string {
	return "router.Router"
}

// Handle decides what to do with an incoming FindNode request, per
// spec.md §4.F.
func (r *Router) Handle(req mfabric.JobRequest, sender int) Decision {
	key := OfferKey{JobID: req.JobID, RequestedIndex: req.RequestedIndex}

	if r.isObsolete(req, key) {
		return Decision{Outcome: OutcomeDiscard}
	}

	if r.db.IsIdle() {
		r.recordOffer(key, req.TimeOfBirthUnix)
		return Decision{Outcome: OutcomeAdopt}
	}

	// Anti-starvation: a root request that has exhausted its hop budget
	// may displace an active non-root leaf on this worker.
	if req.RequestedIndex == 0 && int(req.NumHops) >= r.opts.MaxHopsForRoot() {
		if jobID, ok := r.leaves(); ok {
			r.recordOffer(key, req.TimeOfBirthUnix)
			return Decision{Outcome: OutcomeDisplace, DisplacedLeafJob: jobID}
		}
	}

	maxHops := r.opts.MaxHopsForNonRoot()
	if req.RequestedIndex == 0 {
		maxHops = r.opts.MaxHopsForRoot()
	}
	if int(req.NumHops) >= maxHops {
		return Decision{Outcome: OutcomeDiscard}
	}

	return Decision{Outcome: OutcomeBounce, NextHop: r.nextHop(req, sender)}
}

// Originate picks the first hop for a FindNode this worker is issuing
// itself (growing its own job tree by one child), reusing the same bounce
// target computation a receiving worker uses to pick its next hop.
func (r *Router) Originate(req mfabric.JobRequest) int {
	return r.nextHop(req, r.rank)
}

// isObsolete implements spec.md §4.F's obsolescence rule: the target job
// is already PAST here, or a later-born offer for the same slot has
// already been seen.
func (r *Router) isObsolete(req mfabric.JobRequest, key OfferKey) bool {
	if r.db.IsPast(req.JobID) && req.JobID != 0 {
		// IsPast also returns true for genuinely-unknown jobs; that's fine
		// here, an unknown job can't be "already past" in a way that
		// matters for a brand-new request, so only treat it as obsolete
		// when we have actually seen and finished this job before.
		if _, known := r.db.Get(req.JobID); known {
			return true
		}
	}
	if prior, ok := r.offers[key]; ok && prior.timeOfBirth > req.TimeOfBirthUnix {
		return true
	}
	return false
}

func (r *Router) recordOffer(key OfferKey, timeOfBirth int64) {
	if prior, ok := r.offers[key]; !ok || timeOfBirth > prior.timeOfBirth {
		r.offers[key] = offer{timeOfBirth: timeOfBirth}
	}
}

// nextHop picks the next bounce target, excluding the requesting rank and
// the immediate sender, per spec.md §4.F.
func (r *Router) nextHop(req mfabric.JobRequest, sender int) int {
	exclude := map[int]bool{int(req.RequestingRank): true, sender: true}

	if r.opts.Derandomize {
		return r.derandomizedHop(exclude)
	}
	return r.pseudorandomHop(req, exclude)
}

// derandomizedHop picks uniformly among the k/2 neighbours on each side of
// this worker's position in the fixed global permutation -- the "bounded-
// degree routing" mode (spec.md §4.F), grounded on static_placer.go's
// deterministic-neighbourhood placement.
func (r *Router) derandomizedHop(exclude map[int]bool) int {
	myPos := r.global.IndexOf(r.rank)
	half := r.opts.BounceAlternatives / 2

	n := r.opts.NumWorkers
	candidates := make([]int, 0, r.opts.BounceAlternatives)
	for d := 1; d <= half; d++ {
		candidates = append(candidates,
			r.global.Get(((myPos-d)%n+n)%n),
			r.global.Get(((myPos+d)%n+n)%n),
		)
	}

	var allowed []int
	for _, c := range candidates {
		if !exclude[c] {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) > 0 {
		return allowed[rand.Intn(len(allowed))]
	}
	// Every alternative was excluded; fall back to the pseudorandom mode
	// rather than bounce to the sender or requester.
	return r.pseudorandomHopFromSeed(time.Now().UnixNano(), exclude)
}

// pseudorandomHop computes the next hop from a permutation seeded by
// (job_id, requested_index, requesting_rank), offset by num_hops, per
// spec.md §4.F, grounded on random_placer.go's uniform-draw-from-index
// shape generalized to a seeded permutation step.
func (r *Router) pseudorandomHop(req mfabric.JobRequest, exclude map[int]bool) int {
	seed := mfabric.RequestSeed(req.JobID, int(req.RequestedIndex), int(req.RequestingRank), int(req.NumHops))
	return r.pseudorandomHopFromSeed(seed, exclude)
}

func (r *Router) pseudorandomHopFromSeed(seed int64, exclude map[int]bool) int {
	perm := mfabric.NewPermutation(seed, r.opts.NumWorkers)
	for i := 0; i < r.opts.NumWorkers; i++ {
		c := perm.Get(i)
		if c != r.rank && !exclude[c] {
			return c
		}
	}
	return r.rank // degenerate: nowhere else to go
}
