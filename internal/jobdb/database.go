package jobdb

import (
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/hashicorp/go-multierror"
)

// Commitment is an in-flight promise by this worker to join a job tree at
// a specific index (spec.md §3 "Commitment"). At most one commitment per
// job id may exist per worker, and any commitment makes the worker
// non-idle for placement purposes.
type Commitment struct {
	JobID uint32
	Index int
}

// entry bundles a Job with the per-job mutex spec.md §5 requires ("the
// control thread ... reads solver state through a per-job mutex
// (try-lock only, to avoid stalling the loop)").
type entry struct {
	job *Job
	mu  sync.Mutex
}

// Database is the per-worker map of known jobs plus the worker's single
// load slot and outstanding commitment set (spec.md §4.E).
type Database struct {
	mu sync.Mutex

	entries     map[uint32]*entry
	commitments map[uint32]Commitment

	// loaded is true from the moment ResolveCommitment accepts a
	// commitment until ReleaseLoad frees it -- the single CPU/worker slot
	// of spec.md §3/§5.
	loaded      bool
	loadedJobID uint32

	log logger.Logger
}

// NewDatabase creates an empty job database.
func NewDatabase() *Database {
	d := &Database{
		entries:     make(map[uint32]*entry),
		commitments: make(map[uint32]Commitment),
	}
	config.InitLogger(&d.log, d)
	return d
}

func (d *Database) String() string {
	return "jobdb.Database"
}

// IsIdle reports whether this worker may adopt a new placement request:
// no load and no outstanding commitment (spec.md §4.E, §4.F).
func (d *Database) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.loaded && len(d.commitments) == 0
}

// TryCommit atomically checks idleness and records a commitment in one
// step, resolving the Open Question in spec.md §9 ("whether a worker
// holding a commitment may simultaneously host an active job of a
// different id") in favor of forbidding it: the load flag and commitment
// set are consulted together, under the same lock, so no message handler
// can observe a stale "idle" verdict.
func (d *Database) TryCommit(jobID uint32, index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded || len(d.commitments) > 0 {
		return false
	}
	d.commitments[jobID] = Commitment{JobID: jobID, Index: index}
	return true
}

// CommitmentFor returns the outstanding commitment for jobID, if any.
func (d *Database) CommitmentFor(jobID uint32) (Commitment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.commitments[jobID]
	return c, ok
}

// ResolveCommitment converts a commitment into an occupied load slot (the
// job reached COMMITTED and onward) or releases it outright (rejected).
func (d *Database) ResolveCommitment(jobID uint32, accepted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.commitments, jobID)
	if accepted {
		d.loaded = true
		d.loadedJobID = jobID
	}
}

// ReleaseLoad frees the single load slot, e.g. once a job transitions to
// PAST or is suspended away by shrinkage.
func (d *Database) ReleaseLoad(jobID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded && d.loadedJobID == jobID {
		d.loaded = false
		d.loadedJobID = 0
	}
}

// Put registers a new job under the database, keyed by its id.
func (d *Database) Put(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[job.ID] = &entry{job: job}
}

// Get returns the job for id, if present.
func (d *Database) Get(id uint32) (*Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}
	return e.job, true
}

// TryLock attempts to acquire id's per-job mutex without blocking, per
// spec.md §5's cooperative-concurrency rule that the control thread never
// stalls waiting on solver state. fn is invoked with the job only if the
// lock was acquired; ok reports whether it ran.
func (d *Database) TryLock(id uint32, fn func(*Job)) (ok bool) {
	d.mu.Lock()
	e, present := d.entries[id]
	d.mu.Unlock()
	if !present {
		return false
	}

	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()
	fn(e.job)
	return true
}

// ActiveJobs returns every job currently ACTIVE on this worker (at most
// one under the single-load-slot invariant, but the balancer's local
// fair-share recomputation in the event-driven case reasons about "every
// currently-known job", so this returns a slice for uniformity).
func (d *Database) ActiveJobs() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Job
	for _, e := range d.entries {
		if e.job.State() == StateActive {
			out = append(out, e.job)
		}
	}
	return out
}

// All returns every job known to this worker regardless of state.
func (d *Database) All() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Job, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.job)
	}
	return out
}

// MarkPast transitions id to PAST if it exists and is not already there.
// Returns ErrJobNotFound if id is unknown -- this is the "late message for
// a job we've already forgotten" case spec.md §7 treats as obsolete, not
// fatal.
func (d *Database) MarkPast(id uint32) error {
	d.mu.Lock()
	e, ok := d.entries[id]
	d.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if e.job.State() == StatePast {
		return nil
	}
	return e.job.Transition(StatePast)
}

// IsPast reports whether id is known and PAST; an unknown id is also
// treated as "may as well be past" by callers deciding whether to ignore
// a message, per spec.md §4.F's obsolescence rule.
func (d *Database) IsPast(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return true
	}
	return e.job.State() == StatePast
}

// Forget removes a PAST job from the database provided it has no
// outstanding past children (the caller -- the worker control loop -- is
// responsible for checking the job's Tree.PastChildren is empty first, per
// spec.md §4.E "a PAST job must still respond to late messages ... before
// being forgotten").
func (d *Database) Forget(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return ErrJobNotFound
	}
	if !e.job.IsDestructible() {
		return fmt.Errorf("jobdb: refusing to forget job %d in state %s", id, e.job.State())
	}
	delete(d.entries, id)
	return nil
}

// FlushTerminations calls notify(id) for every known PAST job and
// aggregates any errors notify returns, matching spec.md §7's positive-
// acknowledgement propagation policy for Terminate/Abort: every failure is
// collected rather than the flush aborting on the first one, since each
// past child is independent.
func (d *Database) FlushTerminations(notify func(id uint32) error) error {
	d.mu.Lock()
	ids := make([]uint32, 0, len(d.entries))
	for id, e := range d.entries {
		if e.job.State() == StatePast {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := notify(id); err != nil {
			result = multierror.Append(result, fmt.Errorf("job %d: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// LargestInactiveDescription returns the id of the PAST-or-inactive job
// holding the largest retained description payload, for the memory-bound
// forgetting policy of SPEC_FULL.md §4.E.2. Returns ok=false if nothing
// is eligible.
func (d *Database) LargestInactiveDescription() (id uint32, size int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for jid, e := range d.entries {
		st := e.job.State()
		if st != StatePast && st != StateSuspended {
			continue
		}
		n := len(e.job.Description.Payload)
		if !ok || n > size {
			id, size, ok = jid, n, true
		}
	}
	return
}
