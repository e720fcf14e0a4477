// Package jobdb implements the per-worker job database and placement
// bookkeeping of spec.md §4.E: job lifecycle, the single load slot,
// commitments, and the job revision protocol (SPEC_FULL.md §4.E.1).
package jobdb

import (
	"time"
)

// State is a Job's lifecycle stage (spec.md §3, §4.E).
type State int

const (
	StateNone State = iota
	StateCommitted
	StateInitializing
	StateActive
	StateStandby
	StateSuspended
	StatePast
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateCommitted:
		return "COMMITTED"
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateStandby:
		return "STANDBY"
	case StateSuspended:
		return "SUSPENDED"
	case StatePast:
		return "PAST"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions encodes the lifecycle graph in spec.md §4.E. A
// transition not present here is rejected by Job.Transition.
var legalTransitions = map[State][]State{
	StateNone:         {StateCommitted},
	StateCommitted:    {StateInitializing, StatePast},
	StateInitializing: {StateActive, StatePast},
	StateActive:       {StateSuspended, StatePast},
	StateSuspended:    {StateActive, StatePast},
	StateStandby:      {StateActive, StatePast},
	StatePast:         {}, // absorbing
}

// Description is a job's immutable payload (a CNF formula in the SAT
// instantiation, opaque to the scheduler) plus its assumptions, and the
// incremental-revision bookkeeping SPEC_FULL.md §4.E.1 adds on top of the
// base spec's "immutable description".
type Description struct {
	Payload     []byte
	Assumptions []int32
	// Revision is the monotone counter named in spec.md §3. Revision 0 is
	// the description the job was created with.
	Revision int32
}

// GrowthSchedule controls how a Job's demand evolves over time (spec.md §3
// "growth schedule").
type GrowthSchedule struct {
	Period           time.Duration
	Continuous       bool
	MaxDemand        int
}

// Demand computes how many workers the job would currently accept, given
// how long it has been active and its current volume. continuousGrowth
// jobs add one unit of demand every Period regardless of current volume;
// otherwise demand only grows again once the previous growth step has been
// consumed by an actual volume increase (approximated here by capping
// demand at volume+1 between growth ticks, a direct translation of the
// "accept one more worker per growth period" semantics of the original
// Mallob job class).
func (g GrowthSchedule) Demand(sinceActivation time.Duration, volume int) int {
	if g.Period <= 0 {
		if g.MaxDemand > 0 {
			return g.MaxDemand
		}
		if volume < 1 {
			return 1
		}
		return volume
	}

	periods := int(sinceActivation / g.Period)
	demand := 1 + periods
	if !g.Continuous && demand > volume+1 {
		demand = volume + 1
	}
	if g.MaxDemand > 0 && demand > g.MaxDemand {
		demand = g.MaxDemand
	}
	if demand < 1 {
		demand = 1
	}
	return demand
}

// Job is one user-submitted unit of computation, per spec.md §3.
type Job struct {
	ID       uint32
	Priority float64

	Description Description

	state State

	Arrival         time.Time
	Activation      time.Time
	LastLimitCheck  time.Time

	CPUTimeUsed time.Duration
	Volume      int

	Growth GrowthSchedule

	// WallClockLimit and CPUHourLimit are per-job limits (spec.md §5); zero
	// means unlimited.
	WallClockLimit time.Duration
	CPUHourLimit   float64
}

// NewJob creates a COMMITTED-bound job shell; the caller transitions it
// through the lifecycle as description/solver-start events occur.
func NewJob(id uint32, priority float64, desc Description) *Job {
	return &Job{
		ID:          id,
		Priority:    priority,
		Description: desc,
		state:       StateNone,
		Arrival:     time.Now(),
		Volume:      1,
	}
}

// State returns the job's current lifecycle stage.
func (j *Job) State() State {
	return j.state
}

// Transition attempts to move the job to next, rejecting any edge not in
// legalTransitions (spec.md §4.E invariants).
func (j *Job) Transition(next State) error {
	for _, allowed := range legalTransitions[j.state] {
		if allowed == next {
			if next == StateActive && j.state != StateSuspended && j.state != StateStandby {
				j.Activation = time.Now()
			}
			j.state = next
			return nil
		}
	}
	return &IllegalTransitionError{From: j.state, To: next}
}

// Demand returns the job's current accept-how-many-more-workers figure
// (spec.md §3 "demand").
func (j *Job) Demand() int {
	var since time.Duration
	if !j.Activation.IsZero() {
		since = time.Since(j.Activation)
	}
	return j.Growth.Demand(since, j.Volume)
}

// IsDestructible reports whether the job may be forgotten (memory
// reclaimed): only once it has reached PAST and every past child has been
// flushed is handled by Database, not here, since Job itself does not
// know about its tree's past children.
func (j *Job) IsDestructible() bool {
	return j.state == StatePast
}

// CheckLimits reports whether the job has exceeded its wall-clock or
// CPU-hour limit (spec.md §5 "Cancellation and timeouts").
func (j *Job) CheckLimits(now time.Time) bool {
	if j.WallClockLimit > 0 && !j.Activation.IsZero() && now.Sub(j.Activation) > j.WallClockLimit {
		return true
	}
	if j.CPUHourLimit > 0 && j.CPUTimeUsed.Hours() > j.CPUHourLimit {
		return true
	}
	return false
}

// IllegalTransitionError reports an attempted lifecycle transition not
// permitted by spec.md §4.E.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return "jobdb: illegal transition " + e.From.String() + " -> " + e.To.String()
}
