package satjob

import (
	"context"
	"sync"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
)

// Result is the outcome an Adapter reports upward, grounded on
// ThreadedSatJob::appl_getResult in the original worker.cpp: the model on
// SAT, the failed-assumption set on UNSAT, nothing on UNKNOWN.
type Result struct {
	SolverIndex       int
	Outcome           Outcome
	Model             []int32
	FailedAssumptions []int32
}

// Adapter wraps a portfolio of 1..T Solver instances for one job,
// implementing spec.md §4.J. It also satisfies clauseshare.SolverBridge so
// a clauseshare.JobOverlay can be wired directly to it.
type Adapter struct {
	jobID       uint32
	assumptions []int32

	solvers    []Solver
	categories []Diversification // category assigned to each solver, parallel to solvers

	startOnce sync.Once
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	resultOnce sync.Once
	resultCh   chan struct{}

	mu     sync.Mutex
	result *Result

	log logger.Logger
}

// New builds a portfolio of len(newSolver-produced) solvers for jobID.
// newSolver is called once per solver slot with that solver's global id
// (0..n-1); solversOfOtherType is spec.md §4.J's
// diversification_index subtrahend, 0 for a homogeneous portfolio.
func New(jobID uint32, n int, assumptions []int32, solversOfOtherType int, newSolver func(globalID int) Solver) *Adapter {
	a := &Adapter{
		jobID:       jobID,
		assumptions: assumptions,
		solvers:     make([]Solver, n),
		categories:  make([]Diversification, n),
		resultCh:    make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		a.solvers[i] = newSolver(i)
		a.categories[i] = CategoryFor(DiversificationIndex(i, solversOfOtherType))
	}
	goutilscfg.InitLogger(&a.log, a)
	return a
}

func (a *Adapter) String() string {
	return "satjob.Adapter"
}

// Start loads formula into every solver and spins up one goroutine per
// solver, each blocking on Solve(assumptions) until a result or ctx
// cancellation. The first non-Unknown outcome wins the race (spec.md
// §4.J) and cancels the rest via Interrupt.
func (a *Adapter) Start(ctx context.Context, seed int64, formula []byte) error {
	lits, err := DecodeFormula(formula)
	if err != nil {
		return err
	}

	a.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel

		for i, s := range a.solvers {
			for _, lit := range lits {
				s.AddLiteral(lit)
			}
			s.Diversify(seed, a.categories[i])
		}

		for i, s := range a.solvers {
			a.wg.Add(1)
			go a.runSolver(runCtx, i, s)
		}

		a.mu.Lock()
		a.started = true
		a.mu.Unlock()
	})
	return nil
}

// Initialized reports whether Start has loaded the formula and launched
// the portfolio, satisfying clauseshare.JobOverlay's "initialized" probe
// (spec.md §4.I: an uninitialised worker contributes nothing and drops
// downward clauses).
func (a *Adapter) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Adapter) runSolver(ctx context.Context, index int, s Solver) {
	defer a.wg.Done()
	outcome := s.Solve(ctx, a.assumptions)
	if outcome == OutcomeUnknown {
		return
	}
	a.reportResult(index, s, outcome)
}

// reportResult captures the winning solver's model or failed-assumptions
// atomically and interrupts the rest of the portfolio. Only the first
// caller (across all solver goroutines) has any effect.
func (a *Adapter) reportResult(index int, s Solver, outcome Outcome) {
	a.resultOnce.Do(func() {
		res := &Result{SolverIndex: index, Outcome: outcome}
		if outcome == OutcomeSAT {
			res.Model = s.Solution()
		} else if outcome == OutcomeUNSAT {
			res.FailedAssumptions = s.FailedAssumptions()
		}

		a.mu.Lock()
		a.result = res
		a.mu.Unlock()

		if a.log != nil {
			a.log.Debug("satjob: job %d solver %d reported %s", a.jobID, index, outcome)
		}

		for i, other := range a.solvers {
			if i != index {
				other.Interrupt()
			}
		}
		close(a.resultCh)
	})
}

// Done returns a channel that closes once a solver has produced a result.
func (a *Adapter) Done() <-chan struct{} {
	return a.resultCh
}

// Result returns the winning solver's result, if any have reported yet.
func (a *Adapter) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// Interrupt aborts every solver's current Solve call (spec.md §4.J:
// "interrupt aborts the current solve").
func (a *Adapter) Interrupt() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, s := range a.solvers {
		s.Interrupt()
	}
}

// Suspend pauses every solver, releasing the CPU without aborting the
// in-flight solve (spec.md §4.J: "suspend releases CPU").
func (a *Adapter) Suspend() {
	for _, s := range a.solvers {
		s.Suspend()
	}
}

// Resume reverses Suspend.
func (a *Adapter) Resume() {
	for _, s := range a.solvers {
		s.Resume()
	}
}

// Wait blocks until every solver goroutine has returned, for callers that
// tear the adapter down (spec.md §4.K destroyer-thread cleanup).
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// PrepareSharing implements clauseshare.SolverBridge: it snapshots
// learned clauses from each solver and merges them with the overlay's own
// merge routine, returning a buffer capped at max (spec.md §4.J).
func (a *Adapter) PrepareSharing(max int) *clauseshare.Buffer {
	bufs := make([]*clauseshare.Buffer, 0, len(a.solvers))
	for _, s := range a.solvers {
		if b := s.PrepareSharing(max); b != nil {
			bufs = append(bufs, b)
		}
	}
	return clauseshare.Merge(bufs, max)
}

// DigestSharing implements clauseshare.SolverBridge: it distributes buf's
// clauses to every solver in the portfolio as learned clauses.
func (a *Adapter) DigestSharing(buf *clauseshare.Buffer) {
	for _, s := range a.solvers {
		s.DigestSharing(buf)
	}
}
