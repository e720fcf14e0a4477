// Package config defines the worker's CLI-flag-backed configuration and
// carries it explicitly through component constructors rather than through
// package-level singletons.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// RoundingMode selects how the cutoff-priority balancer (spec.md §4.G) turns
// fractional assignments into integer volumes.
type RoundingMode string

const (
	RoundingBisection    RoundingMode = "bisection"
	RoundingProbabilistic RoundingMode = "probabilistic"
)

// BalancerKind selects which of the two interchangeable balancer algorithms
// (spec.md §4.G, §4.H) the worker runs.
type BalancerKind string

const (
	BalancerCutoff      BalancerKind = "cutoff"
	BalancerEventDriven BalancerKind = "ed"
)

// IdleStrategy controls how the control loop (spec.md §4.K) yields the CPU
// when there is nothing to do.
type IdleStrategy string

const (
	IdleSleep IdleStrategy = "sleep"
	IdleYield IdleStrategy = "yield"
)

// WorkerOptions holds every CLI-recognised option from spec.md §6, parsed
// once at process startup and passed by value/pointer into every component
// that needs it. There is deliberately no global config singleton.
type WorkerOptions struct {
	// Rank is this process's position in the fixed {0..P-1} worker set. Not a
	// CLI flag from spec.md §6 (it is supplied by the messaging fabric's
	// launcher), but every component needs it, so it lives here.
	Rank int
	// NumWorkers is the fixed fleet size P.
	NumWorkers int

	LoadFactor float64 // -l: load factor in (0,1]

	GlobalTimeout time.Duration // -T: global wall-clock timeout; 0 = unlimited

	BalancePeriod time.Duration // -p: balance period

	ThreadsPerJob int // -t: threads per job

	TimePerInstance time.Duration // -time-per-instance: per-job wall-clock limit

	CPUHoursPerInstance float64 // -cpuh-per-instance: per-job CPU-hour limit

	Balancer BalancerKind // -bm: ed or cutoff (default)

	Rounding RoundingMode // -r: bisection or probabilistic

	GrowthPeriod time.Duration // -g: demand growth period

	ContinuousGrowth bool // -cg

	MaxDemand int // -md: demand cap

	BounceAlternatives int // -ba: bounce alternatives per worker (even)

	Derandomize bool // -derandomize

	Warmup int // -warmup: number of pre-exchange warm-up messages

	ClauseSharePeriod time.Duration // -s: clause-sharing period

	SolverLiteralsPerProcess int // -slpp

	MemoryBudgetGiB float64 // -mem

	IdleStrategy IdleStrategy // -sleep / -yield

	IdleSleep time.Duration

	// sleepFlag/yieldFlag back the --sleep/--yield switches BindFlags
	// registers; ResolveIdleStrategy reads them back into IdleStrategy once
	// the FlagSet has been parsed.
	sleepFlag, yieldFlag bool
}

// Default returns the option set with the defaults the spec's CLI table
// implies when a flag is not overridden.
func Default() *WorkerOptions {
	return &WorkerOptions{
		LoadFactor:               1.0,
		GlobalTimeout:            0,
		BalancePeriod:            5 * time.Second,
		ThreadsPerJob:            1,
		TimePerInstance:          0,
		CPUHoursPerInstance:      0,
		Balancer:                 BalancerCutoff,
		Rounding:                 RoundingBisection,
		GrowthPeriod:             0,
		ContinuousGrowth:         false,
		MaxDemand:                0,
		BounceAlternatives:       4,
		Derandomize:              false,
		Warmup:                   0,
		ClauseSharePeriod:        2 * time.Second,
		SolverLiteralsPerProcess: 0,
		MemoryBudgetGiB:          0,
		IdleStrategy:             IdleSleep,
		IdleSleep:                time.Millisecond,
	}
}

// BindFlags registers every spec.md §6 flag onto fs, defaulting to o's
// current values. Mirrors the single-letter-flag CLI surface the rest of
// the example pack exposes via spf13/pflag rather than the teacher's own
// struct-tag-driven Kubernetes option style, which does not have an analogue
// for short single-letter flags.
func (o *WorkerOptions) BindFlags(fs *pflag.FlagSet) {
	fs.Float64VarP(&o.LoadFactor, "l", "l", o.LoadFactor, "load factor in (0,1]")
	fs.DurationVarP(&o.GlobalTimeout, "T", "T", o.GlobalTimeout, "global wall-clock timeout; 0 = unlimited")
	fs.DurationVarP(&o.BalancePeriod, "p", "p", o.BalancePeriod, "balance period")
	fs.IntVarP(&o.ThreadsPerJob, "t", "t", o.ThreadsPerJob, "threads per job")
	fs.DurationVar(&o.TimePerInstance, "time-per-instance", o.TimePerInstance, "per-job wall-clock limit")
	fs.Float64Var(&o.CPUHoursPerInstance, "cpuh-per-instance", o.CPUHoursPerInstance, "per-job CPU-hour limit")
	fs.StringVar((*string)(&o.Balancer), "bm", string(o.Balancer), "balancer: ed or cutoff")
	fs.StringVarP((*string)(&o.Rounding), "r", "r", string(o.Rounding), "rounding: bisection or probabilistic")
	fs.DurationVarP(&o.GrowthPeriod, "g", "g", o.GrowthPeriod, "demand growth period")
	fs.BoolVar(&o.ContinuousGrowth, "cg", o.ContinuousGrowth, "continuous growth flag")
	fs.IntVar(&o.MaxDemand, "md", o.MaxDemand, "demand cap")
	fs.IntVar(&o.BounceAlternatives, "ba", o.BounceAlternatives, "bounce alternatives per worker (even)")
	fs.BoolVar(&o.Derandomize, "derandomize", o.Derandomize, "enable bounded-degree routing")
	fs.IntVar(&o.Warmup, "warmup", o.Warmup, "pre-exchange warm-up messages")
	fs.DurationVarP(&o.ClauseSharePeriod, "s", "s", o.ClauseSharePeriod, "clause-sharing period")
	fs.IntVar(&o.SolverLiteralsPerProcess, "slpp", o.SolverLiteralsPerProcess, "solver-literal threshold per process")
	fs.Float64Var(&o.MemoryBudgetGiB, "mem", o.MemoryBudgetGiB, "GiB memory budget, triggers forget of largest inactive leaf")

	fs.BoolVar(&o.sleepFlag, "sleep", o.IdleStrategy == IdleSleep, "control-loop idle strategy: sleep between ticks")
	fs.BoolVar(&o.yieldFlag, "yield", o.IdleStrategy == IdleYield, "control-loop idle strategy: yield the scheduler between ticks")
	fs.Lookup("sleep").NoOptDefVal = "true"
	fs.Lookup("yield").NoOptDefVal = "true"
}

// ResolveIdleStrategy finalises IdleStrategy from whichever of --sleep/
// --yield was passed on the command line. Must be called after the
// FlagSet BindFlags registered into has been parsed, since pflag only
// populates sleepFlag/yieldFlag during Parse.
func (o *WorkerOptions) ResolveIdleStrategy() {
	if o.yieldFlag {
		o.IdleStrategy = IdleYield
	} else if o.sleepFlag {
		o.IdleStrategy = IdleSleep
	}
}

// Validate checks the cross-field invariants the spec implies (even
// divisors for bounce alternatives, positive load factor, etc).
func (o *WorkerOptions) Validate() error {
	if o.LoadFactor <= 0 || o.LoadFactor > 1 {
		return fmt.Errorf("load factor must be in (0,1], got %f", o.LoadFactor)
	}
	if o.BounceAlternatives%2 != 0 {
		return fmt.Errorf("bounce alternatives must be even, got %d", o.BounceAlternatives)
	}
	if o.Balancer != BalancerCutoff && o.Balancer != BalancerEventDriven {
		return fmt.Errorf("unrecognised balancer %q", o.Balancer)
	}
	if o.Rounding != RoundingBisection && o.Rounding != RoundingProbabilistic {
		return fmt.Errorf("unrecognised rounding mode %q", o.Rounding)
	}
	return nil
}

// MaxHopsForRoot is the anti-starvation hop budget for root (index 0)
// placement requests (spec.md §4.F): P/2.
func (o *WorkerOptions) MaxHopsForRoot() int {
	return o.NumWorkers / 2
}

// MaxHopsForNonRoot is the hop budget for non-root placement requests:
// 2P.
func (o *WorkerOptions) MaxHopsForNonRoot() int {
	return 2 * o.NumWorkers
}
