// Package satjob implements the SAT job adapter of spec.md §4.J: a
// portfolio of diversified incremental SAT solvers run as one goroutine
// each, racing to a result, exchanging learned clauses through the
// overlay built in internal/clauseshare.
package satjob

import (
	"context"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
)

// Outcome is a single solve attempt's verdict (PortfolioSolverInterface's
// SatResult in the original Mallob solver interface).
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSAT
	OutcomeUNSAT
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSAT:
		return "SAT"
	case OutcomeUNSAT:
		return "UNSAT"
	default:
		return "UNKNOWN"
	}
}

// Diversification is one of the four portfolio diversification categories
// named in spec.md §4.J.
type Diversification int

const (
	Sparse Diversification = iota
	SparseRandom
	RandomNative
	BinValue
)

func (d Diversification) String() string {
	switch d {
	case Sparse:
		return "sparse"
	case SparseRandom:
		return "sparse-random"
	case RandomNative:
		return "random-native"
	case BinValue:
		return "bin-value"
	default:
		return "unknown"
	}
}

// DiversificationIndex computes spec.md §4.J's
// diversification_index = global_id - solvers_of_other_type. A portfolio
// built entirely from one Solver implementation has no "other type", so
// callers outside this package pass solversOfOtherType=0 and the index
// collapses to the solver's global id.
func DiversificationIndex(globalID, solversOfOtherType int) int {
	return globalID - solversOfOtherType
}

// CategoryFor cycles a diversification index through the four categories
// spec.md §4.J names. The cycling order is this package's resolution of an
// Open Question the spec leaves unstated (which category a given index
// maps to); it is recorded in DESIGN.md.
func CategoryFor(index int) Diversification {
	m := index % 4
	if m < 0 {
		m += 4
	}
	switch m {
	case 0:
		return Sparse
	case 1:
		return SparseRandom
	case 2:
		return RandomNative
	default:
		return BinValue
	}
}

// Solver is one portfolio member: an incremental SAT solver exposing the
// add-literal/solve/interrupt/suspend/prepare-sharing/digest-sharing/
// get-solution operations of spec.md §4.J, modeled directly on the
// original Mallob PortfolioSolverInterface.
type Solver interface {
	// AddLiteral loads one permanent literal of the job's formula; zero
	// terminates a clause, matching the DIMACS convention.
	AddLiteral(lit int32)

	// Diversify sets this solver's parameters (seeds, heuristics) from
	// seed and its assigned diversification category.
	Diversify(seed int64, category Diversification)

	// Solve blocks until it resolves the given assumptions or ctx is
	// canceled, in which case it returns OutcomeUnknown. This models the
	// solver's own dedicated thread: the caller runs it in a goroutine
	// and does not poll it.
	Solve(ctx context.Context, assumptions []int32) Outcome

	// Interrupt aborts the current Solve call; Solve returns
	// OutcomeUnknown once interrupted.
	Interrupt()

	// Suspend pauses solving, releasing the CPU, until Resume is called.
	Suspend()
	Resume()

	// Solution returns the satisfying assignment after an OutcomeSAT
	// Solve call (one signed literal per variable).
	Solution() []int32

	// FailedAssumptions returns the unsatisfiable core of assumptions
	// after an OutcomeUNSAT Solve call.
	FailedAssumptions() []int32

	// PrepareSharing snapshots up to max recently learned clauses.
	PrepareSharing(max int) *clauseshare.Buffer

	// DigestSharing adds buf's clauses to the solver as learned clauses.
	DigestSharing(buf *clauseshare.Buffer)
}
