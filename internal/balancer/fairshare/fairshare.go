// Package fairshare holds the pure fair-share computation spec.md §4.G
// steps 2-3 define, shared between the cutoff-priority balancer
// (internal/balancer/cutoff) and the event-driven balancer's local
// recomputation (internal/balancer/eventdriven), matching the teacher's
// `policy` package pattern of factoring shared scoring math out of one
// `Policy` implementation into helpers reused by several
// (`policy/static.go`, `policy/dynamic_v3.go`, `policy/dynamic_v4.go` all
// call into shared helpers rather than re-deriving it).
package fairshare

import (
	"math"
	"sort"
)

// AssignFair computes a job's initial fractional assignment, spec.md §4.G
// step 2: 1 + min(1, (M*L - N_active)*p_j/A) * (d_j - 1).
func AssignFair(demand int, priority float64, fleetSize int, loadFactor float64, numActive int, aggregate float64) float64 {
	if demand <= 1 {
		return 1
	}
	if aggregate <= 0 {
		return 1
	}
	headroom := float64(fleetSize)*loadFactor - float64(numActive)
	factor := headroom * priority / aggregate
	if factor > 1 {
		factor = 1
	}
	if factor < 0 {
		factor = 0
	}
	return 1 + factor*float64(demand-1)
}

// Bucket is one priority level's aggregate demand in the §4.G step 3
// histogram, after the per-priority butterfly reduction has merged every
// worker's local contribution.
type Bucket struct {
	Priority float64
	Demanded float64 // total demanded resources at exactly this priority
}

// Histogram is the merged (priorities[], demanded_resources[]) table of
// spec.md §4.G step 3, sorted by descending priority so cumulative sums
// read as "this priority and everything higher".
type Histogram []Bucket

// SortDescending orders the histogram by priority, highest first, as
// CumulativeDemand assumes.
func (h Histogram) SortDescending() {
	sort.Slice(h, func(i, j int) bool { return h[i].Priority > h[j].Priority })
}

// CumulativeDemand returns the total demand strictly above priority
// (prevCum) and at-or-above priority (thisCum), per spec.md §4.G step 3's
// "next-higher-priority cumulative demand" / "this_cum" terms. h must
// already be sorted descending.
func (h Histogram) CumulativeDemand(priority float64) (prevCum, thisCum float64) {
	for _, b := range h {
		if b.Priority > priority {
			prevCum += b.Demanded
		}
		if b.Priority >= priority {
			thisCum += b.Demanded
		}
	}
	return prevCum, thisCum
}

// AdjustAssignment applies spec.md §4.G step 3's exact rule for turning a
// job's provisional assignment into its post-histogram fractional share:
//
//	if priority >= remaining, or current is already at demand -> full demand
//	else if the cumulative demand strictly above this priority >= remaining -> no extra (return current)
//	else -> current + ratio*(demand-current), ratio = (remaining-prevCum)/(thisCum-prevCum)
func AdjustAssignment(current, demand, priority float64, h Histogram, remaining float64) float64 {
	if priority >= remaining || current >= demand {
		return demand
	}
	prevCum, thisCum := h.CumulativeDemand(priority)
	if prevCum >= remaining {
		return current
	}
	if thisCum <= prevCum {
		return current
	}
	ratio := (remaining - prevCum) / (thisCum - prevCum)
	if ratio > 1 {
		ratio = 1
	}
	return current + ratio*(demand-current)
}

// Remainder is one job's fractional leftover after AdjustAssignment, the
// unit the bisection-rounding stage (§4.G step 4) operates over.
type Remainder struct {
	JobID uint32
	Frac  float64 // in (0,1), the fractional part of the job's assignment
}

// BisectionThreshold implements spec.md §4.G step 4's bisection search: pick
// a threshold t such that rounding up every remainder >= t does not exceed
// target utilisation, preferring the threshold closest to target among
// non-oversubscribing candidates, iterating until the candidate set is
// exhausted. utilizationAt must return the actual fleet-wide utilisation
// that results from rounding up at threshold t (an all-reduce in the real
// system; injected here as a callback so the pure bisection logic can be
// tested without a fabric).
func BisectionThreshold(sorted []float64, target float64, utilizationAt func(t float64) float64) float64 {
	if len(sorted) == 0 {
		return 1 // nothing to round up
	}

	lower, upper := 0, len(sorted)-1
	bestThreshold := 1.0
	bestOK := false
	bestDist := math.Inf(1)

	// "Round nobody up" (threshold 1.0, since every remainder is < 1) is
	// always a candidate: bisection over the sorted remainders alone would
	// otherwise never consider it, and it can be the only non-oversub-
	// scribing option when every remainder is needed to reach target.
	if base := utilizationAt(1.0); base <= target {
		bestOK = true
		bestThreshold = 1.0
		bestDist = target - base
	}

	consider := func(t float64) {
		util := utilizationAt(t)
		ok := util <= target
		dist := util - target
		if dist < 0 {
			dist = -dist
		}
		switch {
		case ok && !bestOK:
			bestOK, bestThreshold, bestDist = true, t, dist
		case ok == bestOK && dist < bestDist:
			bestThreshold, bestDist = t, dist
		}
	}

	for lower <= upper {
		mid := (lower + upper) / 2
		t := sorted[mid]
		consider(t)

		util := utilizationAt(t)
		switch {
		case util > target:
			lower = mid + 1 // too many rounded up, raise threshold
		case util < target:
			upper = mid - 1 // room to round up more, lower threshold
		default:
			return t // exact match, stable utilisation
		}
	}
	return bestThreshold
}

// ProbabilisticRound rounds frac up with probability frac, using draw as
// the random source (injected so callers can supply a seeded PRNG and
// tests can supply a deterministic one), per spec.md §4.G step 5.
func ProbabilisticRound(frac float64, draw func() float64) bool {
	return draw() < frac
}
