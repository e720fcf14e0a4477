package cutoff

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wtmJepsen/mallob/internal/balancer/fairshare"
	"github.com/wtmJepsen/mallob/internal/reduction"
)

// Every Reducible in this package is keyed by contributing rank rather
// than pre-summed, so that re-merging the authoritative broadcast value
// during AdvanceBroadcast (internal/reduction's broadcast-as-merge design,
// see its Reducible doc comment) is idempotent: overwriting a rank's own
// entry with itself is a no-op, unlike a running sum would be.

// demandContribution is one worker's local contribution to §4.G step 1's
// all-reduce: Σ(d_j-1)*p_j, the busy-node indicator, and the active-job
// count.
type demandContribution struct {
	WeightedDemand float64
	Busy           bool
	ActiveJobs     int
}

type aggregateReducible map[int]demandContribution

func newAggregate(rank int, c demandContribution) aggregateReducible {
	return aggregateReducible{rank: c}
}

func (a aggregateReducible) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(a)))
	for rank, c := range a {
		entry := make([]byte, 4+8+1+4)
		binary.BigEndian.PutUint32(entry[0:4], uint32(rank))
		binary.BigEndian.PutUint64(entry[4:12], math.Float64bits(c.WeightedDemand))
		if c.Busy {
			entry[12] = 1
		}
		binary.BigEndian.PutUint32(entry[13:17], uint32(c.ActiveJobs))
		buf = append(buf, entry...)
	}
	return buf, nil
}

func (a *aggregateReducible) MergeFrom(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("cutoff: aggregate payload too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	if *a == nil {
		*a = aggregateReducible{}
	}
	for i := uint32(0); i < n; i++ {
		if off+17 > len(data) {
			return fmt.Errorf("cutoff: aggregate payload truncated")
		}
		rank := int(binary.BigEndian.Uint32(data[off : off+4]))
		wd := math.Float64frombits(binary.BigEndian.Uint64(data[off+4 : off+12]))
		busy := data[off+12] != 0
		active := int(binary.BigEndian.Uint32(data[off+13 : off+17]))
		(*a)[rank] = demandContribution{WeightedDemand: wd, Busy: busy, ActiveJobs: active}
		off += 17
	}
	return nil
}

func (a aggregateReducible) Clone() reduction.Reducible {
	out := make(aggregateReducible, len(a))
	for k, v := range a {
		out[k] = v
	}
	return &out
}

// Totals sums every rank's contribution into the fleet-wide aggregate,
// busy-node count, and active-job count spec.md §4.G step 1 names.
func (a aggregateReducible) Totals() (aggregate float64, busyNodes, activeJobs int) {
	for _, c := range a {
		aggregate += c.WeightedDemand
		if c.Busy {
			busyNodes++
		}
		activeJobs += c.ActiveJobs
	}
	return
}

// histogramReducible is the per-priority demand histogram of spec.md §4.G
// step 3, keyed by contributing rank for the same idempotence reason as
// aggregateReducible.
type histogramReducible map[int][]fairshare.Bucket

func newHistogram(rank int, buckets []fairshare.Bucket) histogramReducible {
	return histogramReducible{rank: buckets}
}

func (h histogramReducible) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(h)))
	for rank, buckets := range h {
		entry := make([]byte, 8)
		binary.BigEndian.PutUint32(entry[0:4], uint32(rank))
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(buckets)))
		buf = append(buf, entry...)
		for _, b := range buckets {
			bb := make([]byte, 16)
			binary.BigEndian.PutUint64(bb[0:8], math.Float64bits(b.Priority))
			binary.BigEndian.PutUint64(bb[8:16], math.Float64bits(b.Demanded))
			buf = append(buf, bb...)
		}
	}
	return buf, nil
}

func (h *histogramReducible) MergeFrom(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("cutoff: histogram payload too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	if *h == nil {
		*h = histogramReducible{}
	}
	for i := uint32(0); i < n; i++ {
		if off+8 > len(data) {
			return fmt.Errorf("cutoff: histogram payload truncated")
		}
		rank := int(binary.BigEndian.Uint32(data[off : off+4]))
		count := binary.BigEndian.Uint32(data[off+4 : off+8])
		off += 8
		buckets := make([]fairshare.Bucket, count)
		for j := uint32(0); j < count; j++ {
			if off+16 > len(data) {
				return fmt.Errorf("cutoff: histogram payload truncated")
			}
			buckets[j] = fairshare.Bucket{
				Priority: math.Float64frombits(binary.BigEndian.Uint64(data[off : off+8])),
				Demanded: math.Float64frombits(binary.BigEndian.Uint64(data[off+8 : off+16])),
			}
			off += 16
		}
		(*h)[rank] = buckets
	}
	return nil
}

func (h histogramReducible) Clone() reduction.Reducible {
	out := make(histogramReducible, len(h))
	for k, v := range h {
		cp := make([]fairshare.Bucket, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return &out
}

// Merged sums every rank's per-priority contribution into one
// fairshare.Histogram, sorted descending by priority. The accumulation
// itself runs in decimal.Decimal rather than float64: every rank performs
// this same sum independently over whatever subset of per-rank
// contributions its butterfly schedule happened to merge in, so a
// float64 sum could disagree across ranks purely by addition order,
// exactly the "all-reduce disagreement from a commutative-but-not-
// associative floating sum" failure spec.md's balancer can't tolerate --
// every worker must land on the same histogram. decimal.Decimal's
// fixed-point arithmetic makes the sum order-independent.
func (h histogramReducible) Merged() fairshare.Histogram {
	byPriority := map[float64]decimal.Decimal{}
	for _, buckets := range h {
		for _, b := range buckets {
			byPriority[b.Priority] = byPriority[b.Priority].Add(decimal.NewFromFloat(b.Demanded))
		}
	}
	out := make(fairshare.Histogram, 0, len(byPriority))
	for p, d := range byPriority {
		out = append(out, fairshare.Bucket{Priority: p, Demanded: d.InexactFloat64()})
	}
	out.SortDescending()
	return out
}

// remainderContribution is one rank's share of the bisection-rounding
// input: its jobs' fractional remainders, and the floor of its jobs'
// assignments (so every rank can locally reconstruct the fleet-wide
// floor-sum needed to know how much rounding headroom is left, without a
// further round of communication).
type remainderContribution struct {
	Remainders []fairshare.Remainder
	FloorSum   float64
}

// remainderReducible carries every rank's fractional remainders for the
// bisection-rounding stage (spec.md §4.G step 4).
type remainderReducible map[int]remainderContribution

func newRemainders(rank int, c remainderContribution) remainderReducible {
	return remainderReducible{rank: c}
}

func (r remainderReducible) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(r)))
	for rank, c := range r {
		entry := make([]byte, 16)
		binary.BigEndian.PutUint32(entry[0:4], uint32(rank))
		binary.BigEndian.PutUint64(entry[4:12], math.Float64bits(c.FloorSum))
		binary.BigEndian.PutUint32(entry[12:16], uint32(len(c.Remainders)))
		buf = append(buf, entry...)
		for _, rm := range c.Remainders {
			rb := make([]byte, 12)
			binary.BigEndian.PutUint32(rb[0:4], rm.JobID)
			binary.BigEndian.PutUint64(rb[4:12], math.Float64bits(rm.Frac))
			buf = append(buf, rb...)
		}
	}
	return buf, nil
}

func (r *remainderReducible) MergeFrom(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("cutoff: remainder payload too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	if *r == nil {
		*r = remainderReducible{}
	}
	for i := uint32(0); i < n; i++ {
		if off+16 > len(data) {
			return fmt.Errorf("cutoff: remainder payload truncated")
		}
		rank := int(binary.BigEndian.Uint32(data[off : off+4]))
		floorSum := math.Float64frombits(binary.BigEndian.Uint64(data[off+4 : off+12]))
		count := binary.BigEndian.Uint32(data[off+12 : off+16])
		off += 16
		rems := make([]fairshare.Remainder, count)
		for j := uint32(0); j < count; j++ {
			if off+12 > len(data) {
				return fmt.Errorf("cutoff: remainder payload truncated")
			}
			rems[j] = fairshare.Remainder{
				JobID: binary.BigEndian.Uint32(data[off : off+4]),
				Frac:  math.Float64frombits(binary.BigEndian.Uint64(data[off+4 : off+12])),
			}
			off += 12
		}
		(*r)[rank] = remainderContribution{Remainders: rems, FloorSum: floorSum}
	}
	return nil
}

func (r remainderReducible) Clone() reduction.Reducible {
	out := make(remainderReducible, len(r))
	for k, v := range r {
		cp := make([]fairshare.Remainder, len(v.Remainders))
		copy(cp, v.Remainders)
		out[k] = remainderContribution{Remainders: cp, FloorSum: v.FloorSum}
	}
	return &out
}

// Flatten collects every rank's remainders into one ascending-by-fraction
// sequence, the "sorted and merged into a global sequence" spec.md §4.G
// step 4 calls for, plus the fleet-wide floor-sum those remainders sit on
// top of.
func (r remainderReducible) Flatten() (remainders []fairshare.Remainder, floorSum float64) {
	for _, c := range r {
		remainders = append(remainders, c.Remainders...)
		floorSum += c.FloorSum
	}
	sort.Slice(remainders, func(i, j int) bool { return remainders[i].Frac < remainders[j].Frac })
	return remainders, floorSum
}

