// Package eventdriven implements the asynchronous event-driven balancer of
// spec.md §4.H: an EventMap of per-job (demand, priority) propagated over
// two overlaid butterfly reduction trees, with local fair-share
// recomputation on every change.
package eventdriven

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/wtmJepsen/mallob/internal/reduction"
)

// Event is spec.md §3's "(job_id, epoch, demand, priority)" point update
// about one job. Termination is encoded as demand=0 and priority=0 at a
// fresh epoch.
type Event struct {
	JobID    uint32
	Epoch    int64
	Demand   int32
	Priority float64
}

// Dominates reports whether e supersedes other for the same job id: a
// strictly greater epoch, per spec.md §3's dominance rule. Equal epochs
// never dominate either way, so re-merging the same event is a no-op --
// exactly the idempotence internal/reduction's broadcast-as-merge design
// requires.
func (e Event) Dominates(other Event) bool {
	return e.Epoch > other.Epoch
}

// IsTermination reports whether e is the zero-event spec.md §4.H uses to
// signal a job leaving the system.
func (e Event) IsTermination() bool {
	return e.Demand == 0 && e.Priority == 0
}

// EventMap is spec.md §3's "set of events keyed by job_id, carrying the
// newest epoch seen for each job". It implements reduction.Reducible
// directly: dominance-maximum merge is exactly the idempotent join the
// primitive requires, with no per-rank contribution wrapper needed (unlike
// internal/balancer/cutoff's accumulators, which key every contribution by
// its rank because a running sum is not idempotent).
type EventMap struct {
	events map[uint32]Event
}

// NewEventMap creates an empty map.
func NewEventMap() *EventMap {
	return &EventMap{events: make(map[uint32]Event)}
}

// Get returns the known event for jobID, if any.
func (m *EventMap) Get(jobID uint32) (Event, bool) {
	e, ok := m.events[jobID]
	return e, ok
}

// Len reports how many jobs are tracked.
func (m *EventMap) Len() int {
	return len(m.events)
}

// Each calls fn once per tracked event, in no particular order.
func (m *EventMap) Each(fn func(Event)) {
	for _, e := range m.events {
		fn(e)
	}
}

// Delete drops jobID from the map (used by the garbage-collection step
// once a termination event has circulated long enough).
func (m *EventMap) Delete(jobID uint32) {
	delete(m.events, jobID)
}

// InsertIfNovel inserts e if no entry exists for its job id, or the
// existing one does not dominate it. Returns whether the map changed.
func (m *EventMap) InsertIfNovel(e Event) bool {
	existing, ok := m.events[e.JobID]
	if !ok || e.Dominates(existing) {
		m.events[e.JobID] = e
		return true
	}
	return false
}

// Merge folds every event in other into the receiver via InsertIfNovel,
// the point-wise dominance-maximum join spec.md §3 specifies. Returns
// whether anything changed.
func (m *EventMap) Merge(other *EventMap) bool {
	changed := false
	for _, e := range other.events {
		if m.InsertIfNovel(e) {
			changed = true
		}
	}
	return changed
}

// FilterBy returns a new EventMap holding only the entries of m not
// already reflected (dominated or matched) in known -- spec.md §3's
// "filter-by (drop entries already reflected in another map)", used to
// avoid re-transmitting information a peer has already seen.
func (m *EventMap) FilterBy(known *EventMap) *EventMap {
	out := NewEventMap()
	for id, e := range m.events {
		if k, ok := known.events[id]; !ok || e.Dominates(k) {
			out.events[id] = e
		}
	}
	return out
}

// TerminatedJobs returns every job id currently holding a termination
// event, for the garbage-collection step spec.md §4.H describes.
func (m *EventMap) TerminatedJobs() []uint32 {
	var out []uint32
	for id, e := range m.events {
		if e.IsTermination() {
			out = append(out, id)
		}
	}
	return out
}

// Serialize encodes the map as a length-prefixed vector of fixed-size
// entries, sorted by job id for a deterministic byte representation
// (spec.md §8 property 2's round-trip requirement).
func (m *EventMap) Serialize() ([]byte, error) {
	ids := make([]uint32, 0, len(m.events))
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := make([]byte, 4, 4+24*len(ids))
	binary.BigEndian.PutUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		e := m.events[id]
		entry := make([]byte, 24)
		binary.BigEndian.PutUint32(entry[0:4], e.JobID)
		binary.BigEndian.PutUint64(entry[4:12], uint64(e.Epoch))
		binary.BigEndian.PutUint32(entry[12:16], uint32(e.Demand))
		binary.BigEndian.PutUint64(entry[16:24], math.Float64bits(e.Priority))
		buf = append(buf, entry...)
	}
	return buf, nil
}

// MergeFrom deserialises data and merges it into the receiver -- this
// doubles as reduction.Reducible's merge hook and as the plain
// deserialise-into-fresh-map path used by tests and by HandleMessage.
func (m *EventMap) MergeFrom(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("eventdriven: EventMap payload too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	if m.events == nil {
		m.events = make(map[uint32]Event)
	}
	for i := uint32(0); i < n; i++ {
		if off+24 > len(data) {
			return fmt.Errorf("eventdriven: EventMap payload truncated")
		}
		e := Event{
			JobID:    binary.BigEndian.Uint32(data[off : off+4]),
			Epoch:    int64(binary.BigEndian.Uint64(data[off+4 : off+12])),
			Demand:   int32(binary.BigEndian.Uint32(data[off+12 : off+16])),
			Priority: math.Float64frombits(binary.BigEndian.Uint64(data[off+16 : off+24])),
		}
		m.InsertIfNovel(e)
		off += 24
	}
	return nil
}

// Clone returns a deep copy.
func (m *EventMap) Clone() reduction.Reducible {
	out := NewEventMap()
	for id, e := range m.events {
		out.events[id] = e
	}
	return out
}
