package eventdriven

// broadcastRing is the size-3 "recent-broadcasts" ring spec.md §4.H keeps
// per tree, suppressing re-transmission of diffs that have already
// circulated: an outgoing diff is filtered against every entry before
// being sent.
type broadcastRing struct {
	entries [3]*EventMap
	next    int
}

func (r *broadcastRing) push(m *EventMap) {
	if m == nil || m.Len() == 0 {
		return
	}
	r.entries[r.next] = m
	r.next = (r.next + 1) % len(r.entries)
}

// filter drops from diff anything already reflected in one of the ring's
// recent entries.
func (r *broadcastRing) filter(diff *EventMap) *EventMap {
	out := diff
	for _, e := range r.entries {
		if e == nil {
			continue
		}
		out = out.FilterBy(e)
	}
	return out
}
