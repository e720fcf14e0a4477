package jobdb

import "fmt"

// RevisionDetails is the size-and-checksum advertisement sent in reply to
// QueryJobRevisionDetails (SPEC_FULL.md §4.E.1), mirroring the
// AcceptBecomeChild "description transfer size" handshake from spec.md
// §4.F but for an incremental update rather than the initial description.
type RevisionDetails struct {
	JobID       uint32
	Revision    int32
	PayloadSize uint32
	Checksum    uint32
}

// Checksum exposes fnv32 for callers (internal/worker) that need to
// advertise a revision payload's checksum in SendJobRevisionDetails
// before the tracker itself has anything to validate.
func Checksum(data []byte) uint32 {
	return fnv32(data)
}

// fnv32 is a tiny, dependency-free rolling checksum used only to let a
// receiver sanity-check a revision payload before handing it to the
// solver adapter; it is not a security boundary.
func fnv32(data []byte) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for _, b := range data {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}

// PendingRevision tracks one in-flight NotifyJobRevision -> ... ->
// SendJobRevisionData handshake from the perspective of a worker that
// does not yet have the new revision's payload.
type PendingRevision struct {
	JobID    uint32
	Revision int32
	Details  *RevisionDetails
	acked    bool
}

// RevisionTracker manages outstanding revision handshakes for every job
// this worker participates in, keyed by job id. A worker has at most one
// pending revision fetch per job at a time, since a newer NotifyJobRevision
// simply supersedes the one in flight.
type RevisionTracker struct {
	pending map[uint32]*PendingRevision
}

// NewRevisionTracker creates an empty tracker.
func NewRevisionTracker() *RevisionTracker {
	return &RevisionTracker{pending: make(map[uint32]*PendingRevision)}
}

// Notify records that jobID has advanced to revision and returns whether
// the caller still needs to fetch it: false when the caller already has
// that revision -- current is the revision number the caller's own
// Description carries.
func (t *RevisionTracker) Notify(jobID uint32, revision, current int32) (needsFetch bool) {
	if revision <= current {
		return false
	}
	existing, ok := t.pending[jobID]
	if ok && existing.Revision >= revision {
		return true // already chasing this or a newer revision
	}
	t.pending[jobID] = &PendingRevision{JobID: jobID, Revision: revision}
	return true
}

// RecordDetails stores the size/checksum advertisement received in
// SendJobRevisionDetails, preparing the tracker to accept the payload.
func (t *RevisionTracker) RecordDetails(d RevisionDetails) error {
	p, ok := t.pending[d.JobID]
	if !ok || p.Revision != d.Revision {
		return fmt.Errorf("jobdb: revision details for job %d rev %d do not match a pending fetch", d.JobID, d.Revision)
	}
	p.Details = &d
	return nil
}

// Ack marks that this worker has sent AckJobRevisionDetails and is ready
// to receive SendJobRevisionData.
func (t *RevisionTracker) Ack(jobID uint32) error {
	p, ok := t.pending[jobID]
	if !ok || p.Details == nil {
		return fmt.Errorf("jobdb: no revision details to acknowledge for job %d", jobID)
	}
	p.acked = true
	return nil
}

// Complete validates the received payload against the advertised checksum
// and size, applies it to desc, and clears the pending entry.
func (t *RevisionTracker) Complete(jobID uint32, payload []byte, desc *Description) error {
	p, ok := t.pending[jobID]
	if !ok || p.Details == nil || !p.acked {
		return fmt.Errorf("jobdb: unexpected revision payload for job %d", jobID)
	}
	if uint32(len(payload)) != p.Details.PayloadSize {
		return fmt.Errorf("jobdb: revision payload for job %d: expected %d bytes, got %d", jobID, p.Details.PayloadSize, len(payload))
	}
	if fnv32(payload) != p.Details.Checksum {
		return fmt.Errorf("jobdb: revision payload for job %d failed checksum", jobID)
	}

	desc.Payload = payload
	desc.Revision = p.Revision
	delete(t.pending, jobID)
	return nil
}

// Pending reports whether jobID currently has an in-flight revision fetch.
func (t *RevisionTracker) Pending(jobID uint32) bool {
	_, ok := t.pending[jobID]
	return ok
}
