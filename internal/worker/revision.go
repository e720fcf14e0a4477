package worker

import (
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// handleNotifyJobRevision implements the first step of SPEC_FULL.md
// §4.E.1's revision protocol: a worker is told a job has advanced to a
// new revision, forwards the notice to its own children, and -- if it
// doesn't already have that revision -- queries the sender for details.
func (w *Worker) handleNotifyJobRevision(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	jobID, revision := p.A, int32(p.B)

	job, ok := w.db.Get(jobID)
	if !ok {
		return jobdb.ErrJobNotFound
	}

	js := w.jobOrNil(jobID)
	if js != nil {
		payload, err := p.MarshalBinary()
		if err == nil {
			for _, child := range js.tree.Children() {
				if err := w.send(child, fabric.NotifyJobRevision, payload); err != nil {
					w.log.Warn("worker: forwarding revision notice for job %d: %v", jobID, err)
				}
			}
		}
	}

	if !w.revisions.Notify(jobID, revision, job.Description.Revision) {
		return nil
	}
	if js != nil {
		js.revisionFrom = h.Source
	}
	query := fabric.IntPair{A: jobID, B: uint32(revision)}
	payload, err := query.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(h.Source, fabric.QueryJobRevisionDetails, payload)
}

// handleQueryJobRevisionDetails runs on a worker that already has the new
// revision's payload: advertise its size and checksum.
func (w *Worker) handleQueryJobRevisionDetails(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	job, ok := w.db.Get(p.A)
	if !ok {
		return jobdb.ErrJobNotFound
	}
	details := jobdb.RevisionDetails{
		JobID:       p.A,
		Revision:    int32(p.B),
		PayloadSize: uint32(len(job.Description.Payload)),
		Checksum:    jobdb.Checksum(job.Description.Payload),
	}
	return w.send(h.Source, fabric.SendJobRevisionDetails, encodeRevisionDetails(details))
}

// handleSendJobRevisionDetails records the advertisement and acks it,
// readying this worker to receive the actual payload.
func (w *Worker) handleSendJobRevisionDetails(h fabric.Handle) error {
	details, err := decodeRevisionDetails(h.Payload)
	if err != nil {
		return err
	}
	if err := w.revisions.RecordDetails(details); err != nil {
		return err
	}
	if err := w.revisions.Ack(details.JobID); err != nil {
		return err
	}
	ack := fabric.IntPair{A: details.JobID, B: uint32(details.Revision)}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(h.Source, fabric.AckJobRevisionDetails, payload)
}

// handleAckJobRevisionDetails runs on the worker holding the payload: the
// querier is ready, send the bytes.
func (w *Worker) handleAckJobRevisionDetails(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	job, ok := w.db.Get(p.A)
	if !ok {
		return jobdb.ErrJobNotFound
	}
	return w.send(h.Source, fabric.SendJobRevisionData, append(encodeJobID(p.A), job.Description.Payload...))
}

// handleSendJobRevisionData completes the fetch: validate and apply the
// payload, then restart this worker's portfolio against the new
// revision (spec.md §4.J: a revision change requires re-initialising the
// solver with the updated formula).
func (w *Worker) handleSendJobRevisionData(h fabric.Handle) error {
	if len(h.Payload) < 4 {
		return nil
	}
	jobID := decodeJobID(h.Payload)
	payload := h.Payload[4:]

	job, ok := w.db.Get(jobID)
	if !ok {
		return jobdb.ErrJobNotFound
	}
	if err := w.revisions.Complete(jobID, payload, &job.Description); err != nil {
		return err
	}

	js := w.jobOrNil(jobID)
	if js == nil {
		return nil
	}
	js.revisionFrom = 0
	if js.adapter != nil {
		js.adapter.Interrupt()
	}
	return w.startSolver(job, js)
}
