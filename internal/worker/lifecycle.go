package worker

import (
	"time"

	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// checkLimits self-dispatches Abort for any root job that has exceeded
// its wall-clock or CPU-hour limit (spec.md §5 "Cancellation and
// timeouts"). Only a job's root checks its own limits; a non-root node
// learns of the abort via the Abort fan-out.
func (w *Worker) checkLimits(now time.Time) {
	for id, js := range w.jobs {
		if js.tree == nil || !js.tree.IsRoot() {
			continue
		}
		job, ok := w.db.Get(id)
		if !ok || job.State() != jobdb.StateActive {
			continue
		}
		job.LastLimitCheck = now
		if !job.CheckLimits(now) {
			continue
		}
		p := fabric.IntPair{A: id, B: 0}
		payload, err := p.MarshalBinary()
		if err != nil {
			continue
		}
		if err := w.dispatch(fabric.Handle{Source: w.rank, Tag: fabric.Abort, Payload: payload}); err != nil {
			w.log.Warn("worker: self-dispatched abort for job %d: %v", id, err)
		}
	}
}

// terminateSubtree fans Terminate out to every currently-known child of
// js except excludeRank (the finder, which has already finished),
// implementing spec.md §7's positive-acknowledgement propagation for
// terminal signals: Terminate must reach every live and every past child
// before the entry is forgettable.
func (w *Worker) terminateSubtree(jobID uint32, js *jobState, excludeRank int) error {
	p := fabric.IntPair{A: jobID, B: 0}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	var firstErr error
	for _, child := range js.tree.Children() {
		if child == excludeRank {
			continue
		}
		if err := w.send(child, fabric.Terminate, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleTerminate tears this worker's part of the job down and forwards
// the signal to its own children, per spec.md §4.E.
func (w *Worker) handleTerminate(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(p.A)
	if js != nil {
		if js.adapter != nil {
			js.adapter.Interrupt()
		}
		if err := w.terminateSubtree(p.A, js, -1); err != nil {
			w.log.Warn("worker: forwarding terminate for job %d: %v", p.A, err)
		}
	}
	w.db.ReleaseLoad(p.A)
	if err := w.db.MarkPast(p.A); err != nil && err != jobdb.ErrJobNotFound {
		return err
	}
	return nil
}

// handleAbort is Terminate's resource-exhaustion sibling (spec.md §7):
// same local teardown and fan-out, but tagged Abort all the way down so
// every worker -- and eventually the client, via component N -- knows the
// job did not complete normally.
func (w *Worker) handleAbort(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(p.A)
	if js != nil {
		if js.adapter != nil {
			js.adapter.Interrupt()
		}
		payload, err := p.MarshalBinary()
		if err == nil {
			for _, child := range js.tree.Children() {
				if serr := w.send(child, fabric.Abort, payload); serr != nil {
					w.log.Warn("worker: forwarding abort for job %d: %v", p.A, serr)
				}
			}
		}
	}
	w.db.ReleaseLoad(p.A)
	if err := w.db.MarkPast(p.A); err != nil && err != jobdb.ErrJobNotFound {
		return err
	}
	return nil
}

// handleInterrupt pauses a job's local solve without tearing the job down
// -- used e.g. ahead of a revision update (SPEC_FULL.md §4.E.1), which
// needs the portfolio stopped but the tree and commitments intact.
func (w *Worker) handleInterrupt(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	if js := w.jobOrNil(p.A); js != nil && js.adapter != nil {
		js.adapter.Interrupt()
	}
	return nil
}
