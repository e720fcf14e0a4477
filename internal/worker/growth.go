package worker

import (
	"context"
	"time"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/jobtree"
	"github.com/wtmJepsen/mallob/internal/router"
)

// growTrees checks every job this worker roots or hosts an internal node
// of for a child slot that should exist (spec.md §4.D: child index <
// current volume) but hasn't been requested yet, and originates a
// FindNode for it.
func (w *Worker) growTrees() {
	for id, js := range w.jobs {
		job, ok := w.db.Get(id)
		if !ok || job.State() != jobdb.StateActive {
			continue
		}
		w.growChild(job, js, jobtree.Left, &js.wantsLeft)
		w.growChild(job, js, jobtree.Right, &js.wantsRight)
	}
}

func (w *Worker) growChild(job *jobdb.Job, js *jobState, side jobtree.Side, wants *bool) {
	idx := jobtree.ChildIndex(js.tree.Index, side)
	if idx >= job.Volume {
		return
	}
	if side == jobtree.Left {
		if _, ok := js.tree.LeftChildRank(); ok {
			return
		}
	} else {
		if _, ok := js.tree.RightChildRank(); ok {
			return
		}
	}
	if *wants {
		return
	}
	*wants = true

	req := fabric.JobRequest{
		JobID:          job.ID,
		RootRank:       int32(js.tree.RootRank),
		RequestingRank: int32(w.rank),
		RequestedIndex: int32(idx),
		TimeOfBirthUnix: time.Now().UnixNano(),
		NumHops:        0,
		Revision:       job.Description.Revision,
	}
	payload, _ := req.MarshalBinary()
	hop := w.router.Originate(req)
	if err := w.send(hop, fabric.FindNode, payload); err != nil {
		w.log.Warn("worker: originating FindNode for job %d idx %d: %v", job.ID, idx, err)
	}
}

func (w *Worker) handleFindNode(h fabric.Handle) error {
	var req fabric.JobRequest
	if err := req.UnmarshalBinary(h.Payload); err != nil {
		return err
	}

	decision := w.router.Handle(req, h.Source)
	switch decision.Outcome {
	case router.OutcomeDiscard:
		return nil

	case router.OutcomeAdopt:
		return w.adopt(req, h.Source)

	case router.OutcomeDisplace:
		if err := w.db.MarkPast(decision.DisplacedLeafJob); err != nil {
			w.log.Warn("worker: displacing leaf job %d: %v", decision.DisplacedLeafJob, err)
		}
		w.db.ReleaseLoad(decision.DisplacedLeafJob)
		return w.adopt(req, h.Source)

	case router.OutcomeBounce:
		req.NumHops++
		payload, err := req.MarshalBinary()
		if err != nil {
			return err
		}
		return w.send(decision.NextHop, fabric.FindNode, payload)
	}
	return nil
}

// adopt commits this worker to req's (job, index) slot and asks the
// requester to confirm (spec.md §4.F: "the worker commits, sends
// RequestBecomeChild to the requester").
func (w *Worker) adopt(req fabric.JobRequest, sender int) error {
	if !w.db.TryCommit(req.JobID, int(req.RequestedIndex)) {
		// Lost the race locally between Handle's idleness check and here;
		// treat as a transient routing failure (spec.md §7) and drop.
		return nil
	}
	w.metrics.ObserveRouterHops(int(req.NumHops))
	rootRank := int(req.RootRank)
	if req.RequestedIndex == 0 {
		rootRank = w.rank
	}
	w.pendingRoot[req.JobID] = rootRank
	ack := fabric.IntPair{A: req.JobID, B: uint32(req.RequestedIndex)}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(int(req.RequestingRank), fabric.RequestBecomeChild, payload)
}

// handleRequestBecomeChild runs on the existing tree node that originated
// the FindNode: decide whether the offer is still wanted and accept or
// reject.
func (w *Worker) handleRequestBecomeChild(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	jobID, idx := p.A, int(p.B)

	js := w.jobOrNil(jobID)
	job, ok := w.db.Get(jobID)
	if !ok || js == nil {
		return w.reject(jobID, idx, h.Source)
	}

	already := false
	if idx == jobtree.ChildIndex(js.tree.Index, jobtree.Left) {
		_, already = js.tree.LeftChildRank()
	} else if idx == jobtree.ChildIndex(js.tree.Index, jobtree.Right) {
		_, already = js.tree.RightChildRank()
	}
	if already || idx >= job.Volume {
		return w.reject(jobID, idx, h.Source)
	}

	sig := fabric.JobSignature{JobID: jobID, Revision: job.Description.Revision, PayloadSize: uint32(len(job.Description.Payload))}
	payload, err := sig.MarshalBinary()
	if err != nil {
		return err
	}
	if idx == jobtree.ChildIndex(js.tree.Index, jobtree.Left) {
		js.tree.SetLeftChild(h.Source)
	} else {
		js.tree.SetRightChild(h.Source)
	}
	return w.send(h.Source, fabric.AcceptBecomeChild, payload)
}

func (w *Worker) reject(jobID uint32, idx int, dest int) error {
	p := fabric.IntPair{A: jobID, B: uint32(idx)}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(dest, fabric.RejectBecomeChild, payload)
}

// handleAcceptBecomeChild runs on the newly-adopted worker: resolve the
// commitment, stand up the job's bookkeeping, and ack so the parent knows
// to start sending the description.
func (w *Worker) handleAcceptBecomeChild(h fabric.Handle) error {
	var sig fabric.JobSignature
	if err := sig.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	commit, ok := w.db.CommitmentFor(sig.JobID)
	if !ok {
		return nil
	}
	w.db.ResolveCommitment(sig.JobID, true)

	job := jobdb.NewJob(sig.JobID, 0, jobdb.Description{Revision: sig.Revision})
	if err := job.Transition(jobdb.StateCommitted); err != nil {
		return err
	}
	w.db.Put(job)

	rootRank := w.pendingRoot[sig.JobID]
	delete(w.pendingRoot, sig.JobID)
	js := &jobState{tree: jobtree.New(int(sig.JobID), commit.Index, rootRank, h.Source)}
	w.jobs[sig.JobID] = js

	ack := fabric.IntPair{A: sig.JobID, B: sig.PayloadSize}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(h.Source, fabric.AckAcceptBecomeChild, payload)
}

func (w *Worker) handleRejectBecomeChild(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	w.db.ResolveCommitment(p.A, false)
	return nil
}

// handleAckAcceptBecomeChild runs on the parent: the child is ready, send
// the description bytes.
func (w *Worker) handleAckAcceptBecomeChild(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	job, ok := w.db.Get(p.A)
	if !ok {
		return nil
	}
	return w.send(h.Source, fabric.SendJobDescription, encodeDescription(job))
}

// handleSendJobDescription runs on the child: unpack the formula and
// start the solver portfolio.
func (w *Worker) handleSendJobDescription(h fabric.Handle) error {
	jobID, priority, desc, err := decodeDescription(h.Payload)
	if err != nil {
		return err
	}
	job, ok := w.db.Get(jobID)
	if !ok {
		return jobdb.ErrJobNotFound
	}
	job.Priority = priority
	job.Description = desc
	if err := job.Transition(jobdb.StateInitializing); err != nil {
		return err
	}

	js := w.jobOrNil(jobID)
	if js == nil {
		return jobdb.ErrJobNotFound
	}
	return w.startSolver(job, js)
}

// handleWorkerDefecting marks the sender as a past child of every job
// this worker still associates with it, so a subsequent Terminate/Abort
// fan-out still reaches it (spec.md §4.E).
func (w *Worker) handleWorkerDefecting(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	if js := w.jobOrNil(p.A); js != nil {
		js.tree.MarkDefected(h.Source)
	}
	return nil
}

// startSolver wires a satjob.Adapter for job into js, satisfying
// clauseshare.SolverBridge so a JobOverlay can be built against it, and
// starts the portfolio.
func (w *Worker) startSolver(job *jobdb.Job, js *jobState) error {
	ctx, cancel := context.WithCancel(context.Background())
	js.cancel = cancel

	js.adapter = newAdapter(job, w.opts.ThreadsPerJob, w.solvers)
	js.overlay = clauseshare.NewJobOverlay(
		job.ID, js.tree,
		clauseshare.Config{Period: w.opts.ClauseSharePeriod, Base: w.opts.SolverLiteralsPerProcess, Mult: 2},
		js.adapter,
		job.State,
		js.adapter.Initialized,
		time.Now,
	)

	if err := js.adapter.Start(ctx, int64(job.ID), job.Description.Payload); err != nil {
		return err
	}
	return job.Transition(jobdb.StateActive)
}
