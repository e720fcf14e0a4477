package worker

import (
	"encoding/binary"
	"time"

	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/satjob"
)

// newAdapter builds a satjob.Adapter for job by invoking this worker's
// injected SolverFactory once per portfolio slot.
func newAdapter(job *jobdb.Job, threads int, solvers SolverFactory) *satjob.Adapter {
	if threads < 1 {
		threads = 1
	}
	return satjob.New(job.ID, threads, job.Description.Assumptions, 0, func(globalID int) satjob.Solver {
		return solvers(job, globalID)
	})
}

// tickSolvers polls every hosted job's adapter for a completed result
// without blocking, and announces the first one found up toward the
// job's root (spec.md §4.J/§4.K).
func (w *Worker) tickSolvers() bool {
	didWork := false
	for id, js := range w.jobs {
		if js.adapter == nil || js.resultReported {
			continue
		}
		select {
		case <-js.adapter.Done():
			js.resultReported = true
			didWork = true
			if err := w.announceResult(id, js, w.rank); err != nil {
				w.log.Warn("worker: announcing result for job %d: %v", id, err)
			}
		default:
		}
	}
	return didWork
}

// announceResult forwards notice of a found result one hop toward the
// job's root: finderRank travels unchanged through every hop so the root
// knows whom to query for the actual model/failed-assumption bytes.
func (w *Worker) announceResult(jobID uint32, js *jobState, finderRank int) error {
	if js.tree.IsRoot() {
		return w.onRootFoundResult(jobID, js, finderRank)
	}
	p := fabric.IntPair{A: jobID, B: uint32(finderRank)}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(js.tree.ParentRank, fabric.WorkerFoundResult, payload)
}

func (w *Worker) handleWorkerFoundResult(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(p.A)
	if js == nil {
		return nil
	}
	return w.announceResult(p.A, js, int(p.B))
}

// onRootFoundResult runs once, on the root, the first time any worker in
// the job's tree reports a result: fetch the actual bytes from the
// finder and begin terminating the rest of the tree.
func (w *Worker) onRootFoundResult(jobID uint32, js *jobState, finderRank int) error {
	js.finderRank = finderRank

	p := fabric.IntPair{A: jobID, B: 0}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if err := w.send(finderRank, fabric.QueryJobResult, payload); err != nil {
		return err
	}
	return w.terminateSubtree(jobID, js, finderRank)
}

// handleQueryJobResult runs on the worker that actually holds the
// completed solver result: serialise it and send it back.
func (w *Worker) handleQueryJobResult(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(p.A)
	if js == nil || js.adapter == nil {
		return jobdb.ErrJobNotFound
	}
	res, ok := js.adapter.Result()
	if !ok {
		return nil
	}
	return w.send(h.Source, fabric.SendJobResult, append(encodeJobID(p.A), encodeResult(res)...))
}

// handleSendJobResult runs on the root: record the delivered result for
// component N to pick up, and mark the job done.
func (w *Worker) handleSendJobResult(h fabric.Handle) error {
	if len(h.Payload) < 4 {
		return nil
	}
	jobID := decodeJobID(h.Payload)
	w.results[jobID] = append([]byte(nil), h.Payload[4:]...)

	if job, ok := w.db.Get(jobID); ok && !job.Arrival.IsZero() {
		w.metrics.ObserveResultLatency(time.Since(job.Arrival).Seconds())
	}

	p := fabric.IntPair{A: jobID, B: 0}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return w.dispatch(fabric.Handle{Source: w.rank, Tag: fabric.JobDone, Payload: payload})
}

// handleJobDone tears down local bookkeeping for a finished job: interrupt
// the solver (without blocking on Wait), free the load slot, and mark the
// job PAST.
func (w *Worker) handleJobDone(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(p.A)
	if js != nil && js.adapter != nil {
		js.adapter.Interrupt()
	}
	w.db.ReleaseLoad(p.A)
	if err := w.db.MarkPast(p.A); err != nil && err != jobdb.ErrJobNotFound {
		return err
	}
	return nil
}

// Result returns the wire-encoded satjob.Result for jobID, once the root
// has received it from whichever worker found it.
func (w *Worker) Result(jobID uint32) ([]byte, bool) {
	b, ok := w.results[jobID]
	return b, ok
}

func encodeJobID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func decodeJobID(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload[0:4])
}
