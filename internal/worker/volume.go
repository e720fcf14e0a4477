package worker

import (
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// handleUpdateVolume applies a newly-pushed volume for a job this worker
// is not the root of, and forwards it further down the tree.
func (w *Worker) handleUpdateVolume(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	job, ok := w.db.Get(p.A)
	if !ok {
		return jobdb.ErrJobNotFound
	}
	job.Volume = int(p.B)
	w.metrics.SetJobVolume(p.A, int(p.B))

	js := w.jobOrNil(p.A)
	if js == nil || js.tree == nil {
		return nil
	}
	w.pushVolumeDown(js, p.A, int(p.B))
	return nil
}

// handleQueryVolume answers a child that missed the last UpdateVolume
// broadcast (e.g. it only just finished AckAcceptBecomeChild) with this
// worker's current view of the job's volume.
func (w *Worker) handleQueryVolume(h fabric.Handle) error {
	var p fabric.IntPair
	if err := p.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	job, ok := w.db.Get(p.A)
	if !ok {
		return nil
	}
	ack := fabric.IntPair{A: p.A, B: uint32(job.Volume)}
	payload, err := ack.MarshalBinary()
	if err != nil {
		return err
	}
	return w.send(h.Source, fabric.UpdateVolume, payload)
}
