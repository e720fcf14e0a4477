package worker

import (
	"time"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
	"github.com/wtmJepsen/mallob/internal/fabric"
)

// overlaySend wraps a job's clause-sharing traffic in the generic
// fabric.JobMessage envelope and sends it under the single
// fabric.JobCommunication tag, per spec.md §6's multiplexing of job-scoped
// traffic.
func (w *Worker) overlaySend(jobID uint32, peer int, inner fabric.Tag, epoch int64, payload []byte) error {
	msg := fabric.JobMessage{JobID: jobID, Inner: inner, Epoch: epoch, Payload: payload}
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if inner == fabric.AnytimeBroadcast {
		w.metrics.IncClauseRound(jobID)
	}
	return w.send(peer, fabric.JobCommunication, body)
}

func (w *Worker) overlaySendFor(jobID uint32) clauseshare.Send {
	return func(peer int, inner fabric.Tag, epoch int64, payload []byte) error {
		return w.overlaySend(jobID, peer, inner, epoch, payload)
	}
}

// tickOverlays drives every hosted job's clause-sharing round timers
// (spec.md §4.I).
func (w *Worker) tickOverlays(now time.Time) bool {
	didWork := false
	for id, js := range w.jobs {
		if js.overlay == nil {
			continue
		}
		if err := js.overlay.Tick(w.overlaySendFor(id)); err != nil {
			w.log.Warn("worker: overlay tick: %v", err)
		}
		didWork = true
	}
	return didWork
}

// handleJobCommunication unwraps a JobMessage and routes it to the
// addressed job's overlay.
func (w *Worker) handleJobCommunication(h fabric.Handle) error {
	var msg fabric.JobMessage
	if err := msg.UnmarshalBinary(h.Payload); err != nil {
		return err
	}
	js := w.jobOrNil(msg.JobID)
	if js == nil || js.overlay == nil {
		return nil // obsolete or not-yet-initialised; spec.md §7 transient case
	}
	return js.overlay.HandleMessage(h.Source, msg.Inner, msg.Epoch, msg.Payload, w.overlaySendFor(msg.JobID))
}
