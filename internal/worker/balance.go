package worker

import (
	"time"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// tickBalance drives the fleet-wide balancer (spec.md §4.G/§4.H): start a
// new round every BalancePeriod, advance whatever round is in flight, and
// apply a completed round's volumes by pushing them down each job's tree.
func (w *Worker) tickBalance(now time.Time) bool {
	didWork := false

	if !w.bal.CanContinue() && now.Sub(w.lastBalance) >= w.opts.BalancePeriod {
		w.bal.Begin(w.rootJobInfos())
		w.lastBalance = now
		didWork = true
	}

	if w.bal.CanContinue() {
		if err := w.bal.Continue(balancer.Send(w.send)); err != nil {
			w.log.Warn("worker: balancer continue: %v", err)
		}
		didWork = true
	}

	if volumes, done := w.bal.Result(); done && len(volumes) > 0 {
		for jobID, vol := range volumes {
			w.applyVolume(jobID, vol)
		}
		w.reportUtilization()
		didWork = true
	}

	return didWork
}

// reportUtilization publishes this worker's fraction of committed slots
// and active job count to the attached metrics.Provider, if any.
func (w *Worker) reportUtilization() {
	if w.opts.NumWorkers <= 0 {
		return
	}
	committed := 0
	for id := range w.jobs {
		if job, ok := w.db.Get(id); ok && job.State() == jobdb.StateActive {
			committed++
		}
	}
	w.metrics.SetActiveJobs(committed)
	w.metrics.SetBalancerUtilization(float64(committed) / float64(w.opts.NumWorkers))
}

// rootJobInfos returns the JobInfo for every job this worker is the root
// of -- only the root knows a job's true demand (spec.md §3's growth
// schedule is tracked relative to the root's own Activation time), so
// only the root contributes that job to the fleet-wide reduction.
func (w *Worker) rootJobInfos() []balancer.JobInfo {
	var out []balancer.JobInfo
	for id, js := range w.jobs {
		if js.tree == nil || !js.tree.IsRoot() {
			continue
		}
		job, ok := w.db.Get(id)
		if !ok || job.State() != jobdb.StateActive {
			continue
		}
		out = append(out, balancer.JobInfo{
			JobID:         id,
			Demand:        job.Demand(),
			Priority:      job.Priority,
			CurrentVolume: job.Volume,
		})
	}
	return out
}

// applyVolume records jobID's newly-computed volume locally and fans it
// out to this node's known children, per spec.md §4.D's volume-
// propagation rule.
func (w *Worker) applyVolume(jobID uint32, volume int) {
	job, ok := w.db.Get(jobID)
	if !ok {
		return
	}
	job.Volume = volume
	w.metrics.SetJobVolume(jobID, volume)
	js := w.jobOrNil(jobID)
	if js == nil || js.tree == nil {
		return
	}
	w.pushVolumeDown(js, jobID, volume)
}

func (w *Worker) pushVolumeDown(js *jobState, jobID uint32, volume int) {
	p := fabric.IntPair{A: jobID, B: uint32(volume)}
	payload, err := p.MarshalBinary()
	if err != nil {
		return
	}
	for _, child := range js.tree.Children() {
		if err := w.send(child, fabric.UpdateVolume, payload); err != nil {
			w.log.Warn("worker: pushing volume for job %d to %d: %v", jobID, child, err)
		}
	}
}
