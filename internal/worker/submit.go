package worker

import (
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/jobtree"
)

// SubmitAsRoot installs a brand-new job with this worker as its root. This
// is the entry point component N (the client-facing submission service)
// calls once a client's job has been accepted locally, rather than routed
// to some other worker via FindNode (spec.md §4.N): the root of a job
// never needs to FindNode itself into its own tree.
func (w *Worker) SubmitAsRoot(jobID uint32, priority float64, desc jobdb.Description) error {
	if !w.db.TryCommit(jobID, 0) {
		return jobdb.ErrNoCommitmentSlot
	}
	w.db.ResolveCommitment(jobID, true)

	job := jobdb.NewJob(jobID, priority, desc)
	if err := job.Transition(jobdb.StateCommitted); err != nil {
		return err
	}
	w.db.Put(job)

	js := &jobState{tree: jobtree.New(int(jobID), 0, w.rank, w.rank)}
	w.jobs[jobID] = js

	if err := job.Transition(jobdb.StateInitializing); err != nil {
		return err
	}
	return w.startSolver(job, js)
}
