// Package worker implements the control loop of spec.md §4.K/§5: the one
// cooperative thread that drives the fabric, job database, router,
// balancer, clause overlay, and SAT adapter for a single worker process,
// never blocking on solver state.
package worker

import (
	"context"
	"errors"
	"os"
	"time"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/clauseshare"
	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/jobtree"
	"github.com/wtmJepsen/mallob/internal/metrics"
	"github.com/wtmJepsen/mallob/internal/router"
	"github.com/wtmJepsen/mallob/internal/satjob"
)

// SolverFactory builds the satjob.Solver portfolio for a newly-started
// job; injected so this package never depends on a concrete solver
// engine, mirroring the Send/LeafProvider injection already used by
// internal/balancer and internal/router.
type SolverFactory func(job *jobdb.Job, globalID int) satjob.Solver

// Transport is the subset of *fabric.Transport the control loop drives.
// Declared as an interface, rather than depending on the concrete type
// directly, so tests can exercise the control loop against an in-memory
// fake instead of a live ZMQ socket pair -- the same reason
// internal/balancer depends on balancer.Send rather than *fabric.Transport.
type Transport interface {
	Send(dest int, tag fabric.Tag, payload []byte) error
	Poll() *fabric.Handle
}

// jobState bundles the per-job machinery a worker's Database entry alone
// doesn't carry: the tree position, the clause overlay, and the solver
// portfolio. Keyed by job id on Worker.jobs.
type jobState struct {
	tree    *jobtree.Tree
	overlay *clauseshare.JobOverlay
	adapter *satjob.Adapter
	cancel  context.CancelFunc

	lastComm  time.Time // never set or read by the control loop
	wantsLeft bool       // true once this job wants to grow a left child it doesn't have
	wantsRight bool

	resultReported bool // true once tickSolvers has announced a local result upward
	finderRank     int  // set on the root once a WorkerFoundResult names a winner

	revisionFrom int // rank to query/ack against for the in-flight revision fetch, if any
}

// Worker drives one process's control loop. Exactly one per process.
type Worker struct {
	rank int
	opts *config.WorkerOptions

	transport Transport
	db        *jobdb.Database
	router    *router.Router
	bal       balancer.Balancer
	revisions *jobdb.RevisionTracker

	solvers SolverFactory

	jobs map[uint32]*jobState

	// pendingRoot remembers the root rank of a FindNode this worker has
	// adopted but not yet built a jobtree.Tree for -- IntPair's fixed
	// (jobID, index) shape used for the RequestBecomeChild ack has no room
	// for a third field, so it travels out-of-band here instead.
	pendingRoot map[uint32]int

	// results holds the wire-encoded satjob.Result for every job this
	// worker's root has received a final SendJobResult for, ready for
	// component N (the client-facing submission service) to read.
	results map[uint32][]byte

	lastBalance time.Time
	exiting     bool

	watchdogBudget time.Duration

	// exit is called when the mpi-monitor watchdog trips on a send; a
	// field rather than a direct os.Exit call so tests can substitute a
	// non-terminating stand-in.
	exit func(code int)

	metrics *metrics.Provider

	log logger.Logger
}

// New creates a Worker. bal is already constructed by the caller (cutoff
// or eventdriven per opts.Balancer, spec.md §4.G/§4.H), since the choice
// belongs to cmd/worker, not to this package.
func New(rank int, opts *config.WorkerOptions, transport Transport, db *jobdb.Database, rtr *router.Router, bal balancer.Balancer, solvers SolverFactory) *Worker {
	w := &Worker{
		rank:           rank,
		opts:           opts,
		transport:      transport,
		db:             db,
		router:         rtr,
		bal:            bal,
		revisions:      jobdb.NewRevisionTracker(),
		solvers:        solvers,
		jobs:           make(map[uint32]*jobState),
		pendingRoot:    make(map[uint32]int),
		results:        make(map[uint32][]byte),
		watchdogBudget: 60 * time.Second,
		exit:           os.Exit,
	}
	goutilscfg.InitLogger(&w.log, w)
	return w
}

// WithMetrics attaches a Prometheus provider the control loop will record
// job volume, router hops, clause rounds, and balancer utilization into.
// Optional: a Worker with no attached provider records nothing, since every
// metrics.Provider method is nil-safe.
func (w *Worker) WithMetrics(p *metrics.Provider) *Worker {
	w.metrics = p
	return w
}

func (w *Worker) String() string {
	return "worker.Worker"
}

// send wraps every outbound fabric call with the mpi-monitor watchdog
// budget (spec.md §5): a send that doesn't return in time is treated as a
// fail-stopped fabric and aborts the process.
func (w *Worker) send(dest int, tag fabric.Tag, payload []byte) error {
	err := fabric.WithDeadline(w.watchdogBudget, func() error {
		return w.transport.Send(dest, tag, payload)
	})

	if errors.Is(err, fabric.ErrWatchdogTimeout) {
		w.log.Error("worker %d: watchdog budget exceeded sending %s to %d, aborting: %v", w.rank, tag, dest, err)
		w.exit(1)
	}

	return err
}

// Tick runs one non-blocking iteration of the control loop: poll the
// fabric, dispatch whatever arrived, then run the periodic duties
// (balance, clause-overlay ticks, limit checks). Callers (cmd/worker)
// call this repeatedly, sleeping or yielding between calls per
// opts.IdleStrategy when it reports no work done.
func (w *Worker) Tick(now time.Time) (didWork bool, err error) {
	if h := w.transport.Poll(); h != nil {
		didWork = true
		if derr := w.dispatch(*h); derr != nil {
			w.log.Warn("worker: dispatch %s from %d: %v", h.Tag, h.Source, derr)
		}
	}

	if w.tickBalance(now) {
		didWork = true
	}
	if w.tickOverlays(now) {
		didWork = true
	}
	if w.tickSolvers() {
		didWork = true
	}
	w.checkLimits(now)
	w.growTrees()

	return didWork, nil
}

// Exiting reports whether this worker has received Exit and should stop
// being ticked once its own cleanup has drained.
func (w *Worker) Exiting() bool {
	return w.exiting
}

func (w *Worker) dispatch(h fabric.Handle) error {
	switch h.Tag {
	case fabric.FindNode:
		return w.handleFindNode(h)
	case fabric.RequestBecomeChild:
		return w.handleRequestBecomeChild(h)
	case fabric.AcceptBecomeChild:
		return w.handleAcceptBecomeChild(h)
	case fabric.RejectBecomeChild:
		return w.handleRejectBecomeChild(h)
	case fabric.AckAcceptBecomeChild:
		return w.handleAckAcceptBecomeChild(h)
	case fabric.SendJobDescription:
		return w.handleSendJobDescription(h)
	case fabric.UpdateVolume:
		return w.handleUpdateVolume(h)
	case fabric.QueryVolume:
		return w.handleQueryVolume(h)
	case fabric.JobCommunication:
		return w.handleJobCommunication(h)
	case fabric.WorkerFoundResult:
		return w.handleWorkerFoundResult(h)
	case fabric.QueryJobResult:
		return w.handleQueryJobResult(h)
	case fabric.SendJobResult:
		return w.handleSendJobResult(h)
	case fabric.JobDone:
		return w.handleJobDone(h)
	case fabric.Terminate:
		return w.handleTerminate(h)
	case fabric.Interrupt:
		return w.handleInterrupt(h)
	case fabric.Abort:
		return w.handleAbort(h)
	case fabric.WorkerDefecting:
		return w.handleWorkerDefecting(h)
	case fabric.NotifyJobRevision:
		return w.handleNotifyJobRevision(h)
	case fabric.QueryJobRevisionDetails:
		return w.handleQueryJobRevisionDetails(h)
	case fabric.SendJobRevisionDetails:
		return w.handleSendJobRevisionDetails(h)
	case fabric.AckJobRevisionDetails:
		return w.handleAckJobRevisionDetails(h)
	case fabric.SendJobRevisionData:
		return w.handleSendJobRevisionData(h)
	case fabric.AnytimeReduction, fabric.AnytimeBroadcast:
		return w.bal.HandleMessage(h.Source, h.Tag, h.Payload)
	case fabric.Warmup:
		return nil // pre-exchange traffic; nothing to act on beyond having received it
	case fabric.Exit:
		w.exiting = true
		return nil
	default:
		return nil
	}
}

// jobOrNil returns the per-job bookkeeping for id, if this worker hosts
// any part of it.
func (w *Worker) jobOrNil(id uint32) *jobState {
	return w.jobs[id]
}

// LeastPriorityLeaf returns the active, non-root job with the lowest
// priority among those whose tree node this worker hosts as a leaf, for
// the router's displacement decision (spec.md §4.F's anti-starvation
// bound). Intended to be handed to router.New as its router.LeafProvider.
func (w *Worker) LeastPriorityLeaf() (uint32, bool) {
	var bestID uint32
	var bestPriority float64
	found := false

	for id, js := range w.jobs {
		if js.tree == nil || js.tree.IsRoot() || !js.tree.IsLeaf() {
			continue
		}
		job, ok := w.db.Get(id)
		if !ok || job.State() != jobdb.StateActive {
			continue
		}
		if !found || job.Priority < bestPriority {
			bestID, bestPriority = id, job.Priority
			found = true
		}
	}
	return bestID, found
}
