package clauseshare

import (
	"math"
	"time"

	"github.com/hashicorp/go-multierror"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/jobtree"
)

// SolverBridge is the local SAT job adapter's clause-sharing half (spec.md
// §4.J's prepare-sharing/digest-sharing), injected so this package never
// depends on internal/satjob directly -- the same Send-callback style of
// decoupling internal/balancer uses for its fabric dependency.
type SolverBridge interface {
	PrepareSharing(max int) *Buffer
	DigestSharing(buf *Buffer)
}

// Send is the outbound-message hook for one job's overlay traffic. epoch
// is the job_comm_epoch the payload pertains to; inner is either
// fabric.AnytimeReduction (upward push) or fabric.AnytimeBroadcast
// (downward broadcast), multiplexed the same way the event-driven
// balancer's two trees share a single pair of fabric tags.
type Send func(peer int, inner fabric.Tag, epoch int64, payload []byte) error

// Config holds the per-job round timing and buffer-sizing parameters of
// spec.md §4.I.
type Config struct {
	Period time.Duration // clause-sharing period, `s` in spec.md §7
	Base   int           // BASE in max_size = BASE * MULT^depth
	Mult   float64       // MULT in max_size = BASE * MULT^depth
}

type roundState struct {
	haveLeft, haveRight   bool
	leftBuf, rightBuf     *Buffer
	leftDepth, rightDepth int
}

// JobOverlay is the per-job, per-worker clause-sharing state machine of
// spec.md §4.I.
type JobOverlay struct {
	jobID uint32
	tree  *jobtree.Tree
	cfg   Config

	solver      SolverBridge
	status      func() jobdb.State
	initialized func() bool
	now         func() time.Time

	activatedAt time.Time
	lastRoundAt time.Time

	nextEpoch     int64
	rounds        map[int64]*roundState
	forwardedUp   map[int64]bool
	broadcastSeen map[int64]bool

	log logger.Logger
}

// NewJobOverlay creates the overlay state machine for jobID at this
// worker's position tree in its tree.
func NewJobOverlay(jobID uint32, tree *jobtree.Tree, cfg Config, solver SolverBridge, status func() jobdb.State, initialized func() bool, now func() time.Time) *JobOverlay {
	o := &JobOverlay{
		jobID:         jobID,
		tree:          tree,
		cfg:           cfg,
		solver:        solver,
		status:        status,
		initialized:   initialized,
		now:           now,
		nextEpoch:     1,
		rounds:        make(map[int64]*roundState),
		forwardedUp:   make(map[int64]bool),
		broadcastSeen: make(map[int64]bool),
	}
	goutilscfg.InitLogger(&o.log, o)
	o.activatedAt = now()
	o.lastRoundAt = now()
	return o
}

func (o *JobOverlay) String() string {
	return "clauseshare.JobOverlay"
}

func (o *JobOverlay) active() bool {
	st := o.status()
	return st != jobdb.StatePast && st != jobdb.StateSuspended
}

// budgetForDepth implements spec.md §4.I's max_size = BASE * MULT^depth.
func (o *JobOverlay) budgetForDepth(depth int) int {
	return int(float64(o.cfg.Base) * math.Pow(o.cfg.Mult, float64(depth)))
}

// collectOwn snapshots this worker's local solvers via prepare-sharing, or
// an empty buffer if not yet initialised (spec.md §4.I's failure mode:
// "workers that are not yet fully initialised ... contribute an empty
// upward buffer").
func (o *JobOverlay) collectOwn() *Buffer {
	if !o.initialized() || o.solver == nil {
		return NewBuffer()
	}
	return o.solver.PrepareSharing(o.budgetForDepth(0))
}

// Tick drives this overlay's own timers: the root's periodic round start,
// and a leaf's wake-up condition (spec.md §4.I). Internal, non-root,
// non-leaf nodes are purely reactive to HandleMessage and do nothing here.
func (o *JobOverlay) Tick(send Send) error {
	if !o.active() {
		return nil
	}
	n := o.now()

	if o.tree.IsRoot() {
		if n.Sub(o.lastRoundAt) < o.cfg.Period {
			return nil
		}
		o.lastRoundAt = n
		return o.completeAndBroadcast(o.nextEpoch, send)
	}

	if o.tree.IsLeaf() {
		if n.Sub(o.activatedAt) < o.cfg.Period/2 || n.Sub(o.lastRoundAt) < o.cfg.Period {
			return nil
		}
		o.lastRoundAt = n
		epoch := o.nextEpoch
		if o.forwardedUp[epoch] {
			return nil
		}
		o.forwardedUp[epoch] = true
		return o.pushUp(epoch, 0, o.collectOwn(), send)
	}

	return nil
}

// pushUp sends buf, capped to depth's size budget, to the parent. depth is
// the number of tree layers buf has already crossed by the time it
// arrives at this node (0 for a leaf's own fresh collection); the outgoing
// wire tag records depth+1, since the send itself crosses one more layer.
func (o *JobOverlay) pushUp(epoch int64, depth int, buf *Buffer, send Send) error {
	capped := capToBudget(buf, o.budgetForDepth(depth))
	payload, err := encodeUpWire(byte(depth+1), capped)
	if err != nil {
		return err
	}
	return send(o.tree.ParentRank, fabric.AnytimeReduction, epoch, payload)
}

// capToBudget re-merges buf against itself solely to enforce maxSize,
// reusing the same VIP-first, increasing-length emission order Merge
// already implements.
func capToBudget(buf *Buffer, maxSize int) *Buffer {
	if maxSize <= 0 || buf.Count() <= maxSize {
		return buf
	}
	return Merge([]*Buffer{buf}, maxSize)
}

// HandleMessage processes one received overlay message: an upward push
// from a child (fabric.AnytimeReduction) or a downward broadcast from the
// parent (fabric.AnytimeBroadcast).
func (o *JobOverlay) HandleMessage(from int, inner fabric.Tag, epoch int64, payload []byte, send Send) error {
	switch inner {
	case fabric.AnytimeReduction:
		depth, buf, err := decodeUpWire(payload)
		if err != nil {
			return err
		}
		return o.handleUp(from, epoch, depth, buf, send)
	case fabric.AnytimeBroadcast:
		buf, err := Deserialize(payload)
		if err != nil {
			return err
		}
		return o.handleDown(epoch, buf, send)
	default:
		return nil
	}
}

func (o *JobOverlay) handleUp(from int, epoch int64, depth int, buf *Buffer, send Send) error {
	if !o.active() {
		return nil
	}
	left, hasLeft := o.tree.LeftChildRank()
	right, hasRight := o.tree.RightChildRank()

	rs := o.rounds[epoch]
	if rs == nil {
		rs = &roundState{}
		o.rounds[epoch] = rs
	}
	switch {
	case hasLeft && from == left:
		rs.haveLeft, rs.leftBuf, rs.leftDepth = true, buf, depth
	case hasRight && from == right:
		rs.haveRight, rs.rightBuf, rs.rightDepth = true, buf, depth
	default:
		return nil // stale or defected child, ignore
	}

	if !o.readyToMerge(rs) {
		return nil
	}

	if o.tree.IsRoot() {
		return o.completeAndBroadcast(epoch, send)
	}
	if o.forwardedUp[epoch] {
		delete(o.rounds, epoch)
		return nil
	}
	o.forwardedUp[epoch] = true

	bufs, maxDepth := o.roundContributions(rs)
	merged := Merge(bufs, o.budgetForDepth(maxDepth))
	delete(o.rounds, epoch)
	return o.pushUp(epoch, maxDepth, merged, send)
}

func (o *JobOverlay) readyToMerge(rs *roundState) bool {
	_, hasLeft := o.tree.LeftChildRank()
	_, hasRight := o.tree.RightChildRank()
	if hasLeft && !rs.haveLeft {
		return false
	}
	if hasRight && !rs.haveRight {
		return false
	}
	return true
}

// roundContributions gathers this node's own local snapshot alongside
// whatever children have pushed for the round, and the deepest layer
// count among them (spec.md §4.I buffer sizing).
func (o *JobOverlay) roundContributions(rs *roundState) ([]*Buffer, int) {
	bufs := []*Buffer{o.collectOwn()}
	maxDepth := 0
	if rs != nil {
		if rs.haveLeft {
			bufs = append(bufs, rs.leftBuf)
			if rs.leftDepth > maxDepth {
				maxDepth = rs.leftDepth
			}
		}
		if rs.haveRight {
			bufs = append(bufs, rs.rightBuf)
			if rs.rightDepth > maxDepth {
				maxDepth = rs.rightDepth
			}
		}
	}
	return bufs, maxDepth
}

// completeAndBroadcast is the root's round-finishing step: merge whatever
// children contributions have arrived (anytime -- a missing child just
// contributes nothing) with its own local collection, and broadcast down.
func (o *JobOverlay) completeAndBroadcast(epoch int64, send Send) error {
	if o.broadcastSeen[epoch] {
		delete(o.rounds, epoch)
		return nil
	}
	rs := o.rounds[epoch]
	bufs, maxDepth := o.roundContributions(rs)
	merged := Merge(bufs, o.budgetForDepth(maxDepth))
	delete(o.rounds, epoch)

	if epoch+1 > o.nextEpoch {
		o.nextEpoch = epoch + 1
	}
	return o.broadcastDown(epoch, merged, send)
}

func (o *JobOverlay) handleDown(epoch int64, buf *Buffer, send Send) error {
	if !o.active() {
		return nil
	}
	if o.broadcastSeen[epoch] {
		return nil // duplicate round, already shared (spec.md §4.I, §8 property 7)
	}
	o.broadcastSeen[epoch] = true
	delete(o.rounds, epoch)
	if epoch+1 > o.nextEpoch {
		o.nextEpoch = epoch + 1
	}

	if !o.initialized() {
		return nil // drop upstream clauses, per the uninitialised failure mode
	}
	if o.solver != nil {
		o.solver.DigestSharing(buf)
	}
	return o.broadcastDown(epoch, buf, send)
}

func (o *JobOverlay) broadcastDown(epoch int64, buf *Buffer, send Send) error {
	o.broadcastSeen[epoch] = true
	payload, err := buf.Serialize()
	if err != nil {
		return err
	}
	var errs *multierror.Error
	left, hasLeft := o.tree.LeftChildRank()
	right, hasRight := o.tree.RightChildRank()
	if hasLeft {
		if err := send(left, fabric.AnytimeBroadcast, epoch, payload); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if hasRight {
		if err := send(right, fabric.AnytimeBroadcast, epoch, payload); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func encodeUpWire(depth byte, buf *Buffer) ([]byte, error) {
	body, err := buf.Serialize()
	if err != nil {
		return nil, err
	}
	return append([]byte{depth}, body...), nil
}

func decodeUpWire(payload []byte) (int, *Buffer, error) {
	if len(payload) < 1 {
		return 0, nil, &wireError{"up-wire payload too short"}
	}
	buf, err := Deserialize(payload[1:])
	if err != nil {
		return 0, nil, err
	}
	return int(payload[0]), buf, nil
}

type wireError struct{ msg string }

func (e *wireError) Error() string { return "clauseshare: " + e.msg }
