// Package balancer defines the capability-set interface both balancer
// algorithms (spec.md §4.G, §4.H) implement, per spec.md §9's
// {begin, can_continue, continue, handle_message, result, forget} shape.
package balancer

import "github.com/wtmJepsen/mallob/internal/fabric"

// JobInfo is the per-job input a balancer round consumes: the local
// worker's view of one active job's demand and priority (spec.md §3).
type JobInfo struct {
	JobID    uint32
	Demand   int
	Priority float64
	// CurrentVolume is the job's volume as of the previous round, used as
	// the "already at demand" and "current" baseline in §4.G step 3.
	CurrentVolume int
}

// Send is the outbound-message hook injected into Continue, so a Balancer
// implementation never holds a concrete transport: the worker control
// loop supplies whatever fabric.Transport.Send it is already driving.
type Send func(peer int, tag fabric.Tag, payload []byte) error

// Balancer drives one fair-share computation to completion via a sequence
// of non-blocking Continue calls interleaved with fabric messages, never
// blocking the control thread (spec.md §5's cooperative-concurrency rule).
type Balancer interface {
	// Begin starts a new round over the given local jobs.
	Begin(jobs []JobInfo)
	// CanContinue reports whether Continue has useful work to do right now
	// without blocking (e.g. a non-blocking poll found a ready reduction
	// step).
	CanContinue() bool
	// Continue advances the round by one step, sending via send whenever
	// the butterfly schedule calls for it.
	Continue(send Send) error
	// HandleMessage processes one fabric message pertaining to this
	// balancer's round.
	HandleMessage(from int, tag fabric.Tag, payload []byte) error
	// Result returns the latest computed volumes and whether the round
	// that produced them has completed.
	Result() (volumes map[uint32]int, done bool)
	// Forget discards any state held for jobID (spec.md §4.H's
	// termination-via-zero-event hook, also meaningful for the cutoff
	// balancer once a job goes PAST).
	Forget(jobID uint32)
}
