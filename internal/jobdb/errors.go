package jobdb

import "github.com/pkg/errors"

var (
	// ErrJobNotFound is returned when an operation names a job id this
	// database has never heard of. Per spec.md §7, callers on the message-
	// handling path treat this as an obsolete-state case to discard, not a
	// bug to surface.
	ErrJobNotFound = errors.New("jobdb: job not found")

	// ErrNoCommitmentSlot is returned by internal/worker's SubmitAsRoot
	// when a worker cannot accept a new commitment because its single load
	// slot or commitment set is already occupied.
	ErrNoCommitmentSlot = errors.New("jobdb: no free commitment slot")
)
