package satjob

import (
	"context"
	"sync"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
)

// MockSolver is a deterministic, in-tree Solver used by tests and by
// anything that needs a Solver without linking a real SAT engine. It
// never actually solves anything: its Solve call blocks until either the
// context is canceled or its outcome has been armed via SetOutcome,
// simulating a solver thread that takes an arbitrary amount of wall time.
type MockSolver struct {
	mu sync.Mutex

	literals []int32
	seed     int64
	category Diversification

	interrupted bool
	interruptCh chan struct{}
	suspended   bool

	armed   chan struct{}
	outcome Outcome
	model   []int32
	failed  []int32

	toPrepare *clauseshare.Buffer
	prepared  []*clauseshare.Buffer
	digested  []*clauseshare.Buffer
}

// NewMockSolver returns an unarmed solver; call SetOutcome to make a
// pending Solve call return, or cancel its context to interrupt it.
func NewMockSolver() *MockSolver {
	return &MockSolver{armed: make(chan struct{}), interruptCh: make(chan struct{})}
}

func (m *MockSolver) AddLiteral(lit int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.literals = append(m.literals, lit)
}

func (m *MockSolver) Diversify(seed int64, category Diversification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seed = seed
	m.category = category
}

// SetOutcome arms the solver with a result and wakes any blocked Solve
// call. Calling it more than once has no effect after the first.
func (m *MockSolver) SetOutcome(outcome Outcome, model, failed []int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.armed:
		return
	default:
	}
	m.outcome = outcome
	m.model = model
	m.failed = failed
	close(m.armed)
}

func (m *MockSolver) Solve(ctx context.Context, assumptions []int32) Outcome {
	select {
	case <-m.armed:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.interrupted {
			return OutcomeUnknown
		}
		return m.outcome
	case <-m.interruptCh:
		return OutcomeUnknown
	case <-ctx.Done():
		return OutcomeUnknown
	}
}

func (m *MockSolver) Interrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interrupted {
		return
	}
	m.interrupted = true
	close(m.interruptCh)
}

func (m *MockSolver) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = true
}

func (m *MockSolver) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = false
}

func (m *MockSolver) Solution() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

func (m *MockSolver) FailedAssumptions() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// SetSharing arms the buffer PrepareSharing returns on its next call.
func (m *MockSolver) SetSharing(buf *clauseshare.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toPrepare = buf
}

func (m *MockSolver) PrepareSharing(max int) *clauseshare.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.toPrepare
	if buf == nil {
		buf = clauseshare.NewBuffer()
	}
	m.prepared = append(m.prepared, buf)
	return buf
}

func (m *MockSolver) DigestSharing(buf *clauseshare.Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digested = append(m.digested, buf)
}

// Digested returns every buffer DigestSharing has received, for
// assertions in tests.
func (m *MockSolver) Digested() []*clauseshare.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.digested
}

// Literals returns the clause stream AddLiteral has accumulated, for
// assertions in tests.
func (m *MockSolver) Literals() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.literals
}

// Category returns the diversification category Diversify last assigned.
func (m *MockSolver) Category() Diversification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.category
}

// IsSuspended reports whether Suspend was called more recently than
// Resume.
func (m *MockSolver) IsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// IsInterrupted reports whether Interrupt has been called.
func (m *MockSolver) IsInterrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}
