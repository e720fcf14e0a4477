package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

// ErrWatchdogTimeout is returned (wrapped) by WithDeadline when a blocking
// fabric call outlives its watchdog budget. Callers that treat a
// fail-stopped fabric as fatal can match against it with errors.Is.
var ErrWatchdogTimeout = errors.New("fabric: operation exceeded watchdog budget")

// Handle is a completed, owned receive: the source rank, the tag it
// arrived on, and the payload bytes (spec.md §4.B).
type Handle struct {
	Source  int
	Tag     Tag
	Payload []byte

	deferred bool
}

// Endpoints maps worker rank to a dialable ZMQ endpoint string. The fabric
// itself does not care how this mapping was obtained (static config, a
// rendezvous service, ...); it is supplied at construction time.
type Endpoints func(rank int) string

// Transport is the messaging adapter described in spec.md §4.B: typed,
// non-blocking send/recv with source rank and integer tag, built over one
// ROUTER socket (for inbound connections from every peer) and one DEALER
// socket per outbound peer -- the same "one long-lived socket per logical
// channel, identified by a small MessageType enum" shape as the teacher's
// types.Socket wrapper, generalized from five fixed Jupyter channels to an
// arbitrary Tag.
type Transport struct {
	mu sync.Mutex

	rank      int
	endpoints Endpoints
	log       logger.Logger

	router  zmq4.Socket
	dealers map[int]zmq4.Socket

	inbox    chan Handle
	deferred []Handle

	inFlight cmap.ConcurrentMap[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTransport creates a Transport bound to rank's well-known ROUTER
// endpoint. Call Start to begin accepting inbound connections.
func NewTransport(rank int, endpoints Endpoints) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		rank:      rank,
		endpoints: endpoints,
		dealers:   make(map[int]zmq4.Socket),
		inbox:     make(chan Handle, 256),
		inFlight:  cmap.New[struct{}](),
		ctx:       ctx,
		cancel:    cancel,
	}
	config.InitLogger(&t.log, t)
	return t
}

func (t *Transport) String() string {
	return fmt.Sprintf("Transport[rank=%d]", t.rank)
}

// Start binds the inbound ROUTER socket and launches the background
// receive pump that feeds Poll. The pump is the only goroutine that reads
// the socket; every other method only touches channels/maps, keeping the
// control loop's Poll call non-blocking per spec.md §4.B / §5.
func (t *Transport) Start() error {
	t.router = zmq4.NewRouter(t.ctx)
	endpoint := t.endpoints(t.rank)
	if err := t.router.Listen(endpoint); err != nil {
		return fmt.Errorf("fabric: listen on %s: %w", endpoint, err)
	}

	go t.recvLoop()
	return nil
}

func (t *Transport) recvLoop() {
	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.Warn("recv error on %s: %v", t, err)
				continue
			}
		}
		h, err := decodeEnvelope(msg.Frames)
		if err != nil {
			t.log.Warn("dropping malformed frame on %s: %v", t, err)
			continue
		}
		select {
		case t.inbox <- h:
		case <-t.ctx.Done():
			return
		}
	}
}

// dealerFor returns (creating if necessary) the outbound DEALER socket
// connected to dest's ROUTER endpoint.
func (t *Transport) dealerFor(dest int) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.dealers[dest]; ok {
		return d, nil
	}

	d := zmq4.NewDealer(t.ctx)
	endpoint := t.endpoints(dest)
	if err := d.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("fabric: dial %s (rank %d): %w", endpoint, dest, err)
	}
	t.dealers[dest] = d
	return d, nil
}

// Send is non-blocking from the caller's point of view: the ZMQ DEALER
// socket buffers the write and Send returns as soon as the frame has been
// handed to the socket, matching spec.md §4.B's "non-blocking send".
func (t *Transport) Send(dest int, tag Tag, payload []byte) error {
	d, err := t.dealerFor(dest)
	if err != nil {
		return err
	}

	frames := encodeEnvelope(t.rank, tag, payload)
	if err := d.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("fabric: send to rank %d tag %s: %w", dest, tag, err)
	}
	return nil
}

// Poll returns a completed receive if one is queued, or nil if the inbox
// is currently empty. It never blocks -- callers that want to wait should
// loop with their own sleep/yield strategy (spec.md §5 "suspension
// points").
func (t *Transport) Poll() *Handle {
	if len(t.deferred) > 0 {
		h := t.deferred[0]
		t.deferred = t.deferred[1:]
		return &h
	}

	select {
	case h := <-t.inbox:
		return &h
	default:
		return nil
	}
}

// Defer re-queues a received handle for later re-dispatch (spec.md §4.B),
// e.g. when a handler discovers the job the message pertains to is not
// INITIALIZING yet and wants to look at it again on a later tick.
func (t *Transport) Defer(h Handle) {
	h.deferred = true
	t.deferred = append(t.deferred, h)
}

// TestSent reaps outgoing buffers. ZMQ's DEALER sockets manage their own
// send buffers internally, so this is a no-op retained to keep the
// interface shape spec.md §4.B specifies explicit; it exists so callers
// written against the abstract adapter contract do not need a transport-
// specific branch.
func (t *Transport) TestSent() {}

// Close tears down every socket and stops the receive pump.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	if t.router != nil {
		if err := t.router.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, d := range t.dealers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithDeadline wraps a blocking fabric operation with the mpi-monitor
// watchdog's wall-clock budget (spec.md §5): if fn does not return before
// the deadline elapses, WithDeadline returns an error wrapping
// ErrWatchdogTimeout without waiting for fn. It does not abort the process
// itself; Worker.send does that on seeing the error.
func WithDeadline(budget time.Duration, fn func() error) error {
	if budget <= 0 {
		return fn()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(budget):
		return fmt.Errorf("%w of %s", ErrWatchdogTimeout, budget)
	}
}

func encodeEnvelope(source int, tag Tag, payload []byte) [][]byte {
	header := make([]byte, 8)
	putUint32(header[0:4], uint32(source))
	putUint32(header[4:8], uint32(tag))
	return [][]byte{header, payload}
}

func decodeEnvelope(frames [][]byte) (Handle, error) {
	// ROUTER sockets prepend the originating DEALER's identity frame;
	// everything after it is the frame pair this adapter wrote.
	if len(frames) < 2 {
		return Handle{}, fmt.Errorf("fabric: expected at least 2 frames, got %d", len(frames))
	}
	header := frames[len(frames)-2]
	payload := frames[len(frames)-1]
	if len(header) < 8 {
		return Handle{}, fmt.Errorf("fabric: malformed envelope header")
	}
	return Handle{
		Source:  int(getUint32(header[0:4])),
		Tag:     Tag(getUint32(header[4:8])),
		Payload: payload,
	}, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
