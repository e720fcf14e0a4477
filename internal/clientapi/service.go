// Package clientapi is the client-facing submission service of
// SPEC_FULL.md §4.N: a small ZMQ ROUTER-socket endpoint, one per worker
// process, that lets an external client submit a job and poll for its
// result without joining the fabric's fixed-rank peer set itself --
// the same ROUTER-socket shape internal/fabric uses for worker-to-worker
// traffic, re-expressed for an open set of transient client connections
// instead of a second transport (gRPC, HTTP, ...) bolted on beside it.
package clientapi

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"

	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/worker"
)

// opcode identifies a client request. Fixed at one byte, mirroring the
// fixed-width framing internal/fabric uses for its own envelope header.
type opcode byte

const (
	opSubmitJob opcode = 0
	opGetResult opcode = 1
)

// status is the first byte of every reply.
type status byte

const (
	statusOK      status = 0
	statusPending status = 1
	statusBusy    status = 2 // no local commitment slot; client should retry a different worker
	statusError   status = 3
)

// Service binds one ZMQ ROUTER socket per worker process and turns
// SubmitJob/GetResult requests into calls against the attached Worker.
// It does not itself place jobs on other ranks: a worker that is already
// loaded (its single commitment slot is occupied, spec.md §4.E) answers
// SubmitJob with statusBusy rather than forwarding the request over the
// fabric, leaving retry-against-a-different-endpoint to the client or
// whatever load-balancing proxy sits in front of the fleet -- spec.md's
// own scope note already places "the client-side interface that submits
// jobs" outside the scheduler, and FindNode is never originated for a
// job's own root anywhere else in this tree.
type Service struct {
	rank int
	port int
	w    *worker.Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	router zmq4.Socket
	nextID atomic.Uint32

	log logger.Logger
}

// New creates a Service bound to w. Call Start to begin accepting
// connections.
func New(rank, port int, w *worker.Worker) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		rank:   rank,
		port:   port,
		w:      w,
		ctx:    ctx,
		cancel: cancel,
	}
	goutilscfg.InitLogger(&s.log, s)
	return s
}

func (s *Service) String() string {
	return fmt.Sprintf("clientapi.Service[rank=%d]", s.rank)
}

// Start binds the inbound ROUTER socket and launches the background
// receive pump, the same split internal/fabric.Transport.Start uses: one
// goroutine owns the socket, every request is handled synchronously
// against the Worker from that same goroutine so no locking is needed
// around w.SubmitAsRoot/w.Result.
func (s *Service) Start() error {
	s.router = zmq4.NewRouter(s.ctx)
	endpoint := fmt.Sprintf("tcp://*:%d", s.port)
	if err := s.router.Listen(endpoint); err != nil {
		return fmt.Errorf("clientapi: listen on %s: %w", endpoint, err)
	}

	s.wg.Add(1)
	go s.recvLoop()
	return nil
}

// Stop tears down the socket and waits for the receive pump to exit.
func (s *Service) Stop() error {
	s.cancel()
	var err error
	if s.router != nil {
		err = s.router.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Service) recvLoop() {
	defer s.wg.Done()
	for {
		msg, rerr := s.router.Recv()
		if rerr != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("clientapi: recv error on %s: %v", s, rerr)
				continue
			}
		}
		if err := s.handle(msg.Frames); err != nil {
			s.log.Warn("clientapi: handling request on %s: %v", s, err)
		}
	}
}

// handle dispatches one ROUTER frame set: [identity, opcode, body...].
func (s *Service) handle(frames [][]byte) error {
	if len(frames) < 2 {
		return fmt.Errorf("clientapi: expected at least 2 frames, got %d", len(frames))
	}
	identity := frames[0]
	body := frames[len(frames)-1]
	if len(body) < 1 {
		return s.reply(identity, statusError, nil)
	}

	switch opcode(body[0]) {
	case opSubmitJob:
		return s.handleSubmitJob(identity, body[1:])
	case opGetResult:
		return s.handleGetResult(identity, body[1:])
	default:
		return s.reply(identity, statusError, nil)
	}
}

// handleSubmitJob decodes the request with decodeSubmitRequest (the
// server-side inverse of the exported EncodeSubmitRequest a client
// library builds) and hands it to SubmitAsRoot unconditionally: the root
// of a job never needs to FindNode itself into its own tree, so there is
// no network hop between accepting the request and having it committed.
func (s *Service) handleSubmitJob(identity []byte, body []byte) error {
	priority, desc, err := decodeSubmitRequest(body)
	if err != nil {
		return s.reply(identity, statusError, nil)
	}

	jobID := s.generateID()
	if err := s.w.SubmitAsRoot(jobID, priority, desc); err != nil {
		if err == jobdb.ErrNoCommitmentSlot {
			return s.reply(identity, statusBusy, nil)
		}
		return s.reply(identity, statusError, nil)
	}

	idBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(idBuf, jobID)
	return s.reply(identity, statusOK, idBuf)
}

// handleGetResult answers with statusPending until the job's root has
// recorded a result (worker.Worker.Result), then forwards the
// already-wire-encoded satjob.Result bytes unchanged -- clientapi has no
// reason to decode what it is only relaying.
func (s *Service) handleGetResult(identity []byte, body []byte) error {
	jobID, err := decodeGetResultRequest(body)
	if err != nil {
		return s.reply(identity, statusError, nil)
	}
	res, ok := s.w.Result(jobID)
	if !ok {
		return s.reply(identity, statusPending, nil)
	}
	return s.reply(identity, statusOK, res)
}

func (s *Service) reply(identity []byte, st status, payload []byte) error {
	frame := append([]byte{byte(st)}, payload...)
	return s.router.Send(zmq4.NewMsgFrom(identity, frame))
}

// generateID mints a job id unique across the whole fleet without any
// cross-rank coordination: the high byte is this worker's rank, the low
// three bytes a local counter, so two clientapi.Service instances on
// different ranks never collide.
func (s *Service) generateID() uint32 {
	n := s.nextID.Add(1)
	return uint32(s.rank)<<24 | (n & 0x00FFFFFF)
}
