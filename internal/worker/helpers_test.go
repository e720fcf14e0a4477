package worker_test

import (
	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/fabric"
)

// sentMsg records one outbound call a fakeTransport's owner made.
type sentMsg struct {
	dest    int
	tag     fabric.Tag
	payload []byte
}

// fakeTransport implements worker.Transport without any real socket, so
// the control loop can be driven deterministically from a test: Send
// appends to sent, Poll drains inbox in FIFO order.
type fakeTransport struct {
	sent  []sentMsg
	inbox []fabric.Handle
}

func (f *fakeTransport) Send(dest int, tag fabric.Tag, payload []byte) error {
	f.sent = append(f.sent, sentMsg{dest: dest, tag: tag, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) Poll() *fabric.Handle {
	if len(f.inbox) == 0 {
		return nil
	}
	h := f.inbox[0]
	f.inbox = f.inbox[1:]
	return &h
}

func (f *fakeTransport) deliver(source int, tag fabric.Tag, payload []byte) {
	f.inbox = append(f.inbox, fabric.Handle{Source: source, Tag: tag, Payload: append([]byte(nil), payload...)})
}

// drain moves every message from's fakeTransport has queued into the inbox
// of whichever fakeTransport owns msg.dest, tagging the source as from.
func drain(from int, transports map[int]*fakeTransport) {
	t := transports[from]
	pending := t.sent
	t.sent = nil
	for _, m := range pending {
		if dest, ok := transports[m.dest]; ok {
			dest.deliver(from, m.tag, m.payload)
		}
	}
}

// fakeBalancer is a no-op balancer.Balancer by default; tests flip done to
// true and populate volumes to drive applyVolume/pushVolumeDown without
// needing a real fleet-wide reduction.
type fakeBalancer struct {
	done    bool
	volumes map[uint32]int
}

func (b *fakeBalancer) Begin(jobs []balancer.JobInfo)                            {}
func (b *fakeBalancer) CanContinue() bool                                        { return false }
func (b *fakeBalancer) Continue(send balancer.Send) error                        { return nil }
func (b *fakeBalancer) HandleMessage(from int, tag fabric.Tag, payload []byte) error { return nil }
func (b *fakeBalancer) Forget(jobID uint32)                                      {}
func (b *fakeBalancer) Result() (map[uint32]int, bool) {
	if !b.done {
		return nil, false
	}
	return b.volumes, true
}
