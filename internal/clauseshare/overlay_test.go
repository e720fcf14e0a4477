package clauseshare_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/jobtree"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type mockSolver struct {
	toPrepare *clauseshare.Buffer
	prepared  []*clauseshare.Buffer
	digested  []*clauseshare.Buffer
}

func (m *mockSolver) PrepareSharing(max int) *clauseshare.Buffer {
	buf := m.toPrepare
	if buf == nil {
		buf = clauseshare.NewBuffer()
	}
	m.prepared = append(m.prepared, buf)
	return buf
}

func (m *mockSolver) DigestSharing(buf *clauseshare.Buffer) {
	m.digested = append(m.digested, buf)
}

type wireMsg struct {
	to      int
	inner   fabric.Tag
	epoch   int64
	payload []byte
}

func activeStatus() jobdb.State { return jobdb.StateActive }
func alwaysInitialized() bool   { return true }

var _ = Describe("JobOverlay", func() {
	It("propagates a leaf's clauses up to the root and back down", func() {
		clk := &fakeClock{t: time.Unix(0, 0)}
		cfg := clauseshare.Config{Period: 10 * time.Second, Base: 100, Mult: 2}

		rootTree := jobtree.New(1, 0, 0, 0)
		leafTree := jobtree.New(1, 1, 0, 0)
		rootTree.SetLeftChild(1)

		rootSolver := &mockSolver{}
		leafSolver := &mockSolver{toPrepare: func() *clauseshare.Buffer {
			b := clauseshare.NewBuffer()
			b.Add(clauseshare.Clause{10, 20})
			return b
		}()}

		root := clauseshare.NewJobOverlay(1, rootTree, cfg, rootSolver, activeStatus, alwaysInitialized, clk.Now)
		leaf := clauseshare.NewJobOverlay(1, leafTree, cfg, leafSolver, activeStatus, alwaysInitialized, clk.Now)

		var outbox []wireMsg
		sendFrom := func() clauseshare.Send {
			return func(peer int, inner fabric.Tag, epoch int64, payload []byte) error {
				outbox = append(outbox, wireMsg{to: peer, inner: inner, epoch: epoch, payload: payload})
				return nil
			}
		}

		clk.Advance(cfg.Period)
		Expect(leaf.Tick(sendFrom())).To(Succeed())
		Expect(outbox).To(HaveLen(1))
		Expect(leafSolver.prepared).To(HaveLen(1))

		up := outbox[0]
		outbox = nil
		Expect(up.to).To(Equal(0))
		Expect(up.inner).To(Equal(fabric.AnytimeReduction))

		Expect(root.HandleMessage(1, up.inner, up.epoch, up.payload, sendFrom())).To(Succeed())
		Expect(rootSolver.prepared).To(HaveLen(1))
		Expect(outbox).To(HaveLen(1))

		down := outbox[0]
		outbox = nil
		Expect(down.to).To(Equal(1))
		Expect(down.inner).To(Equal(fabric.AnytimeBroadcast))

		Expect(leaf.HandleMessage(0, down.inner, down.epoch, down.payload, sendFrom())).To(Succeed())
		Expect(leafSolver.digested).To(HaveLen(1))
		Expect(leafSolver.digested[0].Lengths).NotTo(BeEmpty())

		// Re-delivering the same broadcast is a no-op (property 7).
		Expect(leaf.HandleMessage(0, down.inner, down.epoch, down.payload, sendFrom())).To(Succeed())
		Expect(leafSolver.digested).To(HaveLen(1))
	})

	It("treats PAST/SUSPENDED workers as ignoring overlay traffic", func() {
		clk := &fakeClock{t: time.Unix(0, 0)}
		cfg := clauseshare.Config{Period: 10 * time.Second, Base: 100, Mult: 2}
		leafTree := jobtree.New(1, 1, 0, 0)
		solver := &mockSolver{}
		past := func() jobdb.State { return jobdb.StatePast }

		leaf := clauseshare.NewJobOverlay(1, leafTree, cfg, solver, past, alwaysInitialized, clk.Now)

		buf := clauseshare.NewBuffer()
		payload, err := buf.Serialize()
		Expect(err).NotTo(HaveOccurred())

		noSend := func(int, fabric.Tag, int64, []byte) error { return nil }
		Expect(leaf.HandleMessage(0, fabric.AnytimeBroadcast, 1, payload, noSend)).To(Succeed())
		Expect(solver.digested).To(BeEmpty())
	})
})
