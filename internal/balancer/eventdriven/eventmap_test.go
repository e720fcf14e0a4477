package eventdriven_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/balancer/eventdriven"
)

var _ = Describe("EventMap", func() {
	It("keeps the higher-epoch event on insert (dominance)", func() {
		m := eventdriven.NewEventMap()
		Expect(m.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 1, Demand: 4, Priority: 1.0})).To(BeTrue())
		Expect(m.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 0, Demand: 9, Priority: 9.0})).To(BeFalse())

		e, ok := m.Get(1)
		Expect(ok).To(BeTrue())
		Expect(e.Epoch).To(Equal(int64(1)))
		Expect(e.Demand).To(Equal(int32(4)))
	})

	It("is idempotent under repeated merge (property 3)", func() {
		a := eventdriven.NewEventMap()
		a.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 3, Demand: 2, Priority: 1.0})
		b := eventdriven.NewEventMap()
		b.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 3, Demand: 2, Priority: 1.0})

		changed1 := a.Merge(b)
		changed2 := a.Merge(b)
		Expect(changed1).To(BeFalse())
		Expect(changed2).To(BeFalse())
	})

	It("merges commutatively and associatively regardless of arrival order (property 1)", func() {
		e1 := eventdriven.Event{JobID: 1, Epoch: 5, Demand: 3, Priority: 2.0}
		e2 := eventdriven.Event{JobID: 1, Epoch: 2, Demand: 1, Priority: 1.0}
		e3 := eventdriven.Event{JobID: 2, Epoch: 1, Demand: 8, Priority: 4.0}

		order1 := eventdriven.NewEventMap()
		order1.InsertIfNovel(e1)
		order1.InsertIfNovel(e2)
		order1.InsertIfNovel(e3)

		order2 := eventdriven.NewEventMap()
		order2.InsertIfNovel(e3)
		order2.InsertIfNovel(e2)
		order2.InsertIfNovel(e1)

		for _, id := range []uint32{1, 2} {
			v1, ok1 := order1.Get(id)
			v2, ok2 := order2.Get(id)
			Expect(ok1).To(Equal(ok2))
			Expect(v1).To(Equal(v2))
		}
	})

	It("round-trips through Serialize/MergeFrom (property 2)", func() {
		m := eventdriven.NewEventMap()
		m.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 2, Demand: 4, Priority: 1.5})
		m.InsertIfNovel(eventdriven.Event{JobID: 7, Epoch: 0, Demand: 0, Priority: 0})

		data, err := m.Serialize()
		Expect(err).NotTo(HaveOccurred())

		out := eventdriven.NewEventMap()
		Expect(out.MergeFrom(data)).To(Succeed())
		Expect(out.Len()).To(Equal(m.Len()))

		e, ok := out.Get(1)
		Expect(ok).To(BeTrue())
		Expect(e).To(Equal(eventdriven.Event{JobID: 1, Epoch: 2, Demand: 4, Priority: 1.5}))

		term, ok := out.Get(7)
		Expect(ok).To(BeTrue())
		Expect(term.IsTermination()).To(BeTrue())
	})

	It("drops entries already reflected in the known map via FilterBy", func() {
		known := eventdriven.NewEventMap()
		known.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 3, Demand: 4, Priority: 1.0})

		diff := eventdriven.NewEventMap()
		diff.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 3, Demand: 4, Priority: 1.0}) // already known
		diff.InsertIfNovel(eventdriven.Event{JobID: 2, Epoch: 1, Demand: 1, Priority: 1.0}) // novel

		novel := diff.FilterBy(known)
		Expect(novel.Len()).To(Equal(1))
		_, ok := novel.Get(2)
		Expect(ok).To(BeTrue())
	})

	It("reports TerminatedJobs only for zero-valued events", func() {
		m := eventdriven.NewEventMap()
		m.InsertIfNovel(eventdriven.Event{JobID: 1, Epoch: 1, Demand: 4, Priority: 1.0})
		m.InsertIfNovel(eventdriven.Event{JobID: 2, Epoch: 1, Demand: 0, Priority: 0})

		Expect(m.TerminatedJobs()).To(ConsistOf(uint32(2)))
	})
})
