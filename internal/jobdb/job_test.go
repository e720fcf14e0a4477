package jobdb_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/jobdb"
)

var _ = Describe("Job lifecycle", func() {
	It("starts at NONE", func() {
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		Expect(j.State()).To(Equal(jobdb.StateNone))
	})

	It("walks the legal NONE->COMMITTED->INITIALIZING->ACTIVE->SUSPENDED->ACTIVE->PAST path", func() {
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(j.Transition(jobdb.StateInitializing)).To(Succeed())
		Expect(j.Transition(jobdb.StateActive)).To(Succeed())
		Expect(j.Transition(jobdb.StateSuspended)).To(Succeed())
		Expect(j.Transition(jobdb.StateActive)).To(Succeed())
		Expect(j.Transition(jobdb.StatePast)).To(Succeed())
	})

	It("rejects skipping COMMITTED", func() {
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		err := j.Transition(jobdb.StateActive)
		Expect(err).To(HaveOccurred())
	})

	It("treats PAST as absorbing", func() {
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(j.Transition(jobdb.StatePast)).To(Succeed())
		Expect(j.Transition(jobdb.StateInitializing)).To(HaveOccurred())
	})

	It("IsDestructible only once PAST", func() {
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		Expect(j.IsDestructible()).To(BeFalse())
		Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(j.Transition(jobdb.StatePast)).To(Succeed())
		Expect(j.IsDestructible()).To(BeTrue())
	})
})

var _ = Describe("GrowthSchedule.Demand", func() {
	It("returns the demand cap when no growth period is configured", func() {
		g := jobdb.GrowthSchedule{MaxDemand: 4}
		Expect(g.Demand(0, 1)).To(Equal(4))
	})

	It("caps non-continuous growth at volume+1 between ticks", func() {
		g := jobdb.GrowthSchedule{Period: time.Second, MaxDemand: 4}
		Expect(g.Demand(5*time.Second, 1)).To(Equal(2))
	})

	It("never returns less than 1", func() {
		g := jobdb.GrowthSchedule{}
		Expect(g.Demand(0, 0)).To(BeNumerically(">=", 1))
	})
})
