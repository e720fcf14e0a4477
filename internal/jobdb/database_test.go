package jobdb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/jobdb"
)

var _ = Describe("Database placement bookkeeping", func() {
	var db *jobdb.Database

	BeforeEach(func() {
		db = jobdb.NewDatabase()
	})

	It("is idle with no load and no commitments", func() {
		Expect(db.IsIdle()).To(BeTrue())
	})

	It("TryCommit succeeds once and fails while the commitment is outstanding", func() {
		Expect(db.TryCommit(1, 0)).To(BeTrue())
		Expect(db.IsIdle()).To(BeFalse())
		Expect(db.TryCommit(2, 0)).To(BeFalse())
	})

	It("forbids holding a commitment while also loaded with a different job (spec.md §9 Open Question)", func() {
		Expect(db.TryCommit(1, 0)).To(BeTrue())
		db.ResolveCommitment(1, true)
		Expect(db.TryCommit(2, 0)).To(BeFalse())
	})

	It("frees the slot once the load is released", func() {
		Expect(db.TryCommit(1, 0)).To(BeTrue())
		db.ResolveCommitment(1, true)
		Expect(db.IsIdle()).To(BeFalse())

		db.ReleaseLoad(1)
		Expect(db.IsIdle()).To(BeTrue())
	})

	It("releases the commitment outright on rejection", func() {
		Expect(db.TryCommit(1, 0)).To(BeTrue())
		db.ResolveCommitment(1, false)
		Expect(db.IsIdle()).To(BeTrue())
	})

	It("treats an unknown job id as past", func() {
		Expect(db.IsPast(999)).To(BeTrue())
	})

	It("MarkPast on an unknown job returns ErrJobNotFound", func() {
		Expect(db.MarkPast(999)).To(MatchError(jobdb.ErrJobNotFound))
	})

	It("refuses to forget a job that isn't PAST", func() {
		j := jobdb.NewJob(5, 1.0, jobdb.Description{})
		db.Put(j)
		Expect(db.Forget(5)).To(HaveOccurred())
	})

	It("forgets a PAST job", func() {
		j := jobdb.NewJob(5, 1.0, jobdb.Description{})
		Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(j.Transition(jobdb.StatePast)).To(Succeed())
		db.Put(j)

		Expect(db.Forget(5)).To(Succeed())
		_, ok := db.Get(5)
		Expect(ok).To(BeFalse())
	})

	It("TryLock runs fn only while the per-job mutex is free", func() {
		j := jobdb.NewJob(5, 1.0, jobdb.Description{})
		db.Put(j)

		ran := false
		ok := db.TryLock(5, func(*jobdb.Job) { ran = true })
		Expect(ok).To(BeTrue())
		Expect(ran).To(BeTrue())
	})

	It("TryLock reports false for an unknown job", func() {
		ok := db.TryLock(123, func(*jobdb.Job) {})
		Expect(ok).To(BeFalse())
	})

	It("flushes terminations across every known PAST job, aggregating failures", func() {
		for _, id := range []uint32{1, 2, 3} {
			j := jobdb.NewJob(id, 1.0, jobdb.Description{})
			Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
			Expect(j.Transition(jobdb.StatePast)).To(Succeed())
			db.Put(j)
		}

		var notified []uint32
		err := db.FlushTerminations(func(id uint32) error {
			notified = append(notified, id)
			if id == 2 {
				return jobdb.ErrJobNotFound
			}
			return nil
		})
		Expect(notified).To(HaveLen(3))
		Expect(err).To(HaveOccurred())
	})

	It("finds the largest inactive description for memory-bound forgetting", func() {
		small := jobdb.NewJob(1, 1.0, jobdb.Description{Payload: make([]byte, 10)})
		Expect(small.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(small.Transition(jobdb.StatePast)).To(Succeed())
		db.Put(small)

		big := jobdb.NewJob(2, 1.0, jobdb.Description{Payload: make([]byte, 1000)})
		Expect(big.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(big.Transition(jobdb.StatePast)).To(Succeed())
		db.Put(big)

		id, size, ok := db.LargestInactiveDescription()
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(uint32(2)))
		Expect(size).To(Equal(1000))
	})
})
