package worker_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/router"
	"github.com/wtmJepsen/mallob/internal/satjob"
	"github.com/wtmJepsen/mallob/internal/worker"
)

func noLeaves() (uint32, bool) { return 0, false }

func mockFactory(job *jobdb.Job, globalID int) satjob.Solver {
	return satjob.NewMockSolver()
}

var _ = Describe("growing a job tree", func() {
	It("adopts a new child through the full FindNode handshake", func() {
		opts := &config.WorkerOptions{
			NumWorkers:         2,
			BounceAlternatives: 2,
			Derandomize:        false,
			ThreadsPerJob:      1,
			ClauseSharePeriod:  time.Minute,
			BalancePeriod:      time.Hour,
		}

		db0 := jobdb.NewDatabase()
		db1 := jobdb.NewDatabase()
		transports := map[int]*fakeTransport{0: {}, 1: {}}

		r0 := router.New(0, opts, db0, noLeaves)
		r1 := router.New(1, opts, db1, noLeaves)

		w0 := worker.New(0, opts, transports[0], db0, r0, &fakeBalancer{}, mockFactory)
		w1 := worker.New(1, opts, transports[1], db1, r1, &fakeBalancer{}, mockFactory)
		workers := map[int]*worker.Worker{0: w0, 1: w1}

		lits := []int32{1, 2, 0}
		desc := jobdb.Description{Payload: satjob.EncodeFormula(lits)}
		Expect(w0.SubmitAsRoot(42, 3.0, desc)).To(Succeed())

		job0, ok := db0.Get(42)
		Expect(ok).To(BeTrue())
		job0.Volume = 2

		now := time.Now()
		for round := 0; round < 10; round++ {
			for r := 0; r < 2; r++ {
				_, _ = workers[r].Tick(now)
			}
			for r := 0; r < 2; r++ {
				drain(r, transports)
			}
		}

		Expect(job0.State()).To(Equal(jobdb.StateActive))

		job1, ok := db1.Get(uint32(42))
		Expect(ok).To(BeTrue())
		Expect(job1.State()).To(Equal(jobdb.StateActive))
		Expect(job1.Priority).To(Equal(3.0))

		gotLits, err := satjob.DecodeFormula(job1.Description.Payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotLits).To(Equal(lits))

		Expect(db1.IsIdle()).To(BeFalse())
		Expect(transports[0].sent).To(BeEmpty())
		Expect(transports[1].sent).To(BeEmpty())
	})

	It("never originates a FindNode when volume only covers the root", func() {
		opts := &config.WorkerOptions{
			NumWorkers:         2,
			BounceAlternatives: 2,
			Derandomize:        false,
			ThreadsPerJob:      1,
			ClauseSharePeriod:  time.Minute,
			BalancePeriod:      time.Hour,
		}

		db0 := jobdb.NewDatabase()
		transports := map[int]*fakeTransport{0: {}}
		r0 := router.New(0, opts, db0, noLeaves)
		w0 := worker.New(0, opts, transports[0], db0, r0, &fakeBalancer{}, mockFactory)

		desc := jobdb.Description{Payload: satjob.EncodeFormula([]int32{1, 0})}
		Expect(w0.SubmitAsRoot(7, 1.0, desc)).To(Succeed())

		now := time.Now()
		for i := 0; i < 3; i++ {
			_, _ = w0.Tick(now)
		}

		Expect(transports[0].sent).To(BeEmpty())
	})
})
