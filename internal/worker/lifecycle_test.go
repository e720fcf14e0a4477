package worker_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/router"
	"github.com/wtmJepsen/mallob/internal/worker"
)

var _ = Describe("limit enforcement", func() {
	It("aborts a job that exceeded its wall-clock limit and fans the abort out to its child", func() {
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

		desc := jobdb.Description{Payload: []byte{}}
		Expect(w0.SubmitAsRoot(5, 1.0, desc)).To(Succeed())
		job0, ok := db0.Get(5)
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

		job1, ok := db1.Get(uint32(5))
		Expect(ok).To(BeTrue())
		Expect(job1.State()).To(Equal(jobdb.StateActive))

		job0.WallClockLimit = time.Nanosecond

		for round := 0; round < 3; round++ {
			for r := 0; r < 2; r++ {
				_, _ = workers[r].Tick(now)
			}
			for r := 0; r < 2; r++ {
				drain(r, transports)
			}
		}

		Expect(job0.State()).To(Equal(jobdb.StatePast))
		Expect(job1.State()).To(Equal(jobdb.StatePast))
		Expect(db0.IsIdle()).To(BeTrue())
		Expect(db1.IsIdle()).To(BeTrue())
	})
})
