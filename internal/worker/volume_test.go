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

var _ = Describe("volume propagation", func() {
	It("pushes a newly-computed volume from the root down to a known child", func() {
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

		bal0 := &fakeBalancer{}
		w0 := worker.New(0, opts, transports[0], db0, r0, bal0, mockFactory)
		w1 := worker.New(1, opts, transports[1], db1, r1, &fakeBalancer{}, mockFactory)
		workers := map[int]*worker.Worker{0: w0, 1: w1}

		desc := jobdb.Description{Payload: []byte{}}
		Expect(w0.SubmitAsRoot(99, 1.0, desc)).To(Succeed())
		job0, ok := db0.Get(99)
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

		job1, ok := db1.Get(uint32(99))
		Expect(ok).To(BeTrue())
		Expect(job1.Volume).To(Equal(1)) // default, not yet told otherwise

		bal0.done = true
		bal0.volumes = map[uint32]int{99: 4}

		for round := 0; round < 8; round++ {
			for r := 0; r < 2; r++ {
				_, _ = workers[r].Tick(now)
			}
			for r := 0; r < 2; r++ {
				drain(r, transports)
			}
		}

		Expect(job0.Volume).To(Equal(4))
		Expect(job1.Volume).To(Equal(4))
	})
})
