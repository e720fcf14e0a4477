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

var _ = Describe("job-scoped clause communication", func() {
	It("routes a leaf's upward push through the root and back down as a broadcast", func() {
		var created []*satjob.MockSolver
		factory := func(job *jobdb.Job, globalID int) satjob.Solver {
			s := satjob.NewMockSolver()
			created = append(created, s)
			return s
		}

		opts := &config.WorkerOptions{
			NumWorkers:         2,
			BounceAlternatives: 2,
			Derandomize:        false,
			ThreadsPerJob:      1,
			ClauseSharePeriod:  time.Nanosecond,
			BalancePeriod:      time.Hour,
		}

		db0 := jobdb.NewDatabase()
		db1 := jobdb.NewDatabase()
		transports := map[int]*fakeTransport{0: {}, 1: {}}

		r0 := router.New(0, opts, db0, noLeaves)
		r1 := router.New(1, opts, db1, noLeaves)

		w0 := worker.New(0, opts, transports[0], db0, r0, &fakeBalancer{}, factory)
		w1 := worker.New(1, opts, transports[1], db1, r1, &fakeBalancer{}, factory)
		workers := map[int]*worker.Worker{0: w0, 1: w1}

		desc := jobdb.Description{Payload: []byte{}}
		Expect(w0.SubmitAsRoot(11, 1.0, desc)).To(Succeed())
		job0, ok := db0.Get(11)
		Expect(ok).To(BeTrue())
		job0.Volume = 2

		for round := 0; round < 40; round++ {
			for r := 0; r < 2; r++ {
				_, _ = workers[r].Tick(time.Now())
			}
			for r := 0; r < 2; r++ {
				drain(r, transports)
			}
		}

		Expect(created).To(HaveLen(2))
		leafSolver := created[1]
		Expect(leafSolver.Digested()).ToNot(BeEmpty())
	})
})
