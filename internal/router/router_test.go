package router_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/router"
)

func noLeaves() (uint32, bool) { return 0, false }

var _ = Describe("Router.Handle", func() {
	var opts *config.WorkerOptions

	BeforeEach(func() {
		opts = config.Default()
		opts.NumWorkers = 8
	})

	It("adopts any request when idle", func() {
		db := jobdb.NewDatabase()
		r := router.New(3, opts, db, noLeaves)

		req := fabric.JobRequest{JobID: 1, RequestingRank: 0, RequestedIndex: 2, TimeOfBirthUnix: 100}
		d := r.Handle(req, 5)
		Expect(d.Outcome).To(Equal(router.OutcomeAdopt))
	})

	It("bounces when busy, never back to the sender or the requester", func() {
		db := jobdb.NewDatabase()
		Expect(db.TryCommit(99, 0)).To(BeTrue())
		r := router.New(3, opts, db, noLeaves)

		req := fabric.JobRequest{JobID: 1, RequestingRank: 0, RequestedIndex: 2, TimeOfBirthUnix: 100, NumHops: 1}
		d := r.Handle(req, 5)
		Expect(d.Outcome).To(Equal(router.OutcomeBounce))
		Expect(d.NextHop).NotTo(Equal(0))
		Expect(d.NextHop).NotTo(Equal(5))
		Expect(d.NextHop).NotTo(Equal(3))
	})

	It("discards once the request has exhausted its non-root hop budget", func() {
		db := jobdb.NewDatabase()
		Expect(db.TryCommit(99, 0)).To(BeTrue())
		r := router.New(3, opts, db, noLeaves)

		req := fabric.JobRequest{
			JobID: 1, RequestingRank: 0, RequestedIndex: 2,
			TimeOfBirthUnix: 100, NumHops: int32(opts.MaxHopsForNonRoot()),
		}
		d := r.Handle(req, 5)
		Expect(d.Outcome).To(Equal(router.OutcomeDiscard))
	})

	It("discards a request for a job already known to be PAST", func() {
		db := jobdb.NewDatabase()
		j := jobdb.NewJob(1, 1.0, jobdb.Description{})
		Expect(j.Transition(jobdb.StateCommitted)).To(Succeed())
		Expect(j.Transition(jobdb.StatePast)).To(Succeed())
		db.Put(j)
		r := router.New(3, opts, db, noLeaves)

		req := fabric.JobRequest{JobID: 1, RequestingRank: 0, RequestedIndex: 2, TimeOfBirthUnix: 100}
		d := r.Handle(req, 5)
		Expect(d.Outcome).To(Equal(router.OutcomeDiscard))
	})

	It("discards a request superseded by a later-born offer for the same slot", func() {
		db := jobdb.NewDatabase()
		r := router.New(3, opts, db, noLeaves)

		later := fabric.JobRequest{JobID: 1, RequestingRank: 0, RequestedIndex: 2, TimeOfBirthUnix: 200}
		Expect(r.Handle(later, 5).Outcome).To(Equal(router.OutcomeAdopt))

		earlier := fabric.JobRequest{JobID: 1, RequestingRank: 0, RequestedIndex: 2, TimeOfBirthUnix: 100}
		Expect(r.Handle(earlier, 6).Outcome).To(Equal(router.OutcomeDiscard))
	})

	It("displaces an active non-root leaf for a starved root request", func() {
		db := jobdb.NewDatabase()
		Expect(db.TryCommit(99, 3)).To(BeTrue())
		leaves := func() (uint32, bool) { return 99, true }
		r := router.New(3, opts, db, leaves)

		req := fabric.JobRequest{
			JobID: 1, RequestingRank: 0, RequestedIndex: 0,
			TimeOfBirthUnix: 100, NumHops: int32(opts.MaxHopsForRoot()),
		}
		d := r.Handle(req, 5)
		Expect(d.Outcome).To(Equal(router.OutcomeDisplace))
		Expect(d.DisplacedLeafJob).To(Equal(uint32(99)))
	})

	// Property 6 / scenario S6: a non-root request walks the fleet until
	// some idle worker adopts it, and does so within the fleet's non-root
	// hop budget -- never forever, and never landing on a busy worker.
	It("terminates at the one idle worker within the non-root hop budget (property 6, scenario S6)", func() {
		fleet := 4
		o := config.Default()
		o.NumWorkers = fleet

		dbs := make([]*jobdb.Database, fleet)
		routers := make([]*router.Router, fleet)
		for rank := 0; rank < fleet; rank++ {
			dbs[rank] = jobdb.NewDatabase()
			if rank != 2 {
				Expect(dbs[rank].TryCommit(uint32(90+rank), rank)).To(BeTrue())
			}
			routers[rank] = router.New(rank, o, dbs[rank], noLeaves)
		}

		req := fabric.JobRequest{JobID: 7, RequestingRank: 0, RequestedIndex: 3, TimeOfBirthUnix: 100}
		from := 0
		next := routers[0].Originate(req)

		hops := 0
		for {
			d := routers[next].Handle(req, from)
			Expect(d.Outcome).NotTo(Equal(router.OutcomeDiscard), "request discarded after %d hops", hops)
			if d.Outcome == router.OutcomeAdopt {
				Expect(next).To(Equal(2), "only rank 2 is idle")
				break
			}
			hops++
			Expect(hops).To(BeNumerically("<=", o.MaxHopsForNonRoot()), "request did not terminate within the hop budget")
			req.NumHops = int32(hops)
			from = next
			next = d.NextHop
		}
	})
})
