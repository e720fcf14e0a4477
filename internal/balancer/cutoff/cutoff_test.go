package cutoff_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/balancer/cutoff"
	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/fabric"
)

type wireMsg struct {
	from, to int
	tag      fabric.Tag
	payload  []byte
}

// runRound drives n cutoff.Balancers (one per rank) to completion using an
// in-memory router standing in for the fabric, mirroring
// internal/reduction's own test harness for the same butterfly primitive.
func runRound(n int, jobsPerRank [][]balancer.JobInfo, loadFactor float64, rounding config.RoundingMode) []map[uint32]int {
	balancers := make([]*cutoff.Balancer, n)
	for r := 0; r < n; r++ {
		balancers[r] = cutoff.New(r, n, loadFactor, rounding)
		balancers[r].Begin(jobsPerRank[r])
	}

	var inbox [][]wireMsg
	inbox = make([][]wireMsg, n)

	for iter := 0; iter < 10*n+20; iter++ {
		// Deliver everything queued from the previous tick first.
		deliveries := inbox
		inbox = make([][]wireMsg, n)
		anyDelivered := false
		for to := 0; to < n; to++ {
			for _, m := range deliveries[to] {
				Expect(balancers[to].HandleMessage(m.from, m.tag, m.payload)).To(Succeed())
				anyDelivered = true
			}
		}

		anyProgress := false
		for r := 0; r < n; r++ {
			if !balancers[r].CanContinue() {
				continue
			}
			rank := r
			send := func(peer int, tag fabric.Tag, payload []byte) error {
				inbox[peer] = append(inbox[peer], wireMsg{from: rank, to: peer, tag: tag, payload: payload})
				return nil
			}
			Expect(balancers[r].Continue(send)).To(Succeed())
			anyProgress = true
		}

		if !anyDelivered && !anyProgress {
			break
		}
	}

	out := make([]map[uint32]int, n)
	for r := 0; r < n; r++ {
		volumes, done := balancers[r].Result()
		Expect(done).To(BeTrue(), "rank %d never completed its round", r)
		out[r] = volumes
	}
	return out
}

var _ = Describe("cutoff.Balancer", func() {
	It("assigns every active job at least 1 and never oversubscribes the fleet (property 4)", func() {
		n := 4
		jobs := make([][]balancer.JobInfo, n)
		jobs[0] = []balancer.JobInfo{{JobID: 1, Demand: 10, Priority: 1.0}}
		jobs[1] = []balancer.JobInfo{{JobID: 2, Demand: 10, Priority: 1.0}}

		results := runRound(n, jobs, 1.0, config.RoundingBisection)

		total := 0
		for _, vols := range results {
			for _, v := range vols {
				Expect(v).To(BeNumerically(">=", 1))
				total += v
			}
		}
		// Each rank reports its own jobs' volumes, so summing across ranks
		// counts each job once.
		Expect(total).To(BeNumerically("<=", n))
	})

	It("gives a higher-priority job at least as much volume as a lower-priority one with equal demand", func() {
		n := 8
		jobs := make([][]balancer.JobInfo, n)
		jobs[0] = []balancer.JobInfo{{JobID: 1, Demand: 20, Priority: 5.0}}
		jobs[1] = []balancer.JobInfo{{JobID: 2, Demand: 20, Priority: 1.0}}

		results := runRound(n, jobs, 1.0, config.RoundingBisection)

		hi := results[0][1]
		lo := results[1][2]
		Expect(hi).To(BeNumerically(">=", lo))
	})

	It("produces a valid round under probabilistic rounding too", func() {
		n := 4
		jobs := make([][]balancer.JobInfo, n)
		jobs[0] = []balancer.JobInfo{{JobID: 1, Demand: 6, Priority: 1.0}}

		results := runRound(n, jobs, 1.0, config.RoundingProbabilistic)
		Expect(results[0][1]).To(BeNumerically(">=", 1))
	})

	It("omits a job from Result after Forget", func() {
		jobs := [][]balancer.JobInfo{{{JobID: 1, Demand: 4, Priority: 1.0}}}
		results := runRound(1, jobs, 1.0, config.RoundingBisection)
		Expect(results[0]).To(HaveKey(uint32(1)))

		b := cutoff.New(0, 1, 1.0, config.RoundingBisection)
		b.Begin(jobs[0])
		for b.CanContinue() {
			Expect(b.Continue(func(int, fabric.Tag, []byte) error { return nil })).To(Succeed())
		}
		b.Forget(1)
		volumes, done := b.Result()
		Expect(done).To(BeTrue())
		Expect(volumes).NotTo(HaveKey(uint32(1)))
	})
})
