package fabric_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/fabric"
)

var _ = Describe("Permutation", func() {
	It("is a bijection over {0..n-1}", func() {
		p := fabric.NewPermutation(42, 17)
		seen := make(map[int]bool)
		for i := 0; i < 17; i++ {
			r := p.Get(i)
			Expect(r).To(BeNumerically(">=", 0))
			Expect(r).To(BeNumerically("<", 17))
			Expect(seen[r]).To(BeFalse(), "rank %d repeated", r)
			seen[r] = true
		}
		Expect(seen).To(HaveLen(17))
	})

	It("is deterministic for a fixed seed", func() {
		a := fabric.NewPermutation(7, 32)
		b := fabric.NewPermutation(7, 32)
		for i := 0; i < 32; i++ {
			Expect(a.Get(i)).To(Equal(b.Get(i)))
		}
	})

	It("IndexOf inverts Get", func() {
		p := fabric.NewPermutation(99, 11)
		for i := 0; i < 11; i++ {
			Expect(p.IndexOf(p.Get(i))).To(Equal(i))
		}
	})

	It("derives distinct seeds for distinct requests", func() {
		s1 := fabric.RequestSeed(1, 3, 5, 0)
		s2 := fabric.RequestSeed(1, 3, 6, 0)
		s3 := fabric.RequestSeed(2, 3, 5, 0)
		Expect(s1).NotTo(Equal(s2))
		Expect(s1).NotTo(Equal(s3))
	})

	It("derives distinct seeds for distinct hop counts of the same request", func() {
		s1 := fabric.RequestSeed(1, 3, 5, 0)
		s2 := fabric.RequestSeed(1, 3, 5, 1)
		Expect(s1).NotTo(Equal(s2))
	})
})
