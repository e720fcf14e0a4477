package satjob_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/satjob"
)

var _ = Describe("diversification", func() {
	It("computes the diversification index as global id minus other-type solvers", func() {
		Expect(satjob.DiversificationIndex(5, 0)).To(Equal(5))
		Expect(satjob.DiversificationIndex(5, 2)).To(Equal(3))
	})

	It("cycles indices through the four named categories", func() {
		Expect(satjob.CategoryFor(0)).To(Equal(satjob.Sparse))
		Expect(satjob.CategoryFor(1)).To(Equal(satjob.SparseRandom))
		Expect(satjob.CategoryFor(2)).To(Equal(satjob.RandomNative))
		Expect(satjob.CategoryFor(3)).To(Equal(satjob.BinValue))
		Expect(satjob.CategoryFor(4)).To(Equal(satjob.Sparse))
		Expect(satjob.CategoryFor(-1)).To(Equal(satjob.BinValue))
	})
})
