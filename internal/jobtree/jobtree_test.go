package jobtree_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/jobtree"
)

var _ = Describe("Tree", func() {
	It("computes child indices per the implicit heap layout", func() {
		Expect(jobtree.ChildIndex(0, jobtree.Left)).To(Equal(1))
		Expect(jobtree.ChildIndex(0, jobtree.Right)).To(Equal(2))
		Expect(jobtree.ChildIndex(3, jobtree.Left)).To(Equal(7))
		Expect(jobtree.ChildIndex(3, jobtree.Right)).To(Equal(8))
	})

	It("computes parent index as the inverse of child index", func() {
		for i := 1; i < 20; i++ {
			left := jobtree.ChildIndex(i, jobtree.Left)
			Expect(jobtree.ParentIndex(left)).To(Equal(i))
		}
	})

	It("starts as a leaf and a root", func() {
		t := jobtree.New(7, 0, 3, -1)
		Expect(t.IsRoot()).To(BeTrue())
		Expect(t.IsLeaf()).To(BeTrue())
	})

	It("stops being a leaf once a child is set", func() {
		t := jobtree.New(7, 0, 3, -1)
		t.SetLeftChild(9)
		Expect(t.IsLeaf()).To(BeFalse())

		rank, ok := t.LeftChildRank()
		Expect(ok).To(BeTrue())
		Expect(rank).To(Equal(9))
	})

	It("moves a defecting child into PastChildren and out of Children()", func() {
		t := jobtree.New(7, 0, 3, -1)
		t.SetLeftChild(9)
		t.SetRightChild(11)

		t.MarkDefected(9)
		Expect(t.Children()).To(Equal([]int{11}))
		Expect(t.PastChildren).To(HaveKey(9))
	})

	It("drops a past child once acknowledged", func() {
		t := jobtree.New(7, 0, 3, -1)
		t.SetLeftChild(9)
		t.MarkDefected(9)
		t.AckPastChild(9)
		Expect(t.PastChildren).NotTo(HaveKey(9))
	})
})
