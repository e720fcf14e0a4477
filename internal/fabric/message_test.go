package fabric_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/fabric"
)

var _ = Describe("wire message round-trips", func() {
	It("round-trips IntPair", func() {
		p := fabric.IntPair{A: 7, B: 3000000}
		data, err := p.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var out fabric.IntPair
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out).To(Equal(p))
	})

	It("round-trips IntVec", func() {
		v := fabric.IntVec{1, 2, 3, 4, 5}
		data, err := v.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var out fabric.IntVec
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out).To(Equal(v))
	})

	It("round-trips an empty IntVec", func() {
		v := fabric.IntVec{}
		data, err := v.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var out fabric.IntVec
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out).To(HaveLen(0))
	})

	It("round-trips JobRequest", func() {
		r := fabric.JobRequest{
			JobID: 7, RootRank: 2, RequestingRank: 9, RequestedIndex: 3,
			TimeOfBirthUnix: 123456789, NumHops: 4, Revision: 1, FullTransfer: true,
		}
		data, err := r.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var out fabric.JobRequest
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out).To(Equal(r))
	})

	It("round-trips JobSignature", func() {
		s := fabric.JobSignature{JobID: 5, Revision: 2, PayloadSize: 4096}
		data, _ := s.MarshalBinary()

		var out fabric.JobSignature
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out).To(Equal(s))
	})

	It("round-trips JobMessage including payload bytes", func() {
		m := fabric.JobMessage{JobID: 11, Epoch: 42, Inner: fabric.JobCommunication, Payload: []byte("clauses")}
		data, err := m.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())

		var out fabric.JobMessage
		Expect(out.UnmarshalBinary(data)).To(Succeed())
		Expect(out.JobID).To(Equal(m.JobID))
		Expect(out.Epoch).To(Equal(m.Epoch))
		Expect(out.Inner).To(Equal(m.Inner))
		Expect(out.Payload).To(Equal(m.Payload))
	})

	It("rejects truncated payloads", func() {
		var out fabric.JobRequest
		Expect(out.UnmarshalBinary([]byte{1, 2, 3})).To(HaveOccurred())
	})
})
