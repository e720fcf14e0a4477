package jobdb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/jobdb"
)

var _ = Describe("RevisionTracker", func() {
	It("does not need a fetch for a revision the caller already has", func() {
		tr := jobdb.NewRevisionTracker()
		Expect(tr.Notify(1, 3, 3)).To(BeFalse())
		Expect(tr.Notify(1, 2, 3)).To(BeFalse())
	})

	It("drives the full details->ack->data handshake", func() {
		tr := jobdb.NewRevisionTracker()
		Expect(tr.Notify(1, 1, 0)).To(BeTrue())

		payload := []byte("new clauses and assumptions")
		details := jobdb.RevisionDetails{
			JobID: 1, Revision: 1, PayloadSize: uint32(len(payload)),
			Checksum: checksumFor(payload),
		}
		Expect(tr.RecordDetails(details)).To(Succeed())
		Expect(tr.Ack(1)).To(Succeed())

		var desc jobdb.Description
		Expect(tr.Complete(1, payload, &desc)).To(Succeed())
		Expect(desc.Payload).To(Equal(payload))
		Expect(desc.Revision).To(Equal(int32(1)))
		Expect(tr.Pending(1)).To(BeFalse())
	})

	It("rejects a payload that doesn't match the advertised checksum", func() {
		tr := jobdb.NewRevisionTracker()
		Expect(tr.Notify(1, 1, 0)).To(BeTrue())

		details := jobdb.RevisionDetails{JobID: 1, Revision: 1, PayloadSize: 3, Checksum: 0xdeadbeef}
		Expect(tr.RecordDetails(details)).To(Succeed())
		Expect(tr.Ack(1)).To(Succeed())

		var desc jobdb.Description
		Expect(tr.Complete(1, []byte("xyz"), &desc)).To(HaveOccurred())
	})

	It("rejects completion before acknowledgement", func() {
		tr := jobdb.NewRevisionTracker()
		Expect(tr.Notify(1, 1, 0)).To(BeTrue())

		details := jobdb.RevisionDetails{JobID: 1, Revision: 1, PayloadSize: 3, Checksum: checksumFor([]byte("xyz"))}
		Expect(tr.RecordDetails(details)).To(Succeed())

		var desc jobdb.Description
		Expect(tr.Complete(1, []byte("xyz"), &desc)).To(HaveOccurred())
	})
})

// checksumFor recomputes the same 32-bit FNV-1a checksum that
// jobdb.Checksum exposes, independently of the code under test.
func checksumFor(data []byte) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for _, b := range data {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}
