package clauseshare_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wtmJepsen/mallob/internal/clauseshare"
)

var _ = Describe("Buffer", func() {
	It("round-trips through Serialize/Deserialize", func() {
		b := clauseshare.NewBuffer()
		b.AddVIP(clauseshare.Clause{1})
		b.Add(clauseshare.Clause{10, 20})
		b.Add(clauseshare.Clause{11, 21})
		b.Add(clauseshare.Clause{-5})

		data, err := b.Serialize()
		Expect(err).NotTo(HaveOccurred())

		out, err := clauseshare.Deserialize(data)
		Expect(err).NotTo(HaveOccurred())

		Expect(out.VIPs).To(Equal(b.VIPs))
		Expect(out.Count()).To(Equal(b.Count()))
	})

	It("merges VIPs whole and the rest by increasing length (scenario S5)", func() {
		a := clauseshare.NewBuffer()
		a.AddVIP(clauseshare.Clause{1}) // "a"
		a.Add(clauseshare.Clause{10, 20})

		c := clauseshare.NewBuffer()
		c.Add(clauseshare.Clause{30, 40})

		merged := clauseshare.Merge([]*clauseshare.Buffer{a, c}, 0)

		Expect(merged.VIPs).To(Equal([]clauseshare.Clause{{1}}))
		Expect(merged.Count()).To(Equal(3))
		Expect(merged.Lengths[1]).To(ConsistOf(clauseshare.Clause{10, 20}, clauseshare.Clause{30, 40}))
	})

	It("caps non-VIP emission at maxSize while still preserving every VIP", func() {
		a := clauseshare.NewBuffer()
		a.AddVIP(clauseshare.Clause{1})
		a.AddVIP(clauseshare.Clause{2})
		a.Add(clauseshare.Clause{10, 20})
		a.Add(clauseshare.Clause{11, 21})
		a.Add(clauseshare.Clause{12, 22})

		merged := clauseshare.Merge([]*clauseshare.Buffer{a}, 3)

		Expect(merged.VIPs).To(HaveLen(2))
		Expect(merged.Count()).To(Equal(3))
	})
})
