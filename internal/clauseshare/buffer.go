// Package clauseshare implements the per-job clause-sharing overlay of
// spec.md §4.I: a gather-merge-broadcast state machine run by every worker
// in a job's tree, circulating a bounded, merged buffer of learned
// clauses.
package clauseshare

import (
	"encoding/binary"
	"fmt"
)

// Clause is a list of DIMACS-style literals (no trailing 0 sentinel --
// that belongs to the wire format, not the in-memory representation).
type Clause []int32

// Buffer is spec.md §3's "Clause buffer": VIP clauses kept whole
// regardless of length, plus the rest bucketed by clause length. Lengths
// holds every bucket from 1 up to the longest clause present, including
// empty ones, since the wire format's bucket order is positional rather
// than tagged.
type Buffer struct {
	VIPs    []Clause
	Lengths [][]Clause // index 0 == length-1 clauses, index 1 == length-2, ...
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// IsEmpty reports whether the buffer carries no clauses at all.
func (b *Buffer) IsEmpty() bool {
	if len(b.VIPs) > 0 {
		return false
	}
	for _, bucket := range b.Lengths {
		if len(bucket) > 0 {
			return false
		}
	}
	return true
}

// Count returns the total number of clauses (VIP and non-VIP) in b.
func (b *Buffer) Count() int {
	n := len(b.VIPs)
	for _, bucket := range b.Lengths {
		n += len(bucket)
	}
	return n
}

// bucket returns Lengths[length-1], or nil when length is below 1 or
// beyond len(Lengths); it never grows Lengths (ensureLength does that).
func (b *Buffer) bucket(length int) []Clause {
	if length < 1 {
		return nil
	}
	if length > len(b.Lengths) {
		return nil
	}
	return b.Lengths[length-1]
}

func (b *Buffer) ensureLength(length int) {
	for len(b.Lengths) < length {
		b.Lengths = append(b.Lengths, nil)
	}
}

// AddVIP appends a VIP clause, preserved whole regardless of length.
func (b *Buffer) AddVIP(c Clause) {
	b.VIPs = append(b.VIPs, c)
}

// Add appends a non-VIP clause to its length bucket.
func (b *Buffer) Add(c Clause) {
	b.ensureLength(len(c))
	b.Lengths[len(c)-1] = append(b.Lengths[len(c)-1], c)
}

// Serialize encodes b in spec.md §3's clause-buffer wire format:
// [vip_count][vip1 literals...0][vip2 literals...0]...
// [len1_count][len1 literals][len2_count][len2 literals]...
// Bucket boundaries are positional (increasing length, starting at 1), so
// the decoder relies on the outer framing's total payload length to know
// when to stop, exactly as spec.md §4.I's "positions parsed by length; no
// separators inside fixed-length buckets" describes.
func (b *Buffer) Serialize() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(b.VIPs)))
	for _, vip := range b.VIPs {
		for _, lit := range vip {
			buf = appendInt32(buf, lit)
		}
		buf = appendInt32(buf, 0) // sentinel
	}
	for length := 1; length <= len(b.Lengths); length++ {
		clauses := b.bucket(length)
		buf = appendUint32(buf, uint32(len(clauses)))
		for _, c := range clauses {
			if len(c) != length {
				return nil, fmt.Errorf("clauseshare: clause of length %d stored in bucket %d", len(c), length)
			}
			for _, lit := range c {
				buf = appendInt32(buf, lit)
			}
		}
	}
	return buf, nil
}

// Deserialize decodes a clause buffer from data, reading length buckets
// until data is exhausted.
func Deserialize(data []byte) (*Buffer, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("clauseshare: buffer payload too short")
	}
	b := NewBuffer()
	off := 0
	vipCount := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	for i := uint32(0); i < vipCount; i++ {
		var lits Clause
		for {
			if off+4 > len(data) {
				return nil, fmt.Errorf("clauseshare: truncated VIP clause")
			}
			lit := readInt32(data[off : off+4])
			off += 4
			if lit == 0 {
				break
			}
			lits = append(lits, lit)
		}
		b.VIPs = append(b.VIPs, lits)
	}

	for length := 1; off < len(data); length++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("clauseshare: truncated length-%d bucket count", length)
		}
		count := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		b.ensureLength(length)
		for i := uint32(0); i < count; i++ {
			if off+4*length > len(data) {
				return nil, fmt.Errorf("clauseshare: truncated length-%d clause", length)
			}
			c := make(Clause, length)
			for j := 0; j < length; j++ {
				c[j] = readInt32(data[off : off+4])
				off += 4
			}
			b.Lengths[length-1] = append(b.Lengths[length-1], c)
		}
	}
	return b, nil
}

func appendInt32(buf []byte, v int32) []byte {
	return appendUint32(buf, uint32(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	entry := make([]byte, 4)
	binary.BigEndian.PutUint32(entry, v)
	return append(buf, entry...)
}

func readInt32(data []byte) int32 {
	return int32(binary.BigEndian.Uint32(data))
}

// Merge implements spec.md §4.I's merge routine: preserve all VIPs first
// (cyclic round-robin between sources, so no single source can starve the
// others), then emit non-VIP clauses by increasing length, round-robin
// across sources, until maxSize total clauses have been emitted. maxSize
// <= 0 means unbounded.
func Merge(sources []*Buffer, maxSize int) *Buffer {
	out := NewBuffer()

	vipIdx := make([]int, len(sources))
	for {
		progressed := false
		for i, src := range sources {
			if vipIdx[i] < len(src.VIPs) {
				out.AddVIP(src.VIPs[vipIdx[i]])
				vipIdx[i]++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	maxLen := 0
	for _, src := range sources {
		if len(src.Lengths) > maxLen {
			maxLen = len(src.Lengths)
		}
	}

	budget := func() bool {
		return maxSize <= 0 || out.Count() < maxSize
	}

	for length := 1; length <= maxLen; length++ {
		if !budget() {
			break
		}
		idx := make([]int, len(sources))
		for {
			progressed := false
			for i, src := range sources {
				if !budget() {
					return out
				}
				bucket := src.bucket(length)
				if idx[i] < len(bucket) {
					out.Add(bucket[idx[i]])
					idx[i]++
					progressed = true
				}
			}
			if !progressed {
				break
			}
		}
	}
	return out
}
