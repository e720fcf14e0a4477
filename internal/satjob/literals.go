package satjob

import (
	"encoding/binary"
	"fmt"
)

// DecodeFormula reads jobdb.Description.Payload as a flat stream of
// big-endian int32 literals (DIMACS convention: 0 separates clauses),
// the same encoding internal/clauseshare/buffer.go uses for clause wire
// data.
func DecodeFormula(payload []byte) ([]int32, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("satjob: formula payload length %d not a multiple of 4", len(payload))
	}
	lits := make([]int32, len(payload)/4)
	for i := range lits {
		lits[i] = int32(binary.BigEndian.Uint32(payload[i*4:]))
	}
	return lits, nil
}

// EncodeFormula is DecodeFormula's inverse, used by tests and by callers
// assembling a Description.Payload from a literal stream.
func EncodeFormula(lits []int32) []byte {
	out := make([]byte, len(lits)*4)
	for i, l := range lits {
		binary.BigEndian.PutUint32(out[i*4:], uint32(l))
	}
	return out
}
