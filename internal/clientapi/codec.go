package clientapi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wtmJepsen/mallob/internal/jobdb"
)

// EncodeSubmitRequest builds the request body for an opSubmitJob frame: a
// client library outside this module can import clientapi purely for this
// encoding and dial the ROUTER socket itself, the same way a caller of
// internal/fabric would reuse its envelope codec rather than reinvent one.
func EncodeSubmitRequest(priority float64, assumptions []int32, payload []byte) []byte {
	buf := make([]byte, 13+4*len(assumptions)+len(payload))
	buf[0] = byte(opSubmitJob)
	binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(priority))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(assumptions)))
	off := 13
	for _, a := range assumptions {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(a))
		off += 4
	}
	copy(buf[off:], payload)
	return buf
}

// decodeSubmitRequest is the server-side inverse of EncodeSubmitRequest,
// applied to the body after the opcode byte has already been consumed.
func decodeSubmitRequest(body []byte) (priority float64, desc jobdb.Description, err error) {
	if len(body) < 12 {
		return 0, jobdb.Description{}, fmt.Errorf("clientapi: submit request too short")
	}
	priority = math.Float64frombits(binary.BigEndian.Uint64(body[0:8]))
	n := int(binary.BigEndian.Uint32(body[8:12]))
	off := 12
	if n < 0 || len(body) < off+4*n {
		return 0, jobdb.Description{}, fmt.Errorf("clientapi: submit request assumptions truncated")
	}
	assumptions := make([]int32, n)
	for i := 0; i < n; i++ {
		assumptions[i] = int32(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
	}
	desc = jobdb.Description{
		Assumptions: assumptions,
		Payload:     append([]byte(nil), body[off:]...),
	}
	return priority, desc, nil
}

// EncodeGetResultRequest builds the request body for an opGetResult frame.
func EncodeGetResultRequest(jobID uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(opGetResult)
	binary.BigEndian.PutUint32(buf[1:5], jobID)
	return buf
}

func decodeGetResultRequest(body []byte) (jobID uint32, err error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("clientapi: get-result request too short")
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}

// DecodeSubmitReply is the client-side inverse of the reply handleSubmitJob
// sends: jobID is only valid when busy is false and err is nil.
func DecodeSubmitReply(frame []byte) (jobID uint32, busy bool, err error) {
	if len(frame) < 1 {
		return 0, false, fmt.Errorf("clientapi: empty submit reply")
	}
	switch status(frame[0]) {
	case statusOK:
		if len(frame) < 5 {
			return 0, false, fmt.Errorf("clientapi: submit reply missing job id")
		}
		return binary.BigEndian.Uint32(frame[1:5]), false, nil
	case statusBusy:
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("clientapi: submit rejected")
	}
}

// DecodeGetResultReply is the client-side inverse of the reply
// handleGetResult sends. result is the unmodified wire-encoded
// satjob.Result payload the worker's root recorded; the caller decodes it
// with whatever codec the worker side used to produce it.
func DecodeGetResultReply(frame []byte) (result []byte, pending bool, err error) {
	if len(frame) < 1 {
		return nil, false, fmt.Errorf("clientapi: empty get-result reply")
	}
	switch status(frame[0]) {
	case statusOK:
		return frame[1:], false, nil
	case statusPending:
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("clientapi: get-result failed")
	}
}
