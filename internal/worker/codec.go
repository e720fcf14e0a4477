package worker

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/satjob"
)

// encodeDescription packs a job's revision, priority, assumptions, and
// formula payload for the SendJobDescription transfer (spec.md §6: "a raw
// serialized job description", not one of the fixed envelope structs).
func encodeDescription(job *jobdb.Job) []byte {
	desc := job.Description
	buf := make([]byte, 20+4*len(desc.Assumptions)+len(desc.Payload))
	binary.BigEndian.PutUint32(buf[0:4], job.ID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(desc.Revision))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(job.Priority))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(desc.Assumptions)))
	off := 20
	for _, a := range desc.Assumptions {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(a))
		off += 4
	}
	copy(buf[off:], desc.Payload)
	return buf
}

func decodeDescription(data []byte) (jobID uint32, priority float64, desc jobdb.Description, err error) {
	if len(data) < 20 {
		return 0, 0, jobdb.Description{}, fmt.Errorf("worker: job description payload too short")
	}
	jobID = binary.BigEndian.Uint32(data[0:4])
	revision := int32(binary.BigEndian.Uint32(data[4:8]))
	priority = math.Float64frombits(binary.BigEndian.Uint64(data[8:16]))
	n := int(binary.BigEndian.Uint32(data[16:20]))
	off := 20
	if len(data) < off+4*n {
		return 0, 0, jobdb.Description{}, fmt.Errorf("worker: job description assumptions truncated")
	}
	assumptions := make([]int32, n)
	for i := 0; i < n; i++ {
		assumptions[i] = int32(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
	}
	desc = jobdb.Description{
		Revision:    revision,
		Assumptions: assumptions,
		Payload:     append([]byte(nil), data[off:]...),
	}
	return jobID, priority, desc, nil
}

// encodeResult packs a satjob.Result for the SendJobResult transfer.
func encodeResult(res satjob.Result) []byte {
	buf := make([]byte, 9+4*len(res.Model)+4*len(res.FailedAssumptions))
	buf[0] = byte(res.Outcome)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(res.Model)))
	off := 5
	for _, lit := range res.Model {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(lit))
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(res.FailedAssumptions)))
	off += 4
	for _, lit := range res.FailedAssumptions {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(lit))
		off += 4
	}
	return buf
}

// encodeRevisionDetails/decodeRevisionDetails pack the SendJobRevisionDetails
// advertisement (SPEC_FULL.md §4.E.1): job id, revision, payload size, and
// checksum, fixed at 16 bytes.
func encodeRevisionDetails(d jobdb.RevisionDetails) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], d.JobID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(d.Revision))
	binary.BigEndian.PutUint32(buf[8:12], d.PayloadSize)
	binary.BigEndian.PutUint32(buf[12:16], d.Checksum)
	return buf
}

func decodeRevisionDetails(data []byte) (jobdb.RevisionDetails, error) {
	if len(data) < 16 {
		return jobdb.RevisionDetails{}, fmt.Errorf("worker: revision details payload too short")
	}
	return jobdb.RevisionDetails{
		JobID:       binary.BigEndian.Uint32(data[0:4]),
		Revision:    int32(binary.BigEndian.Uint32(data[4:8])),
		PayloadSize: binary.BigEndian.Uint32(data[8:12]),
		Checksum:    binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

func decodeResult(data []byte) (satjob.Result, error) {
	if len(data) < 9 {
		return satjob.Result{}, fmt.Errorf("worker: job result payload too short")
	}
	res := satjob.Result{Outcome: satjob.Outcome(data[0])}
	modelLen := int(binary.BigEndian.Uint32(data[1:5]))
	off := 5
	if len(data) < off+4*modelLen+4 {
		return satjob.Result{}, fmt.Errorf("worker: job result model truncated")
	}
	res.Model = make([]int32, modelLen)
	for i := 0; i < modelLen; i++ {
		res.Model[i] = int32(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
	}
	failedLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) < off+4*failedLen {
		return satjob.Result{}, fmt.Errorf("worker: job result failed-assumptions truncated")
	}
	res.FailedAssumptions = make([]int32, failedLen)
	for i := 0; i < failedLen; i++ {
		res.FailedAssumptions[i] = int32(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return res, nil
}
