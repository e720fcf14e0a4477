package fabric

import (
	"encoding/binary"
	"fmt"
)

// Tag enumerates the closed set of message kinds carried over the fabric
// (spec.md §6). Tags disambiguate message kind the way the teacher's
// MessageType (HBMessage/ControlMessage/ShellMessage/...) disambiguates
// Jupyter socket channels, generalized from five fixed channels to the
// full protocol surface this spec names.
type Tag int

const (
	FindNode Tag = iota
	RequestBecomeChild
	AcceptBecomeChild
	RejectBecomeChild
	AckAcceptBecomeChild
	SendJobDescription
	UpdateVolume
	QueryVolume
	JobCommunication
	WorkerFoundResult
	ForwardClientRank
	QueryJobResult
	SendJobResult
	JobDone
	Terminate
	Interrupt
	Abort
	WorkerDefecting
	NotifyJobRevision
	QueryJobRevisionDetails
	SendJobRevisionDetails
	AckJobRevisionDetails
	SendJobRevisionData
	Collectives
	AnytimeReduction
	AnytimeBroadcast
	Warmup
	Exit
)

var tagNames = [...]string{
	"FindNode", "RequestBecomeChild", "AcceptBecomeChild", "RejectBecomeChild",
	"AckAcceptBecomeChild", "SendJobDescription", "UpdateVolume", "QueryVolume",
	"JobCommunication", "WorkerFoundResult", "ForwardClientRank", "QueryJobResult",
	"SendJobResult", "JobDone", "Terminate", "Interrupt", "Abort", "WorkerDefecting",
	"NotifyJobRevision", "QueryJobRevisionDetails", "SendJobRevisionDetails",
	"AckJobRevisionDetails", "SendJobRevisionData", "Collectives", "AnytimeReduction",
	"AnytimeBroadcast", "Warmup", "Exit",
}

func (t Tag) String() string {
	if int(t) < 0 || int(t) >= len(tagNames) {
		return fmt.Sprintf("Tag(%d)", int(t))
	}
	return tagNames[t]
}

// IntPair is the `(a, b)` payload shape named in spec.md §6, used for
// lightweight fixed-size messages like UpdateVolume(job_id, volume).
type IntPair struct {
	A, B uint32
}

func (p IntPair) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], p.A)
	binary.BigEndian.PutUint32(buf[4:8], p.B)
	return buf, nil
}

func (p *IntPair) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("fabric: IntPair payload too short: %d bytes", len(data))
	}
	p.A = binary.BigEndian.Uint32(data[0:4])
	p.B = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// IntVec is a length-prefixed vector of uint32s, named in spec.md §6, used
// e.g. to carry a rank's past-children list.
type IntVec []uint32

func (v IntVec) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+4*len(v))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(v)))
	for i, x := range v {
		binary.BigEndian.PutUint32(buf[4+4*i:8+4*i], x)
	}
	return buf, nil
}

func (v *IntVec) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("fabric: IntVec payload too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+4*n {
		return fmt.Errorf("fabric: IntVec payload truncated")
	}
	out := make(IntVec, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(data[4+4*int(i) : 8+4*int(i)])
	}
	*v = out
	return nil
}

// JobRequest is the placement request travelling the fabric until adopted
// or discarded (spec.md §3, §4.F).
type JobRequest struct {
	JobID           uint32
	RootRank        int32
	RequestingRank  int32
	RequestedIndex  int32
	TimeOfBirthUnix int64 // nanoseconds since epoch
	NumHops         int32
	Revision        int32
	FullTransfer    bool
}

func (r JobRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 33)
	binary.BigEndian.PutUint32(buf[0:4], r.JobID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.RootRank))
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.RequestingRank))
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.RequestedIndex))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.TimeOfBirthUnix))
	binary.BigEndian.PutUint32(buf[24:28], uint32(r.NumHops))
	binary.BigEndian.PutUint32(buf[28:32], uint32(r.Revision))
	if r.FullTransfer {
		buf[32] = 1
	}
	return buf, nil
}

func (r *JobRequest) UnmarshalBinary(data []byte) error {
	if len(data) < 33 {
		return fmt.Errorf("fabric: JobRequest payload too short: %d bytes", len(data))
	}
	r.JobID = binary.BigEndian.Uint32(data[0:4])
	r.RootRank = int32(binary.BigEndian.Uint32(data[4:8]))
	r.RequestingRank = int32(binary.BigEndian.Uint32(data[8:12]))
	r.RequestedIndex = int32(binary.BigEndian.Uint32(data[12:16]))
	r.TimeOfBirthUnix = int64(binary.BigEndian.Uint64(data[16:24]))
	r.NumHops = int32(binary.BigEndian.Uint32(data[24:28]))
	r.Revision = int32(binary.BigEndian.Uint32(data[28:32]))
	r.FullTransfer = data[32] != 0
	return nil
}

// JobSignature carries the identifying metadata of a job description
// transfer: the id, revision, and byte size of the payload to follow, so
// the receiver can pre-size its buffer before SendJobDescription arrives.
type JobSignature struct {
	JobID       uint32
	Revision    int32
	PayloadSize uint32
}

func (s JobSignature) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], s.JobID)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.Revision))
	binary.BigEndian.PutUint32(buf[8:12], s.PayloadSize)
	return buf, nil
}

func (s *JobSignature) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("fabric: JobSignature payload too short")
	}
	s.JobID = binary.BigEndian.Uint32(data[0:4])
	s.Revision = int32(binary.BigEndian.Uint32(data[4:8]))
	s.PayloadSize = binary.BigEndian.Uint32(data[8:12])
	return nil
}

// JobMessage wraps an arbitrary application payload with the job id, epoch,
// and tag it pertains to -- the generic envelope spec.md §6 names for
// anything that doesn't fit a fixed struct (e.g. balancer/clause-overlay
// traffic multiplexed as Tag=JobCommunication).
type JobMessage struct {
	JobID   uint32
	Epoch   int64
	Inner   Tag
	Payload []byte
}

func (m JobMessage) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 16+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.JobID)
	binary.BigEndian.PutUint64(buf[4:12], uint64(m.Epoch))
	binary.BigEndian.PutUint32(buf[12:16], uint32(m.Inner))
	copy(buf[16:], m.Payload)
	return buf, nil
}

func (m *JobMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("fabric: JobMessage payload too short")
	}
	m.JobID = binary.BigEndian.Uint32(data[0:4])
	m.Epoch = int64(binary.BigEndian.Uint64(data[4:12]))
	m.Inner = Tag(binary.BigEndian.Uint32(data[12:16]))
	m.Payload = append([]byte(nil), data[16:]...)
	return nil
}
