package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// CommLen is the kernel's TASK_COMM_LEN.
const CommLen = 16

// RecordSize is the size of an encoded Record, including the trailing
// padding the C compiler adds after the kind byte.
const RecordSize = 36

// ErrShortRecord is returned when a raw sample is smaller than RecordSize.
var ErrShortRecord = errors.New("short event record")

// Kind discriminates the three lifecycle facts a Record can carry.
type Kind uint8

// Kind codes are single ASCII characters so a raw dump stays readable.
const (
	KindExec Kind = 'E'
	KindExit Kind = 'X'
	KindKill Kind = 'K'
)

// Known reports whether k is one of the codes this version understands.
// Consumers must treat unknown kinds as forward compatible events.
func (k Kind) Known() bool {
	switch k {
	case KindExec, KindExit, KindKill:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindExit:
		return "exit"
	case KindKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Record is the wire format shared by every emission path. Field order and
// widths must match struct event_t in the BPF program.
type Record struct {
	PID        uint32
	PPID       uint32
	UID        uint32
	KillTarget uint32
	Comm       [CommLen]byte
	Kind       Kind
	_          [3]byte
}

// Command returns Comm as a string, cut at the first NUL.
func (r Record) Command() string {
	if i := bytes.IndexByte(r.Comm[:], 0); i >= 0 {
		return string(r.Comm[:i])
	}
	return string(r.Comm[:])
}

func (r Record) String() string {
	if r.Kind == KindKill {
		return fmt.Sprintf("%s pid=%d ppid=%d uid=%d comm=%q target=%d",
			r.Kind, r.PID, r.PPID, r.UID, r.Command(), r.KillTarget)
	}
	return fmt.Sprintf("%s pid=%d ppid=%d uid=%d comm=%q",
		r.Kind, r.PID, r.PPID, r.UID, r.Command())
}

// MarshalBinary encodes the record positionally in little endian.
func (r *Record) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.PID)
	binary.LittleEndian.PutUint32(buf[4:8], r.PPID)
	binary.LittleEndian.PutUint32(buf[8:12], r.UID)
	binary.LittleEndian.PutUint32(buf[12:16], r.KillTarget)
	copy(buf[16:32], r.Comm[:])
	buf[32] = byte(r.Kind)
	return buf, nil
}

// UnmarshalBinary decodes a record. Unknown kind codes are kept as-is.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("%w: got=%d want>=%d", ErrShortRecord, len(data), RecordSize)
	}
	r.PID = binary.LittleEndian.Uint32(data[0:4])
	r.PPID = binary.LittleEndian.Uint32(data[4:8])
	r.UID = binary.LittleEndian.Uint32(data[8:12])
	r.KillTarget = binary.LittleEndian.Uint32(data[12:16])
	copy(r.Comm[:], data[16:32])
	r.Kind = Kind(data[32])
	return nil
}

// SetComm copies s into a fixed comm buffer, truncating like the kernel does
// (at most CommLen-1 bytes followed by a NUL).
func SetComm(dst *[CommLen]byte, s string) {
	*dst = [CommLen]byte{}
	n := len(s)
	if n > CommLen-1 {
		n = CommLen - 1
	}
	copy(dst[:], s[:n])
}
