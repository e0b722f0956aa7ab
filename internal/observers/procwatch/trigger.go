package procwatch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/yairfalse/procwatch/internal/probe"
)

// frameSize is sizeof(struct trigger_frame) in procwatch.bpf.c.
const frameSize = 48

// ErrShortFrame is returned for ring buffer samples smaller than a frame.
var ErrShortFrame = errors.New("short trigger frame")

// Trigger identifies which tracepoint produced a frame.
type Trigger uint8

const (
	TriggerExec      Trigger = 1
	TriggerExit      Trigger = 2
	TriggerKillEntry Trigger = 3
	TriggerKillExit  Trigger = 4
)

func (t Trigger) String() string {
	switch t {
	case TriggerExec:
		return "exec"
	case TriggerExit:
		return "exit"
	case TriggerKillEntry:
		return "kill_entry"
	case TriggerKillExit:
		return "kill_exit"
	default:
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
}

// triggerFrame is one sample from the kernel: the task context at the time
// the tracepoint fired plus the tracepoint's argument. It implements
// probe.ExecContext.
type triggerFrame struct {
	pidTgid uint64
	ppid    uint32
	uid     uint32
	arg     int64
	comm    [probe.CommLen]byte
	trigger Trigger
}

func (f *triggerFrame) PidTgid() uint64           { return f.pidTgid }
func (f *triggerFrame) ParentTgid() uint32        { return f.ppid }
func (f *triggerFrame) Euid() uint32              { return f.uid }
func (f *triggerFrame) Comm() [probe.CommLen]byte { return f.comm }

func decodeFrame(raw []byte) (*triggerFrame, error) {
	if len(raw) < frameSize {
		return nil, fmt.Errorf("%w: got=%d want>=%d", ErrShortFrame, len(raw), frameSize)
	}
	f := &triggerFrame{
		pidTgid: binary.LittleEndian.Uint64(raw[0:8]),
		ppid:    binary.LittleEndian.Uint32(raw[8:12]),
		uid:     binary.LittleEndian.Uint32(raw[12:16]),
		arg:     int64(binary.LittleEndian.Uint64(raw[16:24])),
		trigger: Trigger(raw[40]),
	}
	copy(f.comm[:], raw[24:40])
	return f, nil
}

// encodeFrame is the inverse of decodeFrame.
func encodeFrame(f *triggerFrame) []byte {
	raw := make([]byte, frameSize)
	binary.LittleEndian.PutUint64(raw[0:8], f.pidTgid)
	binary.LittleEndian.PutUint32(raw[8:12], f.ppid)
	binary.LittleEndian.PutUint32(raw[12:16], f.uid)
	binary.LittleEndian.PutUint64(raw[16:24], uint64(f.arg))
	copy(raw[24:40], f.comm[:])
	raw[40] = byte(f.trigger)
	return raw
}

// dispatch routes a frame to its probe trigger. It returns false for
// trigger codes this build does not know.
func dispatch(p *probe.Probe, f *triggerFrame) bool {
	switch f.trigger {
	case TriggerExec:
		p.OnProcessCreated(f)
	case TriggerExit:
		p.OnProcessExited(f)
	case TriggerKillEntry:
		// pid_t is 32 bits; negative targets (process groups) keep their
		// two's complement form.
		p.OnKillEntry(f, uint32(int32(f.arg)))
	case TriggerKillExit:
		p.OnKillExit(f, f.arg)
	default:
		return false
	}
	return true
}
