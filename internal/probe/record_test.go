package probe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cEventT mirrors struct event_t as the C compiler lays it out.
type cEventT struct {
	Pid     uint32
	Ppid    uint32
	Uid     uint32
	KillPid uint32
	Comm    [16]byte
	Type    byte
	Pad     [3]byte
}

func TestRecordLayoutMatchesC(t *testing.T) {
	in := cEventT{Pid: 10, Ppid: 1, Uid: 0, KillPid: 77, Type: 'K'}
	copy(in.Comm[:], "bash")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, in))
	require.Equal(t, RecordSize, buf.Len())

	var rec Record
	require.NoError(t, rec.UnmarshalBinary(buf.Bytes()))
	assert.Equal(t, uint32(10), rec.PID)
	assert.Equal(t, uint32(1), rec.PPID)
	assert.Equal(t, uint32(77), rec.KillTarget)
	assert.Equal(t, KindKill, rec.Kind)
	assert.Equal(t, "bash", rec.Command())

	out, err := rec.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), out)
}

func TestUnknownKindIsNotAnError(t *testing.T) {
	raw := make([]byte, RecordSize)
	raw[32] = 'Z'

	var rec Record
	require.NoError(t, rec.UnmarshalBinary(raw))
	assert.False(t, rec.Kind.Known())
	assert.Equal(t, "unknown", rec.Kind.String())
}

func TestShortRecord(t *testing.T) {
	var rec Record
	err := rec.UnmarshalBinary(make([]byte, RecordSize-1))
	assert.True(t, errors.Is(err, ErrShortRecord))
}

func TestSetCommTruncates(t *testing.T) {
	var comm [CommLen]byte
	SetComm(&comm, "a-very-long-command-name")
	assert.Equal(t, byte(0), comm[CommLen-1])

	rec := Record{Comm: comm}
	assert.Equal(t, "a-very-long-com", rec.Command())
}

func TestJoinKeyHalves(t *testing.T) {
	ctx := StaticContext{Tgid: 12, Tid: 34}
	key := KeyOf(ctx)
	assert.Equal(t, uint32(12), key.Tgid())
	assert.Equal(t, uint32(34), key.Tid())

	// A single-threaded process uses its tgid as tid.
	assert.Equal(t, uint32(12), KeyOf(StaticContext{Tgid: 12}).Tid())
}

func TestCommandOnMapValue(t *testing.T) {
	var rec Record
	SetComm(&rec.Comm, "cron")
	byKind := map[Kind]Record{KindExec: rec}

	assert.Equal(t, "cron", byKind[KindExec].Command())
	assert.Equal(t, "", byKind[KindExit].Command())
}
