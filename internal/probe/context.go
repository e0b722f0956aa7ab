package probe

// ExecContext is the execution context a trigger fired in. Implementations
// return a zero value for anything they could not resolve; sampling never
// fails.
type ExecContext interface {
	// PidTgid is the kernel's tgid<<32 | tid of the current thread.
	PidTgid() uint64
	// ParentTgid is the tgid of the real parent.
	ParentTgid() uint32
	// Euid is the effective user id.
	Euid() uint32
	// Comm is the task's short command name.
	Comm() [CommLen]byte
}

// JoinKey identifies one thread's in-flight syscall. A thread issues
// syscalls sequentially, so at most one kill invocation per key is live.
type JoinKey uint64

// KeyOf derives the join key from the context's thread identity.
func KeyOf(ctx ExecContext) JoinKey {
	return JoinKey(ctx.PidTgid())
}

// Tid returns the thread id half of the key.
func (k JoinKey) Tid() uint32 {
	return uint32(k)
}

// Tgid returns the thread group (process) id half of the key.
func (k JoinKey) Tgid() uint32 {
	return uint32(k >> 32)
}

// newRecord samples ctx into a Record of the given kind.
func newRecord(ctx ExecContext, kind Kind) Record {
	return Record{
		PID:  uint32(ctx.PidTgid() >> 32),
		PPID: ctx.ParentTgid(),
		UID:  ctx.Euid(),
		Comm: ctx.Comm(),
		Kind: kind,
	}
}

// StaticContext is an ExecContext backed by fixed values. The observer uses
// it for contexts it has already sampled elsewhere, such as procfs.
type StaticContext struct {
	Tgid    uint32
	Tid     uint32
	PPID    uint32
	UID     uint32
	Command string
}

func (c StaticContext) PidTgid() uint64 {
	tid := c.Tid
	if tid == 0 {
		tid = c.Tgid
	}
	return uint64(c.Tgid)<<32 | uint64(tid)
}

func (c StaticContext) ParentTgid() uint32 { return c.PPID }

func (c StaticContext) Euid() uint32 { return c.UID }

func (c StaticContext) Comm() [CommLen]byte {
	var comm [CommLen]byte
	SetComm(&comm, c.Command)
	return comm
}
