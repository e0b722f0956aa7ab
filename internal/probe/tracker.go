package probe

import (
	"sync"
	"sync/atomic"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// TrackerStats is a snapshot of the tracker's counters.
type TrackerStats struct {
	Pending    int    `json:"pending"`
	Entries    uint64 `json:"entries"`
	Joined     uint64 `json:"joined"`
	Suppressed uint64 `json:"suppressed"`
	Misses     uint64 `json:"misses"`
	Overwrites uint64 `json:"overwrites"`
}

type trackerShard struct {
	mu      sync.Mutex
	pending map[JoinKey]Record
}

// Tracker joins kill syscall entries with their exits. Entries are keyed by
// the calling thread; only exits that returned success are published.
//
// There is no expiry. An entry whose exit never fires stays until the same
// thread enters kill again or Reset is called, so the store holds at most one
// orphan per thread.
type Tracker struct {
	pub    Publisher
	shards []trackerShard
	mask   uint64

	entries    atomic.Uint64
	joined     atomic.Uint64
	suppressed atomic.Uint64
	misses     atomic.Uint64
	overwrites atomic.Uint64
}

// NewTracker creates a tracker publishing successful kills on pub. shards is
// rounded up to a power of two; zero selects DefaultShards.
func NewTracker(pub Publisher, shards int) *Tracker {
	n := uint64(DefaultShards)
	if shards > 0 {
		n = 1
		for n < uint64(shards) {
			n <<= 1
		}
	}

	t := &Tracker{
		pub:    pub,
		shards: make([]trackerShard, n),
		mask:   n - 1,
	}
	for i := range t.shards {
		t.shards[i].pending = make(map[JoinKey]Record)
	}
	return t
}

func (t *Tracker) shard(key JoinKey) *trackerShard {
	return &t.shards[uint64(key.Tid())&t.mask]
}

// OnKillEntry records a pending Kill record for the current thread. A stale
// entry under the same key is overwritten.
func (t *Tracker) OnKillEntry(ctx ExecContext, target uint32) {
	key := KeyOf(ctx)
	rec := newRecord(ctx, KindKill)
	rec.KillTarget = target

	s := t.shard(key)
	s.mu.Lock()
	if _, stale := s.pending[key]; stale {
		t.overwrites.Add(1)
	}
	s.pending[key] = rec
	s.mu.Unlock()

	t.entries.Add(1)
}

// OnKillExit removes the current thread's pending entry and publishes it if
// the syscall returned zero. An exit without an entry is a no-op.
func (t *Tracker) OnKillExit(ctx ExecContext, ret int64) {
	key := KeyOf(ctx)

	s := t.shard(key)
	s.mu.Lock()
	rec, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if !ok {
		t.misses.Add(1)
		return
	}
	if ret != 0 {
		t.suppressed.Add(1)
		return
	}

	t.joined.Add(1)
	t.pub.Publish(rec)
}

// Pending returns the number of entries waiting for their exit.
func (t *Tracker) Pending() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

// Reset drops every pending entry and returns how many were dropped.
func (t *Tracker) Reset() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		clear(s.pending)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Pending:    t.Pending(),
		Entries:    t.entries.Load(),
		Joined:     t.joined.Load(),
		Suppressed: t.suppressed.Load(),
		Misses:     t.misses.Load(),
		Overwrites: t.overwrites.Load(),
	}
}
