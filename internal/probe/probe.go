// Package probe holds the process lifecycle probe logic: record emission for
// exec and exit, and the entry/exit join that reports successful kills.
//
// Every trigger runs to completion without blocking. The only shared state is
// the kill tracker, whose entries live for the duration of one syscall.
package probe

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Option configures a Probe.
type Option func(*Probe)

// WithLogger sets the logger used for attach/detach messages.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithShards sets the tracker shard count.
func WithShards(n int) Option {
	return func(p *Probe) {
		p.shards = n
	}
}

// Probe exposes the four trigger points. Triggers fired while the probe is
// detached are ignored.
type Probe struct {
	emitter *Emitter
	tracker *Tracker
	logger  *zap.Logger
	shards  int

	attached atomic.Bool
}

// New creates a detached probe publishing on pub.
func New(pub Publisher, opts ...Option) *Probe {
	p := &Probe{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.emitter = NewEmitter(pub)
	p.tracker = NewTracker(pub, p.shards)
	return p
}

// Attach starts accepting triggers.
func (p *Probe) Attach() {
	if p.attached.CompareAndSwap(false, true) {
		p.logger.Debug("Probe attached")
	}
}

// Detach stops accepting triggers and clears correlation state so entries
// from this attach cycle cannot leak into the next one.
func (p *Probe) Detach() {
	if !p.attached.CompareAndSwap(true, false) {
		return
	}
	if dropped := p.tracker.Reset(); dropped > 0 {
		p.logger.Debug("Dropped pending kill entries on detach", zap.Int("pending", dropped))
	}
}

// Attached reports whether the probe accepts triggers.
func (p *Probe) Attached() bool {
	return p.attached.Load()
}

// OnProcessCreated is the "process created" trigger.
func (p *Probe) OnProcessCreated(ctx ExecContext) {
	if p.attached.Load() {
		p.emitter.OnProcessCreated(ctx)
	}
}

// OnProcessExited is the "process exited" trigger.
func (p *Probe) OnProcessExited(ctx ExecContext) {
	if p.attached.Load() {
		p.emitter.OnProcessExited(ctx)
	}
}

// OnKillEntry is the "kill syscall entry" trigger.
func (p *Probe) OnKillEntry(ctx ExecContext, target uint32) {
	if p.attached.Load() {
		p.tracker.OnKillEntry(ctx, target)
	}
}

// OnKillExit is the "kill syscall exit" trigger.
func (p *Probe) OnKillExit(ctx ExecContext, ret int64) {
	if p.attached.Load() {
		p.tracker.OnKillExit(ctx, ret)
	}
}

// TrackerStats returns the kill tracker counters.
func (p *Probe) TrackerStats() TrackerStats {
	return p.tracker.Stats()
}
