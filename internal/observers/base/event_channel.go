package base

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
)

// EventChannelManager hands records to a Go channel with drop counting. It
// is registered on the ring buffer as the consumer behind Observer.Events().
type EventChannelManager struct {
	mu           sync.RWMutex
	channel      chan probe.Record
	closed       atomic.Bool
	droppedCount atomic.Int64
	sentCount    atomic.Int64
	logger       *zap.Logger
	name         string
}

// NewEventChannelManager creates a new event channel manager
func NewEventChannelManager(size int, name string, logger *zap.Logger) *EventChannelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventChannelManager{
		channel: make(chan probe.Record, size),
		logger:  logger,
		name:    name,
	}
}

// SendEvent attempts a non-blocking send. Returns false if the record was
// dropped.
func (ecm *EventChannelManager) SendEvent(rec probe.Record) bool {
	if ecm.closed.Load() {
		return false
	}

	ecm.mu.RLock()
	defer ecm.mu.RUnlock()

	// Double-check closed status while holding lock
	if ecm.closed.Load() {
		ecm.droppedCount.Add(1)
		return false
	}

	select {
	case ecm.channel <- rec:
		ecm.sentCount.Add(1)
		return true
	default:
		ecm.droppedCount.Add(1)
		ecm.logger.Debug("Event channel full, dropping record",
			zap.String("observer", ecm.name),
			zap.Stringer("kind", rec.Kind),
			zap.Uint32("pid", rec.PID),
		)
		return false
	}
}

// ConsumeRecord implements LocalConsumer.
func (ecm *EventChannelManager) ConsumeRecord(_ context.Context, rec probe.Record) error {
	ecm.SendEvent(rec)
	return nil
}

// Priority implements LocalConsumer. Sinks run before the events channel.
func (ecm *EventChannelManager) Priority() int { return 0 }

// Name implements LocalConsumer.
func (ecm *EventChannelManager) Name() string { return "events-channel" }

// ShouldConsume implements LocalConsumer.
func (ecm *EventChannelManager) ShouldConsume(probe.Record) bool { return true }

// GetChannel returns the event channel for reading
func (ecm *EventChannelManager) GetChannel() <-chan probe.Record {
	ecm.mu.RLock()
	defer ecm.mu.RUnlock()
	return ecm.channel
}

// Close closes the event channel
func (ecm *EventChannelManager) Close() {
	if !ecm.closed.CompareAndSwap(false, true) {
		return
	}

	ecm.mu.Lock()
	defer ecm.mu.Unlock()

	// The channel stays readable so buffered records can still be drained.
	close(ecm.channel)
}

// GetDroppedCount returns the number of dropped records
func (ecm *EventChannelManager) GetDroppedCount() int64 {
	return ecm.droppedCount.Load()
}

// GetSentCount returns the number of successfully sent records
func (ecm *EventChannelManager) GetSentCount() int64 {
	return ecm.sentCount.Load()
}

// GetChannelUtilization returns the percentage of channel capacity used
func (ecm *EventChannelManager) GetChannelUtilization() float64 {
	ecm.mu.RLock()
	defer ecm.mu.RUnlock()

	if cap(ecm.channel) == 0 {
		return 0
	}
	return float64(len(ecm.channel)) / float64(cap(ecm.channel)) * 100
}
