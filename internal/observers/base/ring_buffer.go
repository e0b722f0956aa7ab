package base

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LocalConsumer receives records drained from the ring buffer.
type LocalConsumer interface {
	// ConsumeRecord processes one record. It runs on the drain goroutine and
	// should return quickly.
	ConsumeRecord(ctx context.Context, rec probe.Record) error

	// Priority determines processing order (higher = first)
	Priority() int

	// Name returns the consumer name for debugging
	Name() string

	// ShouldConsume allows filtering which records this consumer wants
	ShouldConsume(rec probe.Record) bool
}

type ringSlot struct {
	seq atomic.Uint64
	rec probe.Record
}

// RingBuffer is a bounded lock-free multi-producer queue with drop-on-full
// semantics. Publish never blocks and never overwrites unread records; when
// the buffer is full the new record is counted as dropped.
type RingBuffer struct {
	slots    []ringSlot
	capacity uint64
	mask     uint64

	// Position tracking (cache-line aligned)
	_    [64 - unsafe.Sizeof(uint64(0))]byte
	head atomic.Uint64 // next write position

	_    [64 - unsafe.Sizeof(uint64(0))]byte
	tail atomic.Uint64 // next read position

	// Statistics
	_        [64 - unsafe.Sizeof(uint64(0))]byte
	dropped  atomic.Uint64
	produced atomic.Uint64
	consumed atomic.Uint64

	logger       *zap.Logger
	name         string
	dropLogLimit *rate.Limiter

	consumersLock sync.RWMutex
	consumers     []LocalConsumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchSize    int
	batchTimeout time.Duration
	pollInterval time.Duration
}

// RingBufferConfig configures the ring buffer
type RingBufferConfig struct {
	// Size is rounded up to a power of 2
	Size int

	BatchSize    int           // Default: 32
	BatchTimeout time.Duration // Default: 10ms
	PollInterval time.Duration // Default: 1ms, sleep when the buffer is empty

	Logger *zap.Logger
	Name   string
}

// NewRingBuffer creates a new ring buffer
func NewRingBuffer(config RingBufferConfig) *RingBuffer {
	size := uint64(config.Size)
	if size < 2 {
		size = 8192
	}
	if size&(size-1) != 0 {
		// Round up to next power of 2
		v := size
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v |= v >> 32
		v++
		size = v
	}

	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	rb := &RingBuffer{
		slots:        make([]ringSlot, size),
		capacity:     size,
		mask:         size - 1,
		logger:       config.Logger,
		name:         config.Name,
		dropLogLimit: rate.NewLimiter(rate.Every(time.Second), 1),
		batchSize:    config.BatchSize,
		batchTimeout: config.BatchTimeout,
		pollInterval: config.PollInterval,
	}
	for i := range rb.slots {
		rb.slots[i].seq.Store(uint64(i))
	}
	return rb
}

// Publish implements probe.Publisher.
func (rb *RingBuffer) Publish(rec probe.Record) {
	rb.Write(rec)
}

// Write enqueues rec. It returns false if the buffer was full and the record
// was dropped.
func (rb *RingBuffer) Write(rec probe.Record) bool {
	pos := rb.head.Load()
	var slot *ringSlot
	for {
		slot = &rb.slots[pos&rb.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if rb.head.CompareAndSwap(pos, pos+1) {
				slot.rec = rec
				slot.seq.Store(pos + 1)
				rb.produced.Add(1)
				return true
			}
			pos = rb.head.Load()
		case diff < 0:
			rb.recordDrop()
			return false
		default:
			pos = rb.head.Load()
		}
	}
}

func (rb *RingBuffer) recordDrop() {
	total := rb.dropped.Add(1)
	if rb.dropLogLimit.Allow() {
		rb.logger.Warn("Ring buffer full, dropping records",
			zap.String("observer", rb.name),
			zap.Uint64("dropped_total", total),
		)
	}
}

// Read dequeues the oldest record, if any.
func (rb *RingBuffer) Read() (probe.Record, bool) {
	pos := rb.tail.Load()
	for {
		slot := &rb.slots[pos&rb.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if rb.tail.CompareAndSwap(pos, pos+1) {
				rec := slot.rec
				slot.seq.Store(pos + rb.capacity)
				rb.consumed.Add(1)
				return rec, true
			}
			pos = rb.tail.Load()
		case diff < 0:
			return probe.Record{}, false
		default:
			pos = rb.tail.Load()
		}
	}
}

// Start begins draining records to the registered consumers
func (rb *RingBuffer) Start(ctx context.Context) {
	rb.ctx, rb.cancel = context.WithCancel(ctx)

	rb.wg.Add(1)
	go rb.drainLoop()
}

// Stop gracefully shuts down the ring buffer, delivering what is left
func (rb *RingBuffer) Stop() {
	if rb.cancel != nil {
		rb.cancel()
	}
	rb.wg.Wait()
}

// RegisterLocalConsumer adds a local consumer for records
func (rb *RingBuffer) RegisterLocalConsumer(consumer LocalConsumer) {
	rb.consumersLock.Lock()
	defer rb.consumersLock.Unlock()

	// Copy on write; the drain loop iterates the old slice without the lock.
	consumers := make([]LocalConsumer, 0, len(rb.consumers)+1)
	consumers = append(consumers, rb.consumers...)
	consumers = append(consumers, consumer)
	sort.SliceStable(consumers, func(i, j int) bool {
		return consumers[i].Priority() > consumers[j].Priority()
	})
	rb.consumers = consumers

	rb.logger.Info("Registered local consumer",
		zap.String("observer", rb.name),
		zap.String("consumer", consumer.Name()),
		zap.Int("priority", consumer.Priority()),
	)
}

func (rb *RingBuffer) drainLoop() {
	defer rb.wg.Done()

	batch := make([]probe.Record, 0, rb.batchSize)
	ticker := time.NewTicker(rb.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			rb.processBatch(context.Background(), batch)
			rb.processBatch(context.Background(), rb.drain())
			return

		case <-ticker.C:
			if len(batch) > 0 {
				rb.processBatch(rb.ctx, batch)
				batch = batch[:0]
			}

		default:
			if rec, ok := rb.Read(); ok {
				batch = append(batch, rec)
				if len(batch) >= rb.batchSize {
					rb.processBatch(rb.ctx, batch)
					batch = batch[:0]
					ticker.Reset(rb.batchTimeout)
				}
			} else {
				time.Sleep(rb.pollInterval)
			}
		}
	}
}

func (rb *RingBuffer) drain() []probe.Record {
	var recs []probe.Record
	for {
		rec, ok := rb.Read()
		if !ok {
			return recs
		}
		recs = append(recs, rec)
	}
}

func (rb *RingBuffer) processBatch(ctx context.Context, recs []probe.Record) {
	if len(recs) == 0 {
		return
	}

	rb.consumersLock.RLock()
	consumers := rb.consumers
	rb.consumersLock.RUnlock()

	for _, rec := range recs {
		for _, consumer := range consumers {
			if !consumer.ShouldConsume(rec) {
				continue
			}
			if err := consumer.ConsumeRecord(ctx, rec); err != nil {
				rb.logger.Debug("Local consumer error",
					zap.String("observer", rb.name),
					zap.String("consumer", consumer.Name()),
					zap.Error(err),
				)
			}
		}
	}
}

// Statistics returns buffer statistics
func (rb *RingBuffer) Statistics() RingBufferStats {
	head := rb.head.Load()
	tail := rb.tail.Load()

	var utilization float64
	if head >= tail {
		used := head - tail
		if used > rb.capacity {
			used = rb.capacity
		}
		utilization = float64(used) / float64(rb.capacity) * 100
	}

	rb.consumersLock.RLock()
	consumers := len(rb.consumers)
	rb.consumersLock.RUnlock()

	return RingBufferStats{
		Capacity:    rb.capacity,
		Produced:    rb.produced.Load(),
		Consumed:    rb.consumed.Load(),
		Dropped:     rb.dropped.Load(),
		Utilization: utilization,
		Consumers:   consumers,
	}
}

// RingBufferStats contains ring buffer statistics
type RingBufferStats struct {
	Capacity    uint64  `json:"capacity"`
	Produced    uint64  `json:"produced"`
	Consumed    uint64  `json:"consumed"`
	Dropped     uint64  `json:"dropped"`
	Utilization float64 `json:"utilization_percent"`
	Consumers   int     `json:"local_consumers"`
}
