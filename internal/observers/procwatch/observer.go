package procwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/procwatch/internal/observers/base"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("observer already started")
	ErrStopped        = errors.New("observer stopped")
)

// Mode is the trigger source an observer runs with.
type Mode string

const (
	// ModeEBPF attaches the kernel tracepoints
	ModeEBPF Mode = "ebpf"
	// ModeFallback polls the process table; kills are not observed
	ModeFallback Mode = "fallback"
	// ModeManual attaches nothing; triggers are driven through Probe()
	ModeManual Mode = "manual"
)

// Observer connects the probe to its trigger source and fans records out to
// the events channel and any registered consumers.
type Observer struct {
	*base.BaseObserver
	*base.EventChannelManager
	*base.LifecycleManager

	name   string
	config *Config
	logger *zap.Logger
	tracer trace.Tracer

	ring  *base.RingBuffer
	probe *probe.Probe

	mu        sync.RWMutex
	ebpfState interface{}
	mode      Mode
	started   bool
	stopped   bool

	badFrames       atomic.Uint64
	unknownTriggers atomic.Uint64

	// Drop totals already folded into the base counters. Only touched by
	// reportDrops.
	reportedRing    uint64
	reportedKernel  uint64
	reportedChannel int64
}

// Stats is a point in time view of the observer.
type Stats struct {
	base.ObserverStats
	Mode               Mode                 `json:"mode"`
	Ring               base.RingBufferStats `json:"ring_buffer"`
	Tracker            probe.TrackerStats   `json:"kill_tracker"`
	Goroutines         int32                `json:"goroutines"`
	ChannelSent        int64                `json:"channel_sent"`
	ChannelDropped     int64                `json:"channel_dropped"`
	ChannelUtilization float64              `json:"channel_utilization_percent"`
	KernelDropped      uint64               `json:"kernel_dropped"`
	BadFrames          uint64               `json:"bad_frames"`
	UnknownTriggers    uint64               `json:"unknown_triggers"`
}

// NewObserver creates a new procwatch observer
func NewObserver(name string, config *Config) (*Observer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger.Named(name)

	baseObserver := base.NewBaseObserverWithConfig(base.BaseObserverConfig{
		Name:               name,
		HealthCheckTimeout: 5 * time.Minute,
		MeterProvider:      cfg.MeterProvider,
		Logger:             logger,
	})
	events := base.NewEventChannelManager(cfg.BufferSize, name, logger)

	ring := base.NewRingBuffer(base.RingBufferConfig{
		Size:         cfg.RingBufferSize,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       logger,
		Name:         name,
	})
	ring.RegisterLocalConsumer(events)

	o := &Observer{
		BaseObserver:        baseObserver,
		EventChannelManager: events,
		LifecycleManager:    base.NewLifecycleManager(context.Background(), logger),
		name:                name,
		config:              &cfg,
		logger:              logger,
		tracer:              baseObserver.Tracer(),
		ring:                ring,
		probe:               probe.New(ring, probe.WithLogger(logger), probe.WithShards(cfg.TrackerShards)),
		mode:                ModeManual,
	}

	if err := o.registerGauges(); err != nil {
		logger.Warn("Failed to register tracker gauges", zap.Error(err))
	}

	logger.Info("Procwatch observer created",
		zap.Bool("ebpf", cfg.EnableEBPF),
		zap.Bool("fallback", cfg.EnableFallback),
		zap.Int("ring_buffer_size", cfg.RingBufferSize),
	)
	return o, nil
}

func (o *Observer) registerGauges() error {
	meter := o.Meter()

	pending, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_kill_entries_pending", o.name),
		metric.WithDescription("Kill syscalls entered but not yet returned"),
	)
	if err != nil {
		return err
	}
	joined, err := meter.Int64ObservableCounter(
		fmt.Sprintf("%s_kills_total", o.name),
		metric.WithDescription("Successful kill syscalls reported"),
	)
	if err != nil {
		return err
	}
	suppressed, err := meter.Int64ObservableCounter(
		fmt.Sprintf("%s_kills_failed_total", o.name),
		metric.WithDescription("Kill syscalls that returned an error"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		s := o.probe.TrackerStats()
		obs.ObserveInt64(pending, int64(s.Pending))
		obs.ObserveInt64(joined, int64(s.Joined))
		obs.ObserveInt64(suppressed, int64(s.Suppressed))
		return nil
	}, pending, joined, suppressed)
	return err
}

// Name returns the observer name
func (o *Observer) Name() string {
	return o.name
}

// Events returns the channel every published record is delivered on
func (o *Observer) Events() <-chan probe.Record {
	return o.GetChannel()
}

// Probe returns the probe, for callers that drive the triggers themselves
func (o *Observer) Probe() *probe.Probe {
	return o.probe
}

// Mode returns the trigger source in use. It is ModeManual until Start.
func (o *Observer) Mode() Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// RegisterConsumer adds a consumer that receives every published record
func (o *Observer) RegisterConsumer(c base.LocalConsumer) {
	o.ring.RegisterLocalConsumer(c)
}

// Start attaches the probe to its trigger source
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}

	ctx, span := o.tracer.Start(ctx, "procwatch.start")
	defer span.End()

	o.probe.Attach()

	mode := ModeManual
	if o.config.EnableEBPF {
		if err := o.initializeEBPF(ctx); err != nil {
			span.RecordError(err)
			o.RecordError(ctx, err)
			if !o.config.EnableFallback {
				o.probe.Detach()
				span.SetStatus(codes.Error, "ebpf initialization failed")
				return fmt.Errorf("failed to initialize eBPF: %w", err)
			}
			o.logger.Warn("eBPF unavailable, polling the process table instead", zap.Error(err))
		} else {
			mode = ModeEBPF
		}
	}
	if mode == ModeManual && o.config.EnableFallback {
		mode = ModeFallback
	}

	o.ring.Start(context.Background())

	switch mode {
	case ModeEBPF:
		o.LifecycleManager.Start("ebpf-reader", o.readEBPFEvents)
	case ModeFallback:
		poller := newProcPoller(o.config.FallbackInterval, o.probe, o.logger)
		o.LifecycleManager.Start("proc-poller", poller.run)
	}
	o.LifecycleManager.Start("drop-reporter", o.reportDropsLoop)

	o.mode = mode
	o.started = true
	o.SetHealthy(true)

	span.SetAttributes(attribute.String("mode", string(mode)))
	o.logger.Info("Procwatch observer started", zap.String("mode", string(mode)))
	return nil
}

// Stop detaches the probe and delivers whatever is still buffered. A stopped
// observer cannot be restarted.
func (o *Observer) Stop() error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.cleanupEBPF()
	err := o.LifecycleManager.Stop(o.config.ShutdownTimeout)

	o.probe.Detach()
	o.ring.Stop()
	o.reportDrops(context.Background())
	o.EventChannelManager.Close()
	o.SetHealthy(false)

	o.logger.Info("Procwatch observer stopped")
	return err
}

// Statistics returns observer, buffer and tracker counters
func (o *Observer) Statistics() Stats {
	kernelDropped, _ := o.readKernelDropped()
	return Stats{
		ObserverStats:      o.BaseObserver.Statistics(),
		Mode:               o.Mode(),
		Ring:               o.ring.Statistics(),
		Tracker:            o.probe.TrackerStats(),
		Goroutines:         o.Running(),
		ChannelSent:        o.GetSentCount(),
		ChannelDropped:     o.GetDroppedCount(),
		ChannelUtilization: o.GetChannelUtilization(),
		KernelDropped:      kernelDropped,
		BadFrames:          o.badFrames.Load(),
		UnknownTriggers:    o.unknownTriggers.Load(),
	}
}

// handleFrame decodes one kernel sample and fires the matching trigger.
func (o *Observer) handleFrame(ctx context.Context, raw []byte) error {
	start := time.Now()

	f, err := decodeFrame(raw)
	if err != nil {
		o.badFrames.Add(1)
		return err
	}
	if !dispatch(o.probe, f) {
		o.unknownTriggers.Add(1)
		o.logger.Debug("Ignoring unknown trigger", zap.Uint8("trigger", uint8(f.trigger)))
		return nil
	}

	o.RecordEvent(ctx, attribute.String("trigger", f.trigger.String()))
	o.RecordProcessingTime(ctx, time.Since(start))
	return nil
}

func (o *Observer) reportDropsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.config.DropReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reportDrops(ctx)
		}
	}
}

// reportDrops folds new drops from every stage into the base counters.
func (o *Observer) reportDrops(ctx context.Context) {
	if ring := o.ring.Statistics().Dropped; ring > o.reportedRing {
		o.RecordDrop(ctx, int64(ring-o.reportedRing), "ring_buffer_full")
		o.reportedRing = ring
	}
	if ch := o.GetDroppedCount(); ch > o.reportedChannel {
		o.RecordDrop(ctx, ch-o.reportedChannel, "channel_full")
		o.reportedChannel = ch
	}

	kernel, err := o.readKernelDropped()
	if err != nil {
		o.logger.Debug("Failed to read kernel drop counter", zap.Error(err))
		return
	}
	if kernel > o.reportedKernel {
		o.RecordDrop(ctx, int64(kernel-o.reportedKernel), "kernel_reserve_failed")
		o.reportedKernel = kernel
	}
}
