package procwatch

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config configures the procwatch observer.
type Config struct {
	// BufferSize of the Events() channel
	BufferSize int

	// Ring buffer between the probe and its consumers
	RingBufferSize int
	BatchSize      int
	BatchTimeout   time.Duration

	// EnableEBPF loads BPFObjectPath and attaches the kernel tracepoints
	EnableEBPF    bool
	BPFObjectPath string

	// EnableFallback polls procfs for exec/exit when eBPF is unavailable.
	// Kills are not observable in this mode.
	EnableFallback   bool
	FallbackInterval time.Duration

	// TrackerShards for the kill correlation map
	TrackerShards int

	// DropReportInterval controls how often drop counters are folded into
	// the observer statistics
	DropReportInterval time.Duration

	ShutdownTimeout time.Duration

	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the default observer configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:         10000,
		RingBufferSize:     8192,
		BatchSize:          32,
		BatchTimeout:       10 * time.Millisecond,
		EnableEBPF:         true,
		BPFObjectPath:      "/usr/lib/procwatch/procwatch.bpf.o",
		EnableFallback:     false,
		FallbackInterval:   time.Second,
		TrackerShards:      64,
		DropReportInterval: 5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("ring buffer size must be positive, got %d", c.RingBufferSize)
	}
	if c.EnableEBPF && c.BPFObjectPath == "" {
		return fmt.Errorf("bpf object path is required when eBPF is enabled")
	}
	if c.EnableFallback && c.FallbackInterval <= 0 {
		return fmt.Errorf("fallback interval must be positive, got %v", c.FallbackInterval)
	}
	if c.TrackerShards < 0 {
		return fmt.Errorf("tracker shards must not be negative, got %d", c.TrackerShards)
	}
	return nil
}

// applyDefaults fills zero values that have a sensible default
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = d.FallbackInterval
	}
	if c.DropReportInterval <= 0 {
		c.DropReportInterval = d.DropReportInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
