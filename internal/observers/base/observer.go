// Package base provides the plumbing shared by procwatch observers: the
// record ring buffer, consumer fan-out, goroutine lifecycle, statistics and
// OTEL instrumentation.
package base

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BaseObserver provides common statistics and health tracking.
// Embed this in an observer to get Statistics() and Health().
type BaseObserver struct {
	name      string
	startTime time.Time

	eventsProcessed atomic.Int64
	eventsDropped   atomic.Int64
	errorCount      atomic.Int64

	lastEventTime atomic.Value // stores time.Time
	lastError     atomic.Value // stores errorBox

	isHealthy          atomic.Bool
	healthCheckTimeout time.Duration
	errorRateThreshold float64

	tracer trace.Tracer
	meter  metric.Meter

	eventsProcessedCounter metric.Int64Counter
	eventsDroppedCounter   metric.Int64Counter
	errorCounter           metric.Int64Counter
	processingDuration     metric.Float64Histogram
	healthStatus           metric.Int64Gauge

	logger *zap.Logger
}

// errorBox keeps atomic.Value stores of differing error types consistent.
type errorBox struct{ err error }

// BaseObserverConfig holds configuration for BaseObserver
type BaseObserverConfig struct {
	Name               string
	HealthCheckTimeout time.Duration
	ErrorRateThreshold float64 // Default 0.1 (10%)

	// MeterProvider overrides the global provider, mostly for tests.
	MeterProvider metric.MeterProvider

	Logger *zap.Logger
}

// NewBaseObserverWithConfig creates a new base observer with full configuration
func NewBaseObserverWithConfig(config BaseObserverConfig) *BaseObserver {
	if config.ErrorRateThreshold == 0 {
		config.ErrorRateThreshold = 0.1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	meter := otel.Meter(config.Name)
	if config.MeterProvider != nil {
		meter = config.MeterProvider.Meter(config.Name)
	}

	bc := &BaseObserver{
		name:               config.Name,
		startTime:          time.Now(),
		healthCheckTimeout: config.HealthCheckTimeout,
		errorRateThreshold: config.ErrorRateThreshold,
		tracer:             otel.Tracer(config.Name),
		meter:              meter,
		logger:             config.Logger,
	}
	bc.isHealthy.Store(true)
	bc.lastEventTime.Store(time.Now())

	bc.initializeMetrics()

	return bc
}

// Tracer returns the observer's tracer
func (bc *BaseObserver) Tracer() trace.Tracer {
	return bc.tracer
}

// Meter returns the observer's meter, for observer specific instruments
func (bc *BaseObserver) Meter() metric.Meter {
	return bc.meter
}

// RecordEvent records a successfully processed event
func (bc *BaseObserver) RecordEvent(ctx context.Context, attrs ...attribute.KeyValue) {
	bc.eventsProcessed.Add(1)
	bc.lastEventTime.Store(time.Now())

	if bc.eventsProcessedCounter != nil {
		bc.eventsProcessedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDrop records n dropped events
func (bc *BaseObserver) RecordDrop(ctx context.Context, n int64, reason string) {
	if n <= 0 {
		return
	}
	bc.eventsDropped.Add(n)

	if bc.eventsDroppedCounter != nil {
		bc.eventsDroppedCounter.Add(ctx, n, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
}

// RecordError records an error
func (bc *BaseObserver) RecordError(ctx context.Context, err error) {
	bc.errorCount.Add(1)
	if err != nil {
		bc.lastError.Store(errorBox{err: err})
	}

	if bc.errorCounter != nil {
		bc.errorCounter.Add(ctx, 1)
	}
}

// RecordProcessingTime records how long it took to handle one event
func (bc *BaseObserver) RecordProcessingTime(ctx context.Context, d time.Duration) {
	if bc.processingDuration != nil {
		bc.processingDuration.Record(ctx, d.Seconds())
	}
}
