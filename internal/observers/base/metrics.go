package base

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// initializeMetrics registers the standard OTEL instruments. Instruments
// that fail to register are left nil and skipped when recording.
func (bc *BaseObserver) initializeMetrics() {
	var err error

	bc.eventsProcessedCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_events_processed_total", bc.name),
		metric.WithDescription("Total events processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bc.logger.Debug("Failed to create events processed counter",
			zap.String("observer", bc.name),
			zap.Error(err))
		bc.eventsProcessedCounter = nil
	}

	bc.eventsDroppedCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_events_dropped_total", bc.name),
		metric.WithDescription("Total events dropped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bc.logger.Debug("Failed to create events dropped counter",
			zap.String("observer", bc.name),
			zap.Error(err))
		bc.eventsDroppedCounter = nil
	}

	bc.errorCounter, err = bc.meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", bc.name),
		metric.WithDescription("Total errors encountered"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bc.logger.Debug("Failed to create error counter",
			zap.String("observer", bc.name),
			zap.Error(err))
		bc.errorCounter = nil
	}

	bc.processingDuration, err = bc.meter.Float64Histogram(
		fmt.Sprintf("%s_processing_duration_seconds", bc.name),
		metric.WithDescription("Event processing duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1),
	)
	if err != nil {
		bc.logger.Debug("Failed to create processing duration histogram",
			zap.String("observer", bc.name),
			zap.Error(err))
		bc.processingDuration = nil
	}

	// Health status gauge (0=unhealthy, 1=degraded, 2=healthy)
	bc.healthStatus, err = bc.meter.Int64Gauge(
		fmt.Sprintf("%s_health_status", bc.name),
		metric.WithDescription("Health status (0=unhealthy, 1=degraded, 2=healthy)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		bc.logger.Debug("Failed to create health status gauge",
			zap.String("observer", bc.name),
			zap.Error(err))
		bc.healthStatus = nil
	}
}
