package base

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HealthState is the coarse health of an observer.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus describes observer health at one point in time.
type HealthStatus struct {
	Status    HealthState `json:"status"`
	Message   string      `json:"message"`
	LastError string      `json:"last_error,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// ObserverStats is a snapshot of the base counters.
type ObserverStats struct {
	EventsProcessed int64         `json:"events_processed"`
	EventsDropped   int64         `json:"events_dropped"`
	ErrorCount      int64         `json:"error_count"`
	LastEventTime   time.Time     `json:"last_event_time"`
	Uptime          time.Duration `json:"uptime"`
}

// SetHealthy sets the observer health status
func (bc *BaseObserver) SetHealthy(healthy bool) {
	bc.isHealthy.Store(healthy)
}

// IsHealthy returns true if the observer is healthy
func (bc *BaseObserver) IsHealthy() bool {
	return bc.isHealthy.Load()
}

// Statistics returns observer statistics
func (bc *BaseObserver) Statistics() ObserverStats {
	lastEventTime, _ := bc.lastEventTime.Load().(time.Time)

	return ObserverStats{
		EventsProcessed: bc.eventsProcessed.Load(),
		EventsDropped:   bc.eventsDropped.Load(),
		ErrorCount:      bc.errorCount.Load(),
		LastEventTime:   lastEventTime,
		Uptime:          time.Since(bc.startTime),
	}
}

// Health returns health status
func (bc *BaseObserver) Health() HealthStatus {
	now := time.Now()

	if !bc.isHealthy.Load() {
		status := HealthStatus{
			Status:    HealthUnhealthy,
			Message:   fmt.Sprintf("%s observer is unhealthy", bc.name),
			CheckedAt: now,
		}
		if box, ok := bc.lastError.Load().(errorBox); ok && box.err != nil {
			status.LastError = box.err.Error()
		}
		bc.recordHealth(0, "unhealthy")
		return status
	}

	// A quiet host is fine; only flag silence once events have been seen.
	if bc.eventsProcessed.Load() > 0 && bc.healthCheckTimeout > 0 {
		lastEventTime, _ := bc.lastEventTime.Load().(time.Time)
		if since := time.Since(lastEventTime); since > bc.healthCheckTimeout {
			bc.recordHealth(1, "no_events")
			return HealthStatus{
				Status:    HealthDegraded,
				Message:   fmt.Sprintf("No events received for %v", since.Round(time.Second)),
				CheckedAt: now,
			}
		}
	}

	errorRate := float64(0)
	if processed := bc.eventsProcessed.Load(); processed > 0 {
		errorRate = float64(bc.errorCount.Load()) / float64(processed)
	}
	if errorRate > bc.errorRateThreshold {
		bc.recordHealth(1, "high_error_rate")
		return HealthStatus{
			Status: HealthDegraded,
			Message: fmt.Sprintf("High error rate: %.1f%% (threshold: %.1f%%)",
				errorRate*100, bc.errorRateThreshold*100),
			CheckedAt: now,
		}
	}

	bc.recordHealth(2, "ok")
	return HealthStatus{
		Status:    HealthHealthy,
		Message:   fmt.Sprintf("%s observer operating normally", bc.name),
		CheckedAt: now,
	}
}

func (bc *BaseObserver) recordHealth(value int64, reason string) {
	if bc.healthStatus != nil {
		bc.healthStatus.Record(context.Background(), value,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
