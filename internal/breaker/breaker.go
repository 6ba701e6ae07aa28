// Package breaker holds the dispatcher's circuit breaker state. The breaker
// is time-based: once tripped it stays open for a fixed reset window, and
// recovery is driven by the adaptive controller rather than by probing.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/corval/dispatchd/pkg/models"
	"github.com/corval/dispatchd/pkg/observability"
)

// Recorder mirrors trip events into the durable store
type Recorder interface {
	RecordBreakerTrip(ctx context.Context, record models.BreakerRecord) error
}

// Status is a point-in-time view of the breaker
type Status struct {
	Active         bool   `json:"active"`
	LastTripped    int64  `json:"lastTripped,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ResetTimeoutMs int64  `json:"resetTimeoutMs"`
	RemainingMs    int64  `json:"remainingMs,omitempty"`
	TripCount      int64  `json:"tripCount"`
}

// Breaker gates record dispatch while the system is considered unhealthy
type Breaker struct {
	mu           sync.Mutex
	resetTimeout time.Duration
	lastTripped  time.Time
	reason       string
	tripCount    int64

	now      func() time.Time
	recorder Recorder
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates a breaker in the closed state. The recorder may be nil.
func New(resetTimeout time.Duration, recorder Recorder, logger observability.Logger, metrics observability.MetricsClient) *Breaker {
	if resetTimeout <= 0 {
		resetTimeout = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Breaker{
		resetTimeout: resetTimeout,
		now:          time.Now,
		recorder:     recorder,
		logger:       logger,
		metrics:      metrics,
	}
}

// Trip opens the breaker and mirrors the event into the durable store.
// Tripping an already-open breaker restarts the reset window.
func (b *Breaker) Trip(ctx context.Context, reason string, snapshot map[string]interface{}) {
	b.mu.Lock()
	trippedAt := b.now()
	b.lastTripped = trippedAt
	b.reason = reason
	b.tripCount++
	count := b.tripCount
	b.mu.Unlock()

	b.logger.Error("circuit breaker tripped", map[string]interface{}{
		"reason":     reason,
		"trip_count": count,
		"reset_ms":   b.resetTimeout.Milliseconds(),
	})
	b.metrics.RecordGauge("circuit_breaker_state", 1, map[string]string{"name": "dispatch"})
	b.metrics.RecordCounter("circuit_breaker_state_changes_total", 1, map[string]string{"name": "dispatch"})

	if b.recorder == nil {
		return
	}
	record := models.BreakerRecord{
		LastTripped:  trippedAt.UnixMilli(),
		Reason:       reason,
		ResetTimeout: b.resetTimeout.Milliseconds(),
		Metrics:      snapshot,
	}
	if err := b.recorder.RecordBreakerTrip(ctx, record); err != nil {
		b.logger.Warn("failed to persist breaker trip", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Active reports whether the reset window is still running
func (b *Breaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

func (b *Breaker) activeLocked() bool {
	if b.lastTripped.IsZero() {
		return false
	}
	return b.now().Sub(b.lastTripped) < b.resetTimeout
}

// LastTripped returns the most recent trip time, zero if never tripped
func (b *Breaker) LastTripped() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTripped
}

// ResetTimeout returns the configured open window
func (b *Breaker) ResetTimeout() time.Duration {
	return b.resetTimeout
}

// Status returns a snapshot for status endpoints and worker metrics
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		ResetTimeoutMs: b.resetTimeout.Milliseconds(),
		TripCount:      b.tripCount,
	}
	if b.lastTripped.IsZero() {
		return status
	}
	status.LastTripped = b.lastTripped.UnixMilli()
	status.Reason = b.reason
	if b.activeLocked() {
		status.Active = true
		status.RemainingMs = (b.resetTimeout - b.now().Sub(b.lastTripped)).Milliseconds()
	}
	return status
}

// MarkClosed records the closed state gauge; the controller calls this when
// it observes the reset window has expired.
func (b *Breaker) MarkClosed() {
	b.metrics.RecordGauge("circuit_breaker_state", 0, map[string]string{"name": "dispatch"})
}
