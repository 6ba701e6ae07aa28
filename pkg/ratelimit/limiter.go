// Package ratelimit gates all outbound HTTP calls behind a token reservoir,
// a minimum-spacing interval, and an in-flight cap. Admission is strictly
// FIFO. The limiter self-tunes from observed error rates and latencies when
// the adaptive controller asks it to.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/corval/dispatchd/pkg/observability"
)

// Limiter errors
var (
	ErrHighWater = errors.New("rate limiter queue is full")
	ErrClosed    = errors.New("rate limiter is closed")
)

// Config holds the limiter settings and tuning bounds
type Config struct {
	// MaxConcurrent is the initial in-flight cap
	MaxConcurrent int

	// MinTime is the initial spacing between execution starts
	MinTime time.Duration

	// ReservoirSize tokens are granted per RefillInterval
	ReservoirSize  int
	RefillInterval time.Duration

	// HighWater bounds the FIFO admission queue
	HighWater int

	// Tuning bounds
	ConcurrencyFloor int
	ConcurrencyCap   int
	MinTimeFloor     time.Duration
	MinTimeCeiling   time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    5,
		MinTime:          100 * time.Millisecond,
		ReservoirSize:    100,
		RefillInterval:   60 * time.Second,
		HighWater:        1000,
		ConcurrencyFloor: 1,
		ConcurrencyCap:   20,
		MinTimeFloor:     50 * time.Millisecond,
		MinTimeCeiling:   500 * time.Millisecond,
	}
}

// Settings is a snapshot of the current tunable state, published to the
// durable store after every tuning pass.
type Settings struct {
	MaxConcurrent     int
	MinTime           time.Duration
	ErrorRate         float64
	AvgResponseTimeMs float64
}

// Counts reports queue pressure for status probes
type Counts struct {
	Queued  int64
	Running int64
	Done    int64
}

type operation struct {
	ctx context.Context

	// ready is closed by the dispatcher once the operation may start;
	// denied is written before close when the grant is refused.
	ready  chan struct{}
	denied error

	// 0 pending, 1 granted, 2 abandoned
	state atomic.Int32
}

// Limiter schedules functions under the reservoir + spacing + in-flight regime
type Limiter struct {
	config Config

	mu            sync.Mutex
	maxConcurrent int
	minTime       time.Duration
	reservoir     int
	refillNotify  chan struct{}
	permits       chan struct{}
	permitDeficit int

	spacing *rate.Limiter

	intake chan *operation

	queued  atomic.Int64
	running atomic.Int64
	done    atomic.Int64

	windowMu         sync.Mutex
	windowTotal      int64
	windowErrors     int64
	windowDurationMs int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a limiter and starts its dispatch and refill loops
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) *Limiter {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.MinTime <= 0 {
		config.MinTime = DefaultConfig().MinTime
	}
	if config.ReservoirSize <= 0 {
		config.ReservoirSize = DefaultConfig().ReservoirSize
	}
	if config.RefillInterval <= 0 {
		config.RefillInterval = DefaultConfig().RefillInterval
	}
	if config.HighWater <= 0 {
		config.HighWater = DefaultConfig().HighWater
	}
	if config.ConcurrencyFloor <= 0 {
		config.ConcurrencyFloor = 1
	}
	if config.ConcurrencyCap <= 0 {
		config.ConcurrencyCap = DefaultConfig().ConcurrencyCap
	}
	if config.MinTimeFloor <= 0 {
		config.MinTimeFloor = DefaultConfig().MinTimeFloor
	}
	if config.MinTimeCeiling <= 0 {
		config.MinTimeCeiling = DefaultConfig().MinTimeCeiling
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	l := &Limiter{
		config:        config,
		maxConcurrent: config.MaxConcurrent,
		minTime:       config.MinTime,
		reservoir:     config.ReservoirSize,
		refillNotify:  make(chan struct{}),
		permits:       make(chan struct{}, config.ConcurrencyCap),
		spacing:       rate.NewLimiter(rate.Every(config.MinTime), 1),
		intake:        make(chan *operation, config.HighWater),
		stopCh:        make(chan struct{}),
		logger:        logger,
		metrics:       metrics,
	}

	for i := 0; i < config.MaxConcurrent; i++ {
		l.permits <- struct{}{}
	}

	l.wg.Add(2)
	go l.dispatch()
	go l.refillLoop()

	return l
}

// Schedule runs fn once the limiter grants admission. It blocks until fn
// completes or the context is canceled; admission order is FIFO.
func (l *Limiter) Schedule(ctx context.Context, fn func(context.Context) error) error {
	if l.isClosed() {
		return ErrClosed
	}

	if l.queued.Add(1) > int64(l.config.HighWater) {
		l.queued.Add(-1)
		return ErrHighWater
	}

	op := &operation{ctx: ctx, ready: make(chan struct{})}

	select {
	case l.intake <- op:
	case <-ctx.Done():
		l.queued.Add(-1)
		return ctx.Err()
	case <-l.stopCh:
		l.queued.Add(-1)
		return ErrClosed
	}

	select {
	case <-op.ready:
	case <-ctx.Done():
		if op.state.CompareAndSwap(0, 2) {
			l.queued.Add(-1)
			return ctx.Err()
		}
		// The grant raced the cancellation; accept it and release below.
		<-op.ready
	}

	if op.denied != nil {
		l.queued.Add(-1)
		return op.denied
	}

	l.queued.Add(-1)

	if err := ctx.Err(); err != nil {
		l.releasePermit()
		return err
	}

	l.running.Add(1)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	l.releasePermit()
	l.running.Add(-1)
	l.done.Add(1)
	l.observe(elapsed, err)

	return err
}

// IsLimited reports whether the admission queue is above 80% of highWater
func (l *Limiter) IsLimited() bool {
	return l.queued.Load() > int64(float64(l.config.HighWater)*0.8)
}

// Counts returns the current queue counters
func (l *Limiter) Counts() Counts {
	return Counts{
		Queued:  l.queued.Load(),
		Running: l.running.Load(),
		Done:    l.done.Load(),
	}
}

// Settings returns the current tunable state without resetting the window
func (l *Limiter) Settings() Settings {
	l.mu.Lock()
	maxConcurrent, minTime := l.maxConcurrent, l.minTime
	l.mu.Unlock()

	errorRate, avgMs := l.windowRates()
	return Settings{
		MaxConcurrent:     maxConcurrent,
		MinTime:           minTime,
		ErrorRate:         errorRate,
		AvgResponseTimeMs: avgMs,
	}
}

// Tune evaluates the completion window and adjusts maxConcurrent and minTime.
// The adaptive controller calls this roughly once a minute. The window resets
// after each evaluation.
func (l *Limiter) Tune() Settings {
	errorRate, avgMs, sampled := l.consumeWindow()

	l.mu.Lock()
	before := l.maxConcurrent
	beforeMinTime := l.minTime

	switch {
	case !sampled:
	case errorRate > 0.10:
		l.maxConcurrent = maxInt(l.config.ConcurrencyFloor, int(math.Floor(float64(l.maxConcurrent)*0.8)))
		l.minTime = minDuration(l.config.MinTimeCeiling, time.Duration(float64(l.minTime)*1.2))
	case errorRate < 0.01 && avgMs < 200:
		l.maxConcurrent = minInt(l.config.ConcurrencyCap, int(math.Ceil(float64(l.maxConcurrent)*1.1)))
		l.minTime = maxDuration(l.config.MinTimeFloor, time.Duration(float64(l.minTime)*0.9))
	}

	changed := l.maxConcurrent != before || l.minTime != beforeMinTime
	if l.maxConcurrent != before {
		l.resizePermitsLocked(before, l.maxConcurrent)
	}
	if l.minTime != beforeMinTime {
		l.spacing.SetLimit(rate.Every(l.minTime))
	}
	settings := Settings{
		MaxConcurrent:     l.maxConcurrent,
		MinTime:           l.minTime,
		ErrorRate:         errorRate,
		AvgResponseTimeMs: avgMs,
	}
	l.mu.Unlock()

	if changed {
		l.logger.Info("rate limiter retuned", map[string]interface{}{
			"max_concurrent": settings.MaxConcurrent,
			"min_time_ms":    settings.MinTime.Milliseconds(),
			"error_rate":     settings.ErrorRate,
			"avg_ms":         settings.AvgResponseTimeMs,
		})
	}
	l.metrics.RecordGauge("rate_limiter_queued", float64(l.queued.Load()), nil)

	return settings
}

// Close stops the limiter; queued operations settle with ErrClosed
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
	return nil
}

func (l *Limiter) isClosed() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// dispatch grants admissions in FIFO order: reservoir token, spacing slot,
// then an in-flight permit.
func (l *Limiter) dispatch() {
	defer l.wg.Done()

	for {
		var op *operation
		select {
		case op = <-l.intake:
		case <-l.stopCh:
			l.drainIntake()
			return
		}

		if op.state.Load() == 2 {
			continue
		}

		if !l.waitReservoir(op) {
			continue
		}

		if err := l.spacing.Wait(op.ctx); err != nil {
			l.refuse(op, nil)
			continue
		}

		select {
		case <-l.permits:
		case <-op.ctx.Done():
			l.refuse(op, nil)
			continue
		case <-l.stopCh:
			l.refuse(op, ErrClosed)
			l.drainIntake()
			return
		}

		if !op.state.CompareAndSwap(0, 1) {
			// Abandoned while we were acquiring; give the permit back.
			l.releasePermit()
			continue
		}
		close(op.ready)
	}
}

// waitReservoir blocks until a token is available. Returns false when the
// operation should be skipped.
func (l *Limiter) waitReservoir(op *operation) bool {
	for {
		l.mu.Lock()
		if l.reservoir > 0 {
			l.reservoir--
			l.mu.Unlock()
			return true
		}
		notify := l.refillNotify
		l.mu.Unlock()

		select {
		case <-notify:
		case <-op.ctx.Done():
			l.refuse(op, nil)
			return false
		case <-l.stopCh:
			l.refuse(op, ErrClosed)
			return false
		}
	}
}

func (l *Limiter) refillLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.reservoir = l.config.ReservoirSize
			close(l.refillNotify)
			l.refillNotify = make(chan struct{})
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// refuse settles an operation without granting it. A nil reason means the
// operation's own context already carries the error.
func (l *Limiter) refuse(op *operation, reason error) {
	if op.state.CompareAndSwap(0, 1) {
		if reason == nil {
			reason = op.ctx.Err()
			if reason == nil {
				reason = ErrClosed
			}
		}
		op.denied = reason
		close(op.ready)
	}
}

func (l *Limiter) drainIntake() {
	for {
		select {
		case op := <-l.intake:
			l.refuse(op, ErrClosed)
		default:
			return
		}
	}
}

// releasePermit returns a permit, honoring any shrink deficit first
func (l *Limiter) releasePermit() {
	l.mu.Lock()
	if l.permitDeficit > 0 {
		l.permitDeficit--
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.permits <- struct{}{}
}

// resizePermitsLocked adjusts the live permit count; callers hold l.mu
func (l *Limiter) resizePermitsLocked(from, to int) {
	if to > from {
		grow := to - from
		for i := 0; i < grow; i++ {
			if l.permitDeficit > 0 {
				l.permitDeficit--
				continue
			}
			select {
			case l.permits <- struct{}{}:
			default:
			}
		}
		return
	}
	shrink := from - to
	for i := 0; i < shrink; i++ {
		select {
		case <-l.permits:
		default:
			// Permit is in use; reclaim it on release.
			l.permitDeficit++
		}
	}
}

func (l *Limiter) observe(elapsed time.Duration, err error) {
	l.windowMu.Lock()
	l.windowTotal++
	if err != nil {
		l.windowErrors++
	}
	l.windowDurationMs += elapsed.Milliseconds()
	l.windowMu.Unlock()
}

func (l *Limiter) windowRates() (errorRate, avgMs float64) {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()
	if l.windowTotal == 0 {
		return 0, 0
	}
	return float64(l.windowErrors) / float64(l.windowTotal),
		float64(l.windowDurationMs) / float64(l.windowTotal)
}

func (l *Limiter) consumeWindow() (errorRate, avgMs float64, sampled bool) {
	l.windowMu.Lock()
	defer l.windowMu.Unlock()
	if l.windowTotal > 0 {
		sampled = true
		errorRate = float64(l.windowErrors) / float64(l.windowTotal)
		avgMs = float64(l.windowDurationMs) / float64(l.windowTotal)
	}
	l.windowTotal, l.windowErrors, l.windowDurationMs = 0, 0, 0
	return errorRate, avgMs, sampled
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
