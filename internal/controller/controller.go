// Package controller runs the closed-loop concurrency governor for the
// batch worker. Every tick it folds host load, memory headroom, API error
// rate, queue backlog, and response-time drift into moving averages, scores
// the trend of each, and nudges the worker's width between the configured
// bounds. It also owns the circuit breaker: tripping it when errors or the
// composite health score collapse, and stepping concurrency back up once
// the reset window has passed.
package controller

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/models"
	"github.com/corval/dispatchd/pkg/observability"
	"github.com/corval/dispatchd/pkg/ratelimit"
)

const (
	maxRecoverySteps        = 5
	stabilityThreshold      = 5
	concurrencyIncreaseRate = 2
	maxDecreaseStep         = 3
	predictionClamp         = 5
	tripHealthFloor         = -0.7
	recoveryFactor          = 1.5

	// About a week of quarter-hour observations per hour bucket.
	patternSamplesPerHour = 30
)

// MetricsSource supplies the aggregator signals the controller steers by
type MetricsSource interface {
	APIErrorRate(ctx context.Context) float64
	AvgResponseTime() time.Duration
}

// BacklogSource reports how many jobs are waiting in the queue
type BacklogSource interface {
	Backlog(ctx context.Context) (int64, error)
}

// CircuitBreaker is the dispatch gate the controller owns
type CircuitBreaker interface {
	Trip(ctx context.Context, reason string, snapshot map[string]interface{})
	Active() bool
	MarkClosed()
	Status() breaker.Status
}

// Signals is one set of observed values, raw or averaged
type Signals struct {
	CPU          float64
	MemFree      float64
	ErrorRate    float64
	Backlog      float64
	ResponseTime float64
}

// Controller adjusts the batch worker's width under a per-decision cooldown
type Controller struct {
	cfg      config.ControllerConfig
	workerID string

	breaker CircuitBreaker
	limiter *ratelimit.Limiter
	store   *store.Store
	backlog BacklogSource
	signals MetricsSource
	sampler SystemSampler

	// resize must not call back into the controller
	resize func(int)

	logger  observability.Logger
	metrics observability.MetricsClient

	mu          sync.Mutex
	concurrency int
	lastChange  time.Time
	tickCount   int64

	cpuWin     *window
	memWin     *window
	errWin     *window
	backlogWin *window
	respWin    *window

	havePrev bool
	prevAvg  Signals
	lastRaw  Signals
	lastAvg  Signals

	cpuTrend     *window
	errTrend     *window
	backlogTrend *window
	respTrend    *window
	healthWin    *window

	lastAvgResponse float64

	stabilityCounter     int
	consecutiveDecreases int

	breakerOpen    bool
	inRecovery     bool
	recoveryStep   int
	recoveryTarget int

	hourPattern    [24][]int
	predictedDelta int
	lastPrediction time.Time

	now func() time.Time
}

// New creates a controller starting at the minimum width. The limiter,
// store, backlog, and signal sources may be nil; a nil sampler falls back
// to the host sampler.
func New(
	cfg config.ControllerConfig,
	workerID string,
	brk CircuitBreaker,
	limiter *ratelimit.Limiter,
	st *store.Store,
	backlog BacklogSource,
	signals MetricsSource,
	sampler SystemSampler,
	resize func(int),
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Controller {
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 20
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 50
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}
	if cfg.CooldownMS <= 0 {
		cfg.CooldownMS = 30000
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 30000
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.30
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 5
	}
	if cfg.TrendHistoryLength <= 0 {
		cfg.TrendHistoryLength = 3
	}
	if cfg.SystemHealthHistory <= 0 {
		cfg.SystemHealthHistory = 10
	}
	if cfg.PredictionUpdateIntervalMS <= 0 {
		cfg.PredictionUpdateIntervalMS = 900000
	}
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Controller{
		cfg:          cfg,
		workerID:     workerID,
		breaker:      brk,
		limiter:      limiter,
		store:        st,
		backlog:      backlog,
		signals:      signals,
		sampler:      sampler,
		resize:       resize,
		logger:       logger,
		metrics:      metrics,
		concurrency:  cfg.MinConcurrency,
		cpuWin:       newWindow(cfg.HistoryLength),
		memWin:       newWindow(cfg.HistoryLength),
		errWin:       newWindow(cfg.HistoryLength),
		backlogWin:   newWindow(cfg.HistoryLength),
		respWin:      newWindow(cfg.HistoryLength),
		cpuTrend:     newWindow(cfg.TrendHistoryLength),
		errTrend:     newWindow(cfg.TrendHistoryLength),
		backlogTrend: newWindow(cfg.TrendHistoryLength),
		respTrend:    newWindow(cfg.TrendHistoryLength),
		healthWin:    newWindow(cfg.SystemHealthHistory),
		now:          time.Now,
	}
}

// Run evaluates once immediately, then on every tick until ctx is canceled
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Adaptive controller started", map[string]interface{}{
		"min_concurrency": c.cfg.MinConcurrency,
		"max_concurrency": c.cfg.MaxConcurrency,
		"tick":            c.cfg.Tick().String(),
	})

	ticker := time.NewTicker(c.cfg.Tick())
	defer ticker.Stop()

	c.evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Adaptive controller stopping", nil)
			return ctx.Err()
		case <-ticker.C:
			c.evaluate(ctx)
		}
	}
}

// Concurrency returns the current worker width
func (c *Controller) Concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrency
}

// Status returns a snapshot for the health endpoint and worker metrics
func (c *Controller) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() map[string]interface{} {
	status := map[string]interface{}{
		"concurrency":          c.concurrency,
		"minConcurrency":       c.cfg.MinConcurrency,
		"maxConcurrency":       c.cfg.MaxConcurrency,
		"inRecovery":           c.inRecovery,
		"stabilityCounter":     c.stabilityCounter,
		"consecutiveDecreases": c.consecutiveDecreases,
		"predictedDelta":       c.predictedDelta,
		"trends": map[string]interface{}{
			"cpu":          c.cpuTrend.mean(),
			"error":        c.errTrend.mean(),
			"backlog":      c.backlogTrend.mean(),
			"responseTime": c.respTrend.mean(),
		},
		"healthHistory": c.healthWin.values(),
	}
	if c.breaker != nil {
		status["breaker"] = c.breaker.Status()
	}
	if !c.lastChange.IsZero() {
		status["lastChange"] = c.lastChange.UnixMilli()
	}
	return status
}

// evaluate runs one control tick
func (c *Controller) evaluate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.tickCount++

	avg := c.sampleLocked(ctx)
	health := c.trendHealthLocked(avg)
	c.lastAvg = avg

	c.updatePredictionLocked(now, health)
	c.decideLocked(ctx, now, avg, health)
	c.maybeTuneLimiterLocked(ctx)

	c.lastAvgResponse = avg.ResponseTime

	c.metrics.RecordGauge("controller_system_health", health, nil)
	c.metrics.RecordGauge("controller_concurrency", float64(c.concurrency), nil)
}

// sampleLocked reads the raw signals and returns the fresh moving averages
func (c *Controller) sampleLocked(ctx context.Context) Signals {
	raw := Signals{
		CPU:     c.sampler.LoadAverage(),
		MemFree: c.sampler.MemoryFreeRatio(),
	}
	if c.signals != nil {
		raw.ErrorRate = c.signals.APIErrorRate(ctx)
		raw.ResponseTime = float64(c.signals.AvgResponseTime().Milliseconds())
	}
	raw.Backlog = c.lastRaw.Backlog
	if c.backlog != nil {
		count, err := c.backlog.Backlog(ctx)
		if err != nil {
			c.logger.Warn("Failed to read queue backlog", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			raw.Backlog = float64(count)
		}
	}
	c.lastRaw = raw

	c.cpuWin.push(raw.CPU)
	c.memWin.push(raw.MemFree)
	c.errWin.push(raw.ErrorRate)
	c.backlogWin.push(raw.Backlog)
	c.respWin.push(raw.ResponseTime)

	return Signals{
		CPU:          c.cpuWin.mean(),
		MemFree:      c.memWin.mean(),
		ErrorRate:    c.errWin.mean(),
		Backlog:      c.backlogWin.mean(),
		ResponseTime: c.respWin.mean(),
	}
}

// trendHealthLocked updates the trend marks and returns the health score
func (c *Controller) trendHealthLocked(avg Signals) float64 {
	if c.havePrev {
		c.cpuTrend.push(trendMark(avg.CPU, c.prevAvg.CPU))
		c.errTrend.push(trendMark(avg.ErrorRate, c.prevAvg.ErrorRate))
		c.backlogTrend.push(trendMark(avg.Backlog, c.prevAvg.Backlog))
		c.respTrend.push(trendMark(avg.ResponseTime, c.prevAvg.ResponseTime))
	}
	c.prevAvg = avg
	c.havePrev = true

	// Rising backlog counts in favor of scaling up; everything else rising
	// counts against.
	health := 0.3*(-c.cpuTrend.mean()) +
		0.3*(-c.errTrend.mean()) +
		0.2*c.backlogTrend.mean() +
		0.2*(-c.respTrend.mean())
	c.healthWin.push(health)
	return health
}

// decideLocked applies at most one concurrency action per tick
func (c *Controller) decideLocked(ctx context.Context, now time.Time, avg Signals, health float64) {
	if c.breaker != nil && c.breaker.Active() {
		c.breakerOpen = true
		return
	}
	if c.breakerOpen {
		c.breakerOpen = false
		c.breaker.MarkClosed()
		c.startRecoveryLocked()
		return
	}

	if c.breaker != nil && (avg.ErrorRate > c.cfg.ErrorThreshold || health < tripHealthFloor) {
		reason := fmt.Sprintf("system health %.2f collapsed", health)
		if avg.ErrorRate > c.cfg.ErrorThreshold {
			reason = fmt.Sprintf("error rate %.2f/min over threshold %.2f", avg.ErrorRate, c.cfg.ErrorThreshold)
		}
		c.breaker.Trip(ctx, reason, map[string]interface{}{
			"avgCpu":          avg.CPU,
			"avgMem":          avg.MemFree,
			"avgError":        avg.ErrorRate,
			"avgBacklog":      avg.Backlog,
			"avgResponseTime": avg.ResponseTime,
			"systemHealth":    health,
			"concurrency":     c.concurrency,
		})
		c.breakerOpen = true
		c.inRecovery = false
		c.stabilityCounter = 0
		c.consecutiveDecreases = 0
		c.applyConcurrencyLocked(ctx, now, c.cfg.MinConcurrency, "circuit breaker tripped")
		return
	}

	if c.inRecovery {
		c.recoveryStepLocked(ctx, now)
		return
	}

	cooldownOver := now.Sub(c.lastChange) >= c.cfg.Cooldown()

	distress := health < -0.3 || avg.CPU > 2 || avg.MemFree < 0.2 || avg.ErrorRate > 0.1 ||
		(c.lastAvgResponse > 0 && avg.ResponseTime > c.lastAvgResponse*1.5)
	healthyIncrease := health > 0.3 && avg.CPU < 1.5 && avg.MemFree > 0.4 &&
		avg.Backlog > 5 && avg.ErrorRate < 0.07
	// Sustained backlog alone justifies widening, but never while distressed.
	backlogIncrease := c.stabilityCounter > stabilityThreshold && avg.Backlog > 20 && !distress

	switch {
	case healthyIncrease || backlogIncrease:
		c.consecutiveDecreases = 0
		c.stabilityCounter++
		if !cooldownOver {
			return
		}
		step := 1
		if backlogIncrease {
			step = minInt(concurrencyIncreaseRate, int(avg.Backlog/10))
		}
		if c.predictedDelta > step {
			step = c.predictedDelta
		}
		c.applyConcurrencyLocked(ctx, now, c.concurrency+step, "scaling up")

	case distress:
		c.stabilityCounter = 0
		if !cooldownOver {
			return
		}
		c.consecutiveDecreases++
		severity := 1
		if health < -0.6 {
			severity = 2
		}
		if avg.ErrorRate > 0.2 {
			severity = 3
		}
		step := minInt(c.consecutiveDecreases, maxDecreaseStep) * severity
		c.applyConcurrencyLocked(ctx, now, c.concurrency-step, "shedding load")

	default:
		c.stabilityCounter++
		c.consecutiveDecreases = 0
		if abs(c.predictedDelta) >= 2 && now.Sub(c.lastChange) > 2*c.cfg.Cooldown() {
			c.applyConcurrencyLocked(ctx, now, c.concurrency+c.predictedDelta, "predicted load pattern")
		}
	}
}

// startRecoveryLocked begins the stepwise ramp from MIN after a reset
func (c *Controller) startRecoveryLocked() {
	c.recoveryTarget = int(math.Floor(recoveryFactor * float64(c.cfg.MinConcurrency)))
	if c.recoveryTarget > c.cfg.MaxConcurrency {
		c.recoveryTarget = c.cfg.MaxConcurrency
	}
	c.recoveryStep = 0
	c.inRecovery = c.recoveryTarget > c.cfg.MinConcurrency
	c.stabilityCounter = 0

	c.logger.Info("Circuit breaker reset, entering recovery", map[string]interface{}{
		"from":   c.cfg.MinConcurrency,
		"target": c.recoveryTarget,
		"steps":  maxRecoverySteps,
	})
}

// recoveryStepLocked applies one ramp step per tick
func (c *Controller) recoveryStepLocked(ctx context.Context, now time.Time) {
	c.recoveryStep++
	span := float64(c.recoveryTarget - c.cfg.MinConcurrency)
	next := c.cfg.MinConcurrency + int(math.Round(span*float64(c.recoveryStep)/maxRecoverySteps))
	if c.recoveryStep >= maxRecoverySteps || next >= c.recoveryTarget {
		next = c.recoveryTarget
		c.inRecovery = false
		c.stabilityCounter = 0
	}
	c.applyConcurrencyLocked(ctx, now, next, "recovery step")
}

// updatePredictionLocked refreshes the hour-of-day bias
func (c *Controller) updatePredictionLocked(now time.Time, health float64) {
	if !c.lastPrediction.IsZero() && now.Sub(c.lastPrediction) < c.cfg.PredictionUpdateInterval() {
		return
	}
	c.lastPrediction = now

	// Learn only from confident states: positive health with the width in
	// the upper half of its range.
	midpoint := (c.cfg.MinConcurrency + c.cfg.MaxConcurrency) / 2
	if health > 0 && c.concurrency > midpoint {
		hour := now.Hour()
		c.hourPattern[hour] = append(c.hourPattern[hour], c.concurrency)
		if len(c.hourPattern[hour]) > patternSamplesPerHour {
			c.hourPattern[hour] = c.hourPattern[hour][len(c.hourPattern[hour])-patternSamplesPerHour:]
		}
	}

	samples := c.hourPattern[(now.Hour()+1)%24]
	if len(samples) == 0 {
		c.predictedDelta = 0
		return
	}
	total := 0
	for _, v := range samples {
		total += v
	}
	mean := float64(total) / float64(len(samples))
	c.predictedDelta = clampInt(int(math.Round(mean-float64(c.concurrency))), -predictionClamp, predictionClamp)
}

// maybeTuneLimiterLocked retunes the rate limiter every other tick
func (c *Controller) maybeTuneLimiterLocked(ctx context.Context) {
	if c.limiter == nil || c.tickCount%2 != 0 {
		return
	}
	settings := c.limiter.Tune()
	if c.store != nil {
		c.store.PublishRateLimiterSettings(ctx, settings.MaxConcurrent, settings.MinTime,
			settings.ErrorRate, settings.AvgResponseTimeMs)
	}
}

// applyConcurrencyLocked clamps, applies, and publishes a width change
func (c *Controller) applyConcurrencyLocked(ctx context.Context, now time.Time, target int, reason string) {
	target = clampInt(target, c.cfg.MinConcurrency, c.cfg.MaxConcurrency)
	if target == c.concurrency {
		return
	}
	from := c.concurrency
	c.concurrency = target
	c.lastChange = now

	if c.resize != nil {
		c.resize(target)
	}

	c.logger.Info("Adjusting worker concurrency", map[string]interface{}{
		"from":   from,
		"to":     target,
		"reason": reason,
	})
	c.metrics.IncrementCounter("controller_adjustments_total", 1)
	c.publishWorkerMetricsLocked(ctx)
}

// publishWorkerMetricsLocked overwrites this worker's status document
func (c *Controller) publishWorkerMetricsLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.store.PublishWorkerMetrics(ctx, &models.WorkerMetrics{
		WorkerID:           c.workerID,
		CurrentConcurrency: c.concurrency,
		Backlog:            int64(c.lastAvg.Backlog),
		AvgCPU:             c.lastAvg.CPU,
		AvgMem:             c.lastAvg.MemFree,
		AvgError:           c.lastAvg.ErrorRate,
		ControllerStatus:   c.statusLocked(),
		Timestamp:          c.now().UnixMilli(),
	})
}

// window is a bounded sample buffer with a running mean
type window struct {
	size    int
	samples []float64
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{size: size}
}

func (w *window) push(v float64) {
	w.samples = append(w.samples, v)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

func (w *window) mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range w.samples {
		total += v
	}
	return total / float64(len(w.samples))
}

func (w *window) values() []float64 {
	return append([]float64(nil), w.samples...)
}

// trendMark scores one sample against the previous average
func trendMark(latest, prev float64) float64 {
	switch {
	case latest > prev*1.1:
		return 1
	case latest < prev*0.9:
		return -1
	default:
		return 0
	}
}

func clampInt(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
