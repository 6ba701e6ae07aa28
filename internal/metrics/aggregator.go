// Package metrics keeps the in-process rolling telemetry for outbound API
// calls: recent response times, status code counts, a per-minute call ring,
// per-endpoint-pattern rollups, and the recent-error window. Snapshots feed
// the adaptive controller; a flush loop mirrors the state into the store.
package metrics

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/observability"
)

const (
	// endpointPatternCap bounds the tracked pattern set
	endpointPatternCap = 256

	minuteSlots = 60
)

var (
	digitsSegment = regexp.MustCompile(`^\d+$`)
	hex32Segment  = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// EndpointStats is the rolling view of one URL pattern. Samples holds the
// most recent durations so the published average tracks current latency
// rather than the lifetime mean.
type EndpointStats struct {
	Calls       int64
	Samples     []time.Duration
	LastUpdated time.Time
}

// minuteBucket is one slot of the per-minute call ring
type minuteBucket struct {
	minute        int64
	success       int64
	errors        int64
	totalDuration time.Duration
}

// Aggregator collects per-attempt telemetry
type Aggregator struct {
	cfg     config.MetricsConfig
	store   *store.Store
	logger  observability.Logger
	metrics observability.MetricsClient

	mu            sync.RWMutex
	responseTimes []time.Duration
	statusCodes   map[int]int64
	callsByMinute [minuteSlots]minuteBucket
	errorTimes    []time.Time
	pendingErrors []time.Time
	endpoints     *lru.Cache[string, *EndpointStats]

	now func() time.Time
}

// New creates an aggregator. The store may be nil, which disables the durable
// mirror (local windows still work).
func New(cfg config.MetricsConfig, st *store.Store, logger observability.Logger, metrics observability.MetricsClient) *Aggregator {
	if cfg.ResponseTimeSamples <= 0 {
		cfg.ResponseTimeSamples = 20
	}
	if cfg.EndpointSampleLimit <= 0 {
		cfg.EndpointSampleLimit = 10
	}
	if cfg.ErrorWindowMS <= 0 {
		cfg.ErrorWindowMS = 300000
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	endpoints, _ := lru.New[string, *EndpointStats](endpointPatternCap)

	return &Aggregator{
		cfg:         cfg,
		store:       st,
		logger:      logger,
		metrics:     metrics,
		statusCodes: make(map[int]int64),
		endpoints:   endpoints,
		now:         time.Now,
	}
}

// RecordCall ingests one completed attempt
func (a *Aggregator) RecordCall(endpoint string, status int, duration time.Duration) {
	pattern := NormalizeEndpoint(endpoint)
	now := a.now()

	a.mu.Lock()

	a.responseTimes = append(a.responseTimes, duration)
	if len(a.responseTimes) > a.cfg.ResponseTimeSamples {
		a.responseTimes = a.responseTimes[len(a.responseTimes)-a.cfg.ResponseTimeSamples:]
	}

	a.statusCodes[status]++

	bucket := &a.callsByMinute[now.Minute()]
	minute := now.Unix() / 60
	if bucket.minute != minute {
		*bucket = minuteBucket{minute: minute}
	}
	if status >= 200 && status < 400 {
		bucket.success++
	} else {
		bucket.errors++
	}
	bucket.totalDuration += duration

	stats, ok := a.endpoints.Get(pattern)
	if !ok {
		stats = &EndpointStats{}
		a.endpoints.Add(pattern, stats)
	}
	stats.Calls++
	stats.Samples = append(stats.Samples, duration)
	if len(stats.Samples) > a.cfg.EndpointSampleLimit {
		stats.Samples = stats.Samples[len(stats.Samples)-a.cfg.EndpointSampleLimit:]
	}
	stats.LastUpdated = now

	a.mu.Unlock()

	a.metrics.RecordCounter("api_calls_total", 1, map[string]string{"status": strconv.Itoa(status)})
	a.metrics.RecordHistogram("api_call_duration_seconds", duration.Seconds(),
		map[string]string{"endpoint": pattern})
}

// RecordError notes a failed attempt at ts
func (a *Aggregator) RecordError(ts time.Time) {
	a.mu.Lock()
	a.errorTimes = append(a.errorTimes, ts)
	a.pendingErrors = append(a.pendingErrors, ts)
	a.pruneErrorsLocked(a.now())
	a.mu.Unlock()

	a.metrics.IncrementCounter("api_errors_total", 1)
}

// AvgResponseTime returns the mean of the retained samples
func (a *Aggregator) AvgResponseTime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range a.responseTimes {
		total += d
	}
	return total / time.Duration(len(a.responseTimes))
}

// CallsLastMinute counts calls in the current and previous minute slots
func (a *Aggregator) CallsLastMinute() int64 {
	now := a.now()
	minute := now.Unix() / 60

	a.mu.RLock()
	defer a.mu.RUnlock()

	var total int64
	for i := range a.callsByMinute {
		b := &a.callsByMinute[i]
		if b.minute == minute || b.minute == minute-1 {
			total += b.success + b.errors
		}
	}
	return total
}

// APIErrorRate returns errors per minute over the sliding window, unioning
// the local window with the durable error list so restarts and sibling
// workers stay visible.
func (a *Aggregator) APIErrorRate(ctx context.Context) float64 {
	window := a.cfg.ErrorWindow()
	cutoff := a.now().Add(-window)

	seen := make(map[int64]struct{})

	a.mu.RLock()
	for _, ts := range a.errorTimes {
		if ts.After(cutoff) {
			seen[ts.UnixMilli()] = struct{}{}
		}
	}
	a.mu.RUnlock()

	if a.store != nil {
		durable, err := a.store.ListErrorTimestamps(ctx)
		if err != nil {
			a.logger.Warn("Failed to read durable error timestamps", map[string]interface{}{
				"error": err.Error(),
			})
		}
		for _, ts := range durable {
			if ts.After(cutoff) {
				seen[ts.UnixMilli()] = struct{}{}
			}
		}
	}

	return float64(len(seen)) / window.Minutes()
}

// Snapshot returns the aggregator state as a flat map
func (a *Aggregator) Snapshot() map[string]interface{} {
	avg := a.AvgResponseTime()
	calls := a.CallsLastMinute()

	a.mu.RLock()
	defer a.mu.RUnlock()

	codes := make(map[int]int64, len(a.statusCodes))
	for code, count := range a.statusCodes {
		codes[code] = count
	}

	cutoff := a.now().Add(-a.cfg.ErrorWindow())
	recentErrors := 0
	for _, ts := range a.errorTimes {
		if ts.After(cutoff) {
			recentErrors++
		}
	}

	return map[string]interface{}{
		"avg_response_time_ms": float64(avg.Milliseconds()),
		"calls_last_minute":    calls,
		"status_code_counts":   codes,
		"recent_errors":        recentErrors,
		"tracked_endpoints":    a.endpoints.Len(),
		"response_samples":     len(a.responseTimes),
	}
}

// Flush mirrors the current state into the store
func (a *Aggregator) Flush(ctx context.Context) {
	if a.store == nil {
		return
	}

	avg := a.AvgResponseTime()
	calls := a.CallsLastMinute()

	a.mu.Lock()
	codes := make(map[int]int64, len(a.statusCodes))
	for code, count := range a.statusCodes {
		codes[code] = count
	}

	endpointStats := make(map[string]store.EndpointStat, a.endpoints.Len())
	for _, pattern := range a.endpoints.Keys() {
		stats, ok := a.endpoints.Get(pattern)
		if !ok {
			continue
		}
		avgTime := 0.0
		if len(stats.Samples) > 0 {
			var total time.Duration
			for _, d := range stats.Samples {
				total += d
			}
			avgTime = float64(total.Milliseconds()) / float64(len(stats.Samples))
		}
		endpointStats[pattern] = store.EndpointStat{
			AvgTime:     avgTime,
			Calls:       stats.Calls,
			LastUpdated: stats.LastUpdated.UnixMilli(),
		}
	}

	pending := a.pendingErrors
	a.pendingErrors = nil
	a.mu.Unlock()

	a.store.PublishAPIPerformance(ctx, float64(avg.Milliseconds()), calls, codes)
	a.store.PublishEndpointMetrics(ctx, endpointStats)
	if len(pending) > 0 {
		a.store.AppendErrorTimestamps(ctx, pending...)
	}
}

// FlushLoop publishes on a fixed cadence until ctx is canceled
func (a *Aggregator) FlushLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// pruneErrorsLocked drops error timestamps older than the window
func (a *Aggregator) pruneErrorsLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.ErrorWindow())
	keep := a.errorTimes[:0]
	for _, ts := range a.errorTimes {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	a.errorTimes = keep
}

// NormalizeEndpoint reduces a call URL to its pattern: numeric path segments
// become :id and 32-hex segments become :uuid, so per-record URLs collapse
// into a bounded set.
func NormalizeEndpoint(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return normalizePath(raw)
	}
	return parsed.Host + normalizePath(parsed.Path)
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		switch {
		case segment == "":
		case digitsSegment.MatchString(segment):
			segments[i] = ":id"
		case hex32Segment.MatchString(segment):
			segments[i] = ":uuid"
		}
	}
	normalized := strings.Join(segments, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	return normalized
}
