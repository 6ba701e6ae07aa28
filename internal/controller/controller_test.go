package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/ratelimit"
)

type fakeSampler struct {
	cpu float64
	mem float64
}

func (f *fakeSampler) LoadAverage() float64     { return f.cpu }
func (f *fakeSampler) MemoryFreeRatio() float64 { return f.mem }

type fakeSignals struct {
	errPerMin float64
	respMs    float64
}

func (f *fakeSignals) APIErrorRate(context.Context) float64 { return f.errPerMin }
func (f *fakeSignals) AvgResponseTime() time.Duration {
	return time.Duration(f.respMs) * time.Millisecond
}

type fakeBacklog struct {
	n   int64
	err error
}

func (f *fakeBacklog) Backlog(context.Context) (int64, error) { return f.n, f.err }

type fakeBreaker struct {
	mu      sync.Mutex
	active  bool
	trips   int
	reasons []string
	closed  int
}

func (f *fakeBreaker) Trip(_ context.Context, reason string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.trips++
	f.reasons = append(f.reasons, reason)
}

func (f *fakeBreaker) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeBreaker) MarkClosed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeBreaker) Status() breaker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return breaker.Status{Active: f.active}
}

func (f *fakeBreaker) setActive(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}

func (f *fakeBreaker) tripCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trips
}

func (f *fakeBreaker) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeBreaker) lastReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reasons) == 0 {
		return ""
	}
	return f.reasons[len(f.reasons)-1]
}

// fixture drives the controller with a stepped clock and steerable signals.
// HistoryLength 1 makes each moving average equal the latest sample.
type fixture struct {
	ctl     *Controller
	sampler *fakeSampler
	signals *fakeSignals
	backlog *fakeBacklog
	brk     *fakeBreaker
	clock   time.Time
	widths  []int
}

func testConfig() config.ControllerConfig {
	return config.ControllerConfig{
		MinConcurrency:             10,
		MaxConcurrency:             20,
		CooldownMS:                 30000,
		TickMS:                     30000,
		ErrorThreshold:             0.30,
		ResetTimeoutMS:             60000,
		HistoryLength:              1,
		TrendHistoryLength:         3,
		SystemHealthHistory:        10,
		PredictionUpdateIntervalMS: 900000,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sampler: &fakeSampler{cpu: 0.5, mem: 0.6},
		signals: &fakeSignals{errPerMin: 0.02, respMs: 120},
		backlog: &fakeBacklog{n: 10},
		brk:     &fakeBreaker{},
		clock:   time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	f.ctl = New(testConfig(), "worker-1", f.brk, nil, nil, f.backlog, f.signals, f.sampler,
		func(n int) { f.widths = append(f.widths, n) }, nil, nil)
	f.ctl.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) tick() {
	f.clock = f.clock.Add(30 * time.Second)
	f.ctl.evaluate(context.Background())
}

func TestStartsAtMinimumWidth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 10, f.ctl.Concurrency())
}

func TestBacklogPressureScalesUpAfterStability(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50

	for i := 0; i < 6; i++ {
		f.tick()
	}
	assert.Empty(t, f.widths)
	assert.Equal(t, 10, f.ctl.Concurrency())

	for i := 0; i < 5; i++ {
		f.tick()
	}
	assert.Equal(t, []int{12, 14, 16, 18, 20}, f.widths)

	f.tick()
	f.tick()
	assert.Equal(t, 20, f.ctl.Concurrency())
	assert.Len(t, f.widths, 5)
}

func TestTrendImprovementScalesUpByOne(t *testing.T) {
	f := newFixture(t)
	f.sampler.cpu = 2.0
	f.signals.errPerMin = 0.06
	f.signals.respMs = 300
	f.tick()
	assert.Empty(t, f.widths)

	f.sampler.cpu = 1.0
	f.signals.errPerMin = 0.02
	f.signals.respMs = 100
	f.backlog.n = 30
	f.tick()
	assert.Equal(t, []int{11}, f.widths)
}

func TestDistressScalesDownWithEscalation(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50
	for i := 0; i < 11; i++ {
		f.tick()
	}
	require.Equal(t, 20, f.ctl.Concurrency())
	f.widths = nil

	f.sampler.cpu = 3.0
	for i := 0; i < 5; i++ {
		f.tick()
	}
	assert.Equal(t, []int{19, 17, 14, 11, 10}, f.widths)
	assert.Equal(t, 0, f.ctl.Status()["stabilityCounter"])

	f.tick()
	assert.Equal(t, 10, f.ctl.Concurrency())
}

func TestHighErrorRateTriplesDecreaseStep(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50
	for i := 0; i < 11; i++ {
		f.tick()
	}
	require.Equal(t, 20, f.ctl.Concurrency())
	f.widths = nil

	f.signals.errPerMin = 0.25
	f.tick()
	assert.Equal(t, []int{17}, f.widths)
	assert.Equal(t, 0, f.brk.tripCount())
}

func TestErrorSpikeTripsBreakerThenRecovers(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50
	for i := 0; i < 11; i++ {
		f.tick()
	}
	require.Equal(t, 20, f.ctl.Concurrency())
	f.widths = nil

	f.signals.errPerMin = 0.40
	f.tick()
	require.Equal(t, 1, f.brk.tripCount())
	assert.Contains(t, f.brk.lastReason(), "error rate")
	assert.Equal(t, 10, f.ctl.Concurrency())
	assert.Equal(t, []int{10}, f.widths)

	// Decisions are suspended while the breaker is open.
	f.signals.errPerMin = 0
	f.tick()
	f.tick()
	assert.Equal(t, 1, f.brk.tripCount())
	assert.Equal(t, 10, f.ctl.Concurrency())

	// The reset tick only clears the breaker and arms recovery.
	f.brk.setActive(false)
	f.widths = nil
	f.tick()
	assert.Equal(t, 1, f.brk.closedCount())
	assert.Empty(t, f.widths)
	assert.Equal(t, true, f.ctl.Status()["inRecovery"])

	for i := 0; i < 5; i++ {
		f.tick()
	}
	assert.Equal(t, []int{11, 12, 13, 14, 15}, f.widths)
	assert.Equal(t, false, f.ctl.Status()["inRecovery"])
	assert.Equal(t, 0, f.ctl.Status()["stabilityCounter"])
}

func TestHealthCollapseTripsAtMinimum(t *testing.T) {
	f := newFixture(t)
	f.tick()

	f.sampler.cpu = 1.2
	f.signals.errPerMin = 0.06
	f.signals.respMs = 300
	f.backlog.n = 3
	f.tick()

	require.Equal(t, 1, f.brk.tripCount())
	assert.Contains(t, f.brk.lastReason(), "system health")
	assert.Equal(t, 10, f.ctl.Concurrency())
	assert.Empty(t, f.widths)
}

func TestPredictedLoadAppliedWhenStable(t *testing.T) {
	f := newFixture(t)
	f.ctl.hourPattern[11] = []int{18, 18}

	f.tick()
	assert.Equal(t, []int{15}, f.widths)
	assert.Empty(t, f.ctl.hourPattern[10])
}

func TestPredictedDeltaPreferredOnIncrease(t *testing.T) {
	f := newFixture(t)
	f.sampler.cpu = 2.0
	f.signals.errPerMin = 0.06
	f.signals.respMs = 300
	f.tick()

	f.ctl.predictedDelta = 4
	f.sampler.cpu = 1.0
	f.signals.errPerMin = 0.02
	f.signals.respMs = 100
	f.backlog.n = 30
	f.tick()
	assert.Equal(t, []int{14}, f.widths)
}

func TestPatternLearnedAtHighWidth(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50
	for i := 0; i < 11; i++ {
		f.tick()
	}
	require.Equal(t, 20, f.ctl.Concurrency())

	f.clock = f.clock.Add(15 * time.Minute)
	f.sampler.cpu = 0.2
	f.tick()

	assert.Equal(t, []int{20}, f.ctl.hourPattern[f.clock.Hour()])
}

func TestBacklogErrorCarriesLastSample(t *testing.T) {
	f := newFixture(t)
	f.backlog.n = 50
	f.tick()

	f.backlog.err = errors.New("connection refused")
	f.tick()
	assert.Equal(t, float64(50), f.ctl.lastRaw.Backlog)
}

func TestDurablePublishes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(client, nil, nil)
	t.Cleanup(func() { _ = st.Close() })

	limiter := ratelimit.New(ratelimit.Config{}, nil, nil)
	t.Cleanup(func() { _ = limiter.Close() })

	ctl := New(testConfig(), "worker-1", &fakeBreaker{}, limiter, st,
		&fakeBacklog{n: 10}, &fakeSignals{errPerMin: 0.02, respMs: 120},
		&fakeSampler{cpu: 0.5, mem: 0.6}, nil, nil, nil)
	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ctl.now = func() time.Time { return clock }
	ctl.hourPattern[11] = []int{18, 18}

	ctx := context.Background()
	clock = clock.Add(30 * time.Second)
	ctl.evaluate(ctx)

	// The predictive change on the first tick published worker metrics; the
	// limiter is only retuned every other tick.
	wm, err := st.GetWorkerMetrics(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 15, wm.CurrentConcurrency)
	assert.NotNil(t, wm.ControllerStatus)
	assert.False(t, mr.Exists("metrics:rateLimiter"))

	clock = clock.Add(30 * time.Second)
	ctl.evaluate(ctx)
	assert.True(t, mr.Exists("metrics:rateLimiter"))
	assert.Equal(t, "5", mr.HGet("metrics:rateLimiter", "maxConcurrent"))
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	f.tick()
	f.tick()

	status := f.ctl.Status()
	assert.Equal(t, 10, status["concurrency"])
	assert.Equal(t, 10, status["minConcurrency"])
	assert.Equal(t, 20, status["maxConcurrency"])

	trends, ok := status["trends"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, trends, "cpu")

	history, ok := status["healthHistory"].([]float64)
	require.True(t, ok)
	assert.Len(t, history, 2)

	_, ok = status["breaker"].(breaker.Status)
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.TickMS = 10
	ctl := New(cfg, "worker-1", &fakeBreaker{}, nil, nil, nil, nil,
		&fakeSampler{cpu: 0.5, mem: 0.6}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop after cancel")
	}
}
