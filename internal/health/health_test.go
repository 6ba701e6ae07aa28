package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/dispatch"
	"github.com/corval/dispatchd/internal/pool"
	"github.com/corval/dispatchd/internal/queue"
	"github.com/corval/dispatchd/internal/store"
)

type healthReport struct {
	Status     string `json:"status"`
	Components map[string]struct {
		Status  string                 `json:"status"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"components"`
	Unhealthy []string `json:"unhealthy_components"`
	Degraded  []string `json:"degraded_components"`
}

type fixture struct {
	checker *Checker
	q       *queue.Queue
	brk     *breaker.Breaker
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client, nil, nil)
	q := queue.New(client, config.QueueConfig{Name: "batches"}, nil, nil)
	brk := breaker.New(time.Minute, st, nil, nil)

	taskPool := pool.New("records", config.PoolConfig{MinWorkers: 1, MaxWorkers: 1, TaskTimeoutMS: 1000}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = taskPool.Shutdown(ctx)
	})

	worker, err := dispatch.New(config.WorkerConfig{ID: "worker-health"}, q, st, nil, taskPool, 4, nil, nil, nil)
	require.NoError(t, err)

	status := func() map[string]interface{} {
		return map[string]interface{}{"concurrency": 4}
	}
	return &fixture{
		checker: NewChecker(st, q, brk, taskPool, worker, status, nil),
		q:       q,
		brk:     brk,
		mr:      mr,
	}
}

func (f *fixture) report(t *testing.T) (int, healthReport) {
	t.Helper()
	rr := httptest.NewRecorder()
	f.checker.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var report healthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	return rr.Code, report
}

func TestReportsHealthy(t *testing.T) {
	f := newFixture(t)

	code, report := f.report(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", report.Status)

	for _, component := range []string{"redis", "queue", "breaker", "worker", "controller"} {
		require.Contains(t, report.Components, component)
		assert.Equal(t, "healthy", report.Components[component].Status, component)
	}
	assert.EqualValues(t, 4, report.Components["worker"].Details["width"])
	assert.EqualValues(t, 4, report.Components["controller"].Details["concurrency"])
	assert.Equal(t, "worker-health", report.Components["worker"].Details["worker_id"])
}

func TestOpenBreakerDegrades(t *testing.T) {
	f := newFixture(t)
	f.brk.Trip(context.Background(), "error rate 0.45 over threshold 0.30", nil)

	code, report := f.report(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", report.Status)
	assert.Contains(t, report.Degraded, "breaker")
	assert.Equal(t, "Circuit breaker open", report.Components["breaker"].Message)
	assert.Equal(t, "error rate 0.45 over threshold 0.30", report.Components["breaker"].Details["reason"])
}

func TestPausedQueueDegrades(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.q.Pause(context.Background()))

	code, report := f.report(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", report.Status)
	assert.Contains(t, report.Degraded, "queue")
	assert.Equal(t, "Queue is paused", report.Components["queue"].Message)
}

func TestRedisDownUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	code, report := f.report(t)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", report.Status)
	assert.Contains(t, report.Unhealthy, "redis")
}

func TestListenerRoutes(t *testing.T) {
	f := newFixture(t)
	srv := NewServer(config.HealthConfig{}, f.checker, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
