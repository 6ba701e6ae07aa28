// Package health serves the status listener: component readiness on /health,
// liveness on /health/live, and the prometheus scrape endpoint on /metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/dispatch"
	"github.com/corval/dispatchd/internal/pool"
	"github.com/corval/dispatchd/internal/queue"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/observability"
)

const checkTimeout = 5 * time.Second

// ComponentStatus is the health of one component
type ComponentStatus struct {
	Status    string                 `json:"status"` // healthy, degraded, unhealthy
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker probes every component the dispatcher depends on
type Checker struct {
	store  *store.Store
	queue  *queue.Queue
	brk    *breaker.Breaker
	pool   *pool.Pool
	worker *dispatch.Worker

	// controllerStatus supplies the governor snapshot; nil omits the component
	controllerStatus func() map[string]interface{}

	logger observability.Logger
}

// NewChecker wires the readiness probe
func NewChecker(
	st *store.Store,
	q *queue.Queue,
	brk *breaker.Breaker,
	taskPool *pool.Pool,
	worker *dispatch.Worker,
	controllerStatus func() map[string]interface{},
	logger observability.Logger,
) *Checker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Checker{
		store:            st,
		queue:            q,
		brk:              brk,
		pool:             taskPool,
		worker:           worker,
		controllerStatus: controllerStatus,
		logger:           logger,
	}
}

// CheckHealth probes all components
func (c *Checker) CheckHealth(ctx context.Context) map[string]*ComponentStatus {
	results := map[string]*ComponentStatus{
		"redis":   c.checkRedis(ctx),
		"queue":   c.checkQueue(ctx),
		"breaker": c.checkBreaker(),
		"worker":  c.checkWorker(),
	}
	if c.controllerStatus != nil {
		results["controller"] = &ComponentStatus{
			Status:    "healthy",
			Timestamp: time.Now(),
			Details:   c.controllerStatus(),
		}
	}
	return results
}

func (c *Checker) checkRedis(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	pingStart := time.Now()
	if err := c.store.Ping(ctx); err != nil {
		status.Status = "unhealthy"
		status.Message = fmt.Sprintf("Redis ping failed: %v", err)
		return status
	}
	pingDuration := time.Since(pingStart)
	status.Details["ping_duration_ms"] = pingDuration.Milliseconds()

	if pingDuration > 50*time.Millisecond {
		status.Status = "degraded"
		status.Message = "Slow Redis response"
	}
	return status
}

func (c *Checker) checkQueue(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	counts, err := c.queue.CountByState(ctx)
	if err != nil {
		status.Status = "unhealthy"
		status.Message = fmt.Sprintf("Failed to count queue states: %v", err)
		return status
	}
	for state, n := range counts {
		status.Details[state] = n
	}

	paused, err := c.queue.IsPaused(ctx)
	if err == nil {
		status.Details["paused"] = paused
	}
	if paused {
		status.Status = "degraded"
		status.Message = "Queue is paused"
		return status
	}

	if counts[queue.StateWaiting] > 1000 {
		status.Status = "degraded"
		status.Message = "High queue backlog"
	}
	return status
}

func (c *Checker) checkBreaker() *ComponentStatus {
	status := &ComponentStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	snap := c.brk.Status()
	status.Details["trip_count"] = snap.TripCount
	if snap.Active {
		status.Status = "degraded"
		status.Message = "Circuit breaker open"
		status.Details["reason"] = snap.Reason
		status.Details["remaining_ms"] = snap.RemainingMs
	}
	return status
}

func (c *Checker) checkWorker() *ComponentStatus {
	status := &ComponentStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	status.Details["worker_id"] = c.worker.ID()
	status.Details["width"] = c.worker.Width()
	status.Details["in_flight"] = c.worker.InFlight()

	stats := c.pool.Stats()
	status.Details["pool"] = map[string]interface{}{
		"width":     stats.Width,
		"active":    stats.Active,
		"queued":    stats.Queued,
		"submitted": stats.Submitted,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"replaced":  stats.Replaced,
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()
	status.Details["goroutines"] = goroutines
	status.Details["alloc_mb"] = mem.Alloc / 1024 / 1024

	if goroutines > 1000 {
		status.Status = "degraded"
		status.Message = "High goroutine count"
	}
	return status
}

// ServeHTTP implements the readiness endpoint
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := c.CheckHealth(ctx)

	overall := "healthy"
	var unhealthy, degraded []string
	for component, status := range results {
		switch status.Status {
		case "unhealthy":
			overall = "unhealthy"
			unhealthy = append(unhealthy, component)
		case "degraded":
			if overall == "healthy" {
				overall = "degraded"
			}
			degraded = append(degraded, component)
		}
	}

	response := map[string]interface{}{
		"status":     overall,
		"timestamp":  time.Now(),
		"components": results,
	}
	if len(unhealthy) > 0 {
		response["unhealthy_components"] = unhealthy
	}
	if len(degraded) > 0 {
		response["degraded_components"] = degraded
	}

	statusCode := http.StatusOK
	if overall == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		c.logger.Error("Failed to encode health response", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.logger.Debug("Health check completed", map[string]interface{}{
		"overall_status": overall,
		"status_code":    statusCode,
	})
}

// Server is the status listener
type Server struct {
	logger observability.Logger
	srv    *http.Server
}

// NewServer builds the listener with the readiness, liveness, and metrics
// routes mounted.
func NewServer(cfg config.HealthConfig, checker *Checker, logger observability.Logger) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("Failed to write liveness response", map[string]interface{}{
				"error": err.Error(),
			})
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mounted routes
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting health listener", map[string]interface{}{
		"address": s.srv.Addr,
	})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
