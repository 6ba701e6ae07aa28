package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/corval/dispatchd/internal/breaker"
	"github.com/corval/dispatchd/internal/config"
	"github.com/corval/dispatchd/internal/controller"
	"github.com/corval/dispatchd/internal/dispatch"
	"github.com/corval/dispatchd/internal/health"
	"github.com/corval/dispatchd/internal/metrics"
	"github.com/corval/dispatchd/internal/pipeline"
	"github.com/corval/dispatchd/internal/pool"
	"github.com/corval/dispatchd/internal/queue"
	"github.com/corval/dispatchd/internal/store"
	"github.com/corval/dispatchd/pkg/httpclient"
	"github.com/corval/dispatchd/pkg/observability"
	"github.com/corval/dispatchd/pkg/ratelimit"
)

const aggregatorFlushInterval = 30 * time.Second

func main() {
	// Local runs keep their environment in .env; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("dispatchd",
		observability.ParseLogLevel(cfg.Observability.Logging.Level))

	var metricsClient observability.MetricsClient
	if cfg.Observability.Metrics.Enabled {
		metricsClient = observability.NewPrometheusMetricsClient(cfg.Observability.Metrics.Namespace, "", nil)
	} else {
		metricsClient = observability.NewNoopMetricsClient()
	}
	defer func() { _ = metricsClient.Close() }()

	stopTracing, err := observability.InitTracing(cfg.Observability.Tracing)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer stopTracing()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Address, err)
	}
	cancelPing()

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	st := store.New(client, logger, metricsClient)
	q := queue.New(client, cfg.Queue, logger, metricsClient)
	q.StartMaintenance(runCtx)

	brk := breaker.New(cfg.Controller.ResetTimeout(), st, logger, metricsClient)
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrent:  cfg.RateLimit.MaxConcurrent,
		MinTime:        cfg.RateLimit.MinTime,
		ReservoirSize:  cfg.RateLimit.ReservoirSize,
		RefillInterval: cfg.RateLimit.RefillInterval,
		HighWater:      cfg.RateLimit.HighWater,
	}, logger, metricsClient)
	httpClient := httpclient.New(httpclient.Config{
		BaseTimeout:    cfg.HTTP.BaseTimeout,
		AttemptStep:    cfg.HTTP.AttemptStep,
		TimeoutCeiling: cfg.HTTP.TimeoutCeiling,
	}, logger, metricsClient)

	agg := metrics.New(cfg.Metrics, st, logger, metricsClient)
	taskPool := pool.New("records", cfg.Pool, logger, metricsClient)
	pipe := pipeline.New(cfg.Pipeline, limiter, httpClient, taskPool, brk, st, agg, logger, metricsClient)

	// The worker's progress reports carry the controller snapshot; the
	// controller resizes the worker. Both exist before either runs.
	var ctl *controller.Controller
	worker, err := dispatch.New(cfg.Worker, q, st, pipe, taskPool, cfg.Controller.MinConcurrency,
		func() map[string]interface{} {
			if ctl == nil {
				return nil
			}
			return ctl.Status()
		}, logger, metricsClient)
	if err != nil {
		log.Fatalf("Failed to create worker: %v", err)
	}
	ctl = controller.New(cfg.Controller, worker.ID(), brk, limiter, st, q, agg, nil,
		worker.Resize, logger, metricsClient)

	checker := health.NewChecker(st, q, brk, taskPool, worker, ctl.Status, logger)
	healthSrv := health.NewServer(cfg.Health, checker, logger)

	logger.Info("Starting dispatcher", map[string]interface{}{
		"environment":     cfg.Environment,
		"worker_id":       worker.ID(),
		"width":           worker.Width(),
		"queue":           q.Name(),
		"redis":           cfg.Redis.Address,
		"health_listener": cfg.Health.ListenAddress,
	})

	go func() {
		if err := healthSrv.Start(); err != nil {
			logger.Error("Health listener failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	go agg.FlushLoop(runCtx, aggregatorFlushInterval)
	go func() {
		if err := ctl.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Controller stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(runCtx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	// Stop fetching; Run drains in-flight jobs up to the drain timeout.
	stop()
	<-workerDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health listener shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := taskPool.Shutdown(shutdownCtx); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
		logger.Error("Task pool shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	agg.Flush(shutdownCtx)
	q.Close()
	if err := limiter.Close(); err != nil {
		logger.Error("Rate limiter shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := st.Close(); err != nil {
		logger.Error("Redis close error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Dispatcher stopped gracefully", nil)
}
