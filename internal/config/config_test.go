package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "localhost:6379", v.GetString("redis.address"))
	assert.Equal(t, 20, v.GetInt("redis.pool_size"))

	assert.Equal(t, "batches", v.GetString("queue.name"))
	assert.Equal(t, 3, v.GetInt("queue.attempts"))
	assert.Equal(t, 5*time.Second, v.GetDuration("queue.backoff_initial"))
	assert.Equal(t, 24*time.Hour, v.GetDuration("queue.completed_retention"))
	assert.Equal(t, 1000, v.GetInt("queue.completed_keep"))

	assert.Equal(t, 20, v.GetInt("controller.min_concurrency"))
	assert.Equal(t, 50, v.GetInt("controller.max_concurrency"))
	assert.Equal(t, 30000, v.GetInt("controller.cooldown_ms"))
	assert.Equal(t, 0.30, v.GetFloat64("controller.error_threshold"))
	assert.Equal(t, 60000, v.GetInt("controller.reset_timeout_ms"))
	assert.Equal(t, 5, v.GetInt("controller.history_length"))
	assert.Equal(t, 3, v.GetInt("controller.trend_history_length"))
	assert.Equal(t, 900000, v.GetInt("controller.prediction_update_interval_ms"))

	assert.Equal(t, 30000, v.GetInt("pool.task_timeout_ms"))
	assert.Equal(t, 5, v.GetInt("rate_limit.max_concurrent"))
	assert.Equal(t, 100*time.Millisecond, v.GetDuration("rate_limit.min_time"))
	assert.Equal(t, 100, v.GetInt("rate_limit.reservoir_size"))
	assert.Equal(t, 10*time.Second, v.GetDuration("http.base_timeout"))
	assert.Equal(t, 3, v.GetInt("pipeline.max_retries"))
	assert.Equal(t, 300000, v.GetInt("metrics.error_window_ms"))
	assert.Equal(t, 10, v.GetInt("worker.sub_batch_size"))
	assert.Equal(t, ":8088", v.GetString("health.listen_address"))
}

func TestDurationAccessors(t *testing.T) {
	controller := ControllerConfig{
		CooldownMS:                 30000,
		TickMS:                     30000,
		ResetTimeoutMS:             60000,
		PredictionUpdateIntervalMS: 900000,
	}
	assert.Equal(t, 30*time.Second, controller.Cooldown())
	assert.Equal(t, 30*time.Second, controller.Tick())
	assert.Equal(t, time.Minute, controller.ResetTimeout())
	assert.Equal(t, 15*time.Minute, controller.PredictionUpdateInterval())

	pool := PoolConfig{TaskTimeoutMS: 30000}
	assert.Equal(t, 30*time.Second, pool.TaskTimeout())

	metrics := MetricsConfig{ErrorWindowMS: 300000}
	assert.Equal(t, 5*time.Minute, metrics.ErrorWindow())
}

func TestBareEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MIN_CONCURRENCY", "10")
	t.Setenv("MAX_CONCURRENCY", "80")
	t.Setenv("CB_ERROR_THRESHOLD", "0.5")
	t.Setenv("POOL_TASK_TIMEOUT", "15000")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Controller.MinConcurrency)
	assert.Equal(t, 80, cfg.Controller.MaxConcurrency)
	assert.Equal(t, 0.5, cfg.Controller.ErrorThreshold)
	assert.Equal(t, 15*time.Second, cfg.Pool.TaskTimeout())
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
environment: production
redis:
  address: "cache.internal:6379"
controller:
  min_concurrency: 5
  max_concurrency: 25
worker:
  id: "worker-7"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))
	t.Setenv("DISPATCH_CONFIG_FILE", configPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Address)
	assert.Equal(t, 5, cfg.Controller.MinConcurrency)
	assert.Equal(t, 25, cfg.Controller.MaxConcurrency)
	assert.Equal(t, "worker-7", cfg.Worker.ID)

	// Unset values still come from defaults.
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, 30*time.Second, cfg.Controller.Cooldown())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DISPATCH_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Controller.MinConcurrency)
	assert.Equal(t, 50, cfg.Controller.MaxConcurrency)
	assert.NotEmpty(t, cfg.Worker.ID)
}

func TestValidate(t *testing.T) {
	t.Run("inverted concurrency bounds", func(t *testing.T) {
		cfg := &Config{
			Controller: ControllerConfig{MinConcurrency: 50, MaxConcurrency: 20, ErrorThreshold: 0.3, HistoryLength: 5},
			Queue:      QueueConfig{Attempts: 3},
			Worker:     WorkerConfig{SubBatchSize: 10},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := &Config{
			Controller: ControllerConfig{MinConcurrency: 20, MaxConcurrency: 50, ErrorThreshold: 1.5, HistoryLength: 5},
			Queue:      QueueConfig{Attempts: 3},
			Worker:     WorkerConfig{SubBatchSize: 10},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid", func(t *testing.T) {
		cfg := &Config{
			Controller: ControllerConfig{MinConcurrency: 20, MaxConcurrency: 50, ErrorThreshold: 0.3, HistoryLength: 5},
			Queue:      QueueConfig{Attempts: 3},
			Worker:     WorkerConfig{SubBatchSize: 10},
		}
		assert.NoError(t, cfg.Validate())
	})
}
