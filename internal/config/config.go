// Package config loads the dispatcher configuration from an optional YAML
// file plus environment variables. The bare tuning variables used by the
// deployment environment (MIN_CONCURRENCY, CB_ERROR_THRESHOLD and friends)
// are bound explicitly; everything else follows the DISPATCH_ prefix.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/corval/dispatchd/pkg/observability"
)

// RedisConfig holds the connection settings for the durable store and queue
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// QueueConfig holds the batch queue behavior
type QueueConfig struct {
	Name                string        `mapstructure:"name"`
	Attempts            int           `mapstructure:"attempts"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial"`
	CompletedRetention  time.Duration `mapstructure:"completed_retention"`
	CompletedKeep       int           `mapstructure:"completed_keep"`
	FailedRetention     time.Duration `mapstructure:"failed_retention"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// ControllerConfig holds the adaptive concurrency controller settings.
// Millisecond fields mirror the integer environment variables verbatim.
type ControllerConfig struct {
	MinConcurrency             int     `mapstructure:"min_concurrency"`
	MaxConcurrency             int     `mapstructure:"max_concurrency"`
	CooldownMS                 int     `mapstructure:"cooldown_ms"`
	TickMS                     int     `mapstructure:"tick_ms"`
	ErrorThreshold             float64 `mapstructure:"error_threshold"`
	ResetTimeoutMS             int     `mapstructure:"reset_timeout_ms"`
	HistoryLength              int     `mapstructure:"history_length"`
	TrendHistoryLength         int     `mapstructure:"trend_history_length"`
	SystemHealthHistory        int     `mapstructure:"system_health_history"`
	PredictionUpdateIntervalMS int     `mapstructure:"prediction_update_interval_ms"`
}

// Cooldown returns the per-decision cooldown
func (c ControllerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// Tick returns the evaluation interval
func (c ControllerConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// ResetTimeout returns how long the circuit breaker stays open
func (c ControllerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMS) * time.Millisecond
}

// PredictionUpdateInterval returns how often load patterns are consulted
func (c ControllerConfig) PredictionUpdateInterval() time.Duration {
	return time.Duration(c.PredictionUpdateIntervalMS) * time.Millisecond
}

// PoolConfig holds the task pool settings
type PoolConfig struct {
	MinWorkers    int `mapstructure:"min_workers"`
	MaxWorkers    int `mapstructure:"max_workers"`
	TaskTimeoutMS int `mapstructure:"task_timeout_ms"`
}

// TaskTimeout returns the hard per-task deadline
func (p PoolConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutMS) * time.Millisecond
}

// RateLimitConfig holds the outbound call limiter settings
type RateLimitConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	MinTime        time.Duration `mapstructure:"min_time"`
	ReservoirSize  int           `mapstructure:"reservoir_size"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
	HighWater      int           `mapstructure:"high_water"`
}

// HTTPConfig holds the outbound executor timeout policy
type HTTPConfig struct {
	BaseTimeout    time.Duration `mapstructure:"base_timeout"`
	AttemptStep    time.Duration `mapstructure:"attempt_step"`
	TimeoutCeiling time.Duration `mapstructure:"timeout_ceiling"`
}

// PipelineConfig holds the retry policy for record dispatch
type PipelineConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
}

// MetricsConfig holds the in-process aggregator settings
type MetricsConfig struct {
	ErrorWindowMS       int `mapstructure:"error_window_ms"`
	ResponseTimeSamples int `mapstructure:"response_time_samples"`
	EndpointSampleLimit int `mapstructure:"endpoint_sample_limit"`
}

// ErrorWindow returns the sliding window for the error rate
func (m MetricsConfig) ErrorWindow() time.Duration {
	return time.Duration(m.ErrorWindowMS) * time.Millisecond
}

// WorkerConfig identifies this worker process
type WorkerConfig struct {
	ID           string        `mapstructure:"id"`
	SubBatchSize int           `mapstructure:"sub_batch_size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// HealthConfig holds the status listener settings
type HealthConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// Config holds the complete dispatcher configuration
type Config struct {
	Environment   string               `mapstructure:"environment"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Queue         QueueConfig          `mapstructure:"queue"`
	Controller    ControllerConfig     `mapstructure:"controller"`
	Pool          PoolConfig           `mapstructure:"pool"`
	RateLimit     RateLimitConfig      `mapstructure:"rate_limit"`
	HTTP          HTTPConfig           `mapstructure:"http"`
	Pipeline      PipelineConfig       `mapstructure:"pipeline"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
	Worker        WorkerConfig         `mapstructure:"worker"`
	Health        HealthConfig         `mapstructure:"health"`
	Observability observability.Config `mapstructure:"observability"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("DISPATCH_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	bindTuningEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional when environment variables are set.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Worker.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		config.Worker.ID = hostname
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// bindTuningEnv binds the bare environment variables used by deployments
func bindTuningEnv(v *viper.Viper) {
	bindings := map[string]string{
		"redis.address":                            "REDIS_ADDR",
		"controller.min_concurrency":               "MIN_CONCURRENCY",
		"controller.max_concurrency":               "MAX_CONCURRENCY",
		"controller.cooldown_ms":                   "COOLDOWN_MS",
		"controller.error_threshold":               "CB_ERROR_THRESHOLD",
		"controller.reset_timeout_ms":              "CB_RESET_TIMEOUT",
		"controller.history_length":                "HISTORY_LENGTH",
		"controller.trend_history_length":          "TREND_HISTORY_LENGTH",
		"controller.system_health_history":         "SYSTEM_HEALTH_HISTORY",
		"controller.prediction_update_interval_ms": "PREDICTION_UPDATE_INTERVAL",
		"metrics.error_window_ms":                  "ERROR_WINDOW_MS",
		"pool.task_timeout_ms":                     "POOL_TASK_TIMEOUT",
		"worker.id":                                "WORKER_ID",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env) // Best effort - viper handles errors internally
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	// Queue defaults
	v.SetDefault("queue.name", "batches")
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_initial", 5*time.Second)
	v.SetDefault("queue.completed_retention", 24*time.Hour)
	v.SetDefault("queue.completed_keep", 1000)
	v.SetDefault("queue.failed_retention", 7*24*time.Hour)
	v.SetDefault("queue.maintenance_interval", 30*time.Second)

	// Controller defaults
	v.SetDefault("controller.min_concurrency", 20)
	v.SetDefault("controller.max_concurrency", 50)
	v.SetDefault("controller.cooldown_ms", 30000)
	v.SetDefault("controller.tick_ms", 30000)
	v.SetDefault("controller.error_threshold", 0.30)
	v.SetDefault("controller.reset_timeout_ms", 60000)
	v.SetDefault("controller.history_length", 5)
	v.SetDefault("controller.trend_history_length", 3)
	v.SetDefault("controller.system_health_history", 10)
	v.SetDefault("controller.prediction_update_interval_ms", 900000)

	// Pool defaults
	v.SetDefault("pool.min_workers", 2)
	v.SetDefault("pool.max_workers", 4)
	v.SetDefault("pool.task_timeout_ms", 30000)

	// Rate limiter defaults
	v.SetDefault("rate_limit.max_concurrent", 5)
	v.SetDefault("rate_limit.min_time", 100*time.Millisecond)
	v.SetDefault("rate_limit.reservoir_size", 100)
	v.SetDefault("rate_limit.refill_interval", 60*time.Second)
	v.SetDefault("rate_limit.high_water", 1000)

	// Outbound HTTP defaults
	v.SetDefault("http.base_timeout", 10*time.Second)
	v.SetDefault("http.attempt_step", 5*time.Second)
	v.SetDefault("http.timeout_ceiling", 30*time.Second)

	// Pipeline defaults
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.backoff_initial", time.Second)

	// Aggregator defaults
	v.SetDefault("metrics.error_window_ms", 300000)
	v.SetDefault("metrics.response_time_samples", 20)
	v.SetDefault("metrics.endpoint_sample_limit", 10)

	// Worker defaults
	v.SetDefault("worker.sub_batch_size", 10)
	v.SetDefault("worker.drain_timeout", 30*time.Second)

	// Health listener defaults
	v.SetDefault("health.listen_address", ":8088")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.namespace", "dispatchd")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "dispatchd")
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
}

// Validate rejects settings the controller and queue cannot operate under
func (c *Config) Validate() error {
	if c.Controller.MinConcurrency < 1 {
		return fmt.Errorf("controller.min_concurrency must be at least 1, got %d", c.Controller.MinConcurrency)
	}
	if c.Controller.MaxConcurrency < c.Controller.MinConcurrency {
		return fmt.Errorf("controller.max_concurrency %d is below min_concurrency %d",
			c.Controller.MaxConcurrency, c.Controller.MinConcurrency)
	}
	if c.Controller.ErrorThreshold <= 0 || c.Controller.ErrorThreshold > 1 {
		return fmt.Errorf("controller.error_threshold must be in (0, 1], got %v", c.Controller.ErrorThreshold)
	}
	if c.Controller.HistoryLength < 1 {
		return fmt.Errorf("controller.history_length must be at least 1, got %d", c.Controller.HistoryLength)
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts must be at least 1, got %d", c.Queue.Attempts)
	}
	if c.Worker.SubBatchSize < 1 {
		return fmt.Errorf("worker.sub_batch_size must be at least 1, got %d", c.Worker.SubBatchSize)
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev" || c.Environment == "development"
}
