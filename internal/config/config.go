package config

import (
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultWorkerCount       = 1
	DefaultBatchSize         = 100
	DefaultPollIntervalMs    = 1000
	DefaultMaxAttempts       = 5
	DefaultRetryBackoffSec   = 30
	DefaultMaxParallel       = 10
	DefaultConnectTimeoutSec = 10
	DefaultStatementTimeoutMs = 30000
	DefaultHTTPPort          = 8080
)

// Config is the full dispatcher configuration surface (spec.md §6.2). Every
// field binds to an environment variable of the same name via viper; a
// dispatcher.env file in the working directory is read if present.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`

	DBSource string `mapstructure:"DB_SOURCE"`

	DBMaxConns int32 `mapstructure:"DB_MAX_CONNS"`
	DBMinConns int32 `mapstructure:"DB_MIN_CONNS"`

	ConnectTimeoutSec   int `mapstructure:"CONNECT_TIMEOUT_SECONDS"`
	StatementTimeoutMs  int `mapstructure:"STATEMENT_TIMEOUT_MS"`

	WorkerCount       int `mapstructure:"WORKER_COUNT"`
	BatchSize         int `mapstructure:"BATCH_SIZE"`
	PollIntervalMs    int `mapstructure:"POLL_INTERVAL_MS"`
	MaxAttempts       int `mapstructure:"MAX_ATTEMPTS"`
	RetryBackoffSec   int `mapstructure:"RETRY_BACKOFF_SECONDS"`
	MaxParallel       int `mapstructure:"MAX_PARALLEL_TASKS"`

	RestartOnPanic bool `mapstructure:"RESTART_ON_PANIC"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	HTTPAddress string `mapstructure:"HTTP_ADDRESS"`
	HTTPPort    int    `mapstructure:"HTTP_PORT"`
	DisableHTTP bool   `mapstructure:"DISABLE_HTTP"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// GetConnectTimeout returns the connect timeout as a Duration, falling back
// to DefaultConnectTimeoutSec and logging a warning on an invalid value.
func (c *Config) GetConnectTimeout(logger *zap.Logger) time.Duration {
	if c.ConnectTimeoutSec <= 0 {
		warnInvalid(logger, "CONNECT_TIMEOUT_SECONDS", c.ConnectTimeoutSec, DefaultConnectTimeoutSec)
		return time.Duration(DefaultConnectTimeoutSec) * time.Second
	}
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// GetStatementTimeout returns the per-query statement timeout as a Duration.
func (c *Config) GetStatementTimeout(logger *zap.Logger) time.Duration {
	if c.StatementTimeoutMs <= 0 {
		warnInvalid(logger, "STATEMENT_TIMEOUT_MS", c.StatementTimeoutMs, DefaultStatementTimeoutMs)
		return time.Duration(DefaultStatementTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.StatementTimeoutMs) * time.Millisecond
}

// GetWorkerCount returns the number of worker instances the supervisor
// should spawn (spec.md §4.5).
func (c *Config) GetWorkerCount(logger *zap.Logger) int {
	if c.WorkerCount <= 0 {
		warnInvalid(logger, "WORKER_COUNT", c.WorkerCount, DefaultWorkerCount)
		return DefaultWorkerCount
	}
	return c.WorkerCount
}

// GetBatchSize returns the number of events claimed per poll cycle.
func (c *Config) GetBatchSize(logger *zap.Logger) int {
	if c.BatchSize <= 0 {
		warnInvalid(logger, "BATCH_SIZE", c.BatchSize, DefaultBatchSize)
		return DefaultBatchSize
	}
	return c.BatchSize
}

// GetPollInterval returns the poll interval as a Duration.
func (c *Config) GetPollInterval(logger *zap.Logger) time.Duration {
	if c.PollIntervalMs <= 0 {
		warnInvalid(logger, "POLL_INTERVAL_MS", c.PollIntervalMs, DefaultPollIntervalMs)
		return time.Duration(DefaultPollIntervalMs) * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// GetMaxAttempts returns the max delivery attempts before an event is
// marked dead.
func (c *Config) GetMaxAttempts(logger *zap.Logger) int {
	if c.MaxAttempts <= 0 {
		warnInvalid(logger, "MAX_ATTEMPTS", c.MaxAttempts, DefaultMaxAttempts)
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetRetryBackoff returns the fixed delay applied to next_run_at on a
// handler failure (spec.md §4.2 mandates a fixed backoff, not exponential;
// see DESIGN.md).
func (c *Config) GetRetryBackoff(logger *zap.Logger) time.Duration {
	if c.RetryBackoffSec <= 0 {
		warnInvalid(logger, "RETRY_BACKOFF_SECONDS", c.RetryBackoffSec, DefaultRetryBackoffSec)
		return time.Duration(DefaultRetryBackoffSec) * time.Second
	}
	return time.Duration(c.RetryBackoffSec) * time.Second
}

// GetMaxParallel returns the bound on concurrently executing handlers per
// worker instance.
func (c *Config) GetMaxParallel(logger *zap.Logger) int {
	if c.MaxParallel <= 0 {
		warnInvalid(logger, "MAX_PARALLEL_TASKS", c.MaxParallel, DefaultMaxParallel)
		return DefaultMaxParallel
	}
	return c.MaxParallel
}

// GetHTTPPort returns the observability HTTP server port.
func (c *Config) GetHTTPPort() int {
	if c.HTTPPort <= 0 {
		return DefaultHTTPPort
	}
	return c.HTTPPort
}

func warnInvalid(logger *zap.Logger, field string, configured, fallback int) {
	if logger == nil {
		return
	}
	logger.Warn("invalid config value, using default",
		zap.String("field", field), zap.Int("configured", configured), zap.Int("default", fallback))
}

// LoadConfig reads dispatcher.env from path (if present) and overlays
// environment variables, matching the teacher's env-file-optional
// convention: a missing file is not an error, only a malformed one is.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("dispatcher")
	viper.SetConfigType("env")

	for _, key := range []string{
		"ENVIRONMENT", "DB_SOURCE", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CONNECT_TIMEOUT_SECONDS", "STATEMENT_TIMEOUT_MS",
		"WORKER_COUNT", "BATCH_SIZE", "POLL_INTERVAL_MS", "MAX_ATTEMPTS",
		"RETRY_BACKOFF_SECONDS", "MAX_PARALLEL_TASKS", "RESTART_ON_PANIC",
		"REDIS_ADDR", "HTTP_ADDRESS", "HTTP_PORT", "DISABLE_HTTP", "LOG_LEVEL",
	} {
		_ = viper.BindEnv(key)
	}

	viper.AutomaticEnv()

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil //nolint:ineffassign // intentional reset for env-only mode
	}

	err = viper.Unmarshal(&config)
	return
}
