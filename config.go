package taskforge

import (
	"os"
	"strconv"
	"time"
)

// Configuration constants for Taskforge operations
const (
	// Retry configuration for lock acquisition and commit conflicts
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // 50% jitter to avoid thundering herd

	// Task lifecycle configuration
	DefaultTaskTimeout    = 5 * time.Minute
	DefaultMaxTaskTimeout = 30 * time.Minute
	DefaultGracePeriod    = 30 * time.Second
	DefaultTaskTTL        = 24 * time.Hour

	// Worker configuration
	DefaultWorkerConcurrency = 5
	DefaultStartupTimeout    = 5 * time.Second

	// Distributed lock configuration
	DefaultLockTTL = 10 * time.Second

	// Queue configuration
	DefaultQueueName         = "tasks"
	DefaultQueueLockDuration = 10 * time.Minute
	DefaultStalledInterval   = 30 * time.Second
	DefaultMaxStalledCount   = 2

	// Idempotency configuration
	DefaultIdempotencyTTL = 24 * time.Hour

	// Batch operation configuration
	DefaultBatchSize    = 100
	DefaultListPageSize = 100
)

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// Config holds the task manager configuration.
type Config struct {
	// QueueName is the work queue the manager binds its workers to.
	QueueName string

	// Concurrency bounds simultaneous processor executions per task type.
	Concurrency int

	// DefaultTaskTimeout applies when a submission carries no timeout.
	// MaxTaskTimeout is the clamp ceiling for caller-supplied timeouts.
	DefaultTaskTimeout time.Duration
	MaxTaskTimeout     time.Duration

	// GracePeriod is added to the task timeout to form the watchdog deadline.
	GracePeriod time.Duration

	// EnableForceKill lets the watchdog force-fail tasks past their deadline.
	EnableForceKill bool

	// TaskTTL bounds how long task records stay in the repository.
	TaskTTL time.Duration

	// LockTTL bounds the task-state lock held across a commit window.
	LockTTL time.Duration

	// StartupTimeout bounds the wait for the queue's blocking client at
	// worker start.
	StartupTimeout time.Duration

	// RecoveryStrategy decides what happens when a queue job has no
	// repository record.
	RecoveryStrategy RecoveryStrategy

	// StreamBaseURL is the base URL of the external streaming collaborator.
	// Empty disables forwarding.
	StreamBaseURL string

	// IdempotencyTTL bounds cached idempotent responses.
	IdempotencyTTL time.Duration

	// IdempotencyAutoKey generates a key for requests that carry none.
	IdempotencyAutoKey bool

	// Retry governs lock acquisition and commit-conflict retries.
	Retry RetryConfig
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:          DefaultQueueName,
		Concurrency:        DefaultWorkerConcurrency,
		DefaultTaskTimeout: DefaultTaskTimeout,
		MaxTaskTimeout:     DefaultMaxTaskTimeout,
		GracePeriod:        DefaultGracePeriod,
		EnableForceKill:    true,
		TaskTTL:            DefaultTaskTTL,
		LockTTL:            DefaultLockTTL,
		StartupTimeout:     DefaultStartupTimeout,
		RecoveryStrategy:   RecoveryRebuild,
		IdempotencyTTL:     DefaultIdempotencyTTL,
		IdempotencyAutoKey: true,
		Retry:              DefaultRetryConfig(),
	}
}

// ConfigFromEnv returns a Config with environment overrides applied.
//
// Environment variables read (all optional):
//   - TASKFORGE_QUEUE_NAME
//   - TASKFORGE_CONCURRENCY
//   - TASKFORGE_DEFAULT_TIMEOUT (duration, e.g. "5m")
//   - TASKFORGE_MAX_TIMEOUT
//   - TASKFORGE_GRACE_PERIOD
//   - TASKFORGE_FORCE_KILL ("true"/"false")
//   - TASKFORGE_TASK_TTL
//   - TASKFORGE_LOCK_TTL
//   - TASKFORGE_RECOVERY_STRATEGY ("rebuild"/"strict")
//   - TASKFORGE_STREAM_BASE_URL
//   - TASKFORGE_IDEMPOTENCY_TTL
//   - TASKFORGE_IDEMPOTENCY_AUTOKEY ("true"/"false")
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("TASKFORGE_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	cfg.Concurrency = getEnvAsInt("TASKFORGE_CONCURRENCY", cfg.Concurrency)
	cfg.DefaultTaskTimeout = getEnvAsDuration("TASKFORGE_DEFAULT_TIMEOUT", cfg.DefaultTaskTimeout)
	cfg.MaxTaskTimeout = getEnvAsDuration("TASKFORGE_MAX_TIMEOUT", cfg.MaxTaskTimeout)
	cfg.GracePeriod = getEnvAsDuration("TASKFORGE_GRACE_PERIOD", cfg.GracePeriod)
	cfg.EnableForceKill = getEnvAsBool("TASKFORGE_FORCE_KILL", cfg.EnableForceKill)
	cfg.TaskTTL = getEnvAsDuration("TASKFORGE_TASK_TTL", cfg.TaskTTL)
	cfg.LockTTL = getEnvAsDuration("TASKFORGE_LOCK_TTL", cfg.LockTTL)
	if v := os.Getenv("TASKFORGE_RECOVERY_STRATEGY"); v != "" {
		cfg.RecoveryStrategy = RecoveryStrategy(v)
	}
	cfg.StreamBaseURL = os.Getenv("TASKFORGE_STREAM_BASE_URL")
	cfg.IdempotencyTTL = getEnvAsDuration("TASKFORGE_IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.IdempotencyAutoKey = getEnvAsBool("TASKFORGE_IDEMPOTENCY_AUTOKEY", cfg.IdempotencyAutoKey)

	return cfg
}

// Validate checks if the Config is valid
func (c Config) Validate() error {
	if c.QueueName == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "QueueName",
			"reason": "must not be empty",
		})
	}
	if c.Concurrency < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Concurrency",
			"value":  c.Concurrency,
			"reason": "must be >= 1",
		})
	}
	if c.DefaultTaskTimeout <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "DefaultTaskTimeout",
			"value":  c.DefaultTaskTimeout,
			"reason": "must be positive",
		})
	}
	if c.MaxTaskTimeout < c.DefaultTaskTimeout {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxTaskTimeout",
			"value":  c.MaxTaskTimeout,
			"reason": "must be >= DefaultTaskTimeout",
		})
	}
	if c.GracePeriod < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "GracePeriod",
			"value":  c.GracePeriod,
			"reason": "must be non-negative",
		})
	}
	if c.LockTTL <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LockTTL",
			"value":  c.LockTTL,
			"reason": "must be positive",
		})
	}
	if !c.RecoveryStrategy.Valid() {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RecoveryStrategy",
			"value":  string(c.RecoveryStrategy),
			"reason": "must be rebuild or strict",
		})
	}
	return c.Retry.Validate()
}

// getEnvAsDuration reads a duration environment variable with a default fallback.
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}

// getEnvAsBool reads a boolean environment variable with a default fallback.
func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
