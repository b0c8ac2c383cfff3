package taskforge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Counter provides atomic counter operations with Redis backend.
//
// The queue uses one per queue name to order jobs within a priority tier:
// every enqueue takes the next sequence number, and the waiting set scores
// by (priority tier, sequence) so equal-priority jobs stay FIFO.
type Counter struct {
	redis   *redis.Client
	key     string
	logger  Logger
	metrics Metrics
}

// NewCounter creates a new Redis-backed atomic counter
func NewCounter(redis *redis.Client, key string, logger Logger, metrics Metrics) *Counter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &Counter{
		redis:   redis,
		key:     key,
		logger:  logger,
		metrics: metrics,
	}
}

// Increment atomically increments the counter and returns the new value
func (c *Counter) Increment(ctx context.Context) (int64, error) {
	if c.redis == nil {
		return 0, fmt.Errorf("redis not available")
	}

	val, err := c.redis.Incr(ctx, c.key).Result()
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "increment", "key", c.key)
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	c.metrics.Increment(MetricCounterIncrement, "key", c.key)
	return val, nil
}

// Get returns the current counter value
func (c *Counter) Get(ctx context.Context) (int64, error) {
	if c.redis == nil {
		return 0, fmt.Errorf("redis not available")
	}

	val, err := c.redis.Get(ctx, c.key).Result()
	if err == redis.Nil {
		// Counter doesn't exist yet, return 0
		return 0, nil
	}
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "get", "key", c.key)
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}

	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter value: %w", err)
	}

	return intVal, nil
}

// Set sets the counter to a specific value.
// Only for migrations or recovery operations; moving a sequence backwards
// reorders the waiting set.
func (c *Counter) Set(ctx context.Context, value int64) error {
	if c.redis == nil {
		return fmt.Errorf("redis not available")
	}

	err := c.redis.Set(ctx, c.key, value, 0).Err()
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "set", "key", c.key)
		return fmt.Errorf("failed to set counter: %w", err)
	}

	c.logger.Info("counter value set", "key", c.key, "value", value)
	return nil
}

// Reset resets the counter to zero
func (c *Counter) Reset(ctx context.Context) error {
	return c.Set(ctx, 0)
}

// Delete removes the counter
func (c *Counter) Delete(ctx context.Context) error {
	if c.redis == nil {
		return fmt.Errorf("redis not available")
	}

	err := c.redis.Del(ctx, c.key).Err()
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "delete", "key", c.key)
		return fmt.Errorf("failed to delete counter: %w", err)
	}

	c.logger.Info("counter deleted", "key", c.key)
	return nil
}
