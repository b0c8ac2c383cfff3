package taskforge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue key layout, all under queue:{name}:
//
//	waiting    ZSET  member=jobID, score=(tier, seq) packed into a float
//	delayed    ZSET  member=jobID, score=ready time in unix millis
//	active     SET   jobIDs currently leased to a consumer
//	completed  ZSET  member=jobID, score=settle time in unix millis
//	failed     ZSET  member=jobID, score=settle time in unix millis
//	job:{id}   STRING serialised Job
//	lock:{id}  STRING consumer lease, PX = lock duration
//	seq        STRING enqueue counter
const (
	queueAddScript = `
		if redis.call("exists", KEYS[1]) == 1 then
			return 0
		end
		redis.call("set", KEYS[1], ARGV[1])
		redis.call("zadd", KEYS[2], ARGV[2], ARGV[3])
		return 1
	`
	// Refuses to remove a job that a consumer currently holds.
	queueRemoveScript = `
		if redis.call("sismember", KEYS[4], ARGV[1]) == 1 then
			return -1
		end
		local removed = redis.call("del", KEYS[1])
		redis.call("zrem", KEYS[2], ARGV[1])
		redis.call("zrem", KEYS[3], ARGV[1])
		redis.call("zrem", KEYS[5], ARGV[1])
		redis.call("zrem", KEYS[6], ARGV[1])
		return removed
	`
)

// priorityTierSpan separates priority tiers in the waiting set score.
// Scores stay under 2^53 (float precision limit) as long as a queue sees
// fewer than 1e12 enqueues, which is not a practical concern.
const priorityTierSpan = 1e12

// jobScore packs (priority tier, sequence) into a waiting set score.
// Higher priority sorts first; within a tier, enqueue order holds.
func jobScore(priority int, seq int64) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 1000 {
		priority = 1000
	}
	return float64(1000-priority)*priorityTierSpan + float64(seq)
}

// RedisQueue is the production Queue on Redis. Delivery is BZPOPMIN on
// the waiting set, so exactly one consumer receives each job. Consumers
// hold a lease key while processing; a background checker requeues jobs
// whose lease lapsed, and fails them after too many stalls.
type RedisQueue struct {
	redis   *redis.Client
	name    string
	seq     *Counter
	logger  Logger
	metrics Metrics

	lockDuration    time.Duration
	stalledInterval time.Duration
	maxStalledCount int
	settledTTL      time.Duration

	ownsClient bool
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewRedisQueue creates a queue with no-op logger and metrics
func NewRedisQueue(redisClient *redis.Client, name string) *RedisQueue {
	return NewRedisQueueWithObservability(redisClient, name, &NoOpLogger{}, &NoOpMetrics{})
}

// NewRedisQueueWithObservability creates a queue with logging and metrics.
// Background maintenance (delayed promotion, stalled checks, settled job
// trimming) starts immediately and stops on Close.
func NewRedisQueueWithObservability(redisClient *redis.Client, name string, logger Logger, metrics Metrics) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	q := &RedisQueue{
		redis:           redisClient,
		name:            name,
		seq:             NewCounter(redisClient, queueKey(name, "seq"), logger, metrics),
		logger:          logger,
		metrics:         metrics,
		lockDuration:    DefaultQueueLockDuration,
		stalledInterval: DefaultStalledInterval,
		maxStalledCount: DefaultMaxStalledCount,
		settledTTL:      DefaultTaskTTL,
		done:            make(chan struct{}),
	}

	q.wg.Add(2)
	go q.promoteLoop()
	go q.stalledLoop()

	return q
}

// WithLockDuration overrides the consumer lease duration (default 10m)
func (q *RedisQueue) WithLockDuration(d time.Duration) *RedisQueue {
	if d > 0 {
		q.lockDuration = d
	}
	return q
}

// WithStalledInterval overrides how often lapsed leases are checked (default 30s)
func (q *RedisQueue) WithStalledInterval(d time.Duration) *RedisQueue {
	if d > 0 {
		q.stalledInterval = d
	}
	return q
}

// WithMaxStalledCount overrides how many times a job may stall before it
// is failed outright (default 2)
func (q *RedisQueue) WithMaxStalledCount(n int) *RedisQueue {
	if n >= 0 {
		q.maxStalledCount = n
	}
	return q
}

// WithOwnedClient makes Close() close the Redis client
func (q *RedisQueue) WithOwnedClient() *RedisQueue {
	q.ownsClient = true
	return q
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Add(ctx context.Context, name string, data map[string]interface{}, opts AddOpts) (*Job, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = NewID()
	}

	seq, err := q.seq.Increment(ctx)
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        jobID,
		Queue:     q.name,
		Name:      name,
		Data:      data,
		Priority:  opts.Priority,
		Seq:       seq,
		State:     JobStateWaiting,
		CreatedAt: now,
	}

	targetKey := queueKey(q.name, "waiting")
	score := jobScore(job.Priority, job.Seq)
	if opts.Delay > 0 {
		job.State = JobStateDelayed
		job.DelayUntil = now.Add(opts.Delay)
		targetKey = queueKey(q.name, "delayed")
		score = float64(job.DelayUntil.UnixMilli())
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	res, err := q.redis.Eval(ctx, queueAddScript,
		[]string{queueJobKey(q.name, jobID), targetKey},
		payload, score, jobID,
	).Result()
	if err != nil {
		q.metrics.Increment(MetricQueueFailed, "queue", q.name)
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}
	if added, _ := res.(int64); added == 0 {
		return nil, WithContext(ErrAlreadyExists, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
		})
	}

	q.logger.Debug("job enqueued",
		"queue", q.name,
		"job_id", jobID,
		"name", name,
		"priority", job.Priority,
		"state", string(job.State),
	)
	q.metrics.Increment(MetricQueueAdded, "queue", q.name)
	return job, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.redis.BZPopMin(ctx, time.Second, queueKey(q.name, "waiting")).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
				"queue": q.name,
				"cause": err.Error(),
			})
		}

		jobID, _ := res.Member.(string)
		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			if IsNotFound(err) {
				// Removed between pop and load; nothing to deliver.
				continue
			}
			return nil, err
		}
		if job.State != JobStateWaiting {
			// A stalled-check requeue raced a settle. The settle won; drop
			// the duplicate delivery.
			q.logger.Debug("skipping settled job from waiting set",
				"queue", q.name, "job_id", jobID, "state", string(job.State))
			continue
		}

		job.State = JobStateActive
		job.Attempts++
		payload, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}

		// The record flip, the lease and the active-set membership land in
		// one MULTI/EXEC. Written separately, a crash between them leaves
		// an active record outside the active set, where the stalled
		// checker never looks.
		if _, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, queueJobKey(q.name, jobID), payload, redis.KeepTTL)
			pipe.Set(ctx, queueLeaseKey(q.name, jobID), "held", q.lockDuration)
			pipe.SAdd(ctx, queueKey(q.name, "active"), jobID)
			return nil
		}); err != nil {
			return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
				"queue":  q.name,
				"job_id": jobID,
				"cause":  err.Error(),
			})
		}

		q.metrics.Increment(MetricQueueDequeued, "queue", q.name)
		return job, nil
	}
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	if err := q.settle(ctx, jobID, JobStateCompleted, ""); err != nil {
		return err
	}
	q.metrics.Increment(MetricQueueComplete, "queue", q.name)
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	if err := q.settle(ctx, jobID, JobStateFailed, reason); err != nil {
		return err
	}
	q.metrics.Increment(MetricQueueFailed, "queue", q.name)
	return nil
}

func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string) error {
	ok, err := q.redis.SetXX(ctx, queueLeaseKey(q.name, jobID), "held", q.lockDuration).Result()
	if err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}
	if !ok {
		return WithContext(ErrLockReleased, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"reason": "lease lapsed; the job may have been requeued",
		})
	}
	return nil
}

func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.loadJob(ctx, jobID)
}

func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	res, err := q.redis.Eval(ctx, queueRemoveScript,
		[]string{
			queueJobKey(q.name, jobID),
			queueKey(q.name, "waiting"),
			queueKey(q.name, "delayed"),
			queueKey(q.name, "active"),
			queueKey(q.name, "completed"),
			queueKey(q.name, "failed"),
		},
		jobID,
	).Result()
	if err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}
	if code, _ := res.(int64); code == -1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"reason": "cannot remove an active job",
		})
	}

	q.metrics.Increment(MetricQueueRemoved, "queue", q.name)
	return nil
}

func (q *RedisQueue) Position(ctx context.Context, jobID string) (int, error) {
	rank, err := q.redis.ZRank(ctx, queueKey(q.name, "waiting"), jobID).Result()
	if err == nil {
		return int(rank) + 1, nil
	}
	if err != redis.Nil {
		return 0, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}

	// Not waiting; distinguish "elsewhere in the queue" from unknown.
	if _, err := q.loadJob(ctx, jobID); err != nil {
		return 0, err
	}
	return 0, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (JobCounts, error) {
	pipe := q.redis.Pipeline()
	waiting := pipe.ZCard(ctx, queueKey(q.name, "waiting"))
	delayed := pipe.ZCard(ctx, queueKey(q.name, "delayed"))
	active := pipe.SCard(ctx, queueKey(q.name, "active"))
	completed := pipe.ZCard(ctx, queueKey(q.name, "completed"))
	failed := pipe.ZCard(ctx, queueKey(q.name, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return JobCounts{}, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue": q.name,
			"cause": err.Error(),
		})
	}

	counts := JobCounts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}

	q.metrics.Gauge(MetricQueueDepth, float64(counts.Waiting), "queue", q.name, "state", string(JobStateWaiting))
	q.metrics.Gauge(MetricQueueDepth, float64(counts.Delayed), "queue", q.name, "state", string(JobStateDelayed))
	q.metrics.Gauge(MetricQueueDepth, float64(counts.Active), "queue", q.name, "state", string(JobStateActive))
	return counts, nil
}

func (q *RedisQueue) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := q.redis.Ping(ctx).Err(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return WithContext(ErrQueueUnavailable, map[string]interface{}{
				"queue": q.name,
				"cause": "backend did not become ready: " + ctx.Err().Error(),
			})
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
	if q.ownsClient && q.redis != nil {
		return q.redis.Close()
	}
	return nil
}

// settle moves an active job to a terminal queue state and schedules its
// record for expiry.
func (q *RedisQueue) settle(ctx context.Context, jobID string, state JobState, reason string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.State = state
	job.LastError = reason
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// Same single-transaction discipline as activation: the record, the
	// set moves and the lease change or stay together.
	if _, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, queueJobKey(q.name, jobID), payload, redis.KeepTTL)
		pipe.SRem(ctx, queueKey(q.name, "active"), jobID)
		pipe.ZAdd(ctx, queueKey(q.name, string(state)), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: jobID,
		})
		pipe.Del(ctx, queueLeaseKey(q.name, jobID))
		pipe.PExpire(ctx, queueJobKey(q.name, jobID), q.settledTTL)
		return nil
	}); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}
	return nil
}

func (q *RedisQueue) loadJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.redis.Get(ctx, queueJobKey(q.name, jobID)).Result()
	if err == redis.Nil {
		return nil, WithContext(ErrJobNotFound, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
		})
	}
	if err != nil {
		return nil, WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"cause":  err.Error(),
		})
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"queue":  q.name,
			"job_id": jobID,
			"reason": "job record is not valid JSON",
		})
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.redis.Set(ctx, queueJobKey(q.name, job.ID), payload, redis.KeepTTL).Err(); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{
			"queue":  q.name,
			"job_id": job.ID,
			"cause":  err.Error(),
		})
	}
	return nil
}

// promoteLoop moves due delayed jobs to the waiting set.
func (q *RedisQueue) promoteLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := q.promoteDue(context.Background()); err != nil {
				q.logger.Warn("delayed job promotion failed", "queue", q.name, "error", err)
			}
		case <-q.done:
			return
		}
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	due, err := q.redis.ZRangeByScore(ctx, queueKey(q.name, "delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", time.Now().UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, jobID := range due {
		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			if IsNotFound(err) {
				q.redis.ZRem(ctx, queueKey(q.name, "delayed"), jobID)
				continue
			}
			return err
		}

		job.State = JobStateWaiting
		if err := q.storeJob(ctx, job); err != nil {
			return err
		}

		pipe := q.redis.Pipeline()
		pipe.ZAdd(ctx, queueKey(q.name, "waiting"), redis.Z{
			Score:  jobScore(job.Priority, job.Seq),
			Member: jobID,
		})
		pipe.ZRem(ctx, queueKey(q.name, "delayed"), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		q.logger.Debug("delayed job promoted", "queue", q.name, "job_id", jobID)
	}
	return nil
}

// stalledLoop requeues active jobs whose lease lapsed and trims settled
// job records past their retention.
func (q *RedisQueue) stalledLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.stalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := q.checkStalled(ctx); err != nil {
				q.logger.Warn("stalled job check failed", "queue", q.name, "error", err)
			}
			q.trimSettled(ctx)
		case <-q.done:
			return
		}
	}
}

func (q *RedisQueue) checkStalled(ctx context.Context) error {
	active, err := q.redis.SMembers(ctx, queueKey(q.name, "active")).Result()
	if err != nil {
		return err
	}

	for _, jobID := range active {
		held, err := q.redis.Exists(ctx, queueLeaseKey(q.name, jobID)).Result()
		if err != nil {
			return err
		}
		if held == 1 {
			continue
		}

		job, err := q.loadJob(ctx, jobID)
		if err != nil {
			if IsNotFound(err) {
				q.redis.SRem(ctx, queueKey(q.name, "active"), jobID)
				continue
			}
			return err
		}
		if job.State != JobStateActive {
			q.redis.SRem(ctx, queueKey(q.name, "active"), jobID)
			continue
		}

		job.StalledCount++
		if job.StalledCount > q.maxStalledCount {
			q.logger.Warn("job exceeded stall limit, failing",
				"queue", q.name,
				"job_id", jobID,
				"stalled_count", job.StalledCount,
			)
			if err := q.settle(ctx, jobID, JobStateFailed, "job stalled more than allowable limit"); err != nil {
				return err
			}
			q.metrics.Increment(MetricQueueFailed, "queue", q.name)
			continue
		}

		job.State = JobStateWaiting
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if _, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, queueJobKey(q.name, jobID), payload, redis.KeepTTL)
			pipe.SRem(ctx, queueKey(q.name, "active"), jobID)
			pipe.ZAdd(ctx, queueKey(q.name, "waiting"), redis.Z{
				Score:  jobScore(job.Priority, job.Seq),
				Member: jobID,
			})
			return nil
		}); err != nil {
			return err
		}

		q.logger.Warn("stalled job requeued",
			"queue", q.name,
			"job_id", jobID,
			"stalled_count", job.StalledCount,
		)
		q.metrics.Increment(MetricQueueStalled, "queue", q.name)
	}
	return nil
}

// trimSettled drops completed and failed entries past the retention TTL.
// Job records expire on their own; this keeps the settle sets bounded.
func (q *RedisQueue) trimSettled(ctx context.Context) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-q.settledTTL).UnixMilli())
	for _, state := range []JobState{JobStateCompleted, JobStateFailed} {
		if err := q.redis.ZRemRangeByScore(ctx, queueKey(q.name, string(state)), "-inf", cutoff).Err(); err != nil {
			q.logger.Debug("settled trim failed", "queue", q.name, "state", string(state), "error", err)
		}
	}
}
