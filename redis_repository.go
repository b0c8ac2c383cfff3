package taskforge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task records are stored as Redis hashes so the version can be compared
// inside a script without decoding JSON:
//
//	tasks:{id} → hash{data: <json>, version: "<n>", status, type}
//
// The data field is the full serialised Task; version/status/type mirror
// fields of it for cheap atomic checks and index maintenance.
const (
	taskSaveScript = `
		if redis.call("exists", KEYS[1]) == 1 then
			return 0
		end
		redis.call("hset", KEYS[1], "data", ARGV[1], "version", "1", "status", ARGV[2], "type", ARGV[3])
		redis.call("pexpire", KEYS[1], ARGV[4])
		return 1
	`
	// Returns {1, oldStatus} on success, {-1, ""} when the record is gone,
	// {-2, storedVersion} on a version mismatch. HSET on an existing key
	// keeps its TTL.
	taskUpdateScript = `
		local v = redis.call("hget", KEYS[1], "version")
		if not v then
			return {-1, ""}
		end
		if v ~= ARGV[1] then
			return {-2, v}
		end
		local old = redis.call("hget", KEYS[1], "status")
		redis.call("hset", KEYS[1], "data", ARGV[2], "version", ARGV[3], "status", ARGV[4], "type", ARGV[5])
		return {1, old}
	`
)

// typesRegistryKey tracks every task type ever saved so Cleanup can walk
// the per-type index sets.
const typesRegistryKey = typeIndexKeyPrefix + ":_all"

// RedisTaskRepository is the production TaskRepository on Redis. Records
// carry a TTL as a soft garbage collector for abandoned runs; secondary
// index sets by status and type serve the find operations and self-heal
// lazily when they reference expired records.
type RedisTaskRepository struct {
	redis      *redis.Client
	logger     Logger
	metrics    Metrics
	breaker    *CircuitBreaker
	taskTTL    time.Duration
	ownsClient bool
}

// NewRedisTaskRepository creates a repository with no-op logger and metrics
func NewRedisTaskRepository(redisClient *redis.Client) *RedisTaskRepository {
	return NewRedisTaskRepositoryWithObservability(redisClient, &NoOpLogger{}, &NoOpMetrics{})
}

// NewRedisTaskRepositoryWithObservability creates a repository with logging and metrics
func NewRedisTaskRepositoryWithObservability(redisClient *redis.Client, logger Logger, metrics Metrics) *RedisTaskRepository {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RedisTaskRepository{
		redis:   redisClient,
		logger:  logger,
		metrics: metrics,
		taskTTL: DefaultTaskTTL,
	}
}

// WithTaskTTL overrides the record TTL (default 24h)
func (r *RedisTaskRepository) WithTaskTTL(ttl time.Duration) *RedisTaskRepository {
	if ttl > 0 {
		r.taskTTL = ttl
	}
	return r
}

func (r *RedisTaskRepository) setTaskTTL(ttl time.Duration) { r.WithTaskTTL(ttl) }

// WithCircuitBreaker guards every Redis call with cb
func (r *RedisTaskRepository) WithCircuitBreaker(cb *CircuitBreaker) *RedisTaskRepository {
	r.breaker = cb
	return r
}

// WithOwnedClient makes Close() close the Redis client
func (r *RedisTaskRepository) WithOwnedClient() *RedisTaskRepository {
	r.ownsClient = true
	return r
}

// do funnels calls through the circuit breaker when one is configured.
func (r *RedisTaskRepository) do(ctx context.Context, fn func() error) error {
	if r.breaker == nil {
		return fn()
	}
	return r.breaker.Execute(ctx, fn)
}

func (r *RedisTaskRepository) Name() string { return "redis" }

func (r *RedisTaskRepository) Save(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Version != 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Version",
			"value":  task.Version,
			"reason": "fresh records start at version 1",
		})
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	start := time.Now()
	var created int64
	err = r.do(ctx, func() error {
		res, evalErr := r.redis.Eval(ctx, taskSaveScript,
			[]string{taskKey(task.ID)},
			data, string(task.Status), task.Type, r.taskTTL.Milliseconds(),
		).Result()
		if evalErr != nil {
			return evalErr
		}
		created, _ = res.(int64)
		return nil
	})
	r.metrics.Timing(MetricRepoSaveDuration, time.Since(start), "repo", "redis")

	if err != nil {
		r.metrics.Increment(MetricRepoSaveError, "repo", "redis")
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "save",
			"task_id":   task.ID,
			"cause":     err.Error(),
		})
	}
	if created == 0 {
		return WithContext(ErrAlreadyExists, map[string]interface{}{
			"task_id": task.ID,
		})
	}

	r.updateIndexes(ctx, task.ID, "", task.Status, task.Type)
	r.metrics.Increment(MetricRepoSaveSuccess, "repo", "redis")
	return nil
}

func (r *RedisTaskRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	start := time.Now()
	var data string
	err := r.do(ctx, func() error {
		var getErr error
		data, getErr = r.redis.HGet(ctx, taskKey(id), "data").Result()
		return getErr
	})
	r.metrics.Timing(MetricRepoFindDuration, time.Since(start), "repo", "redis")

	if err == redis.Nil {
		return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	if err != nil {
		r.metrics.Increment(MetricRepoFindError, "repo", "redis")
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "find",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}

	var task Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}

	r.metrics.Increment(MetricRepoFindSuccess, "repo", "redis")
	return &task, nil
}

func (r *RedisTaskRepository) Update(ctx context.Context, task *Task, expectedVersion int64) error {
	if expectedVersion < 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "expectedVersion",
			"value":  expectedVersion,
			"reason": "must be >= 1",
		})
	}

	prevVersion := task.Version
	task.Version = expectedVersion + 1
	data, err := json.Marshal(task)
	if err != nil {
		task.Version = prevVersion
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	var code int64
	var oldStatus string
	err = r.do(ctx, func() error {
		res, evalErr := r.redis.Eval(ctx, taskUpdateScript,
			[]string{taskKey(task.ID)},
			strconv.FormatInt(expectedVersion, 10),
			data,
			strconv.FormatInt(task.Version, 10),
			string(task.Status),
			task.Type,
		).Result()
		if evalErr != nil {
			return evalErr
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 2 {
			return fmt.Errorf("unexpected script result %v", res)
		}
		code, _ = vals[0].(int64)
		oldStatus, _ = vals[1].(string)
		return nil
	})

	if err != nil {
		task.Version = prevVersion
		r.metrics.Increment(MetricRepoUpdateError, "repo", "redis")
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "update",
			"task_id":   task.ID,
			"cause":     err.Error(),
		})
	}

	switch code {
	case 1:
		if oldStatus != string(task.Status) {
			r.updateIndexes(ctx, task.ID, TaskStatus(oldStatus), task.Status, task.Type)
		}
		r.metrics.Increment(MetricRepoUpdateSuccess, "repo", "redis")
		return nil
	case -1:
		task.Version = prevVersion
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": task.ID,
		})
	default: // -2
		task.Version = prevVersion
		r.metrics.Increment(MetricRepoConflict, "repo", "redis")
		return WithContext(ErrVersionConflict, map[string]interface{}{
			"task_id":          task.ID,
			"expected_version": expectedVersion,
			"stored_version":   oldStatus, // script returns the stored version here
		})
	}
}

func (r *RedisTaskRepository) Delete(ctx context.Context, id string) error {
	err := r.do(ctx, func() error {
		fields, err := r.redis.HMGet(ctx, taskKey(id), "status", "type").Result()
		if err != nil {
			return err
		}
		if _, err := r.redis.Del(ctx, taskKey(id)).Result(); err != nil {
			return err
		}

		pipe := r.redis.Pipeline()
		if s, ok := fields[0].(string); ok && s != "" {
			pipe.SRem(ctx, statusIndexKey(TaskStatus(s)), id)
		}
		if t, ok := fields[1].(string); ok && t != "" {
			pipe.SRem(ctx, typeIndexKey(t), id)
		}
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "delete",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}

	r.metrics.Increment(MetricRepoDelete, "repo", "redis")
	return nil
}

func (r *RedisTaskRepository) List(ctx context.Context, cursor string, limit int) ([]*Task, string, error) {
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	var scanCursor uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", WithContext(ErrValidation, map[string]interface{}{
				"field": "cursor",
				"value": cursor,
			})
		}
		scanCursor = parsed
	}

	var keys []string
	var next uint64
	err := r.do(ctx, func() error {
		var scanErr error
		keys, next, scanErr = r.redis.Scan(ctx, scanCursor, taskKeyPrefix+":*", int64(limit)).Result()
		return scanErr
	})
	if err != nil {
		return nil, "", WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "list",
			"cause":     err.Error(),
		})
	}

	tasks, err := r.fetchByKeys(ctx, keys)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}
	return tasks, nextCursor, nil
}

func (r *RedisTaskRepository) FindByType(ctx context.Context, taskType string) ([]*Task, error) {
	return r.findByIndex(ctx, typeIndexKey(taskType))
}

func (r *RedisTaskRepository) FindByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if !status.Valid() {
		return nil, WithContext(ErrValidation, map[string]interface{}{
			"field": "status",
			"value": string(status),
		})
	}
	return r.findByIndex(ctx, statusIndexKey(status))
}

func (r *RedisTaskRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.do(ctx, func() error {
		pipe := r.redis.Pipeline()
		cards := make([]*redis.IntCmd, 0, 5)
		for _, s := range []TaskStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout} {
			cards = append(cards, pipe.SCard(ctx, statusIndexKey(s)))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		for _, c := range cards {
			total += c.Val()
		}
		return nil
	})
	if err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "count",
			"cause":     err.Error(),
		})
	}
	return total, nil
}

// Cleanup removes index entries whose task records have expired. Records
// themselves expire through their TTL; this sweep keeps the index sets from
// accumulating dead ids.
func (r *RedisTaskRepository) Cleanup(ctx context.Context) (int, error) {
	removed := 0

	for _, s := range []TaskStatus{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout} {
		n, err := r.sweepIndex(ctx, statusIndexKey(s), true)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	// Walk every type index recorded in the registry; these share ids with
	// the status sets, so their removals are not counted again.
	types, err := r.redis.SMembers(ctx, typesRegistryKey).Result()
	if err != nil && err != redis.Nil {
		return removed, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "cleanup",
			"cause":     err.Error(),
		})
	}
	for _, t := range types {
		if _, err := r.sweepIndex(ctx, typeIndexKey(t), false); err != nil {
			return removed, err
		}
	}

	if removed > 0 {
		r.logger.Info("repository cleanup removed stale index entries", "count", removed)
		r.metrics.Gauge(MetricRepoCleanup, float64(removed), "repo", "redis")
	}
	return removed, nil
}

func (r *RedisTaskRepository) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.taskTTL
	}
	var ok bool
	err := r.do(ctx, func() error {
		var expErr error
		ok, expErr = r.redis.PExpire(ctx, taskKey(id), ttl).Result()
		return expErr
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "touch",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}
	if !ok {
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	return nil
}

func (r *RedisTaskRepository) HealthCheck(ctx context.Context) error {
	err := r.do(ctx, func() error {
		return r.redis.Ping(ctx).Err()
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "health_check",
			"cause":     err.Error(),
		})
	}
	return nil
}

func (r *RedisTaskRepository) Close() error {
	if r.ownsClient && r.redis != nil {
		return r.redis.Close()
	}
	return nil
}

// updateIndexes moves id between status sets and keeps the type set and
// registry current. Index writes are best-effort: reads lazily drop ids
// whose records are gone, so a failed index write degrades a find, never
// the record itself.
func (r *RedisTaskRepository) updateIndexes(ctx context.Context, id string, oldStatus, newStatus TaskStatus, taskType string) {
	pipe := r.redis.Pipeline()
	if oldStatus != "" {
		pipe.SRem(ctx, statusIndexKey(oldStatus), id)
	}
	pipe.SAdd(ctx, statusIndexKey(newStatus), id)
	pipe.SAdd(ctx, typeIndexKey(taskType), id)
	pipe.SAdd(ctx, typesRegistryKey, taskType)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("task index update failed",
			"task_id", id,
			"status", string(newStatus),
			"error", err,
		)
	}
}

// findByIndex resolves an index set to task records, lazily pruning ids
// whose records expired.
func (r *RedisTaskRepository) findByIndex(ctx context.Context, indexKey string) ([]*Task, error) {
	var ids []string
	err := r.do(ctx, func() error {
		var memErr error
		ids, memErr = r.redis.SMembers(ctx, indexKey).Result()
		return memErr
	})
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "find_by_index",
			"index":     indexKey,
			"cause":     err.Error(),
		})
	}
	if len(ids) == 0 {
		return []*Task{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGet(ctx, taskKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "find_by_index",
			"index":     indexKey,
			"cause":     err.Error(),
		})
	}

	tasks := make([]*Task, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		data, err := cmds[id].Result()
		if err == redis.Nil {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			r.logger.Warn("skipping undecodable task record", "task_id", id, "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}

	if len(stale) > 0 {
		if err := r.redis.SRem(ctx, indexKey, stale...).Err(); err == nil {
			r.logger.Debug("pruned stale index entries", "index", indexKey, "count", len(stale))
		}
	}

	return tasks, nil
}

// fetchByKeys loads records for full task keys returned by SCAN.
func (r *RedisTaskRepository) fetchByKeys(ctx context.Context, keys []string) ([]*Task, error) {
	if len(keys) == 0 {
		return []*Task{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "list",
			"cause":     err.Error(),
		})
	}

	tasks := make([]*Task, 0, len(keys))
	for i := range keys {
		data, err := cmds[i].Result()
		if err != nil {
			continue // expired between scan and fetch
		}
		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// sweepIndex drops ids from one index set whose records no longer exist.
func (r *RedisTaskRepository) sweepIndex(ctx context.Context, indexKey string, count bool) (int, error) {
	ids, err := r.redis.SMembers(ctx, indexKey).Result()
	if err != nil && err != redis.Nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "cleanup",
			"index":     indexKey,
			"cause":     err.Error(),
		})
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.redis.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "cleanup",
			"index":     indexKey,
			"cause":     err.Error(),
		})
	}

	var stale []interface{}
	for i, id := range ids {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := r.redis.SRem(ctx, indexKey, stale...).Err(); err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "cleanup",
			"index":     indexKey,
			"cause":     err.Error(),
		})
	}
	if count {
		return len(stale), nil
	}
	return 0, nil
}
