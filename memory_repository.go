package taskforge

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	task      *Task
	expiresAt time.Time
}

func (r *memoryRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// MemoryTaskRepository is an in-process TaskRepository for tests and
// single-node deployments that do not want a Redis dependency. It mirrors
// the Redis implementation's semantics: NX save, version CAS on update,
// record TTL with lazy expiry plus a background sweep.
type MemoryTaskRepository struct {
	mu       sync.RWMutex
	tasks    map[string]*memoryRecord
	byStatus map[TaskStatus]map[string]struct{}
	byType   map[string]map[string]struct{}

	taskTTL time.Duration
	logger  Logger
	metrics Metrics

	janitor   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryTaskRepository creates an in-memory repository with the default TTL
func NewMemoryTaskRepository() *MemoryTaskRepository {
	return NewMemoryTaskRepositoryWithObservability(&NoOpLogger{}, &NoOpMetrics{})
}

// NewMemoryTaskRepositoryWithObservability creates an in-memory repository with logging and metrics
func NewMemoryTaskRepositoryWithObservability(logger Logger, metrics Metrics) *MemoryTaskRepository {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	mr := &MemoryTaskRepository{
		tasks:    make(map[string]*memoryRecord),
		byStatus: make(map[TaskStatus]map[string]struct{}),
		byType:   make(map[string]map[string]struct{}),
		taskTTL:  DefaultTaskTTL,
		logger:   logger,
		metrics:  metrics,
		done:     make(chan struct{}),
	}

	mr.janitor = time.NewTicker(30 * time.Second)
	go mr.sweepLoop()

	return mr
}

// WithTaskTTL overrides the record TTL. Zero disables expiry, which is
// convenient in tests.
func (mr *MemoryTaskRepository) WithTaskTTL(ttl time.Duration) *MemoryTaskRepository {
	mr.taskTTL = ttl
	return mr
}

func (mr *MemoryTaskRepository) setTaskTTL(ttl time.Duration) {
	if ttl > 0 {
		mr.taskTTL = ttl
	}
}

func (mr *MemoryTaskRepository) Name() string { return "memory" }

func (mr *MemoryTaskRepository) Save(ctx context.Context, task *Task) error {
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

	mr.mu.Lock()
	defer mr.mu.Unlock()

	now := time.Now()
	if rec, exists := mr.tasks[task.ID]; exists && !rec.expired(now) {
		return WithContext(ErrAlreadyExists, map[string]interface{}{
			"task_id": task.ID,
		})
	}

	rec := &memoryRecord{task: task.Clone()}
	if mr.taskTTL > 0 {
		rec.expiresAt = now.Add(mr.taskTTL)
	}
	mr.tasks[task.ID] = rec
	mr.indexAdd(task.ID, task.Status, task.Type)

	mr.metrics.Increment(MetricRepoSaveSuccess, "repo", "memory")
	return nil
}

func (mr *MemoryTaskRepository) FindByID(ctx context.Context, id string) (*Task, error) {
	mr.mu.RLock()
	rec, exists := mr.tasks[id]
	mr.mu.RUnlock()

	if !exists || rec.expired(time.Now()) {
		mr.metrics.Increment(MetricRepoFindError, "repo", "memory")
		return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}

	mr.metrics.Increment(MetricRepoFindSuccess, "repo", "memory")
	return rec.task.Clone(), nil
}

func (mr *MemoryTaskRepository) Update(ctx context.Context, task *Task, expectedVersion int64) error {
	if expectedVersion < 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "expectedVersion",
			"value":  expectedVersion,
			"reason": "must be >= 1",
		})
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	rec, exists := mr.tasks[task.ID]
	if !exists || rec.expired(time.Now()) {
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": task.ID,
		})
	}
	if rec.task.Version != expectedVersion {
		mr.metrics.Increment(MetricRepoConflict, "repo", "memory")
		return WithContext(ErrVersionConflict, map[string]interface{}{
			"task_id":          task.ID,
			"expected_version": expectedVersion,
			"stored_version":   rec.task.Version,
		})
	}

	oldStatus := rec.task.Status
	task.Version = expectedVersion + 1
	rec.task = task.Clone()
	if oldStatus != task.Status {
		mr.indexRemoveStatus(task.ID, oldStatus)
		mr.indexAdd(task.ID, task.Status, task.Type)
	}

	mr.metrics.Increment(MetricRepoUpdateSuccess, "repo", "memory")
	return nil
}

func (mr *MemoryTaskRepository) Delete(ctx context.Context, id string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.removeLocked(id)
	mr.metrics.Increment(MetricRepoDelete, "repo", "memory")
	return nil
}

// List pages through records ordered by id. Ids are UUIDv7, so lexical
// order is creation order; the cursor is the last id of the previous page.
func (mr *MemoryTaskRepository) List(ctx context.Context, cursor string, limit int) ([]*Task, string, error) {
	if limit <= 0 {
		limit = DefaultListPageSize
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	now := time.Now()
	ids := make([]string, 0, len(mr.tasks))
	for id, rec := range mr.tasks {
		if rec.expired(now) {
			continue
		}
		if cursor != "" && id <= cursor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	page := ids
	nextCursor := ""
	if len(ids) > limit {
		page = ids[:limit]
		nextCursor = page[len(page)-1]
	}

	tasks := make([]*Task, 0, len(page))
	for _, id := range page {
		tasks = append(tasks, mr.tasks[id].task.Clone())
	}
	return tasks, nextCursor, nil
}

func (mr *MemoryTaskRepository) FindByType(ctx context.Context, taskType string) ([]*Task, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.collectLocked(mr.byType[taskType]), nil
}

func (mr *MemoryTaskRepository) FindByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	if !status.Valid() {
		return nil, WithContext(ErrValidation, map[string]interface{}{
			"field": "status",
			"value": string(status),
		})
	}
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.collectLocked(mr.byStatus[status]), nil
}

func (mr *MemoryTaskRepository) Count(ctx context.Context) (int64, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	now := time.Now()
	var count int64
	for _, rec := range mr.tasks {
		if !rec.expired(now) {
			count++
		}
	}
	return count, nil
}

func (mr *MemoryTaskRepository) Cleanup(ctx context.Context) (int, error) {
	removed := mr.sweep()
	if removed > 0 {
		mr.metrics.Gauge(MetricRepoCleanup, float64(removed), "repo", "memory")
	}
	return removed, nil
}

func (mr *MemoryTaskRepository) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = mr.taskTTL
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	rec, exists := mr.tasks[id]
	if !exists || rec.expired(time.Now()) {
		return WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
		})
	}
	if ttl > 0 {
		rec.expiresAt = time.Now().Add(ttl)
	} else {
		rec.expiresAt = time.Time{}
	}
	return nil
}

func (mr *MemoryTaskRepository) HealthCheck(ctx context.Context) error { return nil }

func (mr *MemoryTaskRepository) Close() error {
	mr.closeOnce.Do(func() {
		close(mr.done)
		mr.janitor.Stop()
	})
	return nil
}

func (mr *MemoryTaskRepository) sweepLoop() {
	for {
		select {
		case <-mr.janitor.C:
			if n := mr.sweep(); n > 0 {
				mr.logger.Debug("expired task records swept", "count", n)
			}
		case <-mr.done:
			return
		}
	}
}

// sweep removes expired records and their index entries.
func (mr *MemoryTaskRepository) sweep() int {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, rec := range mr.tasks {
		if rec.expired(now) {
			mr.removeLocked(id)
			removed++
		}
	}
	return removed
}

func (mr *MemoryTaskRepository) removeLocked(id string) {
	rec, exists := mr.tasks[id]
	if !exists {
		return
	}
	mr.indexRemoveStatus(id, rec.task.Status)
	if ids, ok := mr.byType[rec.task.Type]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(mr.byType, rec.task.Type)
		}
	}
	delete(mr.tasks, id)
}

func (mr *MemoryTaskRepository) indexAdd(id string, status TaskStatus, taskType string) {
	if mr.byStatus[status] == nil {
		mr.byStatus[status] = make(map[string]struct{})
	}
	mr.byStatus[status][id] = struct{}{}
	if mr.byType[taskType] == nil {
		mr.byType[taskType] = make(map[string]struct{})
	}
	mr.byType[taskType][id] = struct{}{}
}

func (mr *MemoryTaskRepository) indexRemoveStatus(id string, status TaskStatus) {
	if ids, ok := mr.byStatus[status]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(mr.byStatus, status)
		}
	}
}

func (mr *MemoryTaskRepository) collectLocked(ids map[string]struct{}) []*Task {
	now := time.Now()
	tasks := make([]*Task, 0, len(ids))
	for id := range ids {
		rec, exists := mr.tasks[id]
		if !exists || rec.expired(now) {
			continue
		}
		tasks = append(tasks, rec.task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
