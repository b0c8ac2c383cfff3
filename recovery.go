package taskforge

import (
	"context"
	"errors"
	"time"
)

// RecoveryStrategy decides what happens when the queue delivers a job whose
// task record is missing from the repository. That state arises when the
// store was unavailable or lost data after the job was enqueued.
type RecoveryStrategy string

const (
	// RecoveryRebuild synthesises a minimal task record from the job and
	// continues processing.
	RecoveryRebuild RecoveryStrategy = "rebuild"

	// RecoveryStrict rejects the job and reports desynchronisation for an
	// operator to act on.
	RecoveryStrict RecoveryStrategy = "strict"
)

// Valid returns true if the strategy is one of the defined strategies
func (s RecoveryStrategy) Valid() bool {
	return s == RecoveryRebuild || s == RecoveryStrict
}

// TaskRecovery applies the configured strategy to orphaned queue jobs.
type TaskRecovery struct {
	repo     TaskRepository
	strategy RecoveryStrategy
	logger   Logger
	metrics  Metrics
}

// NewTaskRecovery creates a recovery handler with no-op logger and metrics
func NewTaskRecovery(repo TaskRepository, strategy RecoveryStrategy) *TaskRecovery {
	return NewTaskRecoveryWithObservability(repo, strategy, &NoOpLogger{}, &NoOpMetrics{})
}

// NewTaskRecoveryWithObservability creates a recovery handler with logging and metrics
func NewTaskRecoveryWithObservability(repo TaskRepository, strategy RecoveryStrategy, logger Logger, metrics Metrics) *TaskRecovery {
	if !strategy.Valid() {
		strategy = RecoveryRebuild
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &TaskRecovery{
		repo:     repo,
		strategy: strategy,
		logger:   logger,
		metrics:  metrics,
	}
}

// Strategy returns the configured strategy
func (r *TaskRecovery) Strategy() RecoveryStrategy { return r.strategy }

// Recover resolves a job with no repository record. Under rebuild it
// persists a reconstruction and returns it; under strict it returns
// ErrStateDesync and the job must not be processed.
func (r *TaskRecovery) Recover(ctx context.Context, job *Job) (*Task, error) {
	if r.strategy == RecoveryStrict {
		r.logger.Error("task record missing for queue job",
			"job_id", job.ID,
			"queue", job.Queue,
			"job_state", string(job.State),
			"strategy", string(RecoveryStrict),
		)
		r.metrics.Increment(MetricRecoveryRejected, "type", job.Name)
		return nil, WithContext(ErrStateDesync, map[string]interface{}{
			"job_id": job.ID,
			"queue":  job.Queue,
			"reason": "queue holds a job with no repository record",
		})
	}

	task := taskFromJob(job)
	if err := r.repo.Save(ctx, task); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Another worker rebuilt it first; theirs is authoritative.
			return r.repo.FindByID(ctx, job.ID)
		}
		return nil, err
	}

	r.logger.Warn("task record rebuilt from queue job",
		"task_id", task.ID,
		"type", task.Type,
		"status", string(task.Status),
		"job_state", string(job.State),
	)
	r.metrics.Increment(MetricRecoveryRebuilt, "type", job.Name)
	return task, nil
}

// taskFromJob synthesises the minimal record the invariants allow. The
// original result, progress history and exact timestamps are gone; what
// remains is enough for the job to finish its lifecycle. The status-query
// chain uses the same reconstruction when only the queue knows a task.
func taskFromJob(job *Job) *Task {
	now := time.Now().UTC()

	task := &Task{
		ID:        job.ID,
		Type:      job.Name,
		Status:    statusFromJobState(job.State),
		Params:    jobDataMap(job.Data, "params"),
		CreatedAt: job.CreatedAt,
		Version:   1,
		Metadata: TaskMetadata{
			Priority: job.Priority,
		},
		TenantContext: jobDataMap(job.Data, "tenantContext"),
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if ms, ok := jobDataInt64(job.Data, "timeoutMs"); ok {
		task.Metadata.TimeoutMS = ms
	}
	if meta := jobDataMap(job.Data, "metadata"); len(meta) > 0 {
		task.Metadata.Extra = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				task.Metadata.Extra[k] = s
			}
		}
	}

	switch task.Status {
	case StatusRunning:
		task.StartedAt = &now
	case StatusCompleted:
		task.StartedAt = &now
		task.CompletedAt = &now
		task.Progress = 100
	case StatusFailed:
		task.CompletedAt = &now
		task.Error = job.LastError
		if task.Error == "" {
			task.Error = "rebuilt from a failed queue job"
		}
	}
	return task
}

// statusFromJobState maps the queue-side state onto the task lifecycle.
// Anything unrecognised is treated as pending, the safest restart point.
func statusFromJobState(state JobState) TaskStatus {
	switch state {
	case JobStateWaiting, JobStateDelayed:
		return StatusPending
	case JobStateActive:
		return StatusRunning
	case JobStateCompleted:
		return StatusCompleted
	case JobStateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// jobDataMap pulls a nested object out of the job payload, tolerating both
// live maps and JSON-decoded ones.
func jobDataMap(data map[string]interface{}, key string) map[string]interface{} {
	if data == nil {
		return nil
	}
	if m, ok := data[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// jobDataInt64 reads an integer payload field across the types JSON
// decoding produces.
func jobDataInt64(data map[string]interface{}, key string) (int64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
