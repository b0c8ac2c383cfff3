package taskforge

import (
	"context"
	"errors"
)

// ReconcileAction describes what the reconciler did to restore agreement.
type ReconcileAction string

const (
	ReconcileActionNone               ReconcileAction = "none"
	ReconcileActionMemoryUpdated      ReconcileAction = "memory_updated"
	ReconcileActionRepositoryRestored ReconcileAction = "repository_restored"
	ReconcileActionDesync             ReconcileAction = "desynchronisation_detected"
)

// ReconcileResult reports one reconciliation pass.
type ReconcileResult struct {
	Diverged            bool
	Reconciled          bool
	AuthoritativeSource string // "repository" or "memory"
	Action              ReconcileAction
	Task                *Task // authoritative record after reconciliation
}

// StateReconciler restores agreement between a worker's in-memory task
// copy and the repository after a failed write. It is strictly
// read-compare-write: it never invents state that was not observed on one
// of the two sides.
type StateReconciler struct {
	repo    TaskRepository
	logger  Logger
	metrics Metrics
}

// NewStateReconciler creates a reconciler with no-op logger and metrics
func NewStateReconciler(repo TaskRepository) *StateReconciler {
	return NewStateReconcilerWithObservability(repo, &NoOpLogger{}, &NoOpMetrics{})
}

// NewStateReconcilerWithObservability creates a reconciler with logging and metrics
func NewStateReconcilerWithObservability(repo TaskRepository, logger Logger, metrics Metrics) *StateReconciler {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &StateReconciler{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
	}
}

// Reconcile compares the in-memory copy against the stored record and
// resolves any divergence. memory may be nil when the caller never held a
// copy. When both sides are gone the task cannot be reconciled and
// ErrStateDesync is returned alongside the result.
//
// The repository wins whenever it holds a record: its copy is returned and
// the in-memory task, if present, is overwritten in place. Only when the
// repository record is lost does the memory side get written back.
func (r *StateReconciler) Reconcile(ctx context.Context, memory *Task, id string) (*ReconcileResult, error) {
	r.metrics.Increment(MetricReconcileRuns)

	stored, err := r.repo.FindByID(ctx, id)
	if err != nil && !IsNotFound(err) {
		// Store is degraded; reconciliation needs a readable repository.
		return nil, err
	}

	switch {
	case stored != nil && memory != nil:
		return r.repositoryWins(stored, memory), nil
	case stored != nil:
		r.metrics.Increment(MetricReconcileDiverged)
		r.logger.Info("reconciled from repository, no in-memory copy",
			"task_id", id, "version", stored.Version)
		return &ReconcileResult{
			Diverged:            true,
			Reconciled:          true,
			AuthoritativeSource: "repository",
			Action:              ReconcileActionMemoryUpdated,
			Task:                stored,
		}, nil
	case memory != nil:
		return r.restoreRepository(ctx, memory, id)
	default:
		r.metrics.Increment(MetricReconcileDesync)
		r.logger.Error("task state unrecoverable, no copy on either side", "task_id", id)
		return &ReconcileResult{
				Diverged: true,
				Action:   ReconcileActionDesync,
			}, WithContext(ErrStateDesync, map[string]interface{}{
				"task_id": id,
				"reason":  "neither repository nor memory holds the task",
			})
	}
}

func (r *StateReconciler) repositoryWins(stored, memory *Task) *ReconcileResult {
	if stored.Version == memory.Version && stored.Status == memory.Status {
		return &ReconcileResult{
			Reconciled:          true,
			AuthoritativeSource: "repository",
			Action:              ReconcileActionNone,
			Task:                stored,
		}
	}

	r.metrics.Increment(MetricReconcileDiverged)
	r.logger.Warn("task state diverged, repository wins",
		"task_id", stored.ID,
		"memory_version", memory.Version,
		"memory_status", string(memory.Status),
		"stored_version", stored.Version,
		"stored_status", string(stored.Status),
	)

	*memory = *stored.Clone()
	return &ReconcileResult{
		Diverged:            true,
		Reconciled:          true,
		AuthoritativeSource: "repository",
		Action:              ReconcileActionMemoryUpdated,
		Task:                memory,
	}
}

// restoreRepository writes the surviving in-memory copy back after the
// stored record was lost. The version restarts at 1: the old version
// sequence died with the record.
func (r *StateReconciler) restoreRepository(ctx context.Context, memory *Task, id string) (*ReconcileResult, error) {
	restore := memory.Clone()
	restore.Version = 1

	if err := r.repo.Save(ctx, restore); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// The record reappeared between the fetch and the write-back.
			stored, ferr := r.repo.FindByID(ctx, id)
			if ferr != nil {
				return nil, ferr
			}
			return r.repositoryWins(stored, memory), nil
		}
		return nil, err
	}

	memory.Version = restore.Version
	r.metrics.Increment(MetricReconcileRecovered)
	r.logger.Warn("repository record restored from memory",
		"task_id", id,
		"status", string(memory.Status),
	)
	return &ReconcileResult{
		Diverged:            true,
		Reconciled:          true,
		AuthoritativeSource: "memory",
		Action:              ReconcileActionRepositoryRestored,
		Task:                memory,
	}, nil
}
