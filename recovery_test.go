package taskforge

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingSaveRepo simulates a store that cannot accept writes.
type failingSaveRepo struct {
	TaskRepository
}

func (r *failingSaveRepo) Save(ctx context.Context, task *Task) error {
	return ErrBackendUnavailable
}

// TestRecoveryStrategy_Valid tests strategy validation and the fallback
func TestRecoveryStrategy_Valid(t *testing.T) {
	if !RecoveryRebuild.Valid() || !RecoveryStrict.Valid() {
		t.Error("defined strategies should be valid")
	}
	if RecoveryStrategy("").Valid() || RecoveryStrategy("panic").Valid() {
		t.Error("unknown strategies should be invalid")
	}

	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryStrategy("panic"))
	if r.Strategy() != RecoveryRebuild {
		t.Errorf("strategy = %q, want fallback to rebuild", r.Strategy())
	}
}

// TestTaskRecovery_StrictRejects tests the strict strategy
func TestTaskRecovery_StrictRejects(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryStrict)

	job := &Job{ID: "job-1", Queue: "tasks", Name: "summarize", State: JobStateActive}
	task, err := r.Recover(ctx, job)
	if !errors.Is(err, ErrStateDesync) {
		t.Fatalf("error = %v, want ErrStateDesync", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil under strict", task)
	}

	// Nothing was written
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("repository holds %d records, want 0", count)
	}
}

// TestTaskRecovery_RebuildPersistsRecord tests reconstruction of an active job
func TestTaskRecovery_RebuildPersistsRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryRebuild)

	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	job := &Job{
		ID:       "job-1",
		Queue:    "tasks",
		Name:     "summarize",
		Priority: 7,
		State:    JobStateActive,
		Data: map[string]interface{}{
			"params":        map[string]interface{}{"doc": "report.pdf"},
			"timeoutMs":     float64(45000), // JSON decoding yields float64
			"tenantContext": map[string]interface{}{"org": "acme"},
			"metadata":      map[string]interface{}{"team": "search", "attempt": 3},
		},
		CreatedAt: created,
	}

	task, err := r.Recover(ctx, job)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if task.ID != "job-1" || task.Type != "summarize" {
		t.Errorf("identity = %s/%s, want job-1/summarize", task.ID, task.Type)
	}
	if task.Status != StatusRunning {
		t.Errorf("status = %q, want running for an active job", task.Status)
	}
	if task.StartedAt == nil {
		t.Error("running reconstruction should have a start time")
	}
	if task.Version != 1 {
		t.Errorf("version = %d, want 1", task.Version)
	}
	if !task.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want %v preserved", task.CreatedAt, created)
	}
	if task.Params["doc"] != "report.pdf" {
		t.Errorf("params = %v", task.Params)
	}
	if task.Metadata.Priority != 7 {
		t.Errorf("priority = %d, want 7", task.Metadata.Priority)
	}
	if task.Metadata.TimeoutMS != 45000 {
		t.Errorf("timeout ms = %d, want 45000", task.Metadata.TimeoutMS)
	}
	if task.Metadata.Extra["team"] != "search" {
		t.Errorf("metadata extra = %v, want string values kept", task.Metadata.Extra)
	}
	if _, ok := task.Metadata.Extra["attempt"]; ok {
		t.Error("non-string metadata values should be dropped")
	}
	if task.TenantContext["org"] != "acme" {
		t.Errorf("tenant context = %v", task.TenantContext)
	}

	stored, err := repo.FindByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("rebuilt record not persisted: %v", err)
	}
	if stored.Status != StatusRunning || stored.Version != 1 {
		t.Errorf("stored = %s v%d, want running v1", stored.Status, stored.Version)
	}
}

// TestTaskRecovery_RebuildRace tests losing the rebuild race to another worker
func TestTaskRecovery_RebuildRace(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryRebuild)

	// Another worker already rebuilt and advanced the record
	existing := NewTask("summarize", nil, TaskOptions{})
	existing.ID = "job-1"
	if err := repo.Save(ctx, existing); err != nil {
		t.Fatalf("save: %v", err)
	}
	running := existing.Clone()
	if err := running.markRunning(time.Now().UTC()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := repo.Update(ctx, running, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	job := &Job{ID: "job-1", Queue: "tasks", Name: "summarize", State: JobStateActive}
	task, err := r.Recover(ctx, job)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if task.Version != 2 || task.Status != StatusRunning {
		t.Errorf("got %s v%d, want the winner's record running v2", task.Status, task.Version)
	}
}

// TestTaskRecovery_RebuildFailedJob tests reconstruction of a failed job
func TestTaskRecovery_RebuildFailedJob(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryRebuild)

	job := &Job{ID: "job-1", Name: "summarize", State: JobStateFailed, LastError: "worker exploded"}
	task, err := r.Recover(ctx, job)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if task.Status != StatusFailed {
		t.Errorf("status = %q, want failed", task.Status)
	}
	if task.Error != "worker exploded" {
		t.Errorf("error = %q, want the job's last error", task.Error)
	}
	if task.CompletedAt == nil {
		t.Error("terminal reconstruction should have a completion time")
	}

	// Without a recorded cause a placeholder is filled in
	job2 := &Job{ID: "job-2", Name: "summarize", State: JobStateFailed}
	task2, err := r.Recover(ctx, job2)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if task2.Error == "" {
		t.Error("failed reconstruction should carry an error message")
	}
}

// TestTaskRecovery_RebuildCompletedJob tests reconstruction of a completed job
func TestTaskRecovery_RebuildCompletedJob(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTaskRepository()
	defer repo.Close()
	r := NewTaskRecovery(repo, RecoveryRebuild)

	job := &Job{ID: "job-1", Name: "summarize", State: JobStateCompleted}
	task, err := r.Recover(ctx, job)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}
	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("completed reconstruction should have start and completion times")
	}
}

// TestTaskRecovery_StoreErrorPropagates tests rebuild against a dead store
func TestTaskRecovery_StoreErrorPropagates(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryTaskRepository()
	defer mem.Close()
	r := NewTaskRecovery(&failingSaveRepo{TaskRepository: mem}, RecoveryRebuild)

	job := &Job{ID: "job-1", Name: "summarize", State: JobStateWaiting}
	task, err := r.Recover(ctx, job)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("error = %v, want ErrBackendUnavailable", err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil on store failure", task)
	}
}

// TestStatusFromJobState tests the queue-to-lifecycle mapping
func TestStatusFromJobState(t *testing.T) {
	cases := []struct {
		state JobState
		want  TaskStatus
	}{
		{JobStateWaiting, StatusPending},
		{JobStateDelayed, StatusPending},
		{JobStateActive, StatusRunning},
		{JobStateCompleted, StatusCompleted},
		{JobStateFailed, StatusFailed},
		{JobState("unknown"), StatusPending},
	}
	for _, tc := range cases {
		if got := statusFromJobState(tc.state); got != tc.want {
			t.Errorf("statusFromJobState(%q) = %q, want %q", tc.state, got, tc.want)
		}
	}
}
