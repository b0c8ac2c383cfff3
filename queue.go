package taskforge

import (
	"context"
	"time"
)

// JobState is the queue-side lifecycle of a job. It is deliberately
// narrower than TaskStatus: the queue tracks delivery, the repository
// tracks execution.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Valid returns true if the state is one of the defined job states
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateDelayed, JobStateActive, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// Job is a unit of work in a queue. Its ID always equals the ID of the
// task it carries, which is what lets the recovery path rebuild a task
// record from the job alone.
type Job struct {
	ID           string                 `json:"id"`
	Queue        string                 `json:"queue"`
	Name         string                 `json:"name"` // task type
	Data         map[string]interface{} `json:"data,omitempty"`
	Priority     int                    `json:"priority"`
	Seq          int64                  `json:"seq"` // enqueue sequence, orders within a priority tier
	State        JobState               `json:"state"`
	Attempts     int                    `json:"attempts"`
	StalledCount int                    `json:"stalled_count"`
	LastError    string                 `json:"last_error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	DelayUntil   time.Time              `json:"delay_until,omitempty"`
}

// AddOpts controls enqueueing. JobID is required by the task pipeline so
// the job and the task record share an identity; Delay > 0 parks the job
// in the delayed set until it is due.
type AddOpts struct {
	JobID    string
	Priority int
	Delay    time.Duration
}

// JobCounts is a snapshot of queue depth per state
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the work distribution layer between task submission and worker
// execution. Implementations deliver each waiting job to exactly one
// Dequeue caller and requeue jobs whose consumer stopped renewing its
// lease.
type Queue interface {
	// Add enqueues a job. Duplicate JobIDs return ErrAlreadyExists.
	Add(ctx context.Context, name string, data map[string]interface{}, opts AddOpts) (*Job, error)

	// Dequeue blocks until a job is available or ctx is done. The returned
	// job is leased to the caller; the lease is renewed with ExtendLease
	// and settled with Complete or Fail.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete settles an active job as successfully processed
	Complete(ctx context.Context, jobID string) error

	// Fail settles an active job as failed with a reason
	Fail(ctx context.Context, jobID string, reason string) error

	// ExtendLease renews the caller's lease on an active job
	ExtendLease(ctx context.Context, jobID string) error

	// GetJob returns the job record, or ErrJobNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// Remove deletes a job that is not active. Used when task submission
	// fails after the enqueue and has to roll back.
	Remove(ctx context.Context, jobID string) error

	// Position returns the 1-based rank of a waiting job in dequeue order.
	// Jobs in any other state return 0; unknown ids return ErrJobNotFound.
	Position(ctx context.Context, jobID string) (int, error)

	// Counts returns queue depth per state
	Counts(ctx context.Context) (JobCounts, error)

	// WaitUntilReady blocks until the queue backend answers, or ctx is
	// done. Workers call this before consuming so a cold backend fails
	// startup instead of the first job.
	WaitUntilReady(ctx context.Context) error

	// Name returns the queue name
	Name() string

	Close() error
}
