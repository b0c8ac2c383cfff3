package taskforge

import (
	"context"
	"time"
)

// TaskRepository is the durable keyed store of task records. It is the
// single owner of durable task state; in-memory copies held elsewhere are
// caches.
//
// Three error kinds cross this boundary: ErrTaskNotFound, ErrVersionConflict
// and ErrBackendUnavailable. Implementations never silently succeed on a
// backend error.
type TaskRepository interface {
	// Save writes a fresh record with version 1 and the repository TTL.
	// A record with the same id already present yields ErrAlreadyExists.
	Save(ctx context.Context, task *Task) error

	// FindByID returns the full record or ErrTaskNotFound.
	FindByID(ctx context.Context, id string) (*Task, error)

	// Update writes task atomically against expectedVersion. If the stored
	// version differs the write is rejected with ErrVersionConflict and
	// nothing changes. On success the stored and in-memory versions become
	// expectedVersion+1.
	Update(ctx context.Context, task *Task, expectedVersion int64) error

	// Delete removes the record and its index entries. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, id string) error

	// List pages through records. The cursor is opaque; empty starts from
	// the beginning. Returns the next cursor, empty when exhausted.
	List(ctx context.Context, cursor string, limit int) ([]*Task, string, error)

	// FindByType returns all records of one task type.
	FindByType(ctx context.Context, taskType string) ([]*Task, error)

	// FindByStatus returns all records in one lifecycle state.
	FindByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)

	// Count returns the number of live records.
	Count(ctx context.Context) (int64, error)

	// Cleanup drops index entries whose records expired and returns how
	// many were removed.
	Cleanup(ctx context.Context) (int, error)

	// Touch extends the TTL of a record, for runs that outlive the default.
	Touch(ctx context.Context, id string, ttl time.Duration) error

	// HealthCheck probes the backing store with a single cheap round trip.
	HealthCheck(ctx context.Context) error

	// Name identifies the implementation in logs and metrics.
	Name() string

	// Close releases resources held by the repository.
	Close() error
}

// taskTTLOption lets the manager thread Config.TaskTTL into whichever
// repository implementation it was handed. Every bundled repository
// implements it; wrappers forward to what they wrap.
type taskTTLOption interface {
	setTaskTTL(ttl time.Duration)
}
