package taskforge

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Validation errors
	ErrValidation      = errors.New("invalid input")
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidTaskID   = errors.New("invalid task id")

	// Task data errors
	ErrTaskNotFound    = errors.New("task not found")
	ErrJobNotFound     = errors.New("queue job not found")
	ErrAlreadyExists   = errors.New("task already exists")
	ErrVersionConflict = errors.New("concurrent modification detected")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrQueueUnavailable   = errors.New("work queue unavailable")
	ErrTimeout            = errors.New("operation timed out")

	// ErrWatchdogTimeout marks a task the watchdog gave up on. It is
	// terminal and must never be retried.
	ErrWatchdogTimeout = errors.New("watchdog deadline exceeded")

	// Lock errors
	ErrLockHeld       = errors.New("lock already held by another process")
	ErrLockTimeout    = errors.New("failed to acquire lock within timeout")
	ErrLockReleased   = errors.New("lock was already released")
	ErrLockNotFound   = errors.New("lock not found")
	ErrInvalidLockKey = errors.New("invalid lock key")

	// Lifecycle errors
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrTaskTerminal      = errors.New("task already in terminal state")
	ErrWorkerNotStarted  = errors.New("worker not started")
	ErrStateDesync       = errors.New("task state desynchronised")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Data errors
	ErrInvalidData = errors.New("invalid or corrupt data")
)

// Error kinds used in events and API responses. Every framework-visible
// error maps to exactly one kind via Kind.
const (
	KindValidation         = "validation"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindTimeout            = "timeout"
	KindServiceUnavailable = "service_unavailable"
	KindStateDesync        = "state_desynchronisation"
	KindOperation          = "operation"
	KindInternal           = "internal"
)

// Kind classifies an error into its taxonomy kind. Unrecognised errors
// are KindInternal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnknownTaskType),
		errors.Is(err, ErrInvalidTaskID),
		errors.Is(err, ErrInvalidConfig):
		return KindValidation
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrLockNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrLockTimeout):
		return KindConflict
	case errors.Is(err, ErrWatchdogTimeout),
		errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrQueueUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, ErrStateDesync):
		return KindStateDesync
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrTaskTerminal),
		errors.Is(err, ErrWorkerNotStarted):
		return KindOperation
	default:
		return KindInternal
	}
}

// ErrorWithContext adds additional context to errors for better debugging and logging.
// Context bags must never contain task params or results; callers attach ids,
// versions, and operation names only.
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrJobNotFound)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsTimeout checks if an error is a deadline error of either flavour
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrWatchdogTimeout)
}

// IsWatchdogTimeout distinguishes the watchdog backstop from an ordinary
// processor timeout.
func IsWatchdogTimeout(err error) bool {
	return errors.Is(err, ErrWatchdogTimeout)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	if errors.Is(err, ErrWatchdogTimeout) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrQueueUnavailable) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnknownTaskType) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTaskTerminal) ||
		errors.Is(err, ErrWatchdogTimeout) ||
		errors.Is(err, ErrInvalidConfig)
}
