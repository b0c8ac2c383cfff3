package taskforge

import (
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusTimeout   TaskStatus = "timeout"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state. Terminal tasks never
// transition again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
// Allowed: pending→running, pending→failed (cancel), running→completed,
// running→failed, running→timeout.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusTimeout
	}
	return false
}

// TaskMetadata carries per-task tuning supplied at submission.
type TaskMetadata struct {
	// TimeoutMS is the processor deadline in milliseconds. Zero means the
	// manager default applies.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	// Priority orders waiting jobs; higher runs earlier.
	Priority int `json:"priority,omitempty"`

	// Extra holds caller-supplied labels; values are opaque to the core.
	Extra map[string]string `json:"extra,omitempty"`
}

// TimeoutDuration returns the metadata timeout as a duration, or zero when unset.
func (m TaskMetadata) TimeoutDuration() time.Duration {
	if m.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// Task is the central record of the pipeline. The repository owns the
// durable copy; in-memory copies are a working cache except inside a
// commit window. Task.ID doubles as the queue job id.
type Task struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Status        TaskStatus             `json:"status"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Result        interface{}            `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Progress      int                    `json:"progress"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Version       int64                  `json:"version"`
	Metadata      TaskMetadata           `json:"metadata"`
	TenantContext map[string]interface{} `json:"tenant_context,omitempty"`
}

// TaskOptions are the caller-supplied submission options.
type TaskOptions struct {
	Timeout       time.Duration
	Priority      int
	Metadata      map[string]string
	TenantContext map[string]interface{}
}

// NewTask builds a fresh pending task with version 1 and a time-ordered id.
func NewTask(taskType string, params map[string]interface{}, opts TaskOptions) *Task {
	return &Task{
		ID:        NewID(),
		Type:      taskType,
		Status:    StatusPending,
		Params:    params,
		Progress:  0,
		CreatedAt: time.Now().UTC(),
		Version:   1,
		Metadata: TaskMetadata{
			TimeoutMS: opts.Timeout.Milliseconds(),
			Priority:  opts.Priority,
			Extra:     opts.Metadata,
		},
		TenantContext: opts.TenantContext,
	}
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a copy safe to hand to other goroutines. Params, Result and
// TenantContext values are treated as immutable; only the map headers are
// duplicated.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Params != nil {
		c.Params = make(map[string]interface{}, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.TenantContext != nil {
		c.TenantContext = make(map[string]interface{}, len(t.TenantContext))
		for k, v := range t.TenantContext {
			c.TenantContext[k] = v
		}
	}
	if t.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}

// Validate checks the record invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "ID",
			"reason": "must not be empty",
		})
	}
	if t.Type == "" {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Type",
			"reason": "must not be empty",
		})
	}
	if !t.Status.Valid() {
		return WithContext(ErrValidation, map[string]interface{}{
			"field": "Status",
			"value": string(t.Status),
		})
	}
	if t.Version < 1 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Version",
			"value":  t.Version,
			"reason": "must be >= 1",
		})
	}
	if t.Progress < 0 || t.Progress > 100 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field": "Progress",
			"value": t.Progress,
		})
	}
	if t.Status == StatusCompleted && t.Progress != 100 {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Progress",
			"value":  t.Progress,
			"reason": "completed task must report 100",
		})
	}
	if t.Status != StatusCompleted && t.Result != nil {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Result",
			"reason": "only completed tasks carry a result",
		})
	}
	if t.Error != "" && t.Status != StatusFailed && t.Status != StatusTimeout {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "Error",
			"reason": "only failed or timed out tasks carry an error",
		})
	}
	if t.Status.IsTerminal() && t.CompletedAt == nil {
		return WithContext(ErrValidation, map[string]interface{}{
			"field":  "CompletedAt",
			"reason": "terminal task must record completion time",
		})
	}
	return nil
}

// markRunning applies the pending→running transition to the in-memory copy.
// Version bumps happen in the repository, not here.
func (t *Task) markRunning(now time.Time) error {
	if !t.Status.CanTransitionTo(StatusRunning) {
		return transitionError(t, StatusRunning)
	}
	t.Status = StatusRunning
	t.StartedAt = &now
	return nil
}

// markCompleted applies running→completed with the processor result.
func (t *Task) markCompleted(result interface{}, now time.Time) error {
	if !t.Status.CanTransitionTo(StatusCompleted) {
		return transitionError(t, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.Result = result
	t.Error = ""
	t.Progress = 100
	t.CompletedAt = &now
	return nil
}

// markFailed applies pending→failed (cancel) or running→failed.
func (t *Task) markFailed(reason string, now time.Time) error {
	if !t.Status.CanTransitionTo(StatusFailed) {
		return transitionError(t, StatusFailed)
	}
	t.Status = StatusFailed
	t.Result = nil
	t.Error = reason
	t.CompletedAt = &now
	return nil
}

// markTimeout applies running→timeout.
func (t *Task) markTimeout(reason string, now time.Time) error {
	if !t.Status.CanTransitionTo(StatusTimeout) {
		return transitionError(t, StatusTimeout)
	}
	t.Status = StatusTimeout
	t.Result = nil
	t.Error = reason
	t.CompletedAt = &now
	return nil
}

func transitionError(t *Task, next TaskStatus) error {
	base := ErrInvalidTransition
	if t.Status.IsTerminal() {
		base = ErrTaskTerminal
	}
	return WithContext(base, map[string]interface{}{
		"task_id": t.ID,
		"from":    string(t.Status),
		"to":      string(next),
	})
}
