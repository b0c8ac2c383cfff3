package taskforge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProgressFunc reports processor progress as a percentage. Values outside
// [0, 100] are clamped.
type ProgressFunc func(progress int)

// Processor executes one task type. It receives a private copy of the
// task and a progress reporter; the returned value becomes the task
// result on success. The context carries both the task timeout and the
// watchdog deadline, and processors are expected to honour it.
type Processor func(ctx context.Context, task *Task, report ProgressFunc) (interface{}, error)

const (
	// leaseRenewInterval is how often a worker renews its queue lease
	// while a processor runs. Must be well under the queue lock duration.
	leaseRenewInterval = 30 * time.Second

	// terminalCommitTimeout bounds the detached commit that settles a
	// task after its processor finished, so a shutdown cannot strand a
	// running record.
	terminalCommitTimeout = 30 * time.Second

	// processingTimeWindow is how many recent completions feed the wait
	// estimate; defaultProcessingEstimate covers the cold start.
	processingTimeWindow      = 50
	defaultProcessingEstimate = 30 * time.Second
)

// Manager is the dispatcher: it accepts submissions, persists them before
// queueing, runs registered processors under the watchdog, drives every
// state transition through the two-phase commit path, and fans events out
// to subscribers and sinks.
//
// A Manager with a repository is durable and safe to run on many
// processes against shared Redis. Without one it runs in ephemeral mode:
// single process, in-memory records, nothing survives a restart.
type Manager struct {
	cfg     Config
	queue   Queue
	repo    TaskRepository // nil in ephemeral mode
	locker  Locker
	logger  Logger
	metrics Metrics

	watchdog   *Watchdog
	health     *HealthMonitor
	hub        *EventHub
	recovery   *TaskRecovery
	reconciler *StateReconciler
	docs       *DocumentSink

	procMu     sync.RWMutex
	processors map[string]Processor

	cacheMu sync.RWMutex
	cache   map[string]*Task

	statsMu       sync.Mutex
	procDurations []time.Duration

	started      atomic.Bool
	workerCancel context.CancelFunc
	workers      *errgroup.Group
}

// NewManager creates a manager bound to a work queue with no-op logger
// and metrics. The zero-value manager runs in ephemeral mode; wire a
// repository and a distributed locker for durability.
func NewManager(queue Queue, cfg Config) (*Manager, error) {
	return NewManagerWithObservability(queue, cfg, &NoOpLogger{}, &NoOpMetrics{})
}

// NewManagerWithObservability creates a manager with logging and metrics
func NewManagerWithObservability(queue Queue, cfg Config, logger Logger, metrics Metrics) (*Manager, error) {
	if queue == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "queue",
			"reason": "a work queue is required",
		})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	m := &Manager{
		cfg:        cfg,
		queue:      queue,
		locker:     NewMemoryLocker(),
		logger:     logger,
		metrics:    metrics,
		watchdog:   NewWatchdogWithObservability(cfg.GracePeriod, cfg.EnableForceKill, logger, metrics),
		health:     NewHealthMonitorWithObservability(logger, metrics),
		hub:        NewEventHubWithObservability(logger, metrics),
		processors: make(map[string]Processor),
		cache:      make(map[string]*Task),
	}
	m.health = m.health.WithEventHub(m.hub)

	if cfg.StreamBaseURL != "" {
		m.hub.AddSink(NewStreamSinkWithObservability(cfg.StreamBaseURL, logger, metrics))
		m.docs = NewDocumentSinkWithObservability(cfg.StreamBaseURL, logger, metrics)
		m.hub.AddSink(m.docs)
	}

	return m, nil
}

// WithRepository attaches the durable store. The reconciler and the
// recovery handler both need it, so they are created here, and the
// configured task TTL lands on the store.
func (m *Manager) WithRepository(repo TaskRepository) *Manager {
	if o, ok := repo.(taskTTLOption); ok {
		o.setTaskTTL(m.cfg.TaskTTL)
	}
	m.repo = repo
	m.reconciler = NewStateReconcilerWithObservability(repo, m.logger, m.metrics)
	m.recovery = NewTaskRecoveryWithObservability(repo, m.cfg.RecoveryStrategy, m.logger, m.metrics)
	return m
}

// WithLocker replaces the in-process locker, normally with a Redis-backed
// LockManager so transitions serialise across processes. The configured
// lock TTL lands on lockers that carry one.
func (m *Manager) WithLocker(locker Locker) *Manager {
	if locker != nil {
		if o, ok := locker.(lockTTLOption); ok {
			o.setLockTTL(m.cfg.LockTTL)
		}
		m.locker = locker
	}
	return m
}

// WithEventSink adds a best-effort external sink for every event.
func (m *Manager) WithEventSink(sink EventSink) *Manager {
	m.hub.AddSink(sink)
	return m
}

// RegisterProcessor adds the handler for one task type. All registrations
// must happen before StartWorker.
func (m *Manager) RegisterProcessor(taskType string, proc Processor) error {
	if m.started.Load() {
		return WithContext(ErrValidation, map[string]interface{}{
			"task_type": taskType,
			"reason":    "processors must be registered before the worker starts",
		})
	}
	if taskType == "" || proc == nil {
		return WithContext(ErrValidation, map[string]interface{}{
			"task_type": taskType,
			"reason":    "task type and processor are both required",
		})
	}

	m.procMu.Lock()
	defer m.procMu.Unlock()
	if _, dup := m.processors[taskType]; dup {
		return WithContext(ErrValidation, map[string]interface{}{
			"task_type": taskType,
			"reason":    "processor already registered",
		})
	}
	m.processors[taskType] = proc
	return nil
}

func (m *Manager) processor(taskType string) (Processor, bool) {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	p, ok := m.processors[taskType]
	return p, ok
}

// StartWorker verifies the queue is reachable, then starts the configured
// number of consumer loops plus the watchdog and health plumbing. It
// returns once consumption is running; ctx governs the worker lifetime.
func (m *Manager) StartWorker(ctx context.Context) error {
	if m.started.Load() {
		return WithContext(ErrValidation, map[string]interface{}{
			"reason": "worker already started",
		})
	}

	// Startup barrier: a queue that cannot answer now would surface as a
	// healthy-looking worker that never pulls a job.
	barrierCtx, cancel := context.WithTimeout(ctx, m.cfg.StartupTimeout)
	defer cancel()
	if err := m.queue.WaitUntilReady(barrierCtx); err != nil {
		return WithContext(ErrQueueUnavailable, map[string]interface{}{
			"operation": "worker_start",
			"queue":     m.queue.Name(),
			"timeout":   m.cfg.StartupTimeout.String(),
			"cause":     err.Error(),
		})
	}

	workerCtx, workerCancel := context.WithCancel(ctx)
	m.workerCancel = workerCancel

	m.watchdog.SetForceFailer(m)

	g, gctx := errgroup.WithContext(workerCtx)
	m.workers = g
	for i := 0; i < m.cfg.Concurrency; i++ {
		g.Go(func() error {
			m.consumeLoop(gctx)
			return nil
		})
	}
	go m.health.Start(workerCtx)
	go m.watchdog.StartStatsExporter(workerCtx, 0)
	go m.sampleQueueDepth(workerCtx)

	m.started.Store(true)
	m.logger.Info("worker started",
		"queue", m.queue.Name(),
		"concurrency", m.cfg.Concurrency,
		"durable", m.repo != nil,
	)
	return nil
}

// Shutdown stops consumption and internal plumbing. In-flight processors
// get until ctx expires to finish; the queue, repository and locker stay
// open because the caller owns them.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}
	m.workerCancel()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.watchdog.Stop()
	m.hub.Close()
	m.logger.Info("worker stopped", "queue", m.queue.Name())
	return err
}

// CreateTask validates and persists a submission, then enqueues it.
// The repository write is the sequence point: no job exists unless the
// record is durably readable first.
func (m *Manager) CreateTask(ctx context.Context, taskType string, params map[string]interface{}, opts TaskOptions) (string, error) {
	if !m.started.Load() {
		return "", WithContext(ErrWorkerNotStarted, map[string]interface{}{
			"operation": "create_task",
		})
	}
	if taskType == "" {
		return "", WithContext(ErrValidation, map[string]interface{}{
			"field":  "type",
			"reason": "must not be empty",
		})
	}
	if _, ok := m.processor(taskType); !ok {
		return "", WithContext(ErrUnknownTaskType, map[string]interface{}{
			"task_type": taskType,
		})
	}

	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.Timeout > m.cfg.MaxTaskTimeout {
		opts.Timeout = m.cfg.MaxTaskTimeout
	}

	task := NewTask(taskType, params, opts)
	m.cacheTask(task)

	if m.repo != nil {
		if err := m.repo.Save(ctx, task); err != nil {
			m.dropCached(task.ID)
			m.metrics.Increment(MetricTaskCreateError)
			return "", err
		}
		// Read-after-write: only a record the repository can hand back is
		// allowed to become a job.
		if _, err := m.repo.FindByID(ctx, task.ID); err != nil {
			m.dropCached(task.ID)
			m.deleteRecord(task.ID)
			m.metrics.Increment(MetricTaskCreateError)
			return "", WithContext(ErrBackendUnavailable, map[string]interface{}{
				"operation": "create_verify",
				"task_id":   task.ID,
				"cause":     err.Error(),
			})
		}
	}

	data := map[string]interface{}{
		"taskId":        task.ID,
		"params":        task.Params,
		"tenantContext": task.TenantContext,
		"timeoutMs":     task.Metadata.TimeoutMS,
	}
	if len(task.Metadata.Extra) > 0 {
		meta := make(map[string]interface{}, len(task.Metadata.Extra))
		for k, v := range task.Metadata.Extra {
			meta[k] = v
		}
		data["metadata"] = meta
	}

	if _, err := m.queue.Add(ctx, taskType, data, AddOpts{JobID: task.ID, Priority: opts.Priority}); err != nil {
		m.dropCached(task.ID)
		m.deleteRecord(task.ID)
		m.metrics.Increment(MetricTaskCreateError)
		return "", err
	}

	m.metrics.Increment(MetricTaskCreated, "type", taskType)
	m.logger.Info("task created", "task_id", task.ID, "type", taskType)
	return task.ID, nil
}

// deleteRecord removes a repository record on a background context so a
// cancelled caller still rolls back.
func (m *Manager) deleteRecord(id string) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.Delete(ctx, id); err != nil {
		m.logger.Warn("submission rollback failed, record may linger until TTL",
			"task_id", id, "error", err)
	}
}

// GetTaskStatus resolves a task in falling order of authority: the
// repository, then the queue job it was built from, then the long-term
// document store for completed tasks.
func (m *Manager) GetTaskStatus(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, WithContext(ErrInvalidTaskID, map[string]interface{}{
			"reason": "empty id",
		})
	}

	if m.repo != nil {
		task, err := m.repo.FindByID(ctx, id)
		if err == nil {
			if !task.IsTerminal() {
				m.cacheTask(task)
			}
			return task, nil
		}
		if !IsNotFound(err) {
			m.logger.Warn("status query falling back to queue, repository unreadable",
				"task_id", id, "error", err)
		}
	} else if task := m.cachedTask(id); task != nil {
		return task, nil
	}

	job, err := m.queue.GetJob(ctx, id)
	if err == nil {
		task := taskFromJob(job)
		if m.repo == nil || !task.IsTerminal() {
			m.cacheTask(task)
		}
		if m.repo != nil {
			if serr := m.repo.Save(ctx, task); serr != nil && !errors.Is(serr, ErrAlreadyExists) {
				m.logger.Debug("could not persist task synthesised from queue job",
					"task_id", id, "error", serr)
			}
		}
		return task, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		m.logger.Warn("status query could not read queue job", "task_id", id, "error", err)
	}

	if m.docs != nil {
		task, derr := m.docs.FetchTask(ctx, id)
		if derr == nil {
			return task, nil
		}
		if !IsNotFound(derr) {
			m.logger.Warn("status query could not read document store", "task_id", id, "error", derr)
		}
	}

	return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
		"task_id": id,
	})
}

// Cancel aborts a pending task: the job leaves the queue, then the record
// transitions to failed with a cancellation reason. Running tasks cannot
// be cancelled; the watchdog is the only non-cooperative kill.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.queue.Remove(ctx, id); err != nil {
		if errors.Is(err, ErrValidation) {
			// Active job: a worker already picked it up.
			return WithContext(ErrInvalidTransition, map[string]interface{}{
				"task_id": id,
				"reason":  "only pending tasks can be cancelled",
			})
		}
		if !errors.Is(err, ErrJobNotFound) {
			return err
		}
		// Job already gone, possibly from an earlier cancel attempt that
		// failed before committing. The pending check below decides.
	}

	task, err := m.commitTaskState(ctx, id, func(t *Task) error {
		if t.Status != StatusPending {
			return WithContext(ErrInvalidTransition, map[string]interface{}{
				"task_id": id,
				"from":    string(t.Status),
				"reason":  "only pending tasks can be cancelled",
			})
		}
		return t.markFailed("task cancelled", time.Now().UTC())
	})
	if err != nil {
		return err
	}

	m.evictSettled(id)
	m.metrics.Increment(MetricTaskCancelled, "type", task.Type)
	m.logger.Info("task cancelled", "task_id", id)
	m.hub.Publish(TaskEvent{
		Type:      EventFailed,
		TaskID:    id,
		Status:    StatusFailed,
		Error:     task.Error,
		ErrorKind: KindOperation,
	})
	m.broadcastPositions(ctx)
	return nil
}

// ForceFail transitions a task to failed regardless of where it is in the
// lifecycle. The watchdog calls this for tasks past their deadline.
func (m *Manager) ForceFail(ctx context.Context, id, reason string) error {
	task, err := m.commitTaskState(ctx, id, func(t *Task) error {
		if t.IsTerminal() {
			return WithContext(ErrTaskTerminal, map[string]interface{}{
				"task_id": id,
				"status":  string(t.Status),
			})
		}
		return t.markFailed(reason, time.Now().UTC())
	})
	if err != nil {
		return err
	}

	// The job may still sit in the queue; removal is best-effort because
	// an active job settles through its own dispatch path.
	if qerr := m.queue.Remove(ctx, id); qerr != nil && !errors.Is(qerr, ErrJobNotFound) && !errors.Is(qerr, ErrValidation) {
		m.logger.Warn("force-fail could not remove queue job", "task_id", id, "error", qerr)
	}

	m.evictSettled(id)
	m.metrics.Increment(MetricTaskForceFailed, "type", task.Type)
	m.logger.Warn("task force-failed", "task_id", id, "reason", reason)
	m.hub.Publish(TaskEvent{
		Type:      EventForceFailed,
		TaskID:    id,
		Status:    StatusFailed,
		Error:     reason,
		ErrorKind: KindTimeout,
	})
	m.broadcastPositions(ctx)
	return nil
}

// GetQueuePosition returns the zero-based index of a task among waiting
// jobs, or -1 when it is not waiting (running, settled, or unknown).
func (m *Manager) GetQueuePosition(ctx context.Context, id string) (int, error) {
	pos, err := m.queue.Position(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return -1, nil
		}
		return -1, err
	}
	if pos == 0 {
		return -1, nil
	}
	return pos - 1, nil
}

// EstimatedWaitTime multiplies the task's queue position by the running
// mean of recent completed processing times. Zero means the task is next
// or already past waiting.
func (m *Manager) EstimatedWaitTime(ctx context.Context, id string) (time.Duration, error) {
	pos, err := m.GetQueuePosition(ctx, id)
	if err != nil {
		return 0, err
	}
	if pos <= 0 {
		return 0, nil
	}
	return time.Duration(pos) * m.meanProcessingTime(), nil
}

// Subscribe returns a channel of events for one task. The cancel function
// releases the subscription.
func (m *Manager) Subscribe(taskID string) (<-chan TaskEvent, func()) {
	return m.hub.Subscribe(taskID)
}

// SubscribeAll returns a channel carrying every event the manager emits.
func (m *Manager) SubscribeAll() (<-chan TaskEvent, func()) {
	return m.hub.SubscribeAll()
}

// HealthSnapshot reports the worker health monitor's current view.
func (m *Manager) HealthSnapshot() HealthSnapshot {
	return m.health.Snapshot()
}

// WatchdogStats reports watchdog counters.
func (m *Manager) WatchdogStats() WatchdogStats {
	return m.watchdog.Stats()
}

// QueueCounts reports queue depth per state.
func (m *Manager) QueueCounts(ctx context.Context) (JobCounts, error) {
	return m.queue.Counts(ctx)
}

// sampleQueueDepth feeds the waiting-job count into the health monitor
// so its snapshot and gauges track backlog.
func (m *Manager) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := m.queue.Counts(ctx)
			if err != nil {
				m.logger.Debug("queue depth sample failed", "error", err)
				continue
			}
			m.health.UpdateQueueDepth(counts.Waiting)
		}
	}
}

// consumeLoop pulls jobs until ctx ends. Dequeue errors are logged and
// retried after a short pause so a Redis blip does not kill the worker.
func (m *Manager) consumeLoop(ctx context.Context) {
	for {
		job, err := m.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("dequeue failed", "queue", m.queue.Name(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.dispatch(ctx, job)
	}
}

// dispatch runs one job through its full lifecycle. Every exit path
// settles the queue job except transient infrastructure failures, which
// abandon it so the stalled checker can redeliver.
func (m *Manager) dispatch(ctx context.Context, job *Job) {
	start := time.Now()
	m.health.Heartbeat()

	task, err := m.loadOrRecover(ctx, job)
	if err != nil {
		m.logger.Error("job rejected before execution", "job_id", job.ID, "error", err)
		m.failJob(job.ID, err.Error())
		return
	}
	if task.IsTerminal() {
		// Duplicate delivery of a settled task; the record already won.
		m.logger.Debug("dropping job for terminal task",
			"task_id", task.ID, "status", string(task.Status))
		m.completeJob(job.ID)
		m.evictSettled(task.ID)
		return
	}

	task, err = m.commitTaskState(ctx, task.ID, func(t *Task) error {
		if t.Status == StatusRunning {
			// Stalled redelivery: the previous worker stopped renewing its
			// lease mid-run. The record is already running; take it over.
			return nil
		}
		return t.markRunning(time.Now().UTC())
	})
	if err != nil {
		if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrInvalidTransition) {
			// Another worker settled it.
			m.completeJob(job.ID)
			return
		}
		if IsConflict(err) {
			m.logger.Warn("lost the start transition, abandoning job for redelivery",
				"task_id", task.ID, "error", err)
			return
		}
		// Repository or lock store down: leave the job active, the lease
		// lapses and redelivery retries when the backend is back.
		m.logger.Error("start transition failed", "task_id", task.ID, "error", err)
		return
	}

	m.hub.Publish(TaskEvent{
		Type:   EventStarted,
		TaskID: task.ID,
		Status: StatusRunning,
	})

	// Keep the queue lease alive while the processor runs.
	leaseCtx, leaseCancel := context.WithCancel(ctx)
	go m.renewLease(leaseCtx, job.ID)

	result, procErr := m.execute(ctx, task)
	leaseCancel()

	m.settle(task, job.ID, result, procErr, time.Since(start))
}

// execute runs the registered processor under the two nested deadlines:
// its own task timeout, raced inside the operation, and the watchdog
// deadline of timeout plus grace.
func (m *Manager) execute(ctx context.Context, task *Task) (interface{}, error) {
	proc, ok := m.processor(task.Type)
	if !ok {
		return nil, WithContext(ErrUnknownTaskType, map[string]interface{}{
			"task_id":   task.ID,
			"task_type": task.Type,
		})
	}

	timeout := task.Metadata.TimeoutDuration()
	if timeout <= 0 {
		timeout = m.cfg.DefaultTaskTimeout
	}
	if timeout > m.cfg.MaxTaskTimeout {
		timeout = m.cfg.MaxTaskTimeout
	}

	report := m.progressReporter(ctx, task.ID)

	return m.watchdog.Monitor(ctx, task.ID, task.Type, timeout, func(opCtx context.Context) (interface{}, error) {
		procCtx, cancel := context.WithTimeout(opCtx, timeout)
		defer cancel()

		type outcome struct {
			result interface{}
			err    error
		}
		ch := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{nil, fmt.Errorf("processor panicked: %v", r)}
				}
			}()
			r, err := proc(procCtx, task.Clone(), report)
			ch <- outcome{r, err}
		}()

		select {
		case o := <-ch:
			return o.result, o.err
		case <-procCtx.Done():
			if opCtx.Err() != nil {
				// The watchdog or a shutdown pulled the plug first.
				return nil, opCtx.Err()
			}
			return nil, WithContext(ErrTimeout, map[string]interface{}{
				"task_id": task.ID,
				"timeout": timeout.String(),
			})
		}
	})
}

// progressReporter persists and broadcasts progress updates from the
// processor. A failed persist is logged and skipped; progress is advisory.
func (m *Manager) progressReporter(ctx context.Context, taskID string) ProgressFunc {
	return func(progress int) {
		if progress < 0 {
			progress = 0
		}
		// 100 is reserved for the completion commit; a running task caps
		// at 99 no matter what the processor reports.
		if progress > 99 {
			progress = 99
		}

		_, err := m.commitTaskState(ctx, taskID, func(t *Task) error {
			if t.Status != StatusRunning {
				return WithContext(ErrInvalidTransition, map[string]interface{}{
					"task_id": taskID,
					"from":    string(t.Status),
					"reason":  "progress only applies to running tasks",
				})
			}
			t.Progress = progress
			return nil
		})
		if err != nil {
			m.logger.Debug("progress update not persisted",
				"task_id", taskID, "progress", progress, "error", err)
			return
		}

		p := progress
		m.hub.Publish(TaskEvent{
			Type:     EventProgress,
			TaskID:   taskID,
			Status:   StatusRunning,
			Progress: &p,
		})
	}
}

// settle writes the terminal state, records health, emits the terminal
// event and settles the queue job. It runs on a detached context so a
// shutdown cannot strand a finished task.
func (m *Manager) settle(task *Task, jobID string, result interface{}, procErr error, elapsed time.Duration) {
	now := time.Now().UTC()

	switch {
	case procErr == nil:
		committed, err := m.commitTerminal(task.ID, func(t *Task) error {
			return t.markCompleted(result, now)
		})
		if err != nil {
			m.logger.Error("completed task could not be committed", "task_id", task.ID, "error", err)
			m.health.RecordError(elapsed)
			return
		}
		m.health.RecordSuccess(elapsed)
		m.recordProcessingTime(elapsed)
		m.metrics.Increment(MetricTaskCompleted, "type", task.Type)
		m.metrics.Timing(MetricTaskDuration, elapsed, "type", task.Type)
		progress := 100
		m.hub.Publish(TaskEvent{
			Type:     EventCompleted,
			TaskID:   task.ID,
			Status:   StatusCompleted,
			Progress: &progress,
			Result:   committed.Result,
		})
		m.completeJob(jobID)

	case IsWatchdogTimeout(procErr):
		// The watchdog force-failed the record already when force-kill is
		// on; otherwise settle it as a timeout here.
		m.health.RecordWatchdogTimeout()
		_, err := m.commitTerminal(task.ID, func(t *Task) error {
			return t.markTimeout(procErr.Error(), now)
		})
		if err != nil && !errors.Is(err, ErrTaskTerminal) {
			m.logger.Error("watchdog timeout could not be committed", "task_id", task.ID, "error", err)
		}
		if err == nil {
			m.metrics.Increment(MetricTaskTimeout, "type", task.Type)
			m.hub.Publish(TaskEvent{
				Type:      EventFailed,
				TaskID:    task.ID,
				Status:    StatusTimeout,
				Error:     procErr.Error(),
				ErrorKind: KindTimeout,
			})
		}
		m.failJob(jobID, procErr.Error())

	case IsTimeout(procErr):
		m.health.RecordError(elapsed)
		_, err := m.commitTerminal(task.ID, func(t *Task) error {
			return t.markTimeout(procErr.Error(), now)
		})
		if err != nil && !errors.Is(err, ErrTaskTerminal) {
			m.logger.Error("timeout could not be committed", "task_id", task.ID, "error", err)
		}
		if err == nil {
			m.metrics.Increment(MetricTaskTimeout, "type", task.Type)
			m.hub.Publish(TaskEvent{
				Type:      EventFailed,
				TaskID:    task.ID,
				Status:    StatusTimeout,
				Error:     procErr.Error(),
				ErrorKind: KindTimeout,
			})
		}
		m.failJob(jobID, procErr.Error())

	default:
		m.health.RecordError(elapsed)
		_, err := m.commitTerminal(task.ID, func(t *Task) error {
			return t.markFailed(procErr.Error(), now)
		})
		if err != nil && !errors.Is(err, ErrTaskTerminal) {
			m.logger.Error("failure could not be committed", "task_id", task.ID, "error", err)
		}
		if err == nil {
			m.metrics.Increment(MetricTaskFailed, "type", task.Type)
			m.hub.Publish(TaskEvent{
				Type:      EventFailed,
				TaskID:    task.ID,
				Status:    StatusFailed,
				Error:     procErr.Error(),
				ErrorKind: Kind(procErr),
			})
		}
		m.failJob(jobID, procErr.Error())
	}

	m.evictSettled(task.ID)

	bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	m.broadcastPositions(bgCtx)
	cancel()
}

// commitTerminal is commitTaskState on a detached bounded context.
func (m *Manager) commitTerminal(taskID string, mutate func(*Task) error) (*Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalCommitTimeout)
	defer cancel()
	return m.commitTaskState(ctx, taskID, mutate)
}

// renewLease extends the queue lease until ctx ends. Loss of the lease is
// survivable: the duplicate delivery lands on a terminal record.
func (m *Manager) renewLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(leaseRenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.queue.ExtendLease(ctx, jobID); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("queue lease renewal failed", "job_id", jobID, "error", err)
				return
			}
		}
	}
}

func (m *Manager) completeJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.queue.Complete(ctx, jobID); err != nil {
		m.logger.Warn("queue job could not be completed", "job_id", jobID, "error", err)
	}
}

func (m *Manager) failJob(jobID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.queue.Fail(ctx, jobID, reason); err != nil {
		m.logger.Warn("queue job could not be failed", "job_id", jobID, "error", err)
	}
}

// loadOrRecover resolves the task record for a dequeued job: cache, then
// repository, then the recovery strategy for records the store lost.
func (m *Manager) loadOrRecover(ctx context.Context, job *Job) (*Task, error) {
	if task := m.cachedTask(job.ID); task != nil {
		return task, nil
	}

	if m.repo == nil {
		// Ephemeral mode: the cache is all there is. A job with no entry
		// means the process restarted, and nothing can restore it.
		return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": job.ID,
			"reason":  "no in-memory record and no repository to recover from",
		})
	}

	task, err := m.repo.FindByID(ctx, job.ID)
	if err == nil {
		m.cacheTask(task)
		return task, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	task, err = m.recovery.Recover(ctx, job)
	if err != nil {
		return nil, err
	}
	m.cacheTask(task)
	return task, nil
}

// commitTaskState is the two-phase commit every lifecycle mutation rides.
//
// Prepare: verify the repository answers, then take the task-state lock.
// Commit: read the record, apply mutate, write back against the version
// just read; a version conflict reconciles and retries within the retry
// budget. Cleanup: the lock always releases, even on panic.
//
// Without a repository the same path degrades to the in-process locker
// and the cache; transitions stay ordered but nothing is durable.
func (m *Manager) commitTaskState(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error) {
	if m.repo == nil {
		return m.commitCached(ctx, taskID, mutate)
	}

	if err := m.repo.HealthCheck(ctx); err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "commit_prepare",
			"task_id":   taskID,
			"cause":     err.Error(),
		})
	}

	attempts := m.cfg.Retry.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var committed *Task
	err := m.locker.WithLock(ctx, taskStateLockName(taskID), m.cfg.Retry, func(ctx context.Context) error {
		for attempt := 0; attempt < attempts; attempt++ {
			stored, err := m.repo.FindByID(ctx, taskID)
			if err != nil {
				return err
			}
			expected := stored.Version

			if err := mutate(stored); err != nil {
				return err
			}

			err = m.repo.Update(ctx, stored, expected)
			if err == nil {
				m.metrics.Increment(MetricCommitSuccess)
				m.cacheTask(stored)
				committed = stored
				return nil
			}
			if !errors.Is(err, ErrVersionConflict) {
				return err
			}

			m.metrics.Increment(MetricCommitConflict)
			m.metrics.Increment(MetricCommitReconcile)
			if m.reconciler != nil {
				if _, rerr := m.reconciler.Reconcile(ctx, stored, taskID); rerr != nil {
					return rerr
				}
				m.cacheTask(stored)
			}
			if attempt == attempts-1 {
				return WithContext(ErrVersionConflict, map[string]interface{}{
					"task_id":  taskID,
					"attempts": attempts,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// commitCached is the ephemeral-mode transition: in-process lock, cache
// mutation, version bump so observers still see change.
func (m *Manager) commitCached(ctx context.Context, taskID string, mutate func(*Task) error) (*Task, error) {
	var committed *Task
	err := m.locker.WithLock(ctx, taskStateLockName(taskID), m.cfg.Retry, func(ctx context.Context) error {
		task := m.cachedTask(taskID)
		if task == nil {
			return WithContext(ErrTaskNotFound, map[string]interface{}{
				"task_id": taskID,
			})
		}
		if err := mutate(task); err != nil {
			return err
		}
		task.Version++
		m.cacheTask(task)
		committed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// broadcastPositions republishes queue positions to every still-waiting
// task after a terminal transition or cancellation freed a slot.
func (m *Manager) broadcastPositions(ctx context.Context) {
	mean := m.meanProcessingTime()

	for _, id := range m.pendingTaskIDs(ctx) {
		pos, err := m.queue.Position(ctx, id)
		if err != nil || pos == 0 {
			continue
		}
		zeroBased := pos - 1
		waitMS := (time.Duration(zeroBased) * mean).Milliseconds()
		m.hub.Publish(TaskEvent{
			Type:            EventQueuePositionUpdate,
			TaskID:          id,
			Status:          StatusPending,
			Position:        &zeroBased,
			EstimatedWaitMS: &waitMS,
		})
	}
}

func (m *Manager) pendingTaskIDs(ctx context.Context) []string {
	if m.repo != nil {
		tasks, err := m.repo.FindByStatus(ctx, StatusPending)
		if err != nil {
			m.logger.Debug("position broadcast skipped, repository unreadable", "error", err)
			return nil
		}
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		sort.Strings(ids)
		return ids
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	ids := make([]string, 0, len(m.cache))
	for id, t := range m.cache {
		if t.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) recordProcessingTime(d time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.procDurations = append(m.procDurations, d)
	if len(m.procDurations) > processingTimeWindow {
		m.procDurations = m.procDurations[len(m.procDurations)-processingTimeWindow:]
	}
}

func (m *Manager) meanProcessingTime() time.Duration {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if len(m.procDurations) == 0 {
		return defaultProcessingEstimate
	}
	var total time.Duration
	for _, d := range m.procDurations {
		total += d
	}
	return total / time.Duration(len(m.procDurations))
}

func (m *Manager) cachedTask(id string) *Task {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache[id].Clone()
}

func (m *Manager) cacheTask(task *Task) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[task.ID] = task.Clone()
}

func (m *Manager) dropCached(id string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	delete(m.cache, id)
}

// evictSettled drops a terminal task from the working cache in durable
// mode, where the repository keeps the record and a long-lived worker
// would otherwise accumulate every task it ever touched. In ephemeral
// mode the cache is the record store, so the entry stays.
func (m *Manager) evictSettled(id string) {
	if m.repo == nil {
		return
	}
	m.dropCached(id)
}
