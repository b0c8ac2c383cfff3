package taskforge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ForceFailer terminally fails a task regardless of its current state.
// The task manager implements it; the indirection keeps the watchdog free
// of a manager dependency.
type ForceFailer interface {
	ForceFail(ctx context.Context, taskID, reason string) error
}

// MonitorEntry is one task currently under watchdog supervision.
type MonitorEntry struct {
	TaskID   string
	TaskType string
	Deadline time.Time
}

// WatchdogStats is a snapshot of the watchdog's counters.
type WatchdogStats struct {
	TotalMonitored       uint64
	TotalTimeouts        uint64
	TotalSuccess         uint64
	TotalErrors          uint64
	AverageExecutionTime time.Duration
	LastTimeout          time.Time
}

// Watchdog is the external deadline around each processor execution,
// independent of any timeout the processor's own code sets. The deadline
// is the task timeout plus a grace period; a processor that has not
// returned by then gets its task force-failed so the record and queue job
// still reach a terminal state.
//
// The watchdog cannot interrupt CPU-bound work it cannot reach. Its job is
// system progress, not preemption: the operation context is cancelled, the
// record is forced terminal, and a well-behaved processor notices.
type Watchdog struct {
	gracePeriod     time.Duration
	enableForceKill bool
	forceFailer     ForceFailer
	logger          Logger
	metrics         Metrics

	mu            sync.Mutex
	entries       map[string]MonitorEntry
	monitored     uint64
	timeouts      uint64
	successes     uint64
	errors        uint64
	totalExecTime time.Duration
	lastTimeout   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a watchdog with no-op logger and metrics
func NewWatchdog(gracePeriod time.Duration, enableForceKill bool) *Watchdog {
	return NewWatchdogWithObservability(gracePeriod, enableForceKill, &NoOpLogger{}, &NoOpMetrics{})
}

// NewWatchdogWithObservability creates a watchdog with logging and metrics
func NewWatchdogWithObservability(gracePeriod time.Duration, enableForceKill bool, logger Logger, metrics Metrics) *Watchdog {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Watchdog{
		gracePeriod:     gracePeriod,
		enableForceKill: enableForceKill,
		logger:          logger,
		metrics:         metrics,
		entries:         make(map[string]MonitorEntry),
		stopCh:          make(chan struct{}),
	}
}

// SetForceFailer wires the manager in after construction. Without one,
// timeouts are reported but nothing is forced terminal.
func (w *Watchdog) SetForceFailer(f ForceFailer) {
	w.mu.Lock()
	w.forceFailer = f
	w.mu.Unlock()
}

// GracePeriod returns the configured grace period
func (w *Watchdog) GracePeriod() time.Duration { return w.gracePeriod }

// Monitor runs operation under the watchdog deadline taskTimeout + grace.
// The operation receives a context that is cancelled when the deadline
// expires or the caller's ctx ends. On deadline expiry Monitor returns
// ErrWatchdogTimeout and, if force-kill is enabled, force-fails the task.
func (w *Watchdog) Monitor(ctx context.Context, taskID, taskType string, taskTimeout time.Duration, operation func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	deadline := taskTimeout + w.gracePeriod
	start := time.Now()

	w.mu.Lock()
	w.monitored++
	w.entries[taskID] = MonitorEntry{
		TaskID:   taskID,
		TaskType: taskType,
		Deadline: start.Add(deadline),
	}
	w.mu.Unlock()
	w.metrics.Increment(MetricWatchdogMonitored, "type", taskType)

	defer func() {
		w.mu.Lock()
		delete(w.entries, taskID)
		w.mu.Unlock()
	}()

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		res, err := operation(opCtx)
		resultCh <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		w.recordOutcome(taskType, time.Since(start), out.err)
		return out.result, out.err

	case <-timer.C:
		cancel()
		w.recordTimeout(taskID, taskType, deadline)
		w.forceFail(taskID, taskTimeout, deadline)
		return nil, WithContext(ErrWatchdogTimeout, map[string]interface{}{
			"task_id":      taskID,
			"task_type":    taskType,
			"task_timeout": taskTimeout.String(),
			"grace_period": w.gracePeriod.String(),
		})

	case <-ctx.Done():
		w.recordOutcome(taskType, time.Since(start), ctx.Err())
		return nil, ctx.Err()
	}
}

func (w *Watchdog) recordOutcome(taskType string, elapsed time.Duration, err error) {
	w.mu.Lock()
	w.totalExecTime += elapsed
	if err != nil {
		w.errors++
	} else {
		w.successes++
	}
	w.mu.Unlock()

	if err != nil {
		w.metrics.Increment(MetricWatchdogError, "type", taskType)
	} else {
		w.metrics.Increment(MetricWatchdogSuccess, "type", taskType)
	}
	w.metrics.Timing(MetricWatchdogExecTime, elapsed, "type", taskType)
}

func (w *Watchdog) recordTimeout(taskID, taskType string, deadline time.Duration) {
	w.mu.Lock()
	w.timeouts++
	w.totalExecTime += deadline
	w.lastTimeout = time.Now()
	w.mu.Unlock()

	w.logger.Error("watchdog deadline exceeded",
		"task_id", taskID,
		"task_type", taskType,
		"deadline", deadline.String(),
	)
	w.metrics.Increment(MetricWatchdogTimeout, "type", taskType)
}

func (w *Watchdog) forceFail(taskID string, taskTimeout, deadline time.Duration) {
	w.mu.Lock()
	failer := w.forceFailer
	enabled := w.enableForceKill
	w.mu.Unlock()

	if !enabled || failer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reason := fmt.Sprintf("watchdog deadline exceeded after %s (task timeout %s)", deadline, taskTimeout)
	if err := failer.ForceFail(ctx, taskID, reason); err != nil {
		w.logger.Error("watchdog force-fail failed", "task_id", taskID, "error", err)
	}
}

// Stats returns a snapshot of the counters
func (w *Watchdog) Stats() WatchdogStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WatchdogStats{
		TotalMonitored: w.monitored,
		TotalTimeouts:  w.timeouts,
		TotalSuccess:   w.successes,
		TotalErrors:    w.errors,
		LastTimeout:    w.lastTimeout,
	}
	if finished := w.successes + w.errors + w.timeouts; finished > 0 {
		stats.AverageExecutionTime = w.totalExecTime / time.Duration(finished)
	}
	return stats
}

// ActiveMonitors returns the tasks currently under supervision
func (w *Watchdog) ActiveMonitors() []MonitorEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := make([]MonitorEntry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	return entries
}

// StartStatsExporter periodically publishes the counters as gauges until
// ctx ends or Stop is called. Blocking; run it on its own goroutine.
func (w *Watchdog) StartStatsExporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.ExportOnce()
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the stats exporter
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// ExportOnce publishes the counters once (useful for testing or manual export)
func (w *Watchdog) ExportOnce() {
	stats := w.Stats()
	w.metrics.Gauge(MetricWatchdogMonitored+".total", float64(stats.TotalMonitored))
	w.metrics.Gauge(MetricWatchdogTimeout+".total", float64(stats.TotalTimeouts))
	w.metrics.Gauge(MetricWatchdogExecTime+".avg_ms", float64(stats.AverageExecutionTime.Milliseconds()))
}
