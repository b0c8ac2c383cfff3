package taskforge

import "time"

// Metrics provides observability for Taskforge operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricTaskCreated     = "taskforge.task.created"
	MetricTaskCreateError = "taskforge.task.create_error"
	MetricTaskCompleted   = "taskforge.task.completed"
	MetricTaskFailed      = "taskforge.task.failed"
	MetricTaskTimeout     = "taskforge.task.timeout"
	MetricTaskCancelled   = "taskforge.task.cancelled"
	MetricTaskForceFailed = "taskforge.task.force_failed"
	MetricTaskDuration    = "taskforge.task.duration"

	MetricRepoSaveSuccess   = "taskforge.repo.save.success"
	MetricRepoSaveError     = "taskforge.repo.save.error"
	MetricRepoSaveDuration  = "taskforge.repo.save.duration"
	MetricRepoFindSuccess   = "taskforge.repo.find.success"
	MetricRepoFindError     = "taskforge.repo.find.error"
	MetricRepoFindDuration  = "taskforge.repo.find.duration"
	MetricRepoUpdateSuccess = "taskforge.repo.update.success"
	MetricRepoUpdateError   = "taskforge.repo.update.error"
	MetricRepoConflict      = "taskforge.repo.update.conflict"
	MetricRepoDelete        = "taskforge.repo.delete"
	MetricRepoCleanup       = "taskforge.repo.cleanup.removed"

	MetricLockAcquired      = "taskforge.lock.acquired"
	MetricLockFailed        = "taskforge.lock.failed"
	MetricLockReleased      = "taskforge.lock.released"
	MetricLockExtended      = "taskforge.lock.extended"
	MetricLockDuration      = "taskforge.lock.duration"
	MetricLockContention    = "taskforge.lock.contention"    // Number of retries needed
	MetricLockTimeout       = "taskforge.lock.timeout"       // Locks that timed out
	MetricLockWaitTime      = "taskforge.lock.wait_duration" // Time spent waiting for locks
	MetricLockForceReleased = "taskforge.lock.force_released"
	MetricLockActive        = "taskforge.lock.active"
	MetricLockOrphaned      = "taskforge.lock.orphaned"

	MetricQueueAdded    = "taskforge.queue.added"
	MetricQueueDequeued = "taskforge.queue.dequeued"
	MetricQueueComplete = "taskforge.queue.completed"
	MetricQueueFailed   = "taskforge.queue.failed"
	MetricQueueStalled  = "taskforge.queue.stalled"
	MetricQueueRemoved  = "taskforge.queue.removed"
	MetricQueueDepth    = "taskforge.queue.depth"

	MetricCommitSuccess   = "taskforge.commit.success"
	MetricCommitConflict  = "taskforge.commit.conflict"
	MetricCommitReconcile = "taskforge.commit.reconcile"

	MetricWatchdogMonitored = "taskforge.watchdog.monitored"
	MetricWatchdogTimeout   = "taskforge.watchdog.timeout"
	MetricWatchdogSuccess   = "taskforge.watchdog.success"
	MetricWatchdogError     = "taskforge.watchdog.error"
	MetricWatchdogExecTime  = "taskforge.watchdog.execution_time"

	MetricHealthState          = "taskforge.health.state"
	MetricHealthErrorRate      = "taskforge.health.error_rate"
	MetricHealthProcessingRate = "taskforge.health.processing_rate"

	MetricIdempotencyHit      = "taskforge.idempotency.hit"
	MetricIdempotencyMiss     = "taskforge.idempotency.miss"
	MetricIdempotencyStored   = "taskforge.idempotency.stored"
	MetricIdempotencyFailOpen = "taskforge.idempotency.fail_open"

	MetricReconcileRuns      = "taskforge.reconcile.runs"
	MetricReconcileDiverged  = "taskforge.reconcile.diverged"
	MetricReconcileRecovered = "taskforge.reconcile.recovered"
	MetricReconcileDesync    = "taskforge.reconcile.desync"

	MetricRecoveryRebuilt  = "taskforge.recovery.rebuilt"
	MetricRecoveryRejected = "taskforge.recovery.rejected"

	MetricEventPublished = "taskforge.event.published"
	MetricEventDropped   = "taskforge.event.dropped"
	MetricSinkError      = "taskforge.event.sink_error"
	MetricSinkDelivered  = "taskforge.event.sink_delivered"

	MetricArchiveStored = "taskforge.archive.stored"
	MetricArchiveError  = "taskforge.archive.error"

	MetricCounterIncrement = "taskforge.counter.increment"
	MetricCounterError     = "taskforge.counter.error"
)

// Production integrations:
//
// For Prometheus (github.com/prometheus/client_golang), use PrometheusMetrics
// from prometheus_metrics.go.
//
// For Datadog (github.com/DataDog/datadog-go/statsd):
//   type DatadogMetrics struct { client *statsd.Client }
//   func (m *DatadogMetrics) Increment(name string, tags ...string) {
//       m.client.Incr(name, tags, 1)
//   }
