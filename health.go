package taskforge

import (
	"context"
	"sync"
	"time"
)

// WorkerState classifies a worker's ability to make progress.
type WorkerState string

const (
	WorkerHealthy   WorkerState = "healthy"
	WorkerDegraded  WorkerState = "degraded"
	WorkerUnhealthy WorkerState = "unhealthy"
)

// healthWindow is the rolling window over which rates are computed.
const healthWindow = 60 * time.Second

// heartbeatStaleAfter is how long the dispatch loop may go quiet before
// the monitor warns about a stalled worker.
const heartbeatStaleAfter = 5 * time.Minute

// HealthThresholds are the classification boundaries. Rates are per
// minute, which the 60-second window makes equal to plain counts.
type HealthThresholds struct {
	DegradedErrorRate          float64
	DegradedConsecutiveErrors  int
	MinProcessingRate          float64
	UnhealthyErrorRate         float64
	UnhealthyConsecutiveErrors int
	UnhealthyWatchdogTimeouts  int
}

// DefaultHealthThresholds returns the standard boundaries
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		DegradedErrorRate:          5,
		DegradedConsecutiveErrors:  3,
		MinProcessingRate:          1,
		UnhealthyErrorRate:         10,
		UnhealthyConsecutiveErrors: 5,
		UnhealthyWatchdogTimeouts:  2,
	}
}

type healthSample struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// HealthSnapshot is a point-in-time view of the monitor.
type HealthSnapshot struct {
	State                       WorkerState   `json:"state"`
	ErrorRate                   float64       `json:"error_rate"`
	ProcessingRate              float64       `json:"processing_rate"`
	ConsecutiveErrors           int           `json:"consecutive_errors"`
	ConsecutiveWatchdogTimeouts int           `json:"consecutive_watchdog_timeouts"`
	QueueDepth                  int64         `json:"queue_depth"`
	LastHeartbeat               time.Time     `json:"last_heartbeat"`
	WindowSamples               int           `json:"window_samples"`
	AverageDuration             time.Duration `json:"average_duration"`
}

// HealthMonitor classifies the worker as healthy, degraded or unhealthy
// from a rolling 60-second window of task outcomes.
//
// Processing rate counts successful completions, so a window full of
// failures reads as zero throughput. Consecutive watchdog timeouts weigh
// heaviest: two in a row mean the worker keeps wedging and should stop
// taking work.
type HealthMonitor struct {
	thresholds HealthThresholds
	hub        *EventHub
	logger     Logger
	metrics    Metrics

	mu                          sync.Mutex
	samples                     []healthSample
	consecutiveErrors           int
	consecutiveWatchdogTimeouts int
	queueDepth                  int64
	lastHeartbeat               time.Time
	state                       WorkerState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor creates a monitor with default thresholds and no-op
// logger and metrics
func NewHealthMonitor() *HealthMonitor {
	return NewHealthMonitorWithObservability(&NoOpLogger{}, &NoOpMetrics{})
}

// NewHealthMonitorWithObservability creates a monitor with logging and metrics
func NewHealthMonitorWithObservability(logger Logger, metrics Metrics) *HealthMonitor {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &HealthMonitor{
		thresholds: DefaultHealthThresholds(),
		logger:     logger,
		metrics:    metrics,
		state:      WorkerHealthy,
		stopCh:     make(chan struct{}),
	}
}

// WithThresholds overrides the classification boundaries
func (h *HealthMonitor) WithThresholds(t HealthThresholds) *HealthMonitor {
	h.thresholds = t
	return h
}

// WithEventHub broadcasts state changes on hub
func (h *HealthMonitor) WithEventHub(hub *EventHub) *HealthMonitor {
	h.hub = hub
	return h
}

// RecordSuccess records a completed task
func (h *HealthMonitor) RecordSuccess(duration time.Duration) {
	h.mu.Lock()
	h.samples = append(h.samples, healthSample{at: time.Now(), success: true, duration: duration})
	h.consecutiveErrors = 0
	h.consecutiveWatchdogTimeouts = 0
	h.evaluateLocked()
	h.mu.Unlock()
}

// RecordError records a failed task
func (h *HealthMonitor) RecordError(duration time.Duration) {
	h.mu.Lock()
	h.samples = append(h.samples, healthSample{at: time.Now(), duration: duration})
	h.consecutiveErrors++
	h.evaluateLocked()
	h.mu.Unlock()
}

// RecordWatchdogTimeout records a watchdog-forced failure
func (h *HealthMonitor) RecordWatchdogTimeout() {
	h.mu.Lock()
	h.samples = append(h.samples, healthSample{at: time.Now()})
	h.consecutiveErrors++
	h.consecutiveWatchdogTimeouts++
	h.evaluateLocked()
	h.mu.Unlock()
}

// UpdateQueueDepth records the waiting job count for the snapshot
func (h *HealthMonitor) UpdateQueueDepth(depth int64) {
	h.mu.Lock()
	h.queueDepth = depth
	h.mu.Unlock()
}

// Heartbeat marks the dispatch loop as alive. Called on every dispatch.
func (h *HealthMonitor) Heartbeat() {
	h.mu.Lock()
	h.lastHeartbeat = time.Now()
	h.mu.Unlock()
}

// State returns the current classification
func (h *HealthMonitor) State() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot returns the current classification with its inputs
func (h *HealthMonitor) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked(time.Now())
	errors, successes, totalDuration := h.tallyLocked()

	snap := HealthSnapshot{
		State:                       h.state,
		ErrorRate:                   float64(errors),
		ProcessingRate:              float64(successes),
		ConsecutiveErrors:           h.consecutiveErrors,
		ConsecutiveWatchdogTimeouts: h.consecutiveWatchdogTimeouts,
		QueueDepth:                  h.queueDepth,
		LastHeartbeat:               h.lastHeartbeat,
		WindowSamples:               len(h.samples),
	}
	if len(h.samples) > 0 {
		snap.AverageDuration = totalDuration / time.Duration(len(h.samples))
	}
	return snap
}

// Start runs the periodic re-evaluation until ctx ends or Stop is called.
// Blocking; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick()
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the periodic re-evaluation
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
}

func (h *HealthMonitor) tick() {
	h.mu.Lock()
	h.evaluateLocked()
	errors, successes, _ := h.tallyLocked()
	heartbeat := h.lastHeartbeat
	h.mu.Unlock()

	h.metrics.Gauge(MetricHealthErrorRate, float64(errors))
	h.metrics.Gauge(MetricHealthProcessingRate, float64(successes))

	if !heartbeat.IsZero() && time.Since(heartbeat) > heartbeatStaleAfter {
		h.logger.Warn("worker heartbeat stale",
			"last_heartbeat", heartbeat.Format(time.RFC3339),
			"stale_for", time.Since(heartbeat).String(),
		)
	}
}

// evaluateLocked prunes the window and reclassifies. Caller holds mu.
func (h *HealthMonitor) evaluateLocked() {
	h.pruneLocked(time.Now())
	errors, successes, _ := h.tallyLocked()
	errorRate := float64(errors)
	processingRate := float64(successes)

	newState := WorkerHealthy
	switch {
	case errorRate >= h.thresholds.UnhealthyErrorRate ||
		h.consecutiveErrors >= h.thresholds.UnhealthyConsecutiveErrors ||
		h.consecutiveWatchdogTimeouts >= h.thresholds.UnhealthyWatchdogTimeouts:
		newState = WorkerUnhealthy
	case errorRate >= h.thresholds.DegradedErrorRate ||
		h.consecutiveErrors >= h.thresholds.DegradedConsecutiveErrors ||
		(len(h.samples) > 0 && processingRate < h.thresholds.MinProcessingRate):
		newState = WorkerDegraded
	}

	if newState == h.state {
		return
	}

	oldState := h.state
	h.state = newState
	h.logger.Warn("worker health state changed",
		"from", string(oldState),
		"to", string(newState),
		"error_rate", errorRate,
		"processing_rate", processingRate,
		"consecutive_errors", h.consecutiveErrors,
		"consecutive_watchdog_timeouts", h.consecutiveWatchdogTimeouts,
	)
	h.metrics.Gauge(MetricHealthState, healthStateValue(newState))

	if h.hub != nil {
		h.hub.Publish(TaskEvent{
			Type:        EventHealthStateChange,
			WorkerState: string(newState),
		})
	}
}

func (h *HealthMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-healthWindow)
	keep := h.samples[:0]
	for _, s := range h.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	h.samples = keep
}

func (h *HealthMonitor) tallyLocked() (errors, successes int, totalDuration time.Duration) {
	for _, s := range h.samples {
		if s.success {
			successes++
		} else {
			errors++
		}
		totalDuration += s.duration
	}
	return errors, successes, totalDuration
}

// healthStateValue encodes the state for the health gauge: 0 healthy,
// 1 degraded, 2 unhealthy.
func healthStateValue(s WorkerState) float64 {
	switch s {
	case WorkerDegraded:
		return 1
	case WorkerUnhealthy:
		return 2
	default:
		return 0
	}
}
