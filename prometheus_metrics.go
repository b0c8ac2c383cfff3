package taskforge

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard Taskforge metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Task lifecycle counts
	p.counters[MetricTaskCreated] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "task",
			Name:      "created_total",
			Help:      "Total number of tasks created",
		},
		[]string{"type"},
	)

	p.counters[MetricTaskCompleted] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "task",
			Name:      "completed_total",
			Help:      "Total number of tasks completed",
		},
		[]string{"type"},
	)

	p.counters[MetricTaskFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "task",
			Name:      "failed_total",
			Help:      "Total number of tasks failed",
		},
		[]string{"type"},
	)

	p.counters[MetricTaskTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "task",
			Name:      "timed_out_total",
			Help:      "Total number of tasks that hit their deadline",
		},
		[]string{"type"},
	)

	// Commit path counts
	p.counters[MetricCommitSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "commit",
			Name:      "success_total",
			Help:      "Total number of successful two-phase commits",
		},
		[]string{},
	)

	p.counters[MetricCommitConflict] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "commit",
			Name:      "conflict_total",
			Help:      "Total number of commits rejected by version or lock conflict",
		},
		[]string{},
	)

	// Lock counts
	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of distributed lock acquisitions",
		},
		[]string{},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of failed lock acquisitions",
		},
		[]string{},
	)

	// Watchdog counts
	p.counters[MetricWatchdogTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskforge",
			Subsystem: "watchdog",
			Name:      "timeouts_total",
			Help:      "Total number of watchdog force-fail events",
		},
		[]string{"type"},
	)

	// Timing histograms
	p.histograms[MetricTaskDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	p.histograms[MetricLockWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskforge",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting to acquire the task-state lock",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{},
	)

	// Gauge metrics
	p.gauges[MetricQueueDepth] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs per queue state",
		},
		[]string{"queue", "state"},
	)

	p.gauges[MetricHealthState] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "taskforge",
			Subsystem: "health",
			Name:      "worker_state",
			Help:      "Worker health state (0 healthy, 1 degraded, 2 unhealthy)",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskforge",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "taskforge",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "taskforge",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// sanitizeMetricName rewrites dotted metric names into the underscore form
// Prometheus accepts. The dotted constants stay as map keys.
func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "taskforge.")
	return strings.ReplaceAll(name, ".", "_")
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
