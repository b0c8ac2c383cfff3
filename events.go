package taskforge

import (
	"context"
	"sync"
	"time"
)

// EventType enumerates the lifecycle events the manager broadcasts.
type EventType string

const (
	EventStarted             EventType = "started"
	EventProgress            EventType = "progress"
	EventCompleted           EventType = "completed"
	EventFailed              EventType = "failed"
	EventForceFailed         EventType = "forceFailed"
	EventQueuePositionUpdate EventType = "queue:position-update"
	EventHealthStateChange   EventType = "health:state-change"
)

// TaskEvent is one broadcast message. Fields beyond Type, TaskID and
// Timestamp are populated per event type.
type TaskEvent struct {
	Type            EventType   `json:"type"`
	TaskID          string      `json:"task_id,omitempty"`
	Status          TaskStatus  `json:"status,omitempty"`
	Progress        *int        `json:"progress,omitempty"`
	Result          interface{} `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	ErrorKind       string      `json:"error_kind,omitempty"`
	Position        *int        `json:"position,omitempty"`
	EstimatedWaitMS *int64      `json:"estimated_wait_ms,omitempty"`
	WorkerState     string      `json:"worker_state,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// EventSink receives every published event for delivery outside the
// process. Sinks are best-effort: a failing sink is logged and skipped,
// never allowed to touch task state or block the hub.
type EventSink interface {
	Deliver(ctx context.Context, event TaskEvent) error
	Name() string
}

type eventSubscriber struct {
	taskID string // "" subscribes to everything
	ch     chan TaskEvent
}

// EventHub fans lifecycle events out to in-process subscribers and
// forwards them to the configured sinks.
//
// Local delivery is non-blocking: a subscriber that stops draining its
// channel loses events instead of stalling publishers. Sink forwarding
// runs on a separate goroutine fed by a bounded outbound buffer with the
// same drop policy, so a slow network never backs up into a commit.
type EventHub struct {
	mu   sync.RWMutex
	subs []*eventSubscriber

	sinks      []EventSink
	outbound   chan TaskEvent
	bufferSize int

	logger  Logger
	metrics Metrics

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEventHub creates a hub with no-op logger and metrics
func NewEventHub(sinks ...EventSink) *EventHub {
	return NewEventHubWithObservability(&NoOpLogger{}, &NoOpMetrics{}, sinks...)
}

// NewEventHubWithObservability creates a hub with logging and metrics
func NewEventHubWithObservability(logger Logger, metrics Metrics, sinks ...EventSink) *EventHub {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	h := &EventHub{
		sinks:      sinks,
		outbound:   make(chan TaskEvent, 256),
		bufferSize: 16,
		logger:     logger,
		metrics:    metrics,
		done:       make(chan struct{}),
	}

	if len(sinks) > 0 {
		h.wg.Add(1)
		go h.forwardLoop()
	}

	return h
}

// AddSink registers another sink. The forwarding goroutine starts with
// the first sink, whether it arrived at construction or here.
func (h *EventHub) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sinks = append(h.sinks, sink)
	if len(h.sinks) == 1 {
		h.wg.Add(1)
		go h.forwardLoop()
	}
}

// Subscribe registers for events about one task. The returned cancel
// function must be called to release the subscription.
func (h *EventHub) Subscribe(taskID string) (<-chan TaskEvent, func()) {
	return h.subscribe(taskID)
}

// SubscribeAll registers for every event the hub publishes
func (h *EventHub) SubscribeAll() (<-chan TaskEvent, func()) {
	return h.subscribe("")
}

func (h *EventHub) subscribe(taskID string) (<-chan TaskEvent, func()) {
	sub := &eventSubscriber{
		taskID: taskID,
		ch:     make(chan TaskEvent, h.bufferSize),
	}

	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		for i, s := range h.subs {
			if s == sub {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish broadcasts an event. It never blocks: full subscriber channels
// and a full outbound buffer drop the event for that receiver.
func (h *EventHub) Publish(event TaskEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-h.done:
		return
	default:
	}

	h.metrics.Increment(MetricEventPublished, "type", string(event.Type))

	h.mu.RLock()
	for _, sub := range h.subs {
		if sub.taskID != "" && sub.taskID != event.TaskID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.metrics.Increment(MetricEventDropped, "type", string(event.Type))
			h.logger.Debug("event dropped for slow subscriber",
				"type", string(event.Type), "task_id", event.TaskID)
		}
	}
	hasSinks := len(h.sinks) > 0
	h.mu.RUnlock()

	if !hasSinks {
		return
	}
	select {
	case h.outbound <- event:
	default:
		h.metrics.Increment(MetricEventDropped, "type", string(event.Type), "receiver", "sink")
		h.logger.Warn("outbound event buffer full, dropping",
			"type", string(event.Type), "task_id", event.TaskID)
	}
}

// Close stops sink forwarding and closes subscriber channels. Events
// published after Close are discarded.
func (h *EventHub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		for _, sub := range h.subs {
			close(sub.ch)
		}
		h.subs = nil
		h.mu.Unlock()
	})
	return nil
}

// forwardLoop drains the outbound buffer into the sinks. Each delivery
// gets a bounded context so one dead endpoint cannot absorb the loop.
func (h *EventHub) forwardLoop() {
	defer h.wg.Done()

	for {
		select {
		case event := <-h.outbound:
			h.deliver(event)
		case <-h.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case event := <-h.outbound:
					h.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (h *EventHub) deliver(event TaskEvent) {
	h.mu.RLock()
	sinks := make([]EventSink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.RUnlock()

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := sink.Deliver(ctx, event); err != nil {
			h.metrics.Increment(MetricSinkError, "sink", sink.Name())
			h.logger.Warn("event sink delivery failed",
				"sink", sink.Name(),
				"type", string(event.Type),
				"task_id", event.TaskID,
				"error", err,
			)
		} else {
			h.metrics.Increment(MetricSinkDelivered, "sink", sink.Name())
		}
		cancel()
	}
}
