package taskforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// streamEmit is the wire shape of the streaming collaborator's emit
// endpoint: POST {base}/websocket/emit.
type streamEmit struct {
	Room  string      `json:"room"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// StreamSink forwards lifecycle events to an external streaming
// collaborator that pushes them to connected clients. Delivery is
// best-effort with a short Fibonacci retry on transport errors and 5xx;
// 4xx responses are treated as permanent.
type StreamSink struct {
	baseURL string
	client  *http.Client
	logger  Logger
	metrics Metrics
}

// NewStreamSink creates a sink for the collaborator at baseURL
func NewStreamSink(baseURL string) *StreamSink {
	return NewStreamSinkWithObservability(baseURL, &NoOpLogger{}, &NoOpMetrics{})
}

// NewStreamSinkWithObservability creates a sink with logging and metrics
func NewStreamSinkWithObservability(baseURL string, logger Logger, metrics Metrics) *StreamSink {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &StreamSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		metrics: metrics,
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests
func (s *StreamSink) WithHTTPClient(client *http.Client) *StreamSink {
	if client != nil {
		s.client = client
	}
	return s
}

func (s *StreamSink) Name() string { return "stream" }

// Deliver emits the event into the task's room. Events without a task id
// (worker health changes) go to the worker room.
func (s *StreamSink) Deliver(ctx context.Context, event TaskEvent) error {
	room := "worker"
	if event.TaskID != "" {
		room = "task:" + event.TaskID
	}
	return postJSON(ctx, s.client, s.baseURL+"/websocket/emit", streamEmit{
		Room:  room,
		Event: string(event.Type),
		Data:  event,
	})
}

// archivedTask is the wire shape of the document collaborator's records.
type archivedTask struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Task        *Task       `json:"task,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// DocumentSink archives completed tasks with the long-term document
// collaborator: POST {base}/documents. Only completed events are
// archived; everything else passes through untouched. The archive also
// serves as the last resort of the status query chain via FetchTask.
type DocumentSink struct {
	baseURL string
	client  *http.Client
	logger  Logger
	metrics Metrics
}

// NewDocumentSink creates a sink for the collaborator at baseURL
func NewDocumentSink(baseURL string) *DocumentSink {
	return NewDocumentSinkWithObservability(baseURL, &NoOpLogger{}, &NoOpMetrics{})
}

// NewDocumentSinkWithObservability creates a sink with logging and metrics
func NewDocumentSinkWithObservability(baseURL string, logger Logger, metrics Metrics) *DocumentSink {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &DocumentSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		metrics: metrics,
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests
func (d *DocumentSink) WithHTTPClient(client *http.Client) *DocumentSink {
	if client != nil {
		d.client = client
	}
	return d
}

func (d *DocumentSink) Name() string { return "documents" }

func (d *DocumentSink) Deliver(ctx context.Context, event TaskEvent) error {
	if event.Type != EventCompleted {
		return nil
	}
	return postJSON(ctx, d.client, d.baseURL+"/documents", archivedTask{
		ID:          event.TaskID,
		Kind:        "task-result",
		Result:      event.Result,
		CompletedAt: event.Timestamp,
	})
}

// FetchTask looks a completed task up in the archive. Returns
// ErrTaskNotFound when the archive has no record.
func (d *DocumentSink) FetchTask(ctx context.Context, id string) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/documents/"+id, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "fetch_document",
			"task_id":   id,
			"cause":     err.Error(),
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, WithContext(ErrTaskNotFound, map[string]interface{}{
			"task_id": id,
			"source":  "documents",
		})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "fetch_document",
			"task_id":   id,
			"status":    resp.StatusCode,
		})
	}

	var doc archivedTask
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"task_id": id,
			"reason":  "archive record is not valid JSON",
		})
	}
	if doc.Task != nil {
		return doc.Task, nil
	}

	// Older archive records carry only the result; synthesise the rest.
	now := time.Now().UTC()
	completedAt := doc.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	return &Task{
		ID:          id,
		Type:        doc.Kind,
		Status:      StatusCompleted,
		Result:      doc.Result,
		Progress:    100,
		CreatedAt:   completedAt,
		CompletedAt: &completedAt,
		Version:     1,
	}, nil
}

// postJSON delivers a payload with Fibonacci backoff. Transport errors and
// 5xx responses retry; 4xx responses fail immediately.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	b := retry.NewFibonacci(250 * time.Millisecond)
	return retry.Do(ctx, retry.WithMaxRetries(3, b), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s returned status %d", url, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
		}
		return nil
	})
}
