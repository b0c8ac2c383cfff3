package taskforge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestStreamSink_EmitShape tests the emit payload for a task event
func TestStreamSink_EmitShape(t *testing.T) {
	var got streamEmit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/websocket/emit" {
			t.Errorf("request = %s %s, want POST /websocket/emit", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewStreamSink(srv.URL)
	progress := 40
	err := sink.Deliver(context.Background(), TaskEvent{
		Type:      EventProgress,
		TaskID:    "task-1",
		Status:    StatusRunning,
		Progress:  &progress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got.Room != "task:task-1" {
		t.Errorf("room = %q, want task:task-1", got.Room)
	}
	if got.Event != "progress" {
		t.Errorf("event = %q, want progress", got.Event)
	}
	data, ok := got.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %T, want the event object", got.Data)
	}
	if data["task_id"] != "task-1" {
		t.Errorf("data task_id = %v", data["task_id"])
	}
}

// TestStreamSink_WorkerRoom tests that events without a task go to the
// worker room
func TestStreamSink_WorkerRoom(t *testing.T) {
	var got streamEmit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewStreamSink(srv.URL)
	err := sink.Deliver(context.Background(), TaskEvent{
		Type:        EventHealthStateChange,
		WorkerState: "degraded",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.Room != "worker" {
		t.Errorf("room = %q, want worker", got.Room)
	}
}

// TestStreamSink_RetriesServerErrors tests the retry on 5xx
func TestStreamSink_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewStreamSink(srv.URL)
	err := sink.Deliver(context.Background(), TaskEvent{Type: EventStarted, TaskID: "task-1"})
	if err != nil {
		t.Fatalf("deliver should succeed after retries: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
}

// TestStreamSink_ClientErrorsArePermanent tests that 4xx does not retry
func TestStreamSink_ClientErrorsArePermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewStreamSink(srv.URL)
	err := sink.Deliver(context.Background(), TaskEvent{Type: EventStarted, TaskID: "task-1"})
	if err == nil {
		t.Fatal("expected an error on 400")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

// TestDocumentSink_ArchivesOnlyCompleted tests the archive filter
func TestDocumentSink_ArchivesOnlyCompleted(t *testing.T) {
	var hits int32
	var got archivedTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/documents" {
			t.Errorf("path = %s, want /documents", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := NewDocumentSink(srv.URL)
	ctx := context.Background()

	// Non-terminal events pass through without a request
	for _, typ := range []EventType{EventStarted, EventProgress, EventFailed} {
		if err := sink.Deliver(ctx, TaskEvent{Type: typ, TaskID: "task-1"}); err != nil {
			t.Fatalf("deliver %s: %v", typ, err)
		}
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("server hit %d times before any completion", hits)
	}

	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := sink.Deliver(ctx, TaskEvent{
		Type:      EventCompleted,
		TaskID:    "task-1",
		Result:    map[string]interface{}{"summary": "done"},
		Timestamp: completed,
	})
	if err != nil {
		t.Fatalf("deliver completed: %v", err)
	}

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("server hit %d times, want 1", hits)
	}
	if got.ID != "task-1" || got.Kind != "task-result" {
		t.Errorf("archived = %+v", got)
	}
	if !got.CompletedAt.Equal(completed) {
		t.Errorf("completed at = %v, want %v", got.CompletedAt, completed)
	}
	result, ok := got.Result.(map[string]interface{})
	if !ok || result["summary"] != "done" {
		t.Errorf("result = %v", got.Result)
	}
}

// TestDocumentSink_FetchTask tests the archive lookup paths
func TestDocumentSink_FetchTask(t *testing.T) {
	completed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	full := &Task{
		ID:          "task-1",
		Type:        "summarize",
		Status:      StatusCompleted,
		Progress:    100,
		Result:      "ok",
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
		Version:     3,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/documents/task-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(archivedTask{ID: "task-1", Kind: "task-result", Task: full})
	})
	mux.HandleFunc("/documents/legacy", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(archivedTask{
			ID: "legacy", Kind: "task-result",
			Result: "just the result", CompletedAt: completed,
		})
	})
	mux.HandleFunc("/documents/corrupt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})
	mux.HandleFunc("/documents/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := NewDocumentSink(srv.URL)
	ctx := context.Background()

	task, err := sink.FetchTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if task.ID != "task-1" || task.Version != 3 || task.Result != "ok" {
		t.Errorf("fetched = %+v", task)
	}

	if _, err := sink.FetchTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("missing error = %v, want ErrTaskNotFound", err)
	}

	// Result-only records are synthesised into a completed task
	task, err = sink.FetchTask(ctx, "legacy")
	if err != nil {
		t.Fatalf("fetch legacy: %v", err)
	}
	if task.Status != StatusCompleted || task.Progress != 100 {
		t.Errorf("legacy task = %s %d%%, want completed 100%%", task.Status, task.Progress)
	}
	if task.Result != "just the result" {
		t.Errorf("legacy result = %v", task.Result)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(completed) {
		t.Errorf("legacy completed at = %v", task.CompletedAt)
	}

	if _, err := sink.FetchTask(ctx, "corrupt"); !errors.Is(err, ErrInvalidData) {
		t.Errorf("corrupt error = %v, want ErrInvalidData", err)
	}
	if _, err := sink.FetchTask(ctx, "broken"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("broken error = %v, want ErrBackendUnavailable", err)
	}
}

// TestDocumentSink_FetchTaskUnreachable tests the transport failure path
func TestDocumentSink_FetchTaskUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	sink := NewDocumentSink(srv.URL)
	srv.Close()

	if _, err := sink.FetchTask(context.Background(), "task-1"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("error = %v, want ErrBackendUnavailable", err)
	}
}
