package taskforge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// failingIdemStore simulates an unreachable idempotency backend.
type failingIdemStore struct{}

func (failingIdemStore) Claim(context.Context, string) (*IdempotencyRecord, bool, error) {
	return nil, false, ErrBackendUnavailable
}
func (failingIdemStore) Store(context.Context, string, *IdempotencyRecord) error {
	return ErrBackendUnavailable
}
func (failingIdemStore) Release(context.Context, string) error {
	return ErrBackendUnavailable
}

// TestIdempotencyStoreCompliance tests claim/store/release semantics across
// both store implementations
func TestIdempotencyStoreCompliance(t *testing.T) {
	ctx := context.Background()

	stores := []struct {
		name  string
		setup func(t *testing.T) IdempotencyStore
	}{
		{
			name: "Memory",
			setup: func(t *testing.T) IdempotencyStore {
				return NewMemoryIdempotencyStore()
			},
		},
		{
			name: "Redis",
			setup: func(t *testing.T) IdempotencyStore {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { client.Close() })
				return NewRedisIdempotencyStore(client)
			},
		},
	}

	for _, impl := range stores {
		t.Run(impl.name+"/FirstClaimWins", func(t *testing.T) {
			store := impl.setup(t)

			rec, claimed, err := store.Claim(ctx, "key-1")
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if rec != nil || !claimed {
				t.Fatalf("first claim = (%v, %v), want (nil, true)", rec, claimed)
			}

			// While the first execution runs, duplicates get neither the
			// claim nor a record.
			rec, claimed, err = store.Claim(ctx, "key-1")
			if err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if rec != nil || claimed {
				t.Errorf("in-flight claim = (%v, %v), want (nil, false)", rec, claimed)
			}
		})

		t.Run(impl.name+"/StoreThenReplay", func(t *testing.T) {
			store := impl.setup(t)

			if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
				t.Fatal("expected to claim the key")
			}
			saved := &IdempotencyRecord{
				StatusCode: 201,
				Headers:    map[string][]string{"Content-Type": {"application/json"}},
				Body:       []byte(`{"id":"task-1"}`),
				StoredAt:   time.Now().UTC(),
			}
			if err := store.Store(ctx, "key-1", saved); err != nil {
				t.Fatalf("store: %v", err)
			}

			rec, claimed, err := store.Claim(ctx, "key-1")
			if err != nil {
				t.Fatalf("claim after store: %v", err)
			}
			if claimed {
				t.Error("stored key should not be claimable")
			}
			if rec == nil {
				t.Fatal("stored key should replay a record")
			}
			if rec.StatusCode != 201 || string(rec.Body) != `{"id":"task-1"}` {
				t.Errorf("replayed record = %+v", rec)
			}
			if got := rec.Headers["Content-Type"]; len(got) != 1 || got[0] != "application/json" {
				t.Errorf("replayed headers = %v", rec.Headers)
			}
		})

		t.Run(impl.name+"/ReleaseFreesKey", func(t *testing.T) {
			store := impl.setup(t)

			if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
				t.Fatal("expected to claim the key")
			}
			if err := store.Release(ctx, "key-1"); err != nil {
				t.Fatalf("release: %v", err)
			}
			if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
				t.Error("released key should be claimable again")
			}
		})
	}
}

// TestRedisIdempotencyStore_InFlightClaimExpires tests that a crashed
// first execution unblocks replays after the short claim TTL
func TestRedisIdempotencyStore_InFlightClaimExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisIdempotencyStore(client)

	if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
		t.Fatal("expected to claim the key")
	}

	mr.FastForward(inFlightTTL + time.Second)

	if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
		t.Error("expired claim should be claimable again")
	}
}

// TestRedisIdempotencyStore_RecordTTL tests record expiry uses the
// configured TTL, not the claim TTL
func TestRedisIdempotencyStore_RecordTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisIdempotencyStore(client).WithTTL(time.Hour)

	if _, claimed, _ := store.Claim(ctx, "key-1"); !claimed {
		t.Fatal("expected to claim the key")
	}
	if err := store.Store(ctx, "key-1", &IdempotencyRecord{StatusCode: 200}); err != nil {
		t.Fatalf("store: %v", err)
	}

	if ttl := mr.TTL(idempotencyCacheKey("key-1")); ttl != time.Hour {
		t.Errorf("record TTL = %v, want 1h", ttl)
	}
}

// TestRedisIdempotencyStore_CorruptRecord tests that an undecodable record
// is treated as in flight rather than replayed
func TestRedisIdempotencyStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisIdempotencyStore(client)

	mr.Set(idempotencyCacheKey("key-1"), "{not json")

	rec, claimed, err := store.Claim(ctx, "key-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rec != nil || claimed {
		t.Errorf("corrupt record claim = (%v, %v), want (nil, false)", rec, claimed)
	}
}

// countingHandler returns 201 with a JSON body and counts invocations
func countingHandler(calls *int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

// TestIdempotency_ReplaysCachedResponse tests the happy replay path
func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	var calls int32
	mw := NewIdempotency(NewMemoryIdempotencyStore(), false)
	handler := mw.Middleware(countingHandler(&calls))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(first, req)

	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}
	if first.Header().Get(IdempotencyReplayHeader) != "" {
		t.Error("first response should not be marked as a replay")
	}

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{}`))
	req2.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(second, req2)

	if second.Code != http.StatusCreated {
		t.Errorf("replay status = %d, want 201", second.Code)
	}
	if second.Header().Get(IdempotencyReplayHeader) != "true" {
		t.Error("replay should carry Idempotency-Replay: true")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q verbatim", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Error("cached headers should be replayed")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

// TestIdempotency_ConcurrentDuplicateConflicts tests the in-flight 409
func TestIdempotency_ConcurrentDuplicateConflicts(t *testing.T) {
	var calls int32
	store := NewMemoryIdempotencyStore()
	mw := NewIdempotency(store, false)
	handler := mw.Middleware(countingHandler(&calls))

	// Simulate a first execution still running by holding the claim
	if _, claimed, _ := store.Claim(context.Background(), "abc"); !claimed {
		t.Fatal("expected to claim the key")
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{}`))
	req.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(body["error"], "in flight") {
		t.Errorf("error = %q, want an in-flight message", body["error"])
	}
	if body["kind"] != KindConflict {
		t.Errorf("kind = %q, want %q", body["kind"], KindConflict)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("handler ran %d times, want 0", calls)
	}
}

// TestIdempotency_ServerErrorsNotCached tests that 5xx responses release
// the claim so the client can retry
func TestIdempotency_ServerErrorsNotCached(t *testing.T) {
	var calls int32
	mw := NewIdempotency(NewMemoryIdempotencyStore(), false)
	handler := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusServiceUnavailable {
		t.Fatalf("first status = %d, want 503", first.Code)
	}

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req2.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(second, req2)
	if second.Code != http.StatusCreated {
		t.Errorf("retry status = %d, want 201 after the claim was released", second.Code)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

// TestIdempotency_NoKeyPassesThrough tests unprotected requests
func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	var calls int32
	mw := NewIdempotency(NewMemoryIdempotencyStore(), false)
	handler := mw.Middleware(countingHandler(&calls))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tasks", nil))
		if rr.Header().Get(IdempotencyReplayHeader) != "" {
			t.Error("keyless request should never replay")
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

// TestIdempotency_AutoKey tests server-side key generation
func TestIdempotency_AutoKey(t *testing.T) {
	var calls int32
	mw := NewIdempotency(NewMemoryIdempotencyStore(), true)
	handler := mw.Middleware(countingHandler(&calls))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/tasks", nil))

	key := first.Header().Get(IdempotencyHeader)
	if key == "" {
		t.Fatal("generated key should be echoed in the response")
	}

	// Replaying with the echoed key hits the cache
	second := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(IdempotencyHeader, key)
	handler.ServeHTTP(second, req)

	if second.Header().Get(IdempotencyReplayHeader) != "true" {
		t.Error("echoed key should replay the cached response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

// TestIdempotency_ReadsBypass tests that non-write methods skip the protocol
func TestIdempotency_ReadsBypass(t *testing.T) {
	var calls int32
	mw := NewIdempotency(NewMemoryIdempotencyStore(), false)
	handler := mw.Middleware(countingHandler(&calls))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tasks/task-1", nil)
		req.Header.Set(IdempotencyHeader, "abc")
		handler.ServeHTTP(rr, req)
		if rr.Header().Get(IdempotencyReplayHeader) != "" {
			t.Error("reads should never replay")
		}
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

// TestIdempotency_StoreFailureFailsOpen tests that a dead store never
// blocks the write path
func TestIdempotency_StoreFailureFailsOpen(t *testing.T) {
	var calls int32
	mw := NewIdempotency(failingIdemStore{}, false)
	handler := mw.Middleware(countingHandler(&calls))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set(IdempotencyHeader, "abc")
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201 with the store down", rr.Code)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}

// TestNewIdempotencyFromConfig tests that the config TTL and auto-key
// setting land on the middleware and its store
func TestNewIdempotencyFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdempotencyTTL = 90 * time.Minute
	cfg.IdempotencyAutoKey = false

	memStore := NewMemoryIdempotencyStore()
	idem := NewIdempotencyFromConfig(memStore, cfg, nil, nil)
	if memStore.ttl != cfg.IdempotencyTTL {
		t.Errorf("memory store ttl = %v, want %v", memStore.ttl, cfg.IdempotencyTTL)
	}
	if idem.autoKey {
		t.Error("auto-key should follow the config")
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	redisStore := NewRedisIdempotencyStore(client)
	NewIdempotencyFromConfig(redisStore, cfg, nil, nil)
	if redisStore.ttl != cfg.IdempotencyTTL {
		t.Errorf("redis store ttl = %v, want %v", redisStore.ttl, cfg.IdempotencyTTL)
	}
}
