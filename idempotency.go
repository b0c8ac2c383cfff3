package taskforge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRecord is a cached terminal response.
type IdempotencyRecord struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	StoredAt   time.Time           `json:"stored_at"`
}

// idempotencyTTLOption lets NewIdempotencyFromConfig thread
// Config.IdempotencyTTL into whichever store it was handed.
type idempotencyTTLOption interface {
	setTTL(ttl time.Duration)
}

// IdempotencyStore persists response records by key. Claim is the atomic
// first-writer gate; Store replaces the claim with the terminal response;
// Release drops a claim whose response must not be cached.
type IdempotencyStore interface {
	// Claim returns (record, claimed, error). A non-nil record means the
	// key has a cached response to replay. claimed=true means the caller
	// owns the first execution. Both false/nil means another execution is
	// in flight right now.
	Claim(ctx context.Context, key string) (*IdempotencyRecord, bool, error)
	Store(ctx context.Context, key string, rec *IdempotencyRecord) error
	Release(ctx context.Context, key string) error
}

// inFlightMarker parks a key while its first execution runs. Short TTL:
// if the process dies mid-request, replays unblock after a minute instead
// of the full cache TTL.
const (
	inFlightMarker = "__in_flight__"
	inFlightTTL    = time.Minute
)

// RedisIdempotencyStore keeps records at idempotency:{key} with the
// configured TTL. The claim is a SET NX, so exactly one concurrent
// request per key wins the first execution.
type RedisIdempotencyStore struct {
	redis   *redis.Client
	ttl     time.Duration
	breaker *CircuitBreaker
	logger  Logger
	metrics Metrics
}

// NewRedisIdempotencyStore creates a store with the default 24h TTL
func NewRedisIdempotencyStore(redisClient *redis.Client) *RedisIdempotencyStore {
	return NewRedisIdempotencyStoreWithObservability(redisClient, &NoOpLogger{}, &NoOpMetrics{})
}

// NewRedisIdempotencyStoreWithObservability creates a store with logging and metrics
func NewRedisIdempotencyStoreWithObservability(redisClient *redis.Client, logger Logger, metrics Metrics) *RedisIdempotencyStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &RedisIdempotencyStore{
		redis:   redisClient,
		ttl:     DefaultIdempotencyTTL,
		logger:  logger,
		metrics: metrics,
	}
}

// WithTTL overrides the record TTL (default 24h)
func (s *RedisIdempotencyStore) WithTTL(ttl time.Duration) *RedisIdempotencyStore {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *RedisIdempotencyStore) setTTL(ttl time.Duration) { s.WithTTL(ttl) }

// WithCircuitBreaker guards Redis calls with cb
func (s *RedisIdempotencyStore) WithCircuitBreaker(cb *CircuitBreaker) *RedisIdempotencyStore {
	s.breaker = cb
	return s
}

func (s *RedisIdempotencyStore) do(ctx context.Context, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(ctx, fn)
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	cacheKey := idempotencyCacheKey(key)

	var claimed bool
	err := s.do(ctx, func() error {
		ok, err := s.redis.SetNX(ctx, cacheKey, inFlightMarker, inFlightTTL).Result()
		claimed = ok
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if claimed {
		return nil, true, nil
	}

	var value string
	err = s.do(ctx, func() error {
		v, err := s.redis.Get(ctx, cacheKey).Result()
		if err == redis.Nil {
			// Expired between the claim and the read; treat as in flight.
			return nil
		}
		value = v
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if value == "" || value == inFlightMarker {
		return nil, false, nil
	}

	var rec IdempotencyRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		s.logger.Warn("discarding undecodable idempotency record", "key", key, "error", err)
		return nil, false, nil
	}
	return &rec, false, nil
}

func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, rec *IdempotencyRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.do(ctx, func() error {
		return s.redis.Set(ctx, idempotencyCacheKey(key), payload, s.ttl).Err()
	})
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.do(ctx, func() error {
		return s.redis.Del(ctx, idempotencyCacheKey(key)).Err()
	})
}

// MemoryIdempotencyStore is the in-process store for tests and
// single-node deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*memoryIdempotencyEntry
	ttl     time.Duration
}

type memoryIdempotencyEntry struct {
	rec       *IdempotencyRecord // nil while in flight
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a store with the default 24h TTL
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]*memoryIdempotencyEntry),
		ttl:     DefaultIdempotencyTTL,
	}
}

// WithTTL overrides the record TTL
func (s *MemoryIdempotencyStore) WithTTL(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *MemoryIdempotencyStore) setTTL(ttl time.Duration) { s.WithTTL(ttl) }

func (s *MemoryIdempotencyStore) Claim(ctx context.Context, key string) (*IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, exists := s.records[key]
	if exists && now.Before(entry.expiresAt) {
		if entry.rec != nil {
			return entry.rec, false, nil
		}
		return nil, false, nil
	}

	s.records[key] = &memoryIdempotencyEntry{expiresAt: now.Add(inFlightTTL)}
	return nil, true, nil
}

func (s *MemoryIdempotencyStore) Store(ctx context.Context, key string, rec *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &memoryIdempotencyEntry{rec: rec, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// IdempotencyHeader carries the client's key; IdempotencyReplayHeader
// marks a response served from cache.
const (
	IdempotencyHeader       = "Idempotency-Key"
	IdempotencyReplayHeader = "Idempotency-Replay"
)

// Idempotency is HTTP middleware giving write endpoints at-most-once
// semantics per key.
//
// The first request with a key executes and, when the response status is
// below 500, the response is cached for the TTL. Replays return the
// cached bytes verbatim with Idempotency-Replay: true. 5xx responses are
// not cached (presumed transient) so the client may retry. A concurrent
// duplicate while the first execution is in flight gets 409.
//
// Requests without a key pass through unprotected unless auto-generation
// is on, in which case a fresh key is assigned and echoed back. Store
// failures fail open: the request proceeds without protection rather
// than blocking the write path on a cache.
type Idempotency struct {
	store   IdempotencyStore
	autoKey bool
	logger  Logger
	metrics Metrics
}

// NewIdempotency creates middleware with no-op logger and metrics
func NewIdempotency(store IdempotencyStore, autoKey bool) *Idempotency {
	return NewIdempotencyWithObservability(store, autoKey, &NoOpLogger{}, &NoOpMetrics{})
}

// NewIdempotencyWithObservability creates middleware with logging and metrics
func NewIdempotencyWithObservability(store IdempotencyStore, autoKey bool, logger Logger, metrics Metrics) *Idempotency {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Idempotency{
		store:   store,
		autoKey: autoKey,
		logger:  logger,
		metrics: metrics,
	}
}

// NewIdempotencyFromConfig builds middleware from a Config: the store
// picks up IdempotencyTTL and key auto-generation follows
// IdempotencyAutoKey.
func NewIdempotencyFromConfig(store IdempotencyStore, cfg Config, logger Logger, metrics Metrics) *Idempotency {
	if o, ok := store.(idempotencyTTLOption); ok {
		o.setTTL(cfg.IdempotencyTTL)
	}
	return NewIdempotencyWithObservability(store, cfg.IdempotencyAutoKey, logger, metrics)
}

// Middleware wraps next with the idempotency protocol
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWriteMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			if !i.autoKey {
				next.ServeHTTP(w, r)
				return
			}
			key = NewID()
			w.Header().Set(IdempotencyHeader, key)
		}

		rec, claimed, err := i.store.Claim(r.Context(), key)
		if err != nil {
			i.logger.Warn("idempotency store unavailable, failing open", "key", key, "error", err)
			i.metrics.Increment(MetricIdempotencyFailOpen)
			next.ServeHTTP(w, r)
			return
		}

		if rec != nil {
			i.metrics.Increment(MetricIdempotencyHit)
			i.replay(w, rec)
			return
		}
		if !claimed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "a request with this idempotency key is in flight",
				"kind":  KindConflict,
			})
			return
		}

		i.metrics.Increment(MetricIdempotencyMiss)
		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		if recorder.status >= 500 {
			if err := i.store.Release(r.Context(), key); err != nil {
				i.logger.Warn("idempotency claim release failed", "key", key, "error", err)
			}
			return
		}

		stored := &IdempotencyRecord{
			StatusCode: recorder.status,
			Headers:    recorder.Header().Clone(),
			Body:       recorder.body.Bytes(),
			StoredAt:   time.Now().UTC(),
		}
		if err := i.store.Store(r.Context(), key, stored); err != nil {
			i.logger.Warn("idempotency record store failed", "key", key, "error", err)
			return
		}
		i.metrics.Increment(MetricIdempotencyStored)
	})
}

func (i *Idempotency) replay(w http.ResponseWriter, rec *IdempotencyRecord) {
	for name, values := range rec.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(IdempotencyReplayHeader, "true")
	w.WriteHeader(rec.StatusCode)
	w.Write(rec.Body)
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// responseRecorder tees the response so it can be cached after delivery.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
