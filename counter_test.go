package taskforge

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// TestCounterIncrement verifies the queue sequence counter hands out a
// strictly increasing series.
func TestCounterIncrement(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	counter := NewCounter(client, "queue:tasks:seq", nil, nil)

	for want := int64(1); want <= 3; want++ {
		got, err := counter.Increment(ctx)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}

	val, err := counter.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 3 {
		t.Errorf("Get = %d, want 3", val)
	}
}

// TestCounterGetMissing verifies a counter that was never incremented reads
// as zero rather than an error.
func TestCounterGetMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	counter := NewCounter(client, "queue:tasks:seq", nil, nil)

	val, err := counter.Get(context.Background())
	if err != nil {
		t.Fatalf("Get on missing counter failed: %v", err)
	}
	if val != 0 {
		t.Errorf("Get = %d, want 0", val)
	}
}

func TestCounterSetResetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	counter := NewCounter(client, "queue:tasks:seq", NewStdLogger("test"), NewInMemoryMetrics())

	if err := counter.Set(ctx, 100); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Increment continues from the set value
	val, err := counter.Increment(ctx)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if val != 101 {
		t.Errorf("Increment after Set = %d, want 101", val)
	}

	if err := counter.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	val, err = counter.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != 0 {
		t.Errorf("Get after Reset = %d, want 0", val)
	}

	if err := counter.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists("queue:tasks:seq") {
		t.Error("counter key should be gone after Delete")
	}
}

// TestCounterNilClient verifies every operation fails cleanly without a
// Redis connection instead of panicking.
func TestCounterNilClient(t *testing.T) {
	counter := NewCounter(nil, "queue:tasks:seq", nil, nil)
	ctx := context.Background()

	if _, err := counter.Increment(ctx); err == nil {
		t.Error("Increment with nil client should fail")
	}
	if _, err := counter.Get(ctx); err == nil {
		t.Error("Get with nil client should fail")
	}
	if err := counter.Set(ctx, 5); err == nil {
		t.Error("Set with nil client should fail")
	}
	if err := counter.Delete(ctx); err == nil {
		t.Error("Delete with nil client should fail")
	}
}

// TestCounterMetrics verifies increments are counted for dashboards.
func TestCounterMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	metrics := NewInMemoryMetrics()
	counter := NewCounter(client, "queue:tasks:seq", nil, metrics)

	ctx := context.Background()
	counter.Increment(ctx)
	counter.Increment(ctx)

	if metrics.Counters[MetricCounterIncrement] != 2 {
		t.Errorf("increment metric = %d, want 2", metrics.Counters[MetricCounterIncrement])
	}
	if metrics.Counters[MetricCounterError] != 0 {
		t.Errorf("error metric = %d, want 0", metrics.Counters[MetricCounterError])
	}
}
