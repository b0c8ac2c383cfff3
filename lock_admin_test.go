package taskforge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// TestListLocks verifies the operator view over active locks: every held
// lock shows up with its token, remaining TTL, and acquisition time.
func TestListLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lm := NewLockManager(client)
	ctx := context.Background()

	lock1, err := lm.TryAcquire(ctx, "task-state:0198f2a0", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	lock2, err := lm.TryAcquire(ctx, "task-state:0198f2a1", 30*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	locks, err := lm.ListLocks(ctx)
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("ListLocks returned %d locks, want 2", len(locks))
	}

	byName := make(map[string]LockInfo, len(locks))
	for _, info := range locks {
		byName[info.Name] = info
	}

	for _, lock := range []*Lock{lock1, lock2} {
		info, ok := byName[lock.Name]
		if !ok {
			t.Errorf("lock %q missing from listing", lock.Name)
			continue
		}
		if info.Token != lock.Token {
			t.Errorf("lock %q token = %q, want %q", lock.Name, info.Token, lock.Token)
		}
		if info.TTL <= 0 {
			t.Errorf("lock %q TTL = %v, want > 0", lock.Name, info.TTL)
		}
		// Fencing tokens are time-ordered UUIDs, so the listing can date them
		if info.AcquiredAt.IsZero() {
			t.Errorf("lock %q has no acquisition time", lock.Name)
		}
		if time.Since(info.AcquiredAt) > time.Minute {
			t.Errorf("lock %q acquired at %v, want recent", lock.Name, info.AcquiredAt)
		}
	}
}

func TestListLocksEmpty(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lm := NewLockManager(client)

	locks, err := lm.ListLocks(context.Background())
	if err != nil {
		t.Fatalf("ListLocks failed: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("ListLocks returned %d locks, want 0", len(locks))
	}
}

func TestGetLockInfo(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lm := NewLockManager(client)
	ctx := context.Background()

	held, err := lm.TryAcquire(ctx, "task-state:0198f2a0", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	info, err := lm.GetLockInfo(ctx, "task-state:0198f2a0")
	if err != nil {
		t.Fatalf("GetLockInfo failed: %v", err)
	}
	if info.Name != "task-state:0198f2a0" {
		t.Errorf("Name = %q", info.Name)
	}
	if info.LockKey != "locks:task-state:0198f2a0" {
		t.Errorf("LockKey = %q", info.LockKey)
	}
	if info.Token != held.Token {
		t.Errorf("Token = %q, want %q", info.Token, held.Token)
	}
	if info.TTL != 10*time.Second {
		t.Errorf("TTL = %v, want 10s", info.TTL)
	}

	// Unknown lock
	_, err = lm.GetLockInfo(ctx, "task-state:missing")
	if !errors.Is(err, ErrLockNotFound) {
		t.Errorf("expected ErrLockNotFound, got %v", err)
	}
}

// TestForceRelease verifies an operator can break a lock, after which the
// name is acquirable again.
func TestForceRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lm := NewLockManager(client)
	ctx := context.Background()

	if _, err := lm.TryAcquire(ctx, "task-state:0198f2a0", 30*time.Second); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	if err := lm.ForceRelease(ctx, "task-state:0198f2a0"); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}

	if mr.Exists("locks:task-state:0198f2a0") {
		t.Error("lock key should be gone after ForceRelease")
	}

	// The name is free again
	if _, err := lm.TryAcquire(ctx, "task-state:0198f2a0", 30*time.Second); err != nil {
		t.Fatalf("TryAcquire after ForceRelease failed: %v", err)
	}

	// Releasing a lock that does not exist reports not found
	err := lm.ForceRelease(ctx, "task-state:missing")
	if !errors.Is(err, ErrLockNotFound) {
		t.Errorf("expected ErrLockNotFound, got %v", err)
	}
}

// TestCleanupOrphaned verifies the age sweep removes locks whose fencing
// token dates them past minAge and leaves undatable tokens to their TTL.
func TestCleanupOrphaned(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	metrics := NewInMemoryMetrics()
	lm := NewLockManagerWithObservability(client, NewStdLogger("test"), metrics)
	ctx := context.Background()

	// Two locks with time-ordered tokens
	if _, err := lm.TryAcquire(ctx, "task-state:0198f2a0", time.Hour); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if _, err := lm.TryAcquire(ctx, "task-state:0198f2a1", time.Hour); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	// A lock written by an older deployment whose token carries no timestamp.
	// It needs a TTL or the listing treats it as expired.
	mr.Set("locks:legacy-holder", "not-a-uuid-token")
	mr.SetTTL("locks:legacy-holder", time.Hour)

	// minAge 0 sweeps every datable lock
	removed, err := lm.CleanupOrphaned(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupOrphaned failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanupOrphaned removed %d locks, want 2", removed)
	}

	if mr.Exists("locks:task-state:0198f2a0") || mr.Exists("locks:task-state:0198f2a1") {
		t.Error("datable locks should be removed")
	}
	if !mr.Exists("locks:legacy-holder") {
		t.Error("undatable lock should be left to its TTL")
	}

	if metrics.Counters[MetricLockOrphaned] != 2 {
		t.Errorf("orphaned metric = %d, want 2", metrics.Counters[MetricLockOrphaned])
	}
}

// TestCleanupOrphanedRespectsMinAge verifies fresh locks survive a sweep
// with a real age threshold.
func TestCleanupOrphanedRespectsMinAge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lm := NewLockManager(client)
	ctx := context.Background()

	if _, err := lm.TryAcquire(ctx, "task-state:0198f2a0", time.Hour); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	// The lock was acquired milliseconds ago; a 10 minute threshold keeps it
	removed, err := lm.CleanupOrphaned(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("CleanupOrphaned failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("CleanupOrphaned removed %d locks, want 0", removed)
	}
	if !mr.Exists("locks:task-state:0198f2a0") {
		t.Error("fresh lock should survive the sweep")
	}
}

// TestTokenTime verifies acquisition-time extraction from fencing tokens.
func TestTokenTime(t *testing.T) {
	id := NewID()
	at := tokenTime(id)
	if at.IsZero() {
		t.Fatal("expected a timestamp from a fresh token")
	}
	if d := time.Since(at); d < 0 || d > time.Minute {
		t.Errorf("token time %v is not recent", at)
	}

	if !tokenTime("not-a-uuid").IsZero() {
		t.Error("expected zero time for a malformed token")
	}
	// v4 tokens carry no timestamp
	if !tokenTime("123e4567-e89b-42d3-a456-426614174000").IsZero() {
		t.Error("expected zero time for a random-based token")
	}
}
