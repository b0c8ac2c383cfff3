package taskforge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Administrative lock operations. These are operator tooling: the commit
// path never calls them.

// LockInfo contains information about an active lock
type LockInfo struct {
	Name       string        // The lock name (e.g. "task-state:{id}")
	LockKey    string        // The Redis key for the lock
	Token      string        // The fencing token
	TTL        time.Duration // Remaining TTL
	AcquiredAt time.Time     // When the lock was acquired (derived from the token)
}

// ListLocks returns all active locks under the lock prefix
//
// Example:
//
//	locks, err := lockManager.ListLocks(ctx)
//	for _, lock := range locks {
//	    fmt.Printf("Lock: %s, TTL: %s\n", lock.Name, lock.TTL)
//	}
func (lm *LockManager) ListLocks(ctx context.Context) ([]LockInfo, error) {
	pattern := lm.keyPrefix + ":*"

	var locks []LockInfo
	var cursor uint64

	for {
		var keys []string
		var err error
		keys, cursor, err = lm.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
				"operation": "lock_scan",
				"cause":     err.Error(),
			})
		}

		for _, lockKey := range keys {
			ttl, err := lm.redis.TTL(ctx, lockKey).Result()
			if err != nil {
				lm.logger.Warn("failed to get TTL for lock", "key", lockKey, "error", err)
				continue
			}

			// Skip if lock expired between scan and TTL check
			if ttl < 0 {
				continue
			}

			token, err := lm.redis.Get(ctx, lockKey).Result()
			if err != nil {
				lm.logger.Warn("failed to get token for lock", "key", lockKey, "error", err)
				continue
			}

			locks = append(locks, LockInfo{
				Name:       strings.TrimPrefix(lockKey, lm.keyPrefix+":"),
				LockKey:    lockKey,
				Token:      token,
				TTL:        ttl,
				AcquiredAt: tokenTime(token),
			})
		}

		if cursor == 0 {
			break
		}
	}

	lm.metrics.Gauge(MetricLockActive, float64(len(locks)))

	return locks, nil
}

// GetLockInfo retrieves information about a specific lock
func (lm *LockManager) GetLockInfo(ctx context.Context, name string) (*LockInfo, error) {
	lockKey := lm.lockKey(name)

	exists, err := lm.redis.Exists(ctx, lockKey).Result()
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "lock_info",
			"name":      name,
			"cause":     err.Error(),
		})
	}
	if exists == 0 {
		return nil, ErrLockNotFound
	}

	ttl, err := lm.redis.TTL(ctx, lockKey).Result()
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "lock_info",
			"name":      name,
			"cause":     err.Error(),
		})
	}

	token, err := lm.redis.Get(ctx, lockKey).Result()
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "lock_info",
			"name":      name,
			"cause":     err.Error(),
		})
	}

	return &LockInfo{
		Name:       name,
		LockKey:    lockKey,
		Token:      token,
		TTL:        ttl,
		AcquiredAt: tokenTime(token),
	}, nil
}

// ForceRelease forcefully releases a specific lock regardless of owner.
//
// Only use when the lock holder is known to have crashed. A live holder
// whose lock is force-released can no longer prove ownership and its
// commit will fail on the version check instead.
func (lm *LockManager) ForceRelease(ctx context.Context, name string) error {
	deleted, err := lm.redis.Del(ctx, lm.lockKey(name)).Result()
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"operation": "lock_force_release",
			"name":      name,
			"cause":     err.Error(),
		})
	}
	if deleted == 0 {
		return WithContext(ErrLockNotFound, map[string]interface{}{
			"name": name,
		})
	}

	lm.logger.Info("forcefully released lock", "name", name)
	lm.metrics.Increment(MetricLockForceReleased)

	return nil
}

// CleanupOrphaned removes locks older than minAge.
//
// Orphaned locks occur when a holder crashes before releasing, or a network
// partition drops the release. Redis TTL already bounds the damage; this
// sweep is for deployments running with long lock TTLs.
func (lm *LockManager) CleanupOrphaned(ctx context.Context, minAge time.Duration) (int, error) {
	locks, err := lm.ListLocks(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()

	for _, lock := range locks {
		// Tokens that are not time-ordered carry no age signal; leave them
		// to their TTL.
		if lock.AcquiredAt.IsZero() {
			continue
		}

		age := now.Sub(lock.AcquiredAt)
		if age < minAge {
			continue
		}

		deleted, err := lm.redis.Del(ctx, lock.LockKey).Result()
		if err != nil {
			lm.logger.Warn("failed to delete orphaned lock",
				"name", lock.Name,
				"age", age,
				"error", err,
			)
			continue
		}

		if deleted > 0 {
			removed++
			lm.logger.Info("removed orphaned lock",
				"name", lock.Name,
				"age", age,
				"ttl_remaining", lock.TTL,
			)
			lm.metrics.Increment(MetricLockOrphaned)
		}
	}

	if removed > 0 {
		lm.logger.Info("orphaned lock cleanup completed",
			"removed", removed,
			"min_age", minAge,
		)
	}

	return removed, nil
}

// tokenTime extracts the acquisition time from a UUIDv7 fencing token.
// Returns the zero time for tokens without an embedded timestamp.
func tokenTime(token string) time.Time {
	id, err := uuid.Parse(token)
	if err != nil || id.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec)
}
