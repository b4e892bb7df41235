package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefixLock namespaces all task locks in Redis.
const keyPrefixLock = "lock:"

// RedisLocker implements Locker using Redis SET NX with TTL.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a Redis-backed task locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func lockKey(name string) string {
	return keyPrefixLock + name
}

// TryAcquire atomically creates the lock if absent.
func (l *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive")
	}

	acquired, err := l.client.SetNX(ctx, lockKey(name), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return acquired, nil
}

// Release removes the lock; absent locks are fine.
func (l *RedisLocker) Release(ctx context.Context, name string) error {
	if err := l.client.Del(ctx, lockKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// IsLocked reports whether the lock exists.
func (l *RedisLocker) IsLocked(ctx context.Context, name string) (bool, error) {
	n, err := l.client.Exists(ctx, lockKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", name, err)
	}
	return n > 0, nil
}

// ForceReleaseAll scans and deletes every task lock.
func (l *RedisLocker) ForceReleaseAll(ctx context.Context) (int, error) {
	var (
		cursor   uint64
		released int
	)

	for {
		keys, next, err := l.client.Scan(ctx, cursor, keyPrefixLock+"*", 100).Result()
		if err != nil {
			return released, fmt.Errorf("failed to scan locks: %w", err)
		}

		if len(keys) > 0 {
			// Some keys may have expired between scan and delete; Del is
			// indifferent, which keeps this operation idempotent.
			n, err := l.client.Del(ctx, keys...).Result()
			if err != nil {
				return released, fmt.Errorf("failed to delete locks: %w", err)
			}
			released += int(n)
		}

		cursor = next
		if cursor == 0 {
			return released, nil
		}
	}
}

// Verify interface compliance
var _ Locker = (*RedisLocker)(nil)
