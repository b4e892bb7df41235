// Package locks provides a short-TTL distributed mutex used to suppress
// duplicate concurrent execution of the same logical job. The lock is a
// best-effort guard bounded by its TTL; correctness-critical deduplication
// (the credits ledger) relies on storage-level uniqueness, not on this lock.
package locks

import (
	"context"
	"time"
)

// Locker is the task-lock primitive.
type Locker interface {
	// TryAcquire atomically creates the lock if absent, with the given TTL.
	// Returns false when another holder owns the lock.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release removes the lock. Releasing an absent lock is not an error.
	Release(ctx context.Context, name string) error

	// IsLocked reports whether the lock currently exists.
	IsLocked(ctx context.Context, name string) (bool, error)

	// ForceReleaseAll removes every lock, returning the count removed.
	// Used for startup recovery; must never error on absent locks.
	ForceReleaseAll(ctx context.Context) (int, error)
}

// Outcome reports what happened inside WithLock.
type Outcome struct {
	// Skipped is true when the lock was held elsewhere and fn never ran.
	Skipped bool

	// Err is the error returned by fn, or a lock-infrastructure error.
	Err error
}

// WithLock attempts to acquire the named lock and, on success, runs fn with
// the lock held. The lock is released on every outcome of fn. When the lock
// is already held the callable is not invoked and a skipped outcome is
// returned rather than an error.
func WithLock(ctx context.Context, locker Locker, name string, ttl time.Duration, fn func(ctx context.Context) error) Outcome {
	acquired, err := locker.TryAcquire(ctx, name, ttl)
	if err != nil {
		return Outcome{Err: err}
	}
	if !acquired {
		return Outcome{Skipped: true}
	}

	defer func() {
		// Release must run regardless of fn's outcome. A failed release is
		// tolerable: the TTL bounds the damage.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = locker.Release(releaseCtx, name)
	}()

	return Outcome{Err: fn(ctx)}
}
