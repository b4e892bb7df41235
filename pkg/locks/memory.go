package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for tests and local development.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time // name -> expiry
	now   func() time.Time
}

// NewMemoryLocker creates an in-memory task locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// SetClock overrides the locker clock; tests use it to exercise TTL expiry.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// TryAcquire atomically creates the lock if absent or expired.
func (l *MemoryLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, held := l.locks[name]; held && l.now().Before(expiry) {
		return false, nil
	}
	l.locks[name] = l.now().Add(ttl)
	return true, nil
}

// Release removes the lock; absent locks are fine.
func (l *MemoryLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}

// IsLocked reports whether the lock exists and has not expired.
func (l *MemoryLocker) IsLocked(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, held := l.locks[name]
	return held && l.now().Before(expiry), nil
}

// ForceReleaseAll removes every lock.
func (l *MemoryLocker) ForceReleaseAll(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.locks)
	l.locks = make(map[string]time.Time)
	return n, nil
}

// Verify interface compliance
var _ Locker = (*MemoryLocker)(nil)
