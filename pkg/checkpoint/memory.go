package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// MemoryStore is an in-process Store for tests and local development.
// Expiry follows the same TTL semantics as the Redis store, evaluated lazily
// on read.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	streams map[string][]*Checkpoint // keyed by namespace:thread, newest last

	// Fail forces every operation to error; lets tests exercise the
	// fail-fast health path.
	Fail bool

	now func() time.Time
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		streams: make(map[string][]*Checkpoint),
		now:     time.Now,
	}
}

// SetClock overrides the store clock; tests use it to exercise expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func streamKey(cfg Config) string {
	return cfg.Namespace + ":" + cfg.ThreadID
}

// Save stores a snapshot.
func (s *MemoryStore) Save(ctx context.Context, cfg Config, payload interface{}, meta Metadata) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid checkpoint config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return "", fmt.Errorf("checkpoint store: %w", inerrors.ErrStoreUnhealthy)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint payload: %w", err)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		ThreadID:  cfg.ThreadID,
		Namespace: cfg.Namespace,
		Payload:   raw,
		Metadata:  meta,
		SavedAt:   s.now().UTC(),
	}

	key := streamKey(cfg)
	s.streams[key] = append(s.streams[key], cp)
	return cp.ID, nil
}

// Load returns the newest live checkpoint for the stream.
func (s *MemoryStore) Load(ctx context.Context, cfg Config) (*Checkpoint, error) {
	list, err := s.List(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("thread %s: %w", cfg.ThreadID, inerrors.ErrNotFound)
	}
	return list[0], nil
}

// List returns all live checkpoints for the stream, newest first.
func (s *MemoryStore) List(ctx context.Context, cfg Config) ([]*Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.Fail {
		return nil, fmt.Errorf("checkpoint store: %w", inerrors.ErrStoreUnhealthy)
	}

	cutoff := s.now().Add(-s.ttl)
	stored := s.streams[streamKey(cfg)]

	live := make([]*Checkpoint, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].SavedAt.After(cutoff) {
			live = append(live, stored[i])
		}
	}
	return live, nil
}

// Healthy probes the store.
func (s *MemoryStore) Healthy(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Fail {
		return fmt.Errorf("checkpoint store probe failed: %w", inerrors.ErrStoreUnhealthy)
	}
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
