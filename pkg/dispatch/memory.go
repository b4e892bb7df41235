package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// MemoryQueue is an in-memory Queue for tests and local development.
type MemoryQueue struct {
	mu         sync.Mutex
	config     QueueConfig
	pending    map[string]*memoryEntry
	processing map[string]*memoryEntry
	dead       []*QueuedMessage
	clock      func() time.Time
}

type memoryEntry struct {
	qm        *QueuedMessage
	visibleAt time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(config QueueConfig) *MemoryQueue {
	return &MemoryQueue{
		config:     config,
		pending:    make(map[string]*memoryEntry),
		processing: make(map[string]*memoryEntry),
		clock:      time.Now,
	}
}

// Name returns the queue name.
func (q *MemoryQueue) Name() string { return q.config.Name }

// SetClock overrides the time source for visibility-timeout tests.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

// DeadLetters returns a copy of the dead letter queue.
func (q *MemoryQueue) DeadLetters() []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	qm := &QueuedMessage{ID: uuid.New().String(), Message: msg, EnqueuedAt: now}
	q.pending[qm.ID] = &memoryEntry{qm: qm, visibleAt: now}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deadline := time.Now().Add(timeout)
	for {
		if msgs := q.take(maxMessages); len(msgs) > 0 {
			return msgs, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) take(maxMessages int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var eligible []*memoryEntry
	for _, entry := range q.pending {
		if !entry.visibleAt.After(now) {
			eligible = append(eligible, entry)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].visibleAt.Before(eligible[j].visibleAt)
	})

	var msgs []*QueuedMessage
	for _, entry := range eligible {
		if len(msgs) >= maxMessages {
			break
		}
		delete(q.pending, entry.qm.ID)
		entry.qm.VisibleAfter = now.Add(q.config.VisibilityTimeout)
		q.processing[entry.qm.ID] = &memoryEntry{qm: entry.qm, visibleAt: entry.qm.VisibleAfter}
		msgs = append(msgs, entry.qm)
	}
	return msgs
}

func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, messageID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.processing[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, inerrors.ErrNotFound)
	}
	delete(q.processing, messageID)

	entry.qm.RetryCount++
	if entry.qm.RetryCount >= q.config.MaxRetries {
		q.dead = append(q.dead, entry.qm)
		return nil
	}

	entry.visibleAt = q.clock().Add(backoffFor(entry.qm.RetryCount))
	q.pending[entry.qm.ID] = entry
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, messageID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.processing[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, inerrors.ErrNotFound)
	}
	delete(q.processing, messageID)

	entry.visibleAt = q.clock().Add(delay)
	q.pending[messageID] = entry
	return nil
}

func (q *MemoryQueue) RecoverStale(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	for id, entry := range q.processing {
		if entry.visibleAt.After(now) {
			continue
		}
		delete(q.processing, id)

		entry.qm.RetryCount++
		if entry.qm.RetryCount >= q.config.MaxRetries {
			q.dead = append(q.dead, entry.qm)
			continue
		}
		entry.visibleAt = now
		q.pending[id] = entry
	}
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// Verify interface compliance
var _ Queue = (*MemoryQueue)(nil)
