// Package dispatch drives pipeline executions as a chain of queued segment
// jobs. Each message names the step to run next; a worker runs it under the
// job's task lock, persists the result, and enqueues the successor, so a
// crash between segments loses no more than the in-flight step.
package dispatch

import (
	"context"
	"time"

	"github.com/inletmail/inlet/pkg/credits"
)

// Message is one unit of dispatch: run the named segment for the job. An
// empty Segment means "start from the first step".
type Message struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id,omitempty"`
	Force   bool   `json:"force"`
	Segment string `json:"segment,omitempty"`

	// AttemptKey is the billing idempotency key for this attempt. It is
	// minted once when the chain is first enqueued and carried through
	// every segment, so redeliveries and restarts charge one ledger row.
	AttemptKey string `json:"attempt_key,omitempty"`
}

// NewMessage builds the first message of a job's chain, minting the
// attempt's billing key: the stable per-job key normally, a fresh
// timestamped key when force demands a new charge.
func NewMessage(jobID string, force bool) Message {
	key := credits.StableKey(jobID)
	if force {
		key = credits.RetryKey(jobID, time.Now())
	}
	return Message{JobID: jobID, Force: force, AttemptKey: key}
}

// QueuedMessage wraps a message with queue bookkeeping.
type QueuedMessage struct {
	ID           string    `json:"id"`
	Message      Message   `json:"message"`
	RetryCount   int       `json:"retry_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAfter time.Time `json:"visible_after,omitempty"`
}

// QueueConfig tunes retention, redelivery, and retry behavior.
type QueueConfig struct {
	Name              string        `yaml:"name"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// DefaultQueueConfig returns sensible dispatch queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Name:              "pipeline",
		RetentionPeriod:   24 * time.Hour,
		VisibilityTimeout: 5 * time.Minute,
		MaxRetries:        3,
	}
}

// Queue is an at-least-once delivery queue with a dead letter queue for
// messages that exhaust their retries.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue retrieves up to maxMessages, waiting up to timeout when the
	// queue is empty. Dequeued messages are invisible to other consumers
	// until acked, nacked, or their visibility timeout lapses.
	Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack removes a successfully processed message.
	Ack(ctx context.Context, messageID string) error

	// Nack re-enqueues a failed message with backoff, or moves it to the
	// dead letter queue once retries are exhausted.
	Nack(ctx context.Context, messageID string) error

	// Requeue returns an in-flight message to the queue after delay
	// without consuming a retry. For deliveries that were declined, not
	// failed, such as a segment arriving while the job's lock is held.
	Requeue(ctx context.Context, messageID string, delay time.Duration) error

	// RecoverStale re-enqueues messages whose visibility timeout lapsed
	// without an ack. Safe to run redundantly.
	RecoverStale(ctx context.Context) error

	// Depth returns the number of messages waiting.
	Depth(ctx context.Context) (int64, error)
}

// backoffFor computes the redelivery delay after retryCount failures.
func backoffFor(retryCount int) time.Duration {
	base := time.Second
	backoff := base * (1 << uint(retryCount))
	if max := 5 * time.Minute; backoff > max {
		return max
	}
	return backoff
}
