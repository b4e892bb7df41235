package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/logging"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // pending messages (sorted set by visibility time)
	keyPrefixProcessing = "processing:" // in-flight messages (sorted set by visibility deadline)
	keyPrefixMessage    = "msg:"        // message bodies
	keyPrefixDLQ        = "dlq:"        // dead letter queue
)

// RedisQueue implements Queue on Redis sorted sets with per-message bodies.
type RedisQueue struct {
	client *redis.Client
	config QueueConfig
	logger logging.Logger
}

// NewRedisQueue creates a Redis-backed dispatch queue.
func NewRedisQueue(client *redis.Client, config QueueConfig, logger logging.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		config: config,
		logger: logger.With(logging.F("component", "queue"), logging.F("queue", config.Name)),
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string { return q.config.Name }

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.config.Name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.config.Name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.config.Name }
func (q *RedisQueue) msgKey(id string) string {
	return keyPrefixMessage + q.config.Name + ":" + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	qm := &QueuedMessage{
		ID:         uuid.New().String(),
		Message:    msg,
		EnqueuedAt: time.Now(),
	}
	return q.push(ctx, qm, time.Now())
}

// push stores the body and schedules the message, visible no earlier than at.
func (q *RedisQueue) push(ctx context.Context, qm *QueuedMessage, at time.Time) error {
	data, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(qm.ID), data, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: float64(at.UnixNano()), Member: qm.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deadline := time.Now().Add(timeout)
	var messages []*QueuedMessage

	for len(messages) < maxMessages {
		now := time.Now()

		// Only messages whose visibility time has arrived are eligible.
		ids, err := q.client.ZRangeByScore(ctx, q.queueKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now.UnixNano()),
			Count: 1,
		}).Result()
		if err != nil && err != redis.Nil {
			return messages, fmt.Errorf("failed to poll queue: %w", err)
		}
		if len(ids) == 0 {
			if !now.Before(deadline) {
				return messages, nil
			}
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		messageID := ids[0]
		removed, err := q.client.ZRem(ctx, q.queueKey(), messageID).Result()
		if err != nil {
			return messages, fmt.Errorf("failed to claim message: %w", err)
		}
		if removed == 0 {
			// Another consumer claimed it first.
			continue
		}

		data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
		if err == redis.Nil {
			// Body expired under retention; drop the dangling id.
			continue
		}
		if err != nil {
			return messages, fmt.Errorf("failed to get message body: %w", err)
		}

		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			return messages, fmt.Errorf("failed to unmarshal message: %w", err)
		}

		qm.VisibleAfter = now.Add(q.config.VisibilityTimeout)
		updated, _ := json.Marshal(&qm)

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.msgKey(messageID), updated, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, q.processingKey(), redis.Z{
			Score:  float64(qm.VisibleAfter.UnixNano()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move message to processing: %w", err)
		}

		messages = append(messages, &qm)
	}

	return messages, nil
}

func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), messageID)
	pipe.Del(ctx, q.msgKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, messageID string) error {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("message %s: %w", messageID, inerrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	qm.RetryCount++
	if qm.RetryCount >= q.config.MaxRetries {
		return q.moveToDeadLetter(ctx, &qm, "max retries exceeded")
	}

	if err := q.client.ZRem(ctx, q.processingKey(), messageID).Err(); err != nil {
		return fmt.Errorf("failed to remove message from processing: %w", err)
	}
	return q.push(ctx, &qm, time.Now().Add(backoffFor(qm.RetryCount)))
}

func (q *RedisQueue) Requeue(ctx context.Context, messageID string, delay time.Duration) error {
	data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("message %s: %w", messageID, inerrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := q.client.ZRem(ctx, q.processingKey(), messageID).Err(); err != nil {
		return fmt.Errorf("failed to remove message from processing: %w", err)
	}
	return q.push(ctx, &qm, time.Now().Add(delay))
}

func (q *RedisQueue) moveToDeadLetter(ctx context.Context, qm *QueuedMessage, reason string) error {
	entry := map[string]interface{}{
		"message":  qm,
		"reason":   reason,
		"moved_at": time.Now().Format(time.RFC3339),
	}
	data, _ := json.Marshal(entry)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), qm.ID)
	pipe.Del(ctx, q.msgKey(qm.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move message to DLQ: %w", err)
	}

	q.logger.Warn("Message moved to dead letter queue",
		logging.F("message_id", qm.ID),
		logging.F("job_id", qm.Message.JobID),
		logging.F("reason", reason))

	return nil
}

func (q *RedisQueue) RecoverStale(ctx context.Context) error {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixNano()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to find stale messages: %w", err)
	}

	for _, messageID := range ids {
		data, err := q.client.Get(ctx, q.msgKey(messageID)).Bytes()
		if err == redis.Nil {
			q.client.ZRem(ctx, q.processingKey(), messageID)
			continue
		}
		if err != nil {
			continue
		}

		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			continue
		}

		qm.RetryCount++
		if qm.RetryCount >= q.config.MaxRetries {
			q.moveToDeadLetter(ctx, &qm, "visibility timeout exceeded")
			continue
		}

		if err := q.client.ZRem(ctx, q.processingKey(), messageID).Err(); err != nil {
			continue
		}
		if err := q.push(ctx, &qm, now); err != nil {
			q.logger.Error("Failed to recover stale message",
				logging.F("message_id", messageID),
				logging.Err(err))
		}
	}

	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey()).Result()
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
