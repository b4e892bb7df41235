package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// Redis key prefixes
const (
	keyPrefixSnapshot = "ckpt:"     // Snapshot data per checkpoint id
	keyPrefixIndex    = "ckptidx:"  // Per-thread sorted set index (score = save time)
)

// RedisStore implements Store on Redis. Snapshots are TTL'd values indexed by
// a per-thread sorted set; expired snapshots are dropped lazily on read.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed checkpoint store. ttl bounds the
// lifetime of every snapshot and its index entry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func snapshotKey(cfg Config, id string) string {
	return keyPrefixSnapshot + cfg.Namespace + ":" + cfg.ThreadID + ":" + id
}

func indexKey(cfg Config) string {
	return keyPrefixIndex + cfg.Namespace + ":" + cfg.ThreadID
}

// Save stores a snapshot and indexes it for recency-ordered reads.
func (s *RedisStore) Save(ctx context.Context, cfg Config, payload interface{}, meta Metadata) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid checkpoint config: %w", err)
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
		SavedAt:   time.Now().UTC(),
	}

	cpBytes, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Write snapshot and index entry together; both carry the TTL so an
	// abandoned thread leaves nothing behind.
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(cfg, cp.ID), cpBytes, s.ttl)
	pipe.ZAdd(ctx, indexKey(cfg), redis.Z{
		Score:  float64(cp.SavedAt.UnixNano()),
		Member: cp.ID,
	})
	pipe.Expire(ctx, indexKey(cfg), s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return cp.ID, nil
}

// Load returns the newest live checkpoint for the stream.
func (s *RedisStore) Load(ctx context.Context, cfg Config) (*Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}

	ids, err := s.client.ZRevRange(ctx, indexKey(cfg), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}

	for _, id := range ids {
		data, err := s.client.Get(ctx, snapshotKey(cfg, id)).Bytes()
		if err == redis.Nil {
			// Snapshot expired ahead of its index entry; drop the stale entry.
			s.client.ZRem(ctx, indexKey(cfg), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", id, err)
		}

		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
		}
		return &cp, nil
	}

	return nil, fmt.Errorf("thread %s: %w", cfg.ThreadID, inerrors.ErrNotFound)
}

// List returns all live checkpoints for the stream, newest first.
func (s *RedisStore) List(ctx context.Context, cfg Config) ([]*Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}

	ids, err := s.client.ZRevRange(ctx, indexKey(cfg), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, snapshotKey(cfg, id)).Bytes()
		if err == redis.Nil {
			s.client.ZRem(ctx, indexKey(cfg), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", id, err)
		}

		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", id, err)
		}
		checkpoints = append(checkpoints, &cp)
	}

	return checkpoints, nil
}

// Healthy performs a no-op list against the reserved probe stream.
func (s *RedisStore) Healthy(ctx context.Context) error {
	probe := Config{ThreadID: probeThreadID, Namespace: "probe"}
	if err := s.client.ZRevRange(ctx, indexKey(probe), 0, 0).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("checkpoint store probe failed: %w: %v", inerrors.ErrStoreUnhealthy, err)
	}
	return nil
}

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
