// Package checkpoint provides durable, TTL-bounded snapshots of pipeline state
// keyed by a thread id. Snapshots let a crashed worker resume a run and let
// operators inspect execution history. Expiry is the only removal mechanism:
// callers must never rely on a checkpoint still existing.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Config identifies the checkpoint stream for one pipeline execution.
type Config struct {
	ThreadID  string
	Namespace string
}

// Validate checks that the config identifies a stream.
func (c Config) Validate() error {
	if c.ThreadID == "" {
		return fmt.Errorf("thread id is required")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	return nil
}

// Metadata carries operator-facing details stored alongside a snapshot.
type Metadata map[string]string

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Decode unmarshals the snapshot payload into v.
func (c *Checkpoint) Decode(v interface{}) error {
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	return nil
}

// Store persists and retrieves checkpoints.
type Store interface {
	// Save serializes payload and stores it as the newest checkpoint for the
	// stream, returning the checkpoint id.
	Save(ctx context.Context, cfg Config, payload interface{}, meta Metadata) (string, error)

	// Load returns the most recent checkpoint for the stream, or a wrapped
	// ErrNotFound when the stream has no live snapshots.
	Load(ctx context.Context, cfg Config) (*Checkpoint, error)

	// List returns all live checkpoints for the stream, newest first.
	List(ctx context.Context, cfg Config) ([]*Checkpoint, error)

	// Healthy probes the store with a no-op list against a reserved key.
	// A non-nil error means the store must be treated as unavailable.
	Healthy(ctx context.Context) error
}

// probeThreadID is the reserved stream used only by health probes.
const probeThreadID = "_health_probe"
