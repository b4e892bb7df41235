package checkpoint

import (
	"context"
	"testing"
	"time"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

type snapshot struct {
	JobID string `json:"job_id"`
	Step  string `json:"step"`
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	cfg := Config{ThreadID: "job-1", Namespace: "pipeline"}

	id, err := store.Save(ctx, cfg, snapshot{JobID: "job-1", Step: "ocr"}, Metadata{"step": "ocr"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" {
		t.Fatal("expected a checkpoint id")
	}

	cp, err := store.Load(ctx, cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var got snapshot
	if err := cp.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Step != "ocr" {
		t.Errorf("expected step ocr, got %s", got.Step)
	}
	if cp.Metadata["step"] != "ocr" {
		t.Errorf("expected metadata step ocr, got %s", cp.Metadata["step"])
	}
}

func TestMemoryStore_LoadNotFound(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	_, err := store.Load(context.Background(), Config{ThreadID: "missing", Namespace: "pipeline"})
	if !inerrors.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)
	cfg := Config{ThreadID: "job-1", Namespace: "pipeline"}

	for _, step := range []string{"prepare", "credits", "ocr"} {
		if _, err := store.Save(ctx, cfg, snapshot{Step: step}, nil); err != nil {
			t.Fatalf("save %s: %v", step, err)
		}
	}

	list, err := store.List(ctx, cfg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(list))
	}

	var newest snapshot
	if err := list[0].Decode(&newest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if newest.Step != "ocr" {
		t.Errorf("expected newest checkpoint to be ocr, got %s", newest.Step)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	cfg := Config{ThreadID: "job-1", Namespace: "pipeline"}

	base := time.Now()
	store.SetClock(func() time.Time { return base })
	if _, err := store.Save(ctx, cfg, snapshot{Step: "prepare"}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	store.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if _, err := store.Load(ctx, cfg); !inerrors.IsNotFound(err) {
		t.Errorf("expected expired checkpoint to be gone, got %v", err)
	}
}

func TestMemoryStore_Healthy(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	if err := store.Healthy(context.Background()); err != nil {
		t.Errorf("expected healthy store, got %v", err)
	}

	store.Fail = true
	err := store.Healthy(context.Background())
	if !inerrors.IsStoreUnhealthy(err) {
		t.Errorf("expected ErrStoreUnhealthy, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Error("expected error for empty config")
	}
	if err := (Config{ThreadID: "t"}).Validate(); err == nil {
		t.Error("expected error for missing namespace")
	}
	if err := (Config{ThreadID: "t", Namespace: "n"}).Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}
