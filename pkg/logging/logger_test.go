package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) Logger {
	return NewLogger(&Config{
		Level:       LevelDebug,
		ServiceName: "inlet-test",
		Environment: "test",
		JSONFormat:  true,
		Output:      buf,
	})
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Info("job accepted", F("job_id", "abc-123"), F("attachments", 2))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if entry["message"] != "job accepted" {
		t.Errorf("expected message 'job accepted', got %v", entry["message"])
	}
	if entry["service_name"] != "inlet-test" {
		t.Errorf("expected service_name 'inlet-test', got %v", entry["service_name"])
	}
	if entry["job_id"] != "abc-123" {
		t.Errorf("expected job_id 'abc-123', got %v", entry["job_id"])
	}
	if entry["attachments"] != float64(2) {
		t.Errorf("expected attachments 2, got %v", entry["attachments"])
	}
}

func TestLogger_ErrField(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Error("refund failed", Err(errors.New("connection refused")))

	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("expected error message in output, got %s", buf.String())
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	child := log.With(F("component", "pipeline"))
	child.Info("step started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["component"] != "pipeline" {
		t.Errorf("expected component 'pipeline', got %v", entry["component"])
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	var buf bytes.Buffer
	log := newTestLogger(&buf)

	log.Info("typed fields",
		F("str", "value"),
		F("int64", int64(42)),
		F("float", 1.5),
		F("bool", true),
		F("dur", 2*time.Second),
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["int64"] != float64(42) {
		t.Errorf("expected int64 field 42, got %v", entry["int64"])
	}
	if entry["bool"] != true {
		t.Errorf("expected bool field true, got %v", entry["bool"])
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	// Must not panic and With must keep returning a usable logger.
	log.With(F("k", "v")).Info("dropped")
	log.Error("dropped", Err(errors.New("x")))
}
