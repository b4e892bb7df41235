// Package jobs provides the job store: the source-of-truth record for an
// inbound message, its attachments, and its externally visible status. The
// pipeline's Prepare step is the only step that reads from it and Finalize is
// the only step that writes terminal state back.
package jobs

import (
	"context"
	"time"
)

// Status is the externally visible processing status of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Job is one inbound message awaiting or undergoing processing. The derived
// fields (title, summary, AI text, issue identity) are empty until a run
// syncs results back; a later non-forced run uses them to skip recomputation.
type Job struct {
	ID           string
	OwnerID      string
	Subject      string
	BodyText     string
	Status       Status
	ErrorMessage string

	Title       string
	Summary     string
	BodyAIText  string
	Metadata    map[string]string
	IssueKey    string
	IssueURL    string
	IssueEngine string

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attachment is one file attached to the inbound message. The ingestion
// subsystem creates these rows; the pipeline enriches them in place and never
// deletes them.
type Attachment struct {
	ID          string
	JobID       string
	Filename    string
	ContentType string
	Size        int64
	IsImage     bool
	StoragePath string
	OCRText     *string
	AIText      *string
}

// IssueConfig is the owner-scoped issue-system configuration read by Prepare.
type IssueConfig struct {
	Engine   string
	Project  string
	Priority string
	BaseURL  string
	Labels   []string
}

// Result carries the data a successful run syncs back to the job store.
type Result struct {
	JobID       string
	Title       string
	Summary     string
	BodyAIText  string
	Metadata    map[string]string
	IssueKey    string
	IssueURL    string
	IssueEngine string
	Attachments []Attachment
}

// Store is the job persistence interface.
type Store interface {
	// Get returns the job, or a wrapped ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Attachments returns the job's attachments in creation order.
	Attachments(ctx context.Context, jobID string) ([]Attachment, error)

	// SetStatus transitions the job's status, recording errMessage for
	// failure states, and returns the previous status.
	SetStatus(ctx context.Context, id string, status Status, errMessage string) (Status, error)

	// SyncResult persists the data produced by a successful run, including
	// enriched attachment text.
	SyncResult(ctx context.Context, result *Result) error

	// PromptTemplates returns the owner's named prompt templates.
	PromptTemplates(ctx context.Context, ownerID string) (map[string]string, error)

	// IssueConfig returns the owner's issue-system configuration.
	IssueConfig(ctx context.Context, ownerID string) (*IssueConfig, error)

	// ResetRunning cancels every job left in processing by a crashed worker
	// and returns their ids. Safe to call with nothing to clean.
	ResetRunning(ctx context.Context) ([]string, error)

	// SweepStale fails every job that has been processing longer than
	// olderThan and returns their ids. Safe to run redundantly.
	SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Notifier receives externally visible status transitions. Finalize calls it
// explicitly after the status write is durably committed.
type Notifier interface {
	StatusChanged(ctx context.Context, jobID string, oldStatus, newStatus Status)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) StatusChanged(ctx context.Context, jobID string, oldStatus, newStatus Status) {}

// Verify interface compliance
var _ Notifier = NopNotifier{}
