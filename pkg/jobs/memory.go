package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	attachments map[string][]Attachment
	templates   map[string]map[string]string
	issueConfig map[string]*IssueConfig
	results     map[string]*Result
	clock       func() time.Time
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		attachments: make(map[string][]Attachment),
		templates:   make(map[string]map[string]string),
		issueConfig: make(map[string]*IssueConfig),
		results:     make(map[string]*Result),
		clock:       time.Now,
	}
}

// SetClock overrides the time source for stale-sweep tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SeedJob inserts a job, defaulting status to pending.
func (s *MemoryStore) SeedJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	if copied.Status == "" {
		copied.Status = StatusPending
	}
	now := s.clock()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	s.jobs[copied.ID] = &copied
}

// SeedAttachment appends an attachment to a job.
func (s *MemoryStore) SeedAttachment(a Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[a.JobID] = append(s.attachments[a.JobID], a)
}

// SeedTemplates sets an owner's prompt templates.
func (s *MemoryStore) SeedTemplates(ownerID string, templates map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[ownerID] = templates
}

// SeedIssueConfig sets an owner's issue configuration.
func (s *MemoryStore) SeedIssueConfig(ownerID string, cfg *IssueConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueConfig[ownerID] = cfg
}

// Result returns the last synced result for a job, or nil.
func (s *MemoryStore) Result(jobID string) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[jobID]
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, inerrors.ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) Attachments(ctx context.Context, jobID string) ([]Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attachment, len(s.attachments[jobID]))
	copy(out, s.attachments[jobID])
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, errMessage string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", fmt.Errorf("job %s: %w", id, inerrors.ErrNotFound)
	}
	previous := job.Status
	now := s.clock()
	job.Status = status
	job.ErrorMessage = errMessage
	job.UpdatedAt = now
	switch status {
	case StatusProcessing:
		job.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		job.CompletedAt = &now
	}
	return previous, nil
}

func (s *MemoryStore) SyncResult(ctx context.Context, result *Result) error {
	if result == nil || result.JobID == "" {
		return fmt.Errorf("result with job id is required: %w", inerrors.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *result
	s.results[result.JobID] = &copied
	if job, ok := s.jobs[result.JobID]; ok {
		job.Title = result.Title
		job.Summary = result.Summary
		job.BodyAIText = result.BodyAIText
		job.Metadata = result.Metadata
		job.IssueKey = result.IssueKey
		job.IssueURL = result.IssueURL
		job.IssueEngine = result.IssueEngine
		job.UpdatedAt = s.clock()
	}
	for _, updated := range result.Attachments {
		existing := s.attachments[result.JobID]
		for i := range existing {
			if existing[i].ID == updated.ID {
				existing[i].OCRText = updated.OCRText
				existing[i].AIText = updated.AIText
			}
		}
	}
	return nil
}

func (s *MemoryStore) PromptTemplates(ctx context.Context, ownerID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates := make(map[string]string, len(s.templates[ownerID]))
	for name, tpl := range s.templates[ownerID] {
		templates[name] = tpl
	}
	return templates, nil
}

func (s *MemoryStore) IssueConfig(ctx context.Context, ownerID string) (*IssueConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.issueConfig[ownerID]
	if !ok {
		return nil, fmt.Errorf("issue config for owner %s: %w", ownerID, inerrors.ErrNotFound)
	}
	copied := *cfg
	return &copied, nil
}

func (s *MemoryStore) ResetRunning(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	now := s.clock()
	for id, job := range s.jobs {
		if job.Status == StatusProcessing {
			job.Status = StatusCancelled
			job.ErrorMessage = "worker restarted mid-run"
			job.CompletedAt = &now
			job.UpdatedAt = now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	now := s.clock()
	cutoff := now.Add(-olderThan)
	for id, job := range s.jobs {
		if job.Status == StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			job.Status = StatusFailed
			job.ErrorMessage = "processing timeout exceeded"
			job.CompletedAt = &now
			job.UpdatedAt = now
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)

// StatusChange is one recorded notification.
type StatusChange struct {
	JobID     string
	OldStatus Status
	NewStatus Status
}

// RecordingNotifier captures notifications for assertions in tests.
type RecordingNotifier struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (n *RecordingNotifier) StatusChanged(ctx context.Context, jobID string, oldStatus, newStatus Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, StatusChange{JobID: jobID, OldStatus: oldStatus, NewStatus: newStatus})
}

// Changes returns a copy of the recorded notifications.
func (n *RecordingNotifier) Changes() []StatusChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]StatusChange, len(n.changes))
	copy(out, n.changes)
	return out
}

// Verify interface compliance
var _ Notifier = (*RecordingNotifier)(nil)
