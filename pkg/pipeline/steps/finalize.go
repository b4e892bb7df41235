package steps

import (
	"context"
	"fmt"

	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
)

// Finalize always runs. It is the single point that persists the externally
// visible terminal status and syncs the produced data back to the job store.
//
// The status write happens before the data sync so a sync failure cannot
// leave the job without a terminal status. Data is synced only for clean
// runs; a failed run persists its status and error text, nothing else. Under
// force the status write is skipped entirely.
type Finalize struct {
	pipeline.BaseStep
	store    jobs.Store
	notifier jobs.Notifier
	logger   logging.Logger
}

func NewFinalize(store jobs.Store, notifier jobs.Notifier, logger logging.Logger) *Finalize {
	if notifier == nil {
		notifier = jobs.NopNotifier{}
	}
	return &Finalize{
		store:    store,
		notifier: notifier,
		logger:   logger.With(logging.F("step", NameFinalize)),
	}
}

func (f *Finalize) Name() string { return NameFinalize }

// CanEnter always allows entry; terminal status must be recorded regardless
// of what faulted upstream.
func (f *Finalize) CanEnter(s *pipeline.State) bool { return true }

func (f *Finalize) Execute(ctx context.Context, s *pipeline.State) error {
	failed := s.Failed()

	if !s.Force {
		status := jobs.StatusCompleted
		errMessage := ""
		if failed {
			status = jobs.StatusFailed
			errMessage = s.FaultText()
		}

		previous, err := f.store.SetStatus(ctx, s.JobID, status, errMessage)
		if err != nil {
			return fmt.Errorf("failed to persist terminal status: %w", err)
		}

		// Notify only after the status write is durably committed.
		f.notifier.StatusChanged(ctx, s.JobID, previous, status)

		f.logger.Info("Job finalized",
			logging.F("job_id", s.JobID),
			logging.F("status", string(status)))
	}

	if failed {
		return nil
	}

	result := &jobs.Result{
		JobID:      s.JobID,
		Title:      s.Title,
		Summary:    s.Summary,
		BodyAIText: s.BodyAIText,
		Metadata:   s.Metadata,
	}
	if s.Issue != nil {
		result.IssueKey = s.Issue.Key
		result.IssueURL = s.Issue.URL
		result.IssueEngine = s.Issue.Engine
	}
	for _, a := range s.Attachments {
		result.Attachments = append(result.Attachments, jobs.Attachment{
			ID:      a.ID,
			JobID:   s.JobID,
			OCRText: a.OCRText,
			AIText:  a.AIText,
		})
	}

	if err := f.store.SyncResult(ctx, result); err != nil {
		return fmt.Errorf("failed to sync result: %w", err)
	}

	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*Finalize)(nil)
