// Package steps contains the concrete pipeline steps, in execution order:
// prepare, credits check, OCR, AI attachment, AI body, summary, issue,
// error handler, finalize.
package steps

import (
	"context"
	"fmt"

	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
)

// Step names, which also key the fault registry.
const (
	NamePrepare      = "prepare"
	NameCreditsCheck = "credits_check"
	NameOCR          = "ocr"
	NameAIAttachment = "ai_attachment"
	NameAIBody       = "ai_body"
	NameSummary      = "summary"
	NameIssue        = "issue"
	NameErrorHandler = "error_handler"
	NameFinalize     = "finalize"
)

// Prepare loads everything the downstream steps need into the state: the job
// record, its attachments, the owner's prompt templates and issue settings.
// No later step reads from the job store. It also marks the job processing,
// skipped under force so a recompute does not disturb a terminal status.
type Prepare struct {
	pipeline.BaseStep
	store  jobs.Store
	logger logging.Logger
}

func NewPrepare(store jobs.Store, logger logging.Logger) *Prepare {
	return &Prepare{store: store, logger: logger.With(logging.F("step", NamePrepare))}
}

func (p *Prepare) Name() string { return NamePrepare }

// CanEnter allows re-entry under force even though normal gating would apply.
func (p *Prepare) CanEnter(s *pipeline.State) bool {
	if s.Force {
		return true
	}
	return p.BaseStep.CanEnter(s)
}

func (p *Prepare) Before(ctx context.Context, s *pipeline.State) error {
	if s.JobID == "" {
		return fmt.Errorf("state has no job id")
	}
	return nil
}

func (p *Prepare) Execute(ctx context.Context, s *pipeline.State) error {
	job, err := p.store.Get(ctx, s.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	s.OwnerID = job.OwnerID
	s.Subject = job.Subject
	s.BodyText = job.BodyText

	// Previously derived data feeds the downstream skip checks: a
	// non-forced rerun must leave populated fields alone.
	s.Title = job.Title
	s.Summary = job.Summary
	s.BodyAIText = job.BodyAIText
	if len(job.Metadata) > 0 {
		s.Metadata = job.Metadata
	}
	if job.IssueKey != "" {
		s.Issue = &pipeline.IssueResult{
			Key:    job.IssueKey,
			URL:    job.IssueURL,
			Engine: job.IssueEngine,
		}
	}

	attachments, err := p.store.Attachments(ctx, s.JobID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	s.Attachments = make([]pipeline.Attachment, len(attachments))
	for i, a := range attachments {
		s.Attachments[i] = pipeline.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			IsImage:     a.IsImage,
			StoragePath: a.StoragePath,
			OCRText:     a.OCRText,
			AIText:      a.AIText,
		}
	}

	templates, err := p.store.PromptTemplates(ctx, job.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}
	s.PromptTemplates = templates

	issueCfg, err := p.store.IssueConfig(ctx, job.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load issue config: %w", err)
	}
	s.IssueSettings = &pipeline.IssueSettings{
		Engine:   issueCfg.Engine,
		Project:  issueCfg.Project,
		Priority: issueCfg.Priority,
		BaseURL:  issueCfg.BaseURL,
		Labels:   issueCfg.Labels,
	}

	if !s.Force {
		if _, err := p.store.SetStatus(ctx, s.JobID, jobs.StatusProcessing, ""); err != nil {
			return fmt.Errorf("failed to mark job processing: %w", err)
		}
	}

	p.logger.Debug("Job loaded into state",
		logging.F("job_id", s.JobID),
		logging.F("attachments", len(s.Attachments)),
		logging.F("force", s.Force))

	return nil
}

func (p *Prepare) After(ctx context.Context, s *pipeline.State) error {
	if s.OwnerID == "" {
		return fmt.Errorf("job has no owner")
	}
	if s.IssueSettings == nil || s.IssueSettings.Project == "" {
		return fmt.Errorf("issue settings missing a project")
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*Prepare)(nil)
