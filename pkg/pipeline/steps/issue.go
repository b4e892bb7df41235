package steps

import (
	"context"
	"fmt"

	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/providers"
)

// Issue creates the external tracking record and uploads the attachments to
// it. An upload failure after the issue exists is a step fault like any
// other: the step's working copy is discarded, so the created issue does not
// reach the state and a later attempt files a fresh one.
type Issue struct {
	pipeline.BaseStep
	client providers.IssueClient
	logger logging.Logger
}

func NewIssue(client providers.IssueClient, logger logging.Logger) *Issue {
	return &Issue{client: client, logger: logger.With(logging.F("step", NameIssue))}
}

func (i *Issue) Name() string { return NameIssue }

func (i *Issue) Before(ctx context.Context, s *pipeline.State) error {
	if s.IssueSettings == nil {
		return fmt.Errorf("no issue settings on state")
	}
	if s.Title == "" {
		return fmt.Errorf("no title to file an issue with")
	}
	return nil
}

func (i *Issue) Execute(ctx context.Context, s *pipeline.State) error {
	if s.Issue != nil && s.Issue.Key != "" && !s.Force {
		return nil
	}

	description := s.Summary
	if s.BodyAIText != "" {
		description += "\n\n" + s.BodyAIText
	}

	result, err := i.client.CreateIssue(ctx, providers.IssueRequest{
		Engine:      s.IssueSettings.Engine,
		Project:     s.IssueSettings.Project,
		Priority:    s.IssueSettings.Priority,
		BaseURL:     s.IssueSettings.BaseURL,
		Labels:      s.IssueSettings.Labels,
		Title:       s.Title,
		Description: description,
		Metadata:    s.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to create issue: %w", err)
	}

	s.Issue = &pipeline.IssueResult{
		Key:    result.Key,
		URL:    result.URL,
		Engine: s.IssueSettings.Engine,
	}

	var paths []string
	for _, a := range s.Attachments {
		if a.StoragePath != "" {
			paths = append(paths, a.StoragePath)
		}
	}
	if len(paths) > 0 {
		uploaded, err := i.client.UploadAttachments(ctx, result.Key, paths)
		if err != nil {
			return fmt.Errorf("failed to upload attachments to %s: %w", result.Key, err)
		}
		i.logger.Debug("Attachments uploaded",
			logging.F("issue_key", result.Key),
			logging.F("uploaded", uploaded))
	}

	i.logger.Info("Issue created",
		logging.F("job_id", s.JobID),
		logging.F("issue_key", result.Key))

	return nil
}

func (i *Issue) After(ctx context.Context, s *pipeline.State) error {
	if s.Issue == nil || s.Issue.Key == "" {
		return fmt.Errorf("issue step left no issue key")
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*Issue)(nil)
