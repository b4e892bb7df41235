package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/providers"
)

// AIBody analyzes the message body, incorporating the normalized attachment
// text as context. Skipped when the body has already been analyzed, unless
// the run is forced.
type AIBody struct {
	pipeline.BaseStep
	client providers.AIClient
	logger logging.Logger
}

func NewAIBody(client providers.AIClient, logger logging.Logger) *AIBody {
	return &AIBody{client: client, logger: logger.With(logging.F("step", NameAIBody))}
}

func (b *AIBody) Name() string { return NameAIBody }

func (b *AIBody) Execute(ctx context.Context, s *pipeline.State) error {
	if s.BodyAIText != "" && !s.Force {
		return nil
	}

	var content strings.Builder
	content.WriteString("Subject: ")
	content.WriteString(s.Subject)
	content.WriteString("\n\n")
	content.WriteString(s.BodyText)
	for _, a := range s.Attachments {
		if a.AIText != nil && *a.AIText != "" {
			content.WriteString("\n\nAttachment ")
			content.WriteString(a.Filename)
			content.WriteString(":\n")
			content.WriteString(*a.AIText)
		}
	}

	prompt := promptFor(s, templateBody, defaultBodyPrompt)
	text, err := b.client.Complete(ctx, prompt, content.String())
	if err != nil {
		return fmt.Errorf("failed to analyze body: %w", err)
	}
	s.BodyAIText = text

	b.logger.Debug("Body analyzed", logging.F("job_id", s.JobID))
	return nil
}

func (b *AIBody) After(ctx context.Context, s *pipeline.State) error {
	if s.BodyAIText == "" {
		return fmt.Errorf("body analysis produced no text")
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*AIBody)(nil)
