package steps

import (
	"context"
	"fmt"

	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/providers"
)

// Prompt template names looked up in the owner's configuration, with
// fallbacks when the owner has not customized them.
const (
	templateAttachment = "attachment_normalize"
	templateBody       = "body_analyze"
	templateSummary    = "summarize"

	defaultAttachmentPrompt = "Normalize the following extracted attachment text into clean prose."
	defaultBodyPrompt       = "Analyze the message body together with its attachment context."
	defaultSummaryPrompt    = "Produce a short title and summary for this message as JSON."
)

func promptFor(s *pipeline.State, name, fallback string) string {
	if tpl, ok := s.PromptTemplates[name]; ok && tpl != "" {
		return tpl
	}
	return fallback
}

// AIAttachment normalizes each attachment's OCR text through the AI provider.
// Already-normalized attachments are skipped unless the run is forced.
type AIAttachment struct {
	pipeline.BaseStep
	client providers.AIClient
	logger logging.Logger
}

func NewAIAttachment(client providers.AIClient, logger logging.Logger) *AIAttachment {
	return &AIAttachment{client: client, logger: logger.With(logging.F("step", NameAIAttachment))}
}

func (a *AIAttachment) Name() string { return NameAIAttachment }

func (a *AIAttachment) Execute(ctx context.Context, s *pipeline.State) error {
	prompt := promptFor(s, templateAttachment, defaultAttachmentPrompt)

	normalized := 0
	for i := range s.Attachments {
		att := &s.Attachments[i]
		if att.OCRText == nil || *att.OCRText == "" {
			continue
		}
		if att.AIText != nil && !s.Force {
			continue
		}

		text, err := a.client.Complete(ctx, prompt, *att.OCRText)
		if err != nil {
			return fmt.Errorf("failed to normalize %s: %w", att.Filename, err)
		}
		att.AIText = &text
		normalized++
	}

	a.logger.Debug("Attachment text normalized",
		logging.F("job_id", s.JobID),
		logging.F("normalized", normalized))

	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*AIAttachment)(nil)
