package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/providers"
)

// summarySchema constrains the model's summary output before anything
// downstream trusts it.
const summarySchema = `{
	"type": "object",
	"required": ["title", "summary"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 255},
		"summary": {"type": "string", "minLength": 1},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

var compiledSummarySchema = jsonschema.MustCompileString("summary.json", summarySchema)

type summaryOutput struct {
	Title    string            `json:"title"`
	Summary  string            `json:"summary"`
	Metadata map[string]string `json:"metadata"`
}

// Summary asks the AI provider for a title, summary, and structured metadata
// as JSON, validated against a schema. Skipped when a title and summary are
// already present, unless the run is forced.
type Summary struct {
	pipeline.BaseStep
	client providers.AIClient
	logger logging.Logger
}

func NewSummary(client providers.AIClient, logger logging.Logger) *Summary {
	return &Summary{client: client, logger: logger.With(logging.F("step", NameSummary))}
}

func (s *Summary) Name() string { return NameSummary }

func (s *Summary) Execute(ctx context.Context, state *pipeline.State) error {
	if state.Title != "" && state.Summary != "" && !state.Force {
		return nil
	}

	prompt := promptFor(state, templateSummary, defaultSummaryPrompt)
	raw, err := s.client.Complete(ctx, prompt, state.BodyAIText)
	if err != nil {
		return fmt.Errorf("failed to summarize: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return fmt.Errorf("summary output is not valid JSON: %w", err)
	}
	if err := compiledSummarySchema.Validate(decoded); err != nil {
		return fmt.Errorf("summary output failed schema validation: %w", err)
	}

	var out summaryOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return fmt.Errorf("failed to decode summary output: %w", err)
	}

	state.Title = strings.TrimSpace(out.Title)
	state.Summary = strings.TrimSpace(out.Summary)
	state.Metadata = out.Metadata

	s.logger.Debug("Summary produced",
		logging.F("job_id", state.JobID),
		logging.F("title", state.Title))

	return nil
}

func (s *Summary) After(ctx context.Context, state *pipeline.State) error {
	if state.Title == "" || state.Summary == "" {
		return fmt.Errorf("summary left title or summary empty")
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*Summary)(nil)
