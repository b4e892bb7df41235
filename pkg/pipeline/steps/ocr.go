package steps

import (
	"context"
	"fmt"

	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/providers"
)

// OCR extracts text from every image attachment. Attachments that already
// carry OCR text are left alone unless the run is forced.
type OCR struct {
	pipeline.BaseStep
	client providers.OCRClient
	logger logging.Logger
}

func NewOCR(client providers.OCRClient, logger logging.Logger) *OCR {
	return &OCR{client: client, logger: logger.With(logging.F("step", NameOCR))}
}

func (o *OCR) Name() string { return NameOCR }

func (o *OCR) Execute(ctx context.Context, s *pipeline.State) error {
	recognized := 0
	for i := range s.Attachments {
		a := &s.Attachments[i]
		if !a.IsImage {
			continue
		}
		if a.OCRText != nil && !s.Force {
			continue
		}

		text, err := o.client.Recognize(ctx, a.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to recognize %s: %w", a.Filename, err)
		}
		a.OCRText = &text
		recognized++
	}

	o.logger.Debug("OCR complete",
		logging.F("job_id", s.JobID),
		logging.F("recognized", recognized))

	return nil
}

func (o *OCR) After(ctx context.Context, s *pipeline.State) error {
	for _, a := range s.Attachments {
		if a.IsImage && a.OCRText == nil {
			return fmt.Errorf("image attachment %s left without text", a.Filename)
		}
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*OCR)(nil)
