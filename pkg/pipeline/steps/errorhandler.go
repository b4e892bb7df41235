package steps

import (
	"context"

	"github.com/inletmail/inlet/pkg/credits"
	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/observability"
	"github.com/inletmail/inlet/pkg/pipeline"
)

// ErrorHandler is the compensation step and the only caller of the ledger's
// refund operation. It enters even when earlier steps faulted, does nothing
// on a clean run, and refunds when the run both consumed credits and failed
// for a reason the classifier attributes to the system.
//
// The system check runs first: a message matching both pattern sets refunds.
// Ambiguity resolves in the owner's favor.
type ErrorHandler struct {
	pipeline.BaseStep
	ledger  credits.Ledger
	metrics *observability.PipelineMetrics
	logger  logging.Logger
}

func NewErrorHandler(ledger credits.Ledger, metrics *observability.PipelineMetrics, logger logging.Logger) *ErrorHandler {
	return &ErrorHandler{
		ledger:  ledger,
		metrics: metrics,
		logger:  logger.With(logging.F("step", NameErrorHandler)),
	}
}

func (h *ErrorHandler) Name() string { return NameErrorHandler }

// CanEnter always allows entry; the step gates itself on the fault registry.
func (h *ErrorHandler) CanEnter(s *pipeline.State) bool { return true }

func (h *ErrorHandler) Execute(ctx context.Context, s *pipeline.State) error {
	if !s.Failed() {
		return nil
	}

	faultText := s.FaultText()
	if !s.CreditsConsumed || s.CreditsRefunded {
		h.logger.Debug("No compensation needed",
			logging.F("job_id", s.JobID),
			logging.F("consumed", s.CreditsConsumed),
			logging.F("refunded", s.CreditsRefunded))
		return nil
	}

	if !inerrors.IsSystemFailure(faultText) {
		h.logger.Info("Failure attributed to user, keeping charge",
			logging.F("job_id", s.JobID),
			logging.F("errors", faultText))
		return nil
	}

	// Refund failures are logged, never escalated: finalize must still run
	// and the run's outcome does not depend on compensation succeeding.
	tx, err := h.ledger.Refund(ctx, s.CreditsTransactionID, "system failure: "+faultText)
	if err != nil {
		h.metrics.RecordCreditsOperation("refund", "error")
		h.logger.Error("Refund failed",
			logging.F("job_id", s.JobID),
			logging.F("transaction_id", s.CreditsTransactionID),
			logging.Err(err))
		return nil
	}

	s.CreditsRefunded = true
	h.metrics.RecordCreditsOperation("refund", "ok")
	h.logger.Info("Credits refunded for system failure",
		logging.F("job_id", s.JobID),
		logging.F("refund_id", tx.ID),
		logging.F("errors", faultText))

	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*ErrorHandler)(nil)
