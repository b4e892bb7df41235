package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/inletmail/inlet/pkg/credits"
	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/observability"
	"github.com/inletmail/inlet/pkg/pipeline"
)

// DefaultRunCost is the credits charged per billable run.
const DefaultRunCost = 1

// CreditsCheck charges the owner for this run. The ledger's idempotency
// protocol does the heavy lifting: the attempt's key is minted once before
// the pipeline starts and carried on the state, so redeliveries of the same
// attempt land on the same consume row, while a user-initiated force retry
// arrives with a fresh key and a new charge is permitted.
type CreditsCheck struct {
	pipeline.BaseStep
	ledger  credits.Ledger
	cost    int64
	metrics *observability.PipelineMetrics
	logger  logging.Logger
	now     func() time.Time
}

func NewCreditsCheck(ledger credits.Ledger, cost int64, metrics *observability.PipelineMetrics, logger logging.Logger) *CreditsCheck {
	if cost <= 0 {
		cost = DefaultRunCost
	}
	return &CreditsCheck{
		ledger:  ledger,
		cost:    cost,
		metrics: metrics,
		logger:  logger.With(logging.F("step", NameCreditsCheck)),
		now:     time.Now,
	}
}

func (c *CreditsCheck) Name() string { return NameCreditsCheck }

func (c *CreditsCheck) Execute(ctx context.Context, s *pipeline.State) error {
	key := s.IdempotencyKey
	if key == "" {
		// Direct invocations without a pre-minted key fall back to the
		// same derivation the engine uses at attempt entry.
		key = credits.StableKey(s.JobID)
		if s.Force {
			key = credits.RetryKey(s.JobID, c.now())
		}
	}

	tx, err := c.ledger.Consume(ctx, credits.ConsumeRequest{
		OwnerID:        s.OwnerID,
		Amount:         c.cost,
		Reason:         "message processing: " + s.JobID,
		IdempotencyKey: key,
	})
	if err != nil {
		if inerrors.IsInsufficientCredits(err) {
			c.metrics.RecordCreditsOperation("consume", "insufficient")
			// Recorded as a normal fault so the classifier sees it as
			// user-caused and the error handler does not refund.
			return fmt.Errorf("insufficient credits: owner %s needs %d", s.OwnerID, c.cost)
		}
		c.metrics.RecordCreditsOperation("consume", "error")
		return fmt.Errorf("failed to consume credits: %w", err)
	}

	s.CreditsConsumed = true
	s.CreditsTransactionID = tx.ID
	s.CreditsRefunded = false
	s.IdempotencyKey = key

	c.metrics.RecordCreditsOperation("consume", "ok")
	c.logger.Debug("Credits consumed",
		logging.F("job_id", s.JobID),
		logging.F("transaction_id", tx.ID),
		logging.F("amount", c.cost))

	return nil
}

func (c *CreditsCheck) After(ctx context.Context, s *pipeline.State) error {
	if s.CreditsTransactionID == "" {
		return fmt.Errorf("charge left no transaction id")
	}
	return nil
}

// Verify interface compliance
var _ pipeline.Step = (*CreditsCheck)(nil)
