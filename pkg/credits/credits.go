// Package credits provides the consumable-resource ledger: an idempotent,
// transactional charge/refund API. One pipeline step charges, the error
// handler compensates, and the storage layer guarantees that at most one
// unrefunded charge exists per idempotency key.
package credits

import (
	"context"
	"fmt"
	"time"
)

// TransactionType distinguishes ledger entries.
type TransactionType string

const (
	TypeConsume TransactionType = "consume"
	TypeRefund  TransactionType = "refund"
	TypeBonus   TransactionType = "bonus"
	TypeReset   TransactionType = "reset"
)

// Transaction is one ledger entry. Consume entries carry the idempotency key;
// refund entries point back at the consume they compensate.
type Transaction struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           TransactionType `json:"type"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RefundOf       string          `json:"refund_of,omitempty"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ConsumeRequest describes a charge attempt.
type ConsumeRequest struct {
	OwnerID        string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Validate checks the request shape.
func (r ConsumeRequest) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", r.Amount)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	return nil
}

// Ledger is the charge/refund API.
type Ledger interface {
	// Consume debits the owner's balance. When an unrefunded consume already
	// exists for the idempotency key, that transaction is returned and no new
	// debit occurs. When the prior consume has been refunded, a fresh charge
	// under the same key is allowed. Returns a wrapped ErrInsufficientCredits
	// when the balance cannot cover the amount.
	Consume(ctx context.Context, req ConsumeRequest) (*Transaction, error)

	// Refund compensates a consume transaction, crediting the amount back.
	// Refunding an already-refunded transaction returns ErrAlreadyRefunded.
	Refund(ctx context.Context, transactionID, reason string) (*Transaction, error)

	// Grant credits the owner's balance (bonus).
	Grant(ctx context.Context, ownerID string, amount int64, reason string) (*Transaction, error)

	// Reset sets the owner's balance to an absolute value.
	Reset(ctx context.Context, ownerID string, balance int64, reason string) (*Transaction, error)

	// Balance returns the owner's current balance.
	Balance(ctx context.Context, ownerID string) (int64, error)
}

// StableKey derives the idempotency key for normal and auto-retried attempts
// of a job. It depends only on the job's identity so every retry of the same
// logical attempt lands on the same ledger row.
func StableKey(jobID string) string {
	return fmt.Sprintf("job:%s:execution", jobID)
}

// RetryKey derives a fresh key for an explicit user-initiated retry,
// guaranteeing a new charge is permitted.
func RetryKey(jobID string, at time.Time) string {
	return fmt.Sprintf("job:%s:retry:%d", jobID, at.UnixNano())
}
