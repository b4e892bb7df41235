package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// MemoryLedger is an in-process Ledger for tests and local development. It
// mirrors the PostgreSQL implementation's semantics, including the
// "one unrefunded consume per idempotency key" rule.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []*Transaction
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int64)}
}

// Consume implements the idempotent charge protocol.
func (l *MemoryLedger) Consume(ctx context.Context, req ConsumeRequest) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consume request: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Type == TypeConsume && e.IdempotencyKey == req.IdempotencyKey && e.RefundedAt == nil {
			copy := *e
			return &copy, nil
		}
	}

	if l.balances[req.OwnerID] < req.Amount {
		return nil, fmt.Errorf("balance %d cannot cover %d: %w", l.balances[req.OwnerID], req.Amount, inerrors.ErrInsufficientCredits)
	}

	entry := &Transaction{
		ID:             uuid.New().String(),
		OwnerID:        req.OwnerID,
		Type:           TypeConsume,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	l.balances[req.OwnerID] -= req.Amount

	copy := *entry
	return &copy, nil
}

// Refund compensates a consume transaction.
func (l *MemoryLedger) Refund(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var original *Transaction
	for _, e := range l.entries {
		if e.ID == transactionID {
			original = e
			break
		}
	}
	if original == nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, inerrors.ErrNotFound)
	}
	if original.Type != TypeConsume {
		return nil, fmt.Errorf("transaction %s is %s, not a consume: %w", transactionID, original.Type, inerrors.ErrInvalidState)
	}
	if original.RefundedAt != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, inerrors.ErrAlreadyRefunded)
	}

	now := time.Now().UTC()
	original.RefundedAt = &now

	refund := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   original.OwnerID,
		Type:      TypeRefund,
		Amount:    original.Amount,
		Reason:    reason,
		RefundOf:  original.ID,
		CreatedAt: now,
	}
	l.entries = append(l.entries, refund)
	l.balances[original.OwnerID] += original.Amount

	copy := *refund
	return &copy, nil
}

// Grant credits the owner's balance.
func (l *MemoryLedger) Grant(ctx context.Context, ownerID string, amount int64, reason string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Type:      TypeBonus,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	l.balances[ownerID] += amount

	copy := *entry
	return &copy, nil
}

// Reset sets the owner's balance to an absolute value.
func (l *MemoryLedger) Reset(ctx context.Context, ownerID string, balance int64, reason string) (*Transaction, error) {
	if balance < 0 {
		return nil, fmt.Errorf("reset balance must be non-negative, got %d", balance)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Type:      TypeReset,
		Amount:    balance,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	l.balances[ownerID] = balance

	copy := *entry
	return &copy, nil
}

// Balance returns the owner's current balance.
func (l *MemoryLedger) Balance(ctx context.Context, ownerID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[ownerID], nil
}

// Transactions returns a snapshot of all ledger entries, oldest first.
// Test helper; the Ledger interface does not expose it.
func (l *MemoryLedger) Transactions() []*Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Transaction, 0, len(l.entries))
	for _, e := range l.entries {
		copy := *e
		out = append(out, &copy)
	}
	return out
}

// Verify interface compliance
var _ Ledger = (*MemoryLedger)(nil)
