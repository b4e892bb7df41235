package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/logging"
)

// uniqueViolation is the PostgreSQL error code for unique-constraint failures.
const uniqueViolation = "23505"

// PostgresLedger implements Ledger over PostgreSQL. The uniqueness of "most
// recent charge not yet refunded" is enforced by a partial unique index on
// (idempotency_key) WHERE type='consume' AND refunded_at IS NULL; application
// code never substitutes in-process locking for it. See schema.sql.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresLedger creates a ledger backed by the given pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger logging.Logger) *PostgresLedger {
	return &PostgresLedger{
		pool:   pool,
		logger: logger.With(logging.F("component", "credits_ledger")),
	}
}

// Consume implements the idempotent charge protocol.
func (l *PostgresLedger) Consume(ctx context.Context, req ConsumeRequest) (*Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consume request: %w", err)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent attempts per owner by locking the account row.
	balance, err := lockBalance(ctx, tx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	// Idempotency shortcut: an unrefunded consume under this key means the
	// job was already charged for this attempt.
	existing, err := findUnrefundedConsume(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		l.logger.Debug("Reusing prior charge",
			logging.F("idempotency_key", req.IdempotencyKey),
			logging.F("transaction_id", existing.ID))
		return existing, nil
	}

	if balance < req.Amount {
		return nil, fmt.Errorf("balance %d cannot cover %d: %w", balance, req.Amount, inerrors.ErrInsufficientCredits)
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

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, owner_id, type, amount, reason, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.OwnerID, entry.Type, entry.Amount, entry.Reason, entry.IdempotencyKey, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent attempt charged first; surface its row instead of
			// double-charging.
			return l.consumeWinner(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("failed to insert consume transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance - $1, updated_at = NOW() WHERE owner_id = $2
	`, req.Amount, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	l.logger.Info("Credits consumed",
		logging.F("owner_id", req.OwnerID),
		logging.F("amount", req.Amount),
		logging.F("transaction_id", entry.ID),
		logging.F("idempotency_key", req.IdempotencyKey))

	return entry, nil
}

// consumeWinner re-reads the transaction a concurrent attempt inserted.
func (l *PostgresLedger) consumeWinner(ctx context.Context, key string) (*Transaction, error) {
	winner, err := findUnrefundedConsume(ctx, l.pool, key)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("concurrent charge for key %s vanished: %w", key, inerrors.ErrConflict)
	}
	return winner, nil
}

// Refund compensates a consume transaction.
func (l *PostgresLedger) Refund(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var original Transaction
	var refundedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT id, owner_id, type, amount, refunded_at
		FROM credit_transactions
		WHERE id = $1
		FOR UPDATE
	`, transactionID).Scan(&original.ID, &original.OwnerID, &original.Type, &original.Amount, &refundedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, inerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	if original.Type != TypeConsume {
		return nil, fmt.Errorf("transaction %s is %s, not a consume: %w", transactionID, original.Type, inerrors.ErrInvalidState)
	}
	if refundedAt != nil {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, inerrors.ErrAlreadyRefunded)
	}

	if _, err := lockBalance(ctx, tx, original.OwnerID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	refund := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   original.OwnerID,
		Type:      TypeRefund,
		Amount:    original.Amount,
		Reason:    reason,
		RefundOf:  original.ID,
		CreatedAt: now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, owner_id, type, amount, reason, refund_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, refund.ID, refund.OwnerID, refund.Type, refund.Amount, refund.Reason, refund.RefundOf, refund.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert refund transaction: %w", err)
	}

	// Marking the consume row refunded releases its slot in the partial
	// unique index, which is what permits a later re-charge under the same
	// idempotency key.
	_, err = tx.Exec(ctx, `
		UPDATE credit_transactions SET refunded_at = $1 WHERE id = $2
	`, now, original.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark consume refunded: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance + $1, updated_at = NOW() WHERE owner_id = $2
	`, original.Amount, original.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	l.logger.Info("Credits refunded",
		logging.F("owner_id", refund.OwnerID),
		logging.F("amount", refund.Amount),
		logging.F("refund_of", original.ID))

	return refund, nil
}

// Grant credits the owner's balance.
func (l *PostgresLedger) Grant(ctx context.Context, ownerID string, amount int64, reason string) (*Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	return l.adjust(ctx, ownerID, TypeBonus, amount, reason)
}

// Reset sets the owner's balance to an absolute value.
func (l *PostgresLedger) Reset(ctx context.Context, ownerID string, balance int64, reason string) (*Transaction, error) {
	if balance < 0 {
		return nil, fmt.Errorf("reset balance must be non-negative, got %d", balance)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, ownerID); err != nil {
		return nil, err
	}

	entry := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Type:      TypeReset,
		Amount:    balance,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, owner_id, type, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OwnerID, entry.Type, entry.Amount, entry.Reason, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reset transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE owner_id = $2
	`, balance, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return entry, nil
}

// Balance returns the owner's current balance.
func (l *PostgresLedger) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE owner_id = $1
	`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) adjust(ctx context.Context, ownerID string, typ TransactionType, amount int64, reason string) (*Transaction, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, ownerID); err != nil {
		return nil, err
	}

	entry := &Transaction{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Type:      typ,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, owner_id, type, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OwnerID, entry.Type, entry.Amount, entry.Reason, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s transaction: %w", typ, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance + $1, updated_at = NOW() WHERE owner_id = $2
	`, amount, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return entry, nil
}

// querier covers both pgxpool.Pool and pgx.Tx for shared read helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lockBalance ensures the account row exists and returns the balance with the
// row locked for the remainder of the transaction.
func lockBalance(ctx context.Context, tx pgx.Tx, ownerID string) (int64, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_accounts (owner_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure account: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE owner_id = $1 FOR UPDATE
	`, ownerID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}
	return balance, nil
}

// findUnrefundedConsume returns the live consume transaction for the key, if any.
func findUnrefundedConsume(ctx context.Context, q querier, key string) (*Transaction, error) {
	var entry Transaction
	err := q.QueryRow(ctx, `
		SELECT id, owner_id, type, amount, reason, idempotency_key, created_at
		FROM credit_transactions
		WHERE idempotency_key = $1 AND type = 'consume' AND refunded_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, key).Scan(&entry.ID, &entry.OwnerID, &entry.Type, &entry.Amount, &entry.Reason, &entry.IdempotencyKey, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up prior charge: %w", err)
	}
	return &entry, nil
}

// Verify interface compliance
var _ Ledger = (*PostgresLedger)(nil)
