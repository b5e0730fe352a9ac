// Package ledger maintains per-user credit balances and their append-only
// transaction history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/store"
)

var (
	// ErrNotFound means the user has no credit balance row.
	ErrNotFound = errors.New("credit balance not found")
	// ErrInvalidAmount means the caller passed a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be greater than 0")
)

// InsufficientCreditsError is returned by Consume when the balance cannot
// cover the requested amount. It carries the current balance so callers can
// surface it.
type InsufficientCreditsError struct {
	Balance int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d", e.Balance)
}

// casAttempts bounds the retry loop for conditional balance updates under
// concurrent writers.
const casAttempts = 3

// Ledger owns credit balance mutation. All balance changes go through
// Consume, Add, or Reset; nothing else may overwrite a balance row.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Ledger.
func New(s store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// Balance returns the user's current credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*store.CreditBalance, error) {
	cb, err := l.store.GetCreditBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if cb == nil {
		return nil, ErrNotFound
	}
	return cb, nil
}

// Grant creates the balance row with an initial amount if the user has none.
// Called on first signup/login; a no-op when the row already exists.
func (l *Ledger) Grant(ctx context.Context, userID string, initial int64) error {
	cb, err := l.store.GetCreditBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	if cb != nil {
		return nil
	}

	now := time.Now()
	if err := l.store.CreateCreditBalance(ctx, &store.CreditBalance{
		UserID:    userID,
		Balance:   initial,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("create balance: %w", err)
	}
	l.record(ctx, userID, initial, "Initial credit grant", store.TxBonus, "")
	return nil
}

// Consume deducts amount credits from the user's balance and appends a usage
// transaction. Fails with InsufficientCreditsError when the balance is too
// low, leaving it untouched. The decrement is guarded by a conditional
// update so concurrent consumes cannot drive the balance negative.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		cb, err := l.store.GetCreditBalance(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("get balance: %w", err)
		}
		if cb == nil {
			return 0, ErrNotFound
		}
		if cb.Balance < amount {
			return cb.Balance, &InsufficientCreditsError{Balance: cb.Balance}
		}

		newBalance := cb.Balance - amount
		ok, err := l.store.UpdateBalanceIf(ctx, userID, cb.Balance, newBalance, time.Now())
		if err != nil {
			return 0, fmt.Errorf("update balance: %w", err)
		}
		if !ok {
			// Another writer changed the balance between read and write; retry.
			continue
		}

		l.record(ctx, userID, -amount, description, store.TxUsage, "")
		return newBalance, nil
	}

	return 0, fmt.Errorf("consume: balance contention for user %s", userID)
}

// Add credits the user's balance and appends a transaction of the given type
// (purchase, bonus, or refund). subscriptionID may be empty.
func (l *Ledger) Add(ctx context.Context, userID string, amount int64, description, txType, subscriptionID string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	switch txType {
	case store.TxPurchase, store.TxBonus, store.TxRefund:
	default:
		return 0, fmt.Errorf("invalid transaction type %q", txType)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		cb, err := l.store.GetCreditBalance(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("get balance: %w", err)
		}
		if cb == nil {
			return 0, ErrNotFound
		}

		newBalance := cb.Balance + amount
		ok, err := l.store.UpdateBalanceIf(ctx, userID, cb.Balance, newBalance, time.Now())
		if err != nil {
			return 0, fmt.Errorf("update balance: %w", err)
		}
		if !ok {
			continue
		}

		l.record(ctx, userID, amount, description, txType, subscriptionID)
		return newBalance, nil
	}

	return 0, fmt.Errorf("add: balance contention for user %s", userID)
}

// Reset unconditionally sets the balance, creating the row if absent. Used by
// billing flows that refill to a plan's full grant rather than topping up.
// Resets are not recorded as ledger transactions; the caller audits them.
func (l *Ledger) Reset(ctx context.Context, userID string, balance int64) error {
	if balance < 0 {
		return fmt.Errorf("balance must not be negative")
	}
	if err := l.store.SetBalance(ctx, userID, balance, time.Now()); err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

// HasEnough reports whether the user's balance covers the amount. Not atomic
// with a subsequent Consume; callers must still handle its failure.
func (l *Ledger) HasEnough(ctx context.Context, userID string, amount int64) bool {
	cb, err := l.store.GetCreditBalance(ctx, userID)
	if err != nil || cb == nil {
		return false
	}
	return cb.Balance >= amount
}

// Stats aggregates the user's transactions over the past windowDays days.
func (l *Ledger) Stats(ctx context.Context, userID string, windowDays int) (*store.CreditStats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().AddDate(0, 0, -windowDays)
	st, err := l.store.CreditStatsSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("credit stats: %w", err)
	}
	return st, nil
}

// Transactions returns the user's transaction history, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit, offset int) ([]store.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	txs, err := l.store.ListCreditTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// record appends a transaction for an already-applied balance change.
// A failed append degrades to a warning: the balance write is authoritative
// and is not rolled back over a lost audit row.
func (l *Ledger) record(ctx context.Context, userID string, amount int64, description, txType, subscriptionID string) {
	err := l.store.AppendCreditTransaction(ctx, &store.CreditTransaction{
		ID:              uuid.New().String(),
		UserID:          userID,
		Amount:          amount,
		Description:     description,
		TransactionType: txType,
		SubscriptionID:  subscriptionID,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		l.logger.Warn("failed to record credit transaction",
			"user_id", userID, "amount", amount, "type", txType, "error", err)
	}
}
