// Package store defines the persistence interface for tallyd and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Transaction types recorded in the credit ledger.
const (
	TxPurchase = "purchase"
	TxUsage    = "usage"
	TxRefund   = "refund"
	TxBonus    = "bonus"
)

// Store is the persistence interface for tallyd.
type Store interface {
	// Users (builtin auth only; external providers manage accounts themselves)
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Credit balances
	GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error)
	CreateCreditBalance(ctx context.Context, cb *CreditBalance) error
	// UpdateBalanceIf sets the balance only when the stored value still equals
	// expected. Returns false when another writer got there first.
	UpdateBalanceIf(ctx context.Context, userID string, expected, balance int64, updatedAt time.Time) (bool, error)
	// SetBalance unconditionally upserts the balance row.
	SetBalance(ctx context.Context, userID string, balance int64, updatedAt time.Time) error

	// Credit transactions (append-only)
	AppendCreditTransaction(ctx context.Context, tx *CreditTransaction) error
	ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]CreditTransaction, error)
	CreditStatsSince(ctx context.Context, userID string, since time.Time) (*CreditStats, error)

	// Subscriptions (one row per user, written only by the billing reconciler)
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, userID, status string, updatedAt time.Time) error

	// Billing event dedup. MarkBillingEventProcessed returns false when the
	// event ID was already recorded, so webhook replays can be skipped.
	WasBillingEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkBillingEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is an account managed by the builtin auth provider.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	EmailConfirmed bool      `json:"email_confirmed"`
	PasswordHash   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreditBalance is the authoritative per-user credit balance. One row per user.
type CreditBalance struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is an immutable record of one balance mutation.
// Negative amounts are consumption, positive amounts are credits.
type CreditTransaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Amount          int64     `json:"amount"`
	Description     string    `json:"description"`
	TransactionType string    `json:"transaction_type"` // purchase, usage, refund, bonus
	SubscriptionID  string    `json:"subscription_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreditStats aggregates a user's transactions over a time window.
type CreditStats struct {
	TotalUsed        int64 `json:"totalUsed"`
	TotalAdded       int64 `json:"totalAdded"`
	TransactionCount int64 `json:"transactionCount"`
}

// Subscription is a user's billing relationship with the payment provider.
type Subscription struct {
	UserID               string    `json:"user_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	Status               string    `json:"status"`    // provider-defined: active, past_due, canceled, ...
	PlanType             string    `json:"plan_type"` // "FREE" or "PRO"
	CurrentPeriodStart   time.Time `json:"current_period_start"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
