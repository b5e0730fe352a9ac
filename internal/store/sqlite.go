package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			email_confirmed INTEGER NOT NULL DEFAULT 0,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credits (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_id ON credit_transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_created_at ON credit_transactions(created_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			plan_type TEXT NOT NULL DEFAULT 'FREE',
			current_period_start DATETIME,
			current_period_end DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL DEFAULT '',
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, email_confirmed, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, user.EmailConfirmed, user.PasswordHash, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, email_confirmed, password_hash, created_at FROM users WHERE email = ?", email,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmed, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, email_confirmed, password_hash, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmed, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Credit balances ---

func (s *SQLiteStore) GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var cb CreditBalance
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, balance, updated_at FROM credits WHERE user_id = ?", userID,
	).Scan(&cb.UserID, &cb.Balance, &cb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cb, err
}

func (s *SQLiteStore) CreateCreditBalance(ctx context.Context, cb *CreditBalance) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credits (user_id, balance, updated_at) VALUES (?, ?, ?)",
		cb.UserID, cb.Balance, cb.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateBalanceIf(ctx context.Context, userID string, expected, balance int64, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE credits SET balance = ?, updated_at = ? WHERE user_id = ? AND balance = ?",
		balance, updatedAt, userID, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) SetBalance(ctx context.Context, userID string, balance int64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance=excluded.balance, updated_at=excluded.updated_at`,
		userID, balance, updatedAt,
	)
	return err
}

// --- Credit transactions ---

func (s *SQLiteStore) AppendCreditTransaction(ctx context.Context, tx *CreditTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, description, transaction_type, subscription_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Amount, tx.Description, tx.TransactionType, tx.SubscriptionID, tx.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, description, transaction_type, subscription_id, created_at
		 FROM credit_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []CreditTransaction
	for rows.Next() {
		var tx CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Description, &tx.TransactionType, &tx.SubscriptionID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) CreditStatsSince(ctx context.Context, userID string, since time.Time) (*CreditStats, error) {
	var st CreditStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		        COUNT(*)
		 FROM credit_transactions WHERE user_id = ? AND created_at >= ?`,
		userID, since,
	).Scan(&st.TotalUsed, &st.TotalAdded, &st.TransactionCount)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Subscriptions ---

func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	var start, end sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, stripe_subscription_id, status, plan_type,
		        current_period_start, current_period_end, updated_at
		 FROM subscriptions WHERE user_id = ?`, userID,
	).Scan(&sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.Status, &sub.PlanType,
		&start, &end, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = start.Time
	sub.CurrentPeriodEnd = end.Time
	return &sub, nil
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, status, plan_type,
		                            current_period_start, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   stripe_customer_id = excluded.stripe_customer_id,
		   stripe_subscription_id = excluded.stripe_subscription_id,
		   status = excluded.status,
		   plan_type = excluded.plan_type,
		   current_period_start = excluded.current_period_start,
		   current_period_end = excluded.current_period_end,
		   updated_at = excluded.updated_at`,
		sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Status, sub.PlanType,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateSubscriptionStatus(ctx context.Context, userID, status string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = ?, updated_at = ? WHERE user_id = ?",
		status, updatedAt, userID,
	)
	return err
}

// --- Billing event dedup ---

func (s *SQLiteStore) WasBillingEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM billing_events WHERE id = ?", eventID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkBillingEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, event_type, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		eventID, eventType, at,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, event.Action, event.UserID, detail, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
