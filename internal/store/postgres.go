package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			email_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credits (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			transaction_type TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_id ON credit_transactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_created_at ON credit_transactions(created_at)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id TEXT PRIMARY KEY,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			plan_type TEXT NOT NULL DEFAULT 'FREE',
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, email_confirmed, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Email, user.EmailConfirmed, user.PasswordHash, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, email_confirmed, password_hash, created_at FROM users WHERE email = $1", email,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmed, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, email_confirmed, password_hash, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.EmailConfirmed, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// --- Credit balances ---

func (s *PostgresStore) GetCreditBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var cb CreditBalance
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, balance, updated_at FROM credits WHERE user_id = $1", userID,
	).Scan(&cb.UserID, &cb.Balance, &cb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &cb, err
}

func (s *PostgresStore) CreateCreditBalance(ctx context.Context, cb *CreditBalance) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credits (user_id, balance, updated_at) VALUES ($1, $2, $3)",
		cb.UserID, cb.Balance, cb.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateBalanceIf(ctx context.Context, userID string, expected, balance int64, updatedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE credits SET balance = $1, updated_at = $2 WHERE user_id = $3 AND balance = $4",
		balance, updatedAt, userID, expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SetBalance(ctx context.Context, userID string, balance int64, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (user_id, balance, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT(user_id) DO UPDATE SET balance=excluded.balance, updated_at=excluded.updated_at`,
		userID, balance, updatedAt,
	)
	return err
}

// --- Credit transactions ---

func (s *PostgresStore) AppendCreditTransaction(ctx context.Context, tx *CreditTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, description, transaction_type, subscription_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.UserID, tx.Amount, tx.Description, tx.TransactionType, tx.SubscriptionID, tx.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, description, transaction_type, subscription_id, created_at
		 FROM credit_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
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

func (s *PostgresStore) CreditStatsSince(ctx context.Context, userID string, since time.Time) (*CreditStats, error) {
	var st CreditStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		        COUNT(*)
		 FROM credit_transactions WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&st.TotalUsed, &st.TotalAdded, &st.TransactionCount)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	var start, end sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_customer_id, stripe_subscription_id, status, plan_type,
		        current_period_start, current_period_end, updated_at
		 FROM subscriptions WHERE user_id = $1`, userID,
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

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, status, plan_type,
		                            current_period_start, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, userID, status string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = $1, updated_at = $2 WHERE user_id = $3",
		status, updatedAt, userID,
	)
	return err
}

// --- Billing event dedup ---

func (s *PostgresStore) WasBillingEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM billing_events WHERE id = $1", eventID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkBillingEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_events (id, event_type, processed_at) VALUES ($1, $2, $3)
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_events (id, action, user_id, detail, created_at) VALUES ($1, $2, $3, $4, $5)",
		event.ID, event.Action, event.UserID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
