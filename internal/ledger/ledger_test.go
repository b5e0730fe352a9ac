package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhq/tally/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, slog.Default()), s
}

func seedUser(t *testing.T, l *Ledger, balance int64) string {
	t.Helper()
	userID := uuid.New().String()
	if err := l.Grant(context.Background(), userID, balance); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	return userID
}

func TestGrantIsLazy(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := uuid.New().String()

	if err := l.Grant(ctx, userID, 100); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	// Second grant must not touch an existing balance.
	if _, err := l.Consume(ctx, userID, 30, "work"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := l.Grant(ctx, userID, 100); err != nil {
		t.Fatalf("Grant (existing): %v", err)
	}

	cb, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if cb.Balance != 70 {
		t.Errorf("balance: got %d, want 70", cb.Balance)
	}
}

func TestConsume(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 100)

	balance, err := l.Consume(ctx, userID, 10, "Monthly report generation")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if balance != 90 {
		t.Errorf("balance: got %d, want 90", balance)
	}

	// Overdraw fails with the current balance attached, balance untouched.
	_, err = l.Consume(ctx, userID, 95, "x")
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("overdraw: got %v, want InsufficientCreditsError", err)
	}
	if insufficient.Balance != 90 {
		t.Errorf("error balance: got %d, want 90", insufficient.Balance)
	}
	cb, _ := l.Balance(ctx, userID)
	if cb.Balance != 90 {
		t.Errorf("balance after failed consume: got %d, want 90", cb.Balance)
	}

	// One usage transaction of -10 plus the initial grant.
	txs, err := s.ListCreditTransactions(ctx, userID, 50, 0)
	if err != nil {
		t.Fatalf("ListCreditTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("transactions: got %d, want 2", len(txs))
	}
	if txs[0].Amount != -10 || txs[0].TransactionType != store.TxUsage {
		t.Errorf("usage transaction: got %+v", txs[0])
	}
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 100)

	for _, amount := range []int64{0, -5} {
		if _, err := l.Consume(ctx, userID, amount, "x"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Consume(%d): got %v, want ErrInvalidAmount", amount, err)
		}
	}
	cb, _ := l.Balance(ctx, userID)
	if cb.Balance != 100 {
		t.Errorf("balance: got %d, want 100", cb.Balance)
	}
}

func TestConsumeUnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Consume(context.Background(), "ghost", 1, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := l.Balance(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Balance: got %v, want ErrNotFound", err)
	}
}

func TestAddRoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 100)

	balance, err := l.Add(ctx, userID, 25, "promo", store.TxBonus, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if balance != 125 {
		t.Errorf("balance after add: got %d, want 125", balance)
	}

	balance, err = l.Consume(ctx, userID, 25, "work")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if balance != 100 {
		t.Errorf("round trip balance: got %d, want 100", balance)
	}
}

func TestAddValidatesType(t *testing.T) {
	l, _ := newTestLedger(t)
	userID := seedUser(t, l, 100)

	if _, err := l.Add(context.Background(), userID, 10, "x", store.TxUsage, ""); err == nil {
		t.Fatal("Add with usage type should be rejected")
	}
	if _, err := l.Add(context.Background(), userID, 0, "x", store.TxBonus, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("Add(0): got %v, want ErrInvalidAmount", err)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 42)

	if err := l.Reset(ctx, userID, 100000); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	cb, _ := l.Balance(ctx, userID)
	if cb.Balance != 100000 {
		t.Errorf("balance: got %d, want 100000", cb.Balance)
	}

	// Reset also creates the row for users the ledger has never seen.
	fresh := uuid.New().String()
	if err := l.Reset(ctx, fresh, 100); err != nil {
		t.Fatalf("Reset (fresh): %v", err)
	}
	cb, err := l.Balance(ctx, fresh)
	if err != nil || cb.Balance != 100 {
		t.Fatalf("fresh balance: got %+v, err %v", cb, err)
	}

	if err := l.Reset(ctx, userID, -1); err == nil {
		t.Fatal("negative reset should be rejected")
	}
}

func TestHasEnough(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 10)

	if !l.HasEnough(ctx, userID, 10) {
		t.Error("HasEnough(10): got false, want true")
	}
	if l.HasEnough(ctx, userID, 11) {
		t.Error("HasEnough(11): got true, want false")
	}
	if l.HasEnough(ctx, "ghost", 1) {
		t.Error("HasEnough for unknown user: got true, want false")
	}
}

func TestStats(t *testing.T) {
	l, s := newTestLedger(t)
	ctx := context.Background()
	userID := uuid.New().String()
	now := time.Now()

	fixture := []struct {
		amount int64
		txType string
	}{
		{100, store.TxBonus},
		{-10, store.TxUsage},
		{-5, store.TxUsage},
	}
	for _, f := range fixture {
		err := s.AppendCreditTransaction(ctx, &store.CreditTransaction{
			ID:              uuid.New().String(),
			UserID:          userID,
			Amount:          f.amount,
			TransactionType: f.txType,
			CreatedAt:       now,
		})
		if err != nil {
			t.Fatalf("AppendCreditTransaction: %v", err)
		}
	}

	st, err := l.Stats(ctx, userID, 30)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalUsed != 15 || st.TotalAdded != 100 || st.TransactionCount != 3 {
		t.Errorf("stats: got %+v, want {15 100 3}", st)
	}
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	userID := seedUser(t, l, 100)

	// 20 workers each try to take 10; at most 10 can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(ctx, userID, 10, "race"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	cb, err := l.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if cb.Balance < 0 {
		t.Fatalf("balance went negative: %d", cb.Balance)
	}
	if cb.Balance != 100-int64(succeeded)*10 {
		t.Errorf("balance %d inconsistent with %d successful consumes", cb.Balance, succeeded)
	}
}
