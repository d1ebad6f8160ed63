package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestManager() *Manager {
	return NewManager(NewMemoryStore())
}

func TestBalanceStartsAtZero(t *testing.T) {
	m := newTestManager()
	b, err := m.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if b.Credits != 0 {
		t.Errorf("new user balance = %d, want 0", b.Credits)
	}
}

func TestAddAndDeduct(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	added, err := m.Add(ctx, ApplyInput{
		UserID:      "user-1",
		Type:        TypePurchase,
		Amount:      100,
		Description: "starter pack",
		Reference:   "pay_123",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.BalanceBefore != 0 || added.BalanceAfter != 100 {
		t.Errorf("add balances = %d -> %d, want 0 -> 100", added.BalanceBefore, added.BalanceAfter)
	}

	deducted, err := m.Deduct(ctx, "user-1", 30, "api call", "job_1")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if deducted.Amount != -30 {
		t.Errorf("deduction amount = %d, want -30", deducted.Amount)
	}
	if deducted.BalanceAfter != 70 {
		t.Errorf("balance after deduct = %d, want 70", deducted.BalanceAfter)
	}

	b, _ := m.GetBalance(ctx, "user-1")
	if b.Credits != 70 {
		t.Errorf("final balance = %d, want 70", b.Credits)
	}
}

func TestDeductInsufficientCredits(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 10}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err := m.Deduct(ctx, "user-1", 25, "", "")
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Required != 25 || insufficient.Available != 10 || insufficient.Shortage() != 15 {
		t.Errorf("error detail = %+v, shortage %d", insufficient, insufficient.Shortage())
	}

	// Failed deduction must not touch the balance or the log.
	b, _ := m.GetBalance(ctx, "user-1")
	if b.Credits != 10 {
		t.Errorf("balance after failed deduct = %d, want 10", b.Credits)
	}
	history, _ := m.History(ctx, "user-1", HistoryFilter{})
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestValidationErrors(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"empty user on add", func() error {
			_, err := m.Add(ctx, ApplyInput{Type: TypePurchase, Amount: 10})
			return err
		}},
		{"zero amount add", func() error {
			_, err := m.Add(ctx, ApplyInput{UserID: "u", Type: TypePurchase, Amount: 0})
			return err
		}},
		{"negative amount add", func() error {
			_, err := m.Add(ctx, ApplyInput{UserID: "u", Type: TypePurchase, Amount: -5})
			return err
		}},
		{"deduction type via add", func() error {
			_, err := m.Add(ctx, ApplyInput{UserID: "u", Type: TypeDeduction, Amount: 5})
			return err
		}},
		{"unknown type", func() error {
			_, err := m.Add(ctx, ApplyInput{UserID: "u", Type: "mystery", Amount: 5})
			return err
		}},
		{"zero deduct", func() error {
			_, err := m.Deduct(ctx, "u", 0, "", "")
			return err
		}},
		{"zero adjustment", func() error {
			_, err := m.AdjustBalance(ctx, "u", 0, "reason", "admin")
			return err
		}},
		{"adjustment without reason", func() error {
			_, err := m.AdjustBalance(ctx, "u", 10, "", "admin")
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var invalid *InvalidTransactionError
			if !errors.As(err, &invalid) {
				t.Errorf("expected InvalidTransactionError, got %v", err)
			}
		})
	}
}

func TestAdjustBalance(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.AdjustBalance(ctx, "user-1", 50, "support credit", "admin-9"); err != nil {
		t.Fatalf("positive adjustment: %v", err)
	}

	tx, err := m.AdjustBalance(ctx, "user-1", -20, "correction", "admin-9")
	if err != nil {
		t.Fatalf("negative adjustment: %v", err)
	}
	if tx.BalanceAfter != 30 {
		t.Errorf("balance after adjustments = %d, want 30", tx.BalanceAfter)
	}
	if tx.Metadata["admin_id"] != "admin-9" {
		t.Errorf("adjustment metadata = %+v", tx.Metadata)
	}

	// An adjustment may not overdraw the balance.
	_, err = m.AdjustBalance(ctx, "user-1", -100, "bad correction", "admin-9")
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Errorf("expected InsufficientCreditsError, got %v", err)
	}
}

func TestRefundTransaction(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 100}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	deduction, err := m.Deduct(ctx, "user-1", 40, "failed job", "job_7")
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	refund, err := m.RefundTransaction(ctx, deduction.ID, "job failed before completion")
	if err != nil {
		t.Fatalf("RefundTransaction: %v", err)
	}
	if refund.Amount != 40 {
		t.Errorf("refund amount = %d, want 40", refund.Amount)
	}
	if refund.Reference != deduction.ID {
		t.Errorf("refund reference = %q, want %q", refund.Reference, deduction.ID)
	}
	if refund.BalanceAfter != 100 {
		t.Errorf("balance after refund = %d, want 100", refund.BalanceAfter)
	}

	// Second refund of the same deduction is rejected.
	if _, err := m.RefundTransaction(ctx, deduction.ID, "again"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestRefundRejectsNonDeductions(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	added, err := m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 100})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err = m.RefundTransaction(ctx, added.ID, "")
	var invalid *InvalidTransactionError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTransactionError, got %v", err)
	}

	if _, err := m.RefundTransaction(ctx, "txn_missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryOrderAndFilter(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypeSignupBonus, Amount: 25})
	m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 100})
	m.Deduct(ctx, "user-1", 10, "", "")
	m.Add(ctx, ApplyInput{UserID: "user-2", Type: TypePurchase, Amount: 999})

	history, err := m.History(ctx, "user-1", HistoryFilter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	// Newest first
	if history[0].Type != TypeDeduction || history[2].Type != TypeSignupBonus {
		t.Errorf("history order wrong: %s, %s, %s", history[0].Type, history[1].Type, history[2].Type)
	}

	// The log fully explains the balance: each entry's after equals the
	// next-newest entry's before.
	for i := 0; i < len(history)-1; i++ {
		if history[i].BalanceBefore != history[i+1].BalanceAfter {
			t.Errorf("chain broken between %s and %s", history[i+1].ID, history[i].ID)
		}
	}

	purchases, err := m.History(ctx, "user-1", HistoryFilter{Type: TypePurchase})
	if err != nil {
		t.Fatalf("History with filter: %v", err)
	}
	if len(purchases) != 1 || purchases[0].Amount != 100 {
		t.Errorf("filtered history = %+v", purchases)
	}

	paged, err := m.History(ctx, "user-1", HistoryFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("History with paging: %v", err)
	}
	if len(paged) != 1 || paged[0].Type != TypePurchase {
		t.Errorf("paged history = %+v", paged)
	}
}

func TestTotals(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 100})
	m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypeSignupBonus, Amount: 25})
	m.Deduct(ctx, "user-1", 40, "", "")
	m.Deduct(ctx, "user-1", 10, "", "")

	earned, spent, err := m.Totals(ctx, "user-1")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if earned != 125 {
		t.Errorf("earned = %d, want 125", earned)
	}
	if spent != 50 {
		t.Errorf("spent = %d, want 50", spent)
	}
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Add(ctx, ApplyInput{UserID: "user-1", Type: TypePurchase, Amount: 100}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// 20 goroutines each try to take 10 credits. Only 10 can succeed.
	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Deduct(ctx, "user-1", 10, "", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, failed int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *InsufficientCreditsError
		if !errors.As(err, &insufficient) {
			t.Errorf("unexpected error: %v", err)
		}
		failed++
	}

	if succeeded != 10 || failed != 10 {
		t.Errorf("succeeded = %d, failed = %d, want 10/10", succeeded, failed)
	}

	b, _ := m.GetBalance(ctx, "user-1")
	if b.Credits != 0 {
		t.Errorf("final balance = %d, want 0", b.Credits)
	}
}

func TestAddSameReferenceReturnsOriginal(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	in := ApplyInput{
		UserID:    "user-1",
		Type:      TypePurchase,
		Amount:    100,
		Reference: "pay_once",
	}
	first, err := m.Add(ctx, in)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	second, err := m.Add(ctx, in)
	if err != nil {
		t.Fatalf("replayed Add: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replayed Add returned transaction %s, want original %s", second.ID, first.ID)
	}

	b, _ := m.GetBalance(ctx, "user-1")
	if b.Credits != 100 {
		t.Errorf("balance = %d, want 100", b.Credits)
	}
}

func TestConcurrentAddsWithSameReferenceCreditOnce(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := m.Add(ctx, ApplyInput{
				UserID:    "user-1",
				Type:      TypePurchase,
				Amount:    100,
				Reference: "pay_race",
			})
			if err != nil {
				t.Errorf("Add: %v", err)
				return
			}
			ids <- tx.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("got %d distinct transactions, want 1", len(seen))
	}

	b, _ := m.GetBalance(ctx, "user-1")
	if b.Credits != 100 {
		t.Errorf("balance = %d, want 100", b.Credits)
	}
}
