package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTracker() *Tracker {
	return NewTracker(NewMemoryStore(), 30*time.Minute)
}

func createTestPayment(t *testing.T, tr *Tracker, sessionID string) *Payment {
	t.Helper()
	p, err := tr.CreatePending(context.Background(), CreateInput{
		UserID:            "user-1",
		Provider:          "stripe",
		ProviderSessionID: sessionID,
		ItemKind:          "package",
		ItemID:            "starter",
		Credits:           100,
		AmountCents:       2000,
		Currency:          "usd",
	})
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	return p
}

func TestCreatePending(t *testing.T) {
	tr := newTestTracker()
	p := createTestPayment(t, tr, "cs_1")

	if p.Status != StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.ExpiresAt.Before(p.CreatedAt) {
		t.Error("expiry not set after creation time")
	}
	if p.CreditsAdded {
		t.Error("new payment should not be credited")
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	tr := newTestTracker()
	createTestPayment(t, tr, "cs_1")

	_, err := tr.CreatePending(context.Background(), CreateInput{
		UserID:            "user-2",
		Provider:          "stripe",
		ProviderSessionID: "cs_1",
	})
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.Field != "session_id" {
		t.Errorf("duplicate field = %s, want session_id", dup.Field)
	}
}

func TestSameSessionDifferentProviderAllowed(t *testing.T) {
	tr := newTestTracker()
	createTestPayment(t, tr, "cs_1")

	_, err := tr.CreatePending(context.Background(), CreateInput{
		UserID:            "user-1",
		Provider:          "paddle",
		ProviderSessionID: "cs_1",
	})
	if err != nil {
		t.Errorf("same session under different provider should be allowed: %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	tests := []struct {
		from, to Status
		legal    bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRefunded, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusPartiallyRefunded, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusPartiallyRefunded, StatusRefunded, true},
		{StatusPartiallyRefunded, StatusPartiallyRefunded, true},
		{StatusFailed, StatusCompleted, false},
		{StatusExpired, StatusCompleted, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusRefunded, StatusPartiallyRefunded, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.legal {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.legal)
		}
	}

	for _, terminal := range []Status{StatusFailed, StatusExpired, StatusCancelled, StatusRefunded} {
		if !terminal.Terminal() {
			t.Errorf("%s should be terminal", terminal)
		}
	}
	if StatusCompleted.Terminal() {
		t.Error("completed should not be terminal")
	}
}

func TestMarkCompleted(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	p := createTestPayment(t, tr, "cs_1")

	updated, err := tr.MarkCompleted(ctx, p.ID, "pi_123", "cus_456")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", updated.Status)
	}
	if updated.ProviderPaymentID != "pi_123" || updated.ProviderCustomerID != "cus_456" {
		t.Errorf("provider IDs not recorded: %+v", updated)
	}
	if updated.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Lookup by the provider payment ID now works.
	found, err := tr.GetByProviderPaymentID(ctx, "stripe", "pi_123")
	if err != nil {
		t.Fatalf("GetByProviderPaymentID: %v", err)
	}
	if found.ID != p.ID {
		t.Errorf("found %s, want %s", found.ID, p.ID)
	}
}

func TestIllegalTransitions(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	p := createTestPayment(t, tr, "cs_1")

	if _, err := tr.MarkFailed(ctx, p.ID, "card_declined", "declined"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	_, err := tr.MarkCompleted(ctx, p.ID, "pi_x", "")
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != StatusFailed || illegal.To != StatusCompleted {
		t.Errorf("transition detail = %+v", illegal)
	}
}

func TestMarkRefunded(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	p := createTestPayment(t, tr, "cs_1")
	if _, err := tr.MarkCompleted(ctx, p.ID, "pi_1", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	partial, err := tr.MarkRefunded(ctx, p.ID, 500, "requested_by_customer")
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.Status != StatusPartiallyRefunded || partial.RefundedCents != 500 {
		t.Errorf("after partial refund: %s, %d cents", partial.Status, partial.RefundedCents)
	}
	if partial.RefundReason != "requested_by_customer" {
		t.Errorf("refund reason = %q", partial.RefundReason)
	}
	if partial.RefundedAt == nil {
		t.Error("RefundedAt not set")
	}

	full, err := tr.MarkRefunded(ctx, p.ID, 1500, "")
	if err != nil {
		t.Fatalf("completing refund: %v", err)
	}
	if full.Status != StatusRefunded || full.RefundedCents != 2000 {
		t.Errorf("after full refund: %s, %d cents", full.Status, full.RefundedCents)
	}
	// A reason-less follow-up keeps the earlier reason.
	if full.RefundReason != "requested_by_customer" {
		t.Errorf("refund reason after second refund = %q", full.RefundReason)
	}

	// Refunded is terminal and over-refunds are rejected.
	if _, err := tr.MarkRefunded(ctx, p.ID, 1, ""); err == nil {
		t.Error("refund beyond amount paid should fail")
	}
}

func TestRefundRequiresCompletion(t *testing.T) {
	tr := newTestTracker()
	p := createTestPayment(t, tr, "cs_1")

	_, err := tr.MarkRefunded(context.Background(), p.ID, 500, "")
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Errorf("expected IllegalTransitionError, got %v", err)
	}
}

func TestMarkCreditsAddedIdempotent(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	p := createTestPayment(t, tr, "cs_1")

	// Not completed yet: guard fails without error.
	applied, err := tr.MarkCreditsAdded(ctx, p.ID, "txn_1")
	if err != nil {
		t.Fatalf("MarkCreditsAdded: %v", err)
	}
	if applied {
		t.Error("pending payment should not accept credits")
	}

	if _, err := tr.MarkCompleted(ctx, p.ID, "pi_1", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	applied, err = tr.MarkCreditsAdded(ctx, p.ID, "txn_1")
	if err != nil || !applied {
		t.Fatalf("first credit: applied=%v err=%v", applied, err)
	}

	// Replay is a no-op.
	applied, err = tr.MarkCreditsAdded(ctx, p.ID, "txn_2")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Error("replay should not re-apply credits")
	}

	got, _ := tr.Get(ctx, p.ID)
	if got.CreditTransactionID != "txn_1" {
		t.Errorf("credit transaction id = %q, want txn_1", got.CreditTransactionID)
	}
	if got.CreditsAddedAt == nil {
		t.Error("CreditsAddedAt not set")
	}

	if _, err := tr.MarkCreditsAdded(ctx, "pay_missing", "txn"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIsDuplicate(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()
	p := createTestPayment(t, tr, "cs_1")

	if dup, _ := tr.IsDuplicate(ctx, "stripe", "cs_unknown"); dup {
		t.Error("unknown session flagged as duplicate")
	}
	if dup, _ := tr.IsDuplicate(ctx, "stripe", "cs_1"); dup {
		t.Error("uncredited session flagged as duplicate")
	}

	tr.MarkCompleted(ctx, p.ID, "pi_1", "")
	tr.MarkCreditsAdded(ctx, p.ID, "txn_1")

	if dup, _ := tr.IsDuplicate(ctx, "stripe", "cs_1"); !dup {
		t.Error("credited session should be a duplicate")
	}
}

func TestCleanupExpired(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), time.Millisecond)
	ctx := context.Background()

	stale := createTestPayment(t, tr, "cs_stale")
	time.Sleep(5 * time.Millisecond)

	// A payment completed before cleanup must not be expired.
	fresh := createTestPayment(t, tr, "cs_fresh")
	if _, err := tr.MarkCompleted(ctx, fresh.ID, "pi_1", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	n, err := tr.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expired count = %d, want 1", n)
	}

	got, _ := tr.Get(ctx, stale.ID)
	if got.Status != StatusExpired {
		t.Errorf("stale payment status = %s, want expired", got.Status)
	}
	got, _ = tr.Get(ctx, fresh.ID)
	if got.Status != StatusCompleted {
		t.Errorf("completed payment status = %s, want completed", got.Status)
	}
}

func TestListUncredited(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	a := createTestPayment(t, tr, "cs_a")
	b := createTestPayment(t, tr, "cs_b")
	tr.MarkCompleted(ctx, a.ID, "pi_a", "")
	tr.MarkCompleted(ctx, b.ID, "pi_b", "")
	tr.MarkCreditsAdded(ctx, a.ID, "txn_a")

	uncredited, err := tr.ListUncredited(ctx, 0)
	if err != nil {
		t.Fatalf("ListUncredited: %v", err)
	}
	if len(uncredited) != 1 || uncredited[0].ID != b.ID {
		t.Errorf("uncredited = %+v, want only %s", uncredited, b.ID)
	}
}

func TestIsFirstPurchase(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	if first, _ := tr.IsFirstPurchase(ctx, "user-1"); !first {
		t.Error("user with no payments should be first-purchase")
	}

	p := createTestPayment(t, tr, "cs_1")
	tr.MarkCompleted(ctx, p.ID, "pi_1", "")

	// Completed but not credited still counts as first purchase.
	if first, _ := tr.IsFirstPurchase(ctx, "user-1"); !first {
		t.Error("uncredited payment should not end first-purchase eligibility")
	}

	tr.MarkCreditsAdded(ctx, p.ID, "txn_1")
	if first, _ := tr.IsFirstPurchase(ctx, "user-1"); first {
		t.Error("credited payment should end first-purchase eligibility")
	}
}

func TestStats(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	a := createTestPayment(t, tr, "cs_a")
	b := createTestPayment(t, tr, "cs_b")
	createTestPayment(t, tr, "cs_c")

	tr.MarkCompleted(ctx, a.ID, "pi_a", "")
	tr.MarkCreditsAdded(ctx, a.ID, "txn_a")
	tr.MarkCompleted(ctx, b.ID, "pi_b", "")

	stats, err := tr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[StatusPending] != 1 || stats.ByStatus[StatusCompleted] != 2 {
		t.Errorf("by status = %+v", stats.ByStatus)
	}
	if stats.TotalCompleted != 2 {
		t.Errorf("total completed = %d, want 2", stats.TotalCompleted)
	}
	if stats.TotalRevenueCents != 4000 {
		t.Errorf("revenue = %d, want 4000", stats.TotalRevenueCents)
	}
	if stats.TotalCreditsGranted != 100 {
		t.Errorf("credits granted = %d, want 100", stats.TotalCreditsGranted)
	}
	if stats.UncreditedCompleted != 1 {
		t.Errorf("uncredited completed = %d, want 1", stats.UncreditedCompleted)
	}
}

func TestUserPayments(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	createTestPayment(t, tr, "cs_a")
	createTestPayment(t, tr, "cs_b")
	tr.CreatePending(ctx, CreateInput{UserID: "user-2", Provider: "stripe", ProviderSessionID: "cs_other"})

	mine, err := tr.UserPayments(ctx, "user-1", "", 0, 0)
	if err != nil {
		t.Fatalf("UserPayments: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("user payments = %d, want 2", len(mine))
	}
	for _, p := range mine {
		if p.UserID != "user-1" {
			t.Errorf("foreign payment in results: %+v", p)
		}
	}

	// Status filter narrows the page.
	if _, err := tr.MarkCompleted(ctx, mine[0].ID, "pi_filter", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	completed, err := tr.UserPayments(ctx, "user-1", StatusCompleted, 0, 0)
	if err != nil {
		t.Fatalf("UserPayments filtered: %v", err)
	}
	if len(completed) != 1 || completed[0].Status != StatusCompleted {
		t.Errorf("filtered payments = %+v, want one completed", completed)
	}
}
