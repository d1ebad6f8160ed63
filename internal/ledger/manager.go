package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixelforge/credits-server/internal/logger"
)

// Manager is the credit ledger's public API. It validates requests,
// delegates atomicity to the Store, and logs every balance mutation.
type Manager struct {
	store Store
}

// NewManager creates a ledger manager on top of the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GetBalance returns the user's current credit balance. Users with no
// ledger history have a balance of zero.
func (m *Manager) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	return m.store.Balance(ctx, userID)
}

// Add grants credits to a user. The type must be a credit-granting type
// (purchase, bonuses, refund, promotion).
func (m *Manager) Add(ctx context.Context, in ApplyInput) (*Transaction, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, invalidf("credit amount must be positive, got %d", in.Amount)
	}
	switch in.Type {
	case TypeDeduction:
		return nil, invalidf("cannot add credits with type %s", in.Type)
	}

	tx, err := m.store.Apply(ctx, in)
	if errors.Is(err, ErrDuplicateReference) {
		// Another writer landed the same reference first; return their
		// transaction so replays are indistinguishable from the original.
		return m.store.TransactionByReference(ctx, in.UserID, in.Reference, in.Type)
	}
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("user_id", logger.RedactUserID(in.UserID)).
		Str("transaction_id", tx.ID).
		Str("type", string(tx.Type)).
		Int64("amount", tx.Amount).
		Int64("balance_after", tx.BalanceAfter).
		Msg("credits added")
	return tx, nil
}

// Deduct consumes credits from a user. Fails with
// *InsufficientCreditsError when the balance cannot cover the amount.
func (m *Manager) Deduct(ctx context.Context, userID string, amount int64, description, reference string) (*Transaction, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if amount <= 0 {
		return nil, invalidf("deduction amount must be positive, got %d", amount)
	}

	tx, err := m.store.Apply(ctx, ApplyInput{
		UserID:      userID,
		Type:        TypeDeduction,
		Amount:      -amount,
		Description: description,
		Reference:   reference,
	})
	if errors.Is(err, ErrDuplicateReference) {
		return m.store.TransactionByReference(ctx, userID, reference, TypeDeduction)
	}
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("user_id", logger.RedactUserID(userID)).
		Str("transaction_id", tx.ID).
		Int64("amount", amount).
		Int64("balance_after", tx.BalanceAfter).
		Msg("credits deducted")
	return tx, nil
}

// AdjustBalance applies a signed admin adjustment. Negative adjustments
// may not take the balance below zero.
func (m *Manager) AdjustBalance(ctx context.Context, userID string, delta int64, reason, adminID string) (*Transaction, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if delta == 0 {
		return nil, invalidf("adjustment delta must be non-zero")
	}
	if reason == "" {
		return nil, invalidf("adjustment reason is required")
	}

	meta := map[string]string{"admin_id": adminID}
	tx, err := m.store.Apply(ctx, ApplyInput{
		UserID:      userID,
		Type:        TypeAdminAdjustment,
		Amount:      delta,
		Description: reason,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Warn().
		Str("user_id", logger.RedactUserID(userID)).
		Str("transaction_id", tx.ID).
		Str("admin_id", adminID).
		Int64("delta", delta).
		Int64("balance_after", tx.BalanceAfter).
		Msg("admin balance adjustment")
	return tx, nil
}

// RefundTransaction reverses an earlier deduction, returning its credits.
// The refund references the original transaction ID, and refunding the
// same transaction twice fails with ErrAlreadyRefunded.
func (m *Manager) RefundTransaction(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	orig, err := m.store.Transaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.Type != TypeDeduction {
		return nil, invalidf("only deductions can be refunded, transaction %s has type %s", transactionID, orig.Type)
	}

	// Deduction amounts are negative; the refund returns the absolute value.
	if _, err := m.store.TransactionByReference(ctx, orig.UserID, orig.ID, TypeRefund); err == nil {
		return nil, ErrAlreadyRefunded
	} else if err != ErrNotFound {
		return nil, err
	}

	if reason == "" {
		reason = fmt.Sprintf("refund of transaction %s", orig.ID)
	}

	tx, err := m.store.Apply(ctx, ApplyInput{
		UserID:      orig.UserID,
		Type:        TypeRefund,
		Amount:      -orig.Amount,
		Description: reason,
		Reference:   orig.ID,
	})
	if errors.Is(err, ErrDuplicateReference) {
		// A concurrent refund of the same transaction won the race.
		return nil, ErrAlreadyRefunded
	}
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("user_id", logger.RedactUserID(orig.UserID)).
		Str("transaction_id", tx.ID).
		Str("refunded_transaction_id", orig.ID).
		Int64("amount", tx.Amount).
		Msg("transaction refunded")
	return tx, nil
}

// TransactionByReference looks up a transaction by its reference and
// type. Callers use it for idempotency checks before granting credits.
func (m *Manager) TransactionByReference(ctx context.Context, userID, reference string, txType TransactionType) (*Transaction, error) {
	if userID == "" || reference == "" {
		return nil, invalidf("user id and reference are required")
	}
	return m.store.TransactionByReference(ctx, userID, reference, txType)
}

// History returns a page of the user's transaction log, newest first.
func (m *Manager) History(ctx context.Context, userID string, f HistoryFilter) ([]*Transaction, error) {
	if userID == "" {
		return nil, invalidf("user id is required")
	}
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return m.store.Transactions(ctx, userID, f)
}

// Totals returns the user's lifetime earned and spent credit totals.
func (m *Manager) Totals(ctx context.Context, userID string) (earned, spent int64, err error) {
	if userID == "" {
		return 0, 0, invalidf("user id is required")
	}
	return m.store.Totals(ctx, userID)
}

func validateInput(in ApplyInput) error {
	if in.UserID == "" {
		return invalidf("user id is required")
	}
	if !in.Type.Valid() {
		return invalidf("unknown transaction type %q", in.Type)
	}
	return nil
}
