// Package ledger maintains per-user credit balances backed by an
// append-only transaction log. Every balance mutation goes through an
// atomic Store.Apply call that records the balance before and after,
// so the log fully explains the current balance.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// newTransactionID mints a prefixed unique ID for ledger entries.
func newTransactionID() string {
	return "txn_" + uuid.NewString()
}

// TransactionType classifies why credits moved.
type TransactionType string

const (
	TypePurchase        TransactionType = "purchase"
	TypeSignupBonus     TransactionType = "signup_bonus"
	TypeReferralBonus   TransactionType = "referral_bonus"
	TypeDeduction       TransactionType = "deduction"
	TypeRefund          TransactionType = "refund"
	TypeAdminAdjustment TransactionType = "admin_adjustment"
	TypePromotion       TransactionType = "promotion"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypePurchase, TypeSignupBonus, TypeReferralBonus,
		TypeDeduction, TypeRefund, TypeAdminAdjustment, TypePromotion:
		return true
	}
	return false
}

// Balance is a user's current credit balance.
type Balance struct {
	UserID    string    `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one immutable entry in the credit log. Amount is signed:
// positive entries grant credits, negative entries consume them. The
// invariant BalanceAfter == BalanceBefore + Amount always holds.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Description   string            `json:"description,omitempty"`
	Reference     string            `json:"reference,omitempty"` // Payment ID, original transaction ID, etc.
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// HistoryFilter selects a page of a user's transaction history.
type HistoryFilter struct {
	Type   TransactionType // Empty matches all types
	Limit  int             // 0 means a default page size
	Offset int
}

// DefaultHistoryLimit caps unbounded history queries.
const DefaultHistoryLimit = 50
