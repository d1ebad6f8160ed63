// Package payments tracks the lifecycle of provider checkouts from
// pending session to terminal state. Records are keyed by provider
// session so webhook deliveries can be correlated and replays detected.
package payments

import (
	"time"

	"github.com/google/uuid"
)

// Status is a payment lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusExpired           Status = "expired"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// transitions is the forward-only state machine. A status not present
// here is terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusCompleted:  {StatusRefunded, StatusPartiallyRefunded},
	// Further partial refunds accumulate until the payment is fully refunded.
	StatusPartiallyRefunded: {StatusRefunded, StatusPartiallyRefunded},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Known reports whether s is one of the lifecycle statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusExpired, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Payment is one tracked checkout. ProviderSessionID is unique per
// provider; ProviderPaymentID is set once the provider confirms payment
// and is unique per provider as well.
type Payment struct {
	ID                 string `json:"id"`
	UserID             string `json:"user_id"`
	Provider           string `json:"provider"`
	ProviderSessionID  string `json:"provider_session_id"`
	ProviderPaymentID  string `json:"provider_payment_id,omitempty"`
	ProviderCustomerID string `json:"provider_customer_id,omitempty"`

	ItemKind string `json:"item_kind"` // "package" or "subscription"
	ItemID   string `json:"item_id"`
	Credits  int64  `json:"credits"` // Credits this payment grants when completed

	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	CouponCode    string `json:"coupon_code,omitempty"`
	DiscountCents int64  `json:"discount_cents,omitempty"`

	Status Status `json:"status"`

	// Crediting is recorded separately from completion so a crash between
	// the two is recoverable: completed records with CreditsAdded false
	// are picked up by reconciliation.
	CreditsAdded        bool       `json:"credits_added"`
	CreditTransactionID string     `json:"credit_transaction_id,omitempty"`
	CreditsAddedAt      *time.Time `json:"credits_added_at,omitempty"`

	RefundedCents  int64      `json:"refunded_cents,omitempty"`
	RefundReason   string     `json:"refund_reason,omitempty"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`
	FailureCode    string     `json:"failure_code,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// newPaymentID mints a prefixed unique ID for payment records.
func newPaymentID() string {
	return "pay_" + uuid.NewString()
}

// Stats summarizes the payment table for operators.
type Stats struct {
	ByStatus            map[Status]int64 `json:"by_status"`
	TotalCompleted      int64            `json:"total_completed"`
	TotalRevenueCents   int64            `json:"total_revenue_cents"`   // Completed payments, net of discounts
	TotalRefundedCents  int64            `json:"total_refunded_cents"`
	TotalCreditsGranted int64            `json:"total_credits_granted"` // Sum of credits on credited payments
	UncreditedCompleted int64            `json:"uncredited_completed"`  // Completed but not yet credited
}
