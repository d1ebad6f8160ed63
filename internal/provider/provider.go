// Package provider abstracts the hosted-checkout payment provider. The
// events correlator and HTTP layer only see this interface; the concrete
// Stripe client lives behind it.
package provider

import (
	"context"
	"fmt"
)

// Error wraps a failed call to the provider's API, including calls
// rejected by the circuit breaker. These are transient from the
// caller's point of view and safe to retry.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CheckoutInput describes the checkout session to create.
type CheckoutInput struct {
	UserID      string
	ItemKind    string // "package" or "subscription"
	ItemID      string
	ItemName    string
	Credits     int64
	AmountCents int64
	Currency    string
	CouponCode  string
	Interval    string // Billing interval for subscriptions ("month", "year")
}

// CheckoutSession is a created hosted-checkout session.
type CheckoutSession struct {
	SessionID string
	URL       string // Where the user completes payment
}

// SessionStatus is the provider's authoritative view of a session, used
// to recover payments whose webhook never arrived.
type SessionStatus struct {
	SessionID   string
	Paid        bool
	PaymentID   string // Provider payment ID, set when paid
	CustomerID  string
	AmountCents int64
	Currency    string
}

// Client is the payment provider interface.
type Client interface {
	// Name identifies the provider on payment records ("stripe").
	Name() string

	// CreateCheckout opens a hosted checkout session.
	CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutSession, error)

	// VerifySession fetches the session's current state from the provider.
	VerifySession(ctx context.Context, sessionID string) (*SessionStatus, error)
}
