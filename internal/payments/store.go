package payments

import (
	"context"
	"time"
)

// Store persists payment records.
//
// Uniqueness: (provider, provider_session_id) is always unique, and
// (provider, provider_payment_id) is unique once the payment ID is set.
// Violations surface as *DuplicateError.
type Store interface {
	// Create inserts a new payment record.
	Create(ctx context.Context, p *Payment) error

	// Get returns a payment by internal ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Payment, error)

	// GetBySession returns the payment for a provider checkout session,
	// or ErrNotFound.
	GetBySession(ctx context.Context, provider, sessionID string) (*Payment, error)

	// GetByProviderPaymentID returns the payment carrying the given
	// provider payment ID, or ErrNotFound.
	GetByProviderPaymentID(ctx context.Context, provider, paymentID string) (*Payment, error)

	// Update replaces the stored record, but only if its current status
	// equals expectStatus. A status mismatch returns the freshly loaded
	// record's state wrapped in *IllegalTransitionError; this is the CAS
	// that keeps concurrent webhook deliveries from racing each other.
	Update(ctx context.Context, p *Payment, expectStatus Status) error

	// MarkCreditsAdded flips the credits_added flag, but only on a
	// completed record that has not been credited yet. Returns false
	// (with nil error) when the guard fails, which makes webhook replays
	// a no-op rather than a double grant.
	MarkCreditsAdded(ctx context.Context, id, creditTransactionID string) (bool, error)

	// ListByUser returns the user's payments, newest first. An empty
	// status matches all statuses.
	ListByUser(ctx context.Context, userID string, status Status, limit, offset int) ([]*Payment, error)

	// ListExpiredPending returns pending or processing payments whose
	// expiry has passed.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Payment, error)

	// ListUncredited returns completed payments with credits_added false,
	// oldest first.
	ListUncredited(ctx context.Context, limit int) ([]*Payment, error)

	// CountCompletedByUser returns how many credited purchases the user
	// has. Used for first-purchase promotions.
	CountCompletedByUser(ctx context.Context, userID string) (int64, error)

	// Stats aggregates the payment table.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
