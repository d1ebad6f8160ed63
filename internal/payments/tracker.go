package payments

import (
	"context"
	"errors"
	"time"

	"github.com/pixelforge/credits-server/internal/logger"
)

// Tracker is the payment lifecycle API. It enforces the state machine
// and delegates the compare-and-swap updates to the Store.
type Tracker struct {
	store         Store
	sessionExpiry time.Duration
}

// NewTracker creates a payment tracker. sessionExpiry bounds how long a
// pending checkout stays claimable before the cleanup sweep expires it.
func NewTracker(store Store, sessionExpiry time.Duration) *Tracker {
	if sessionExpiry <= 0 {
		sessionExpiry = 30 * time.Minute
	}
	return &Tracker{store: store, sessionExpiry: sessionExpiry}
}

// CreateInput describes a new pending payment.
type CreateInput struct {
	UserID            string
	Provider          string
	ProviderSessionID string
	ItemKind          string
	ItemID            string
	Credits           int64
	AmountCents       int64
	Currency          string
	CouponCode        string
	DiscountCents     int64
	Metadata          map[string]string
}

// CreatePending records a new checkout session in the pending state.
// Creating a second record for the same provider session fails with
// *DuplicateError.
func (t *Tracker) CreatePending(ctx context.Context, in CreateInput) (*Payment, error) {
	now := time.Now().UTC()
	p := &Payment{
		ID:                newPaymentID(),
		UserID:            in.UserID,
		Provider:          in.Provider,
		ProviderSessionID: in.ProviderSessionID,
		ItemKind:          in.ItemKind,
		ItemID:            in.ItemID,
		Credits:           in.Credits,
		AmountCents:       in.AmountCents,
		Currency:          in.Currency,
		CouponCode:        in.CouponCode,
		DiscountCents:     in.DiscountCents,
		Metadata:          in.Metadata,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(t.sessionExpiry),
	}

	if err := t.store.Create(ctx, p); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("payment_id", p.ID).
		Str("user_id", logger.RedactUserID(p.UserID)).
		Str("session_id", p.ProviderSessionID).
		Str("item_id", p.ItemID).
		Int64("amount_cents", p.AmountCents).
		Msg("pending payment created")
	return p, nil
}

// Get returns a payment by internal ID.
func (t *Tracker) Get(ctx context.Context, id string) (*Payment, error) {
	return t.store.Get(ctx, id)
}

// GetBySession returns the payment for a provider checkout session.
func (t *Tracker) GetBySession(ctx context.Context, provider, sessionID string) (*Payment, error) {
	return t.store.GetBySession(ctx, provider, sessionID)
}

// GetByProviderPaymentID returns the payment for a provider payment ID.
func (t *Tracker) GetByProviderPaymentID(ctx context.Context, provider, paymentID string) (*Payment, error) {
	return t.store.GetByProviderPaymentID(ctx, provider, paymentID)
}

// IsDuplicate reports whether the session has already granted credits.
// Unknown sessions are not duplicates.
func (t *Tracker) IsDuplicate(ctx context.Context, provider, sessionID string) (bool, error) {
	p, err := t.store.GetBySession(ctx, provider, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.CreditsAdded, nil
}

// MarkProcessing moves a pending payment to processing.
func (t *Tracker) MarkProcessing(ctx context.Context, id string) (*Payment, error) {
	return t.transition(ctx, id, StatusProcessing, nil)
}

// MarkCompleted moves a payment to completed, recording the provider's
// payment and customer IDs.
func (t *Tracker) MarkCompleted(ctx context.Context, id, providerPaymentID, customerID string) (*Payment, error) {
	return t.transition(ctx, id, StatusCompleted, func(p *Payment) {
		now := time.Now().UTC()
		p.CompletedAt = &now
		if providerPaymentID != "" {
			p.ProviderPaymentID = providerPaymentID
		}
		if customerID != "" {
			p.ProviderCustomerID = customerID
		}
	})
}

// MarkFailed moves a payment to failed with the provider's error detail.
func (t *Tracker) MarkFailed(ctx context.Context, id, failureCode, failureMessage string) (*Payment, error) {
	return t.transition(ctx, id, StatusFailed, func(p *Payment) {
		p.FailureCode = failureCode
		p.FailureMessage = failureMessage
	})
}

// MarkExpired moves a payment to expired.
func (t *Tracker) MarkExpired(ctx context.Context, id string) (*Payment, error) {
	return t.transition(ctx, id, StatusExpired, nil)
}

// MarkCancelled moves a payment to cancelled.
func (t *Tracker) MarkCancelled(ctx context.Context, id string) (*Payment, error) {
	return t.transition(ctx, id, StatusCancelled, nil)
}

// MarkRefunded records a monetary refund with its reason. Partial
// refunds accumulate; once the full amount is refunded the payment
// reaches the refunded state, otherwise it is partially refunded.
func (t *Tracker) MarkRefunded(ctx context.Context, id string, amountCents int64, reason string) (*Payment, error) {
	if amountCents <= 0 {
		return nil, errors.New("payments: refund amount must be positive")
	}

	p, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	total := p.RefundedCents + amountCents
	if total > p.AmountCents {
		return nil, errors.New("payments: refund exceeds amount paid")
	}

	to := StatusPartiallyRefunded
	if total == p.AmountCents {
		to = StatusRefunded
	}
	if !CanTransition(p.Status, to) {
		return nil, &IllegalTransitionError{PaymentID: p.ID, From: p.Status, To: to}
	}

	now := time.Now().UTC()
	from := p.Status
	p.Status = to
	p.RefundedCents = total
	if reason != "" {
		p.RefundReason = reason
	}
	p.RefundedAt = &now
	p.UpdatedAt = now
	if err := t.store.Update(ctx, p, from); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("payment_id", p.ID).
		Int64("refunded_cents", amountCents).
		Int64("total_refunded_cents", total).
		Str("status", string(to)).
		Msg("payment refunded")
	return p, nil
}

// MarkCreditsAdded records that the payment's credits landed in the
// ledger. Returns false when the payment was already credited or is not
// completed, which callers treat as "someone else got here first".
func (t *Tracker) MarkCreditsAdded(ctx context.Context, id, creditTransactionID string) (bool, error) {
	applied, err := t.store.MarkCreditsAdded(ctx, id, creditTransactionID)
	if err != nil {
		return false, err
	}
	if applied {
		log := logger.FromContext(ctx)
		log.Info().
			Str("payment_id", id).
			Str("credit_transaction_id", creditTransactionID).
			Msg("payment credited")
	}
	return applied, nil
}

// CleanupExpired expires pending and processing payments whose session
// expiry has passed. Returns how many were expired.
func (t *Tracker) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := t.store.ListExpiredPending(ctx, time.Now().UTC(), 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range expired {
		if _, err := t.MarkExpired(ctx, p.ID); err != nil {
			// Another writer may have raced us to a terminal state.
			var illegal *IllegalTransitionError
			if errors.As(err, &illegal) {
				continue
			}
			return count, err
		}
		count++
	}

	if count > 0 {
		log := logger.FromContext(ctx)
		log.Info().Int("count", count).Msg("expired stale pending payments")
	}
	return count, nil
}

// ListUncredited returns completed payments whose credits have not been
// granted, oldest first.
func (t *Tracker) ListUncredited(ctx context.Context, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return t.store.ListUncredited(ctx, limit)
}

// UserPayments returns a page of the user's payments, newest first,
// optionally filtered by status.
func (t *Tracker) UserPayments(ctx context.Context, userID string, status Status, limit, offset int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return t.store.ListByUser(ctx, userID, status, limit, offset)
}

// IsFirstPurchase reports whether the user has no credited purchases yet.
func (t *Tracker) IsFirstPurchase(ctx context.Context, userID string) (bool, error) {
	n, err := t.store.CountCompletedByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Stats aggregates the payment table for operators.
func (t *Tracker) Stats(ctx context.Context) (*Stats, error) {
	return t.store.Stats(ctx)
}

// transition loads the payment, checks the state machine, applies the
// mutation, and writes back with a status CAS.
func (t *Tracker) transition(ctx context.Context, id string, to Status, mutate func(*Payment)) (*Payment, error) {
	p, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(p.Status, to) {
		return nil, &IllegalTransitionError{PaymentID: p.ID, From: p.Status, To: to}
	}

	from := p.Status
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(p)
	}

	if err := t.store.Update(ctx, p, from); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("payment_id", p.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("payment status changed")
	return p, nil
}
