// Package events correlates externally observed payment events (webhook
// deliveries, recovery requests, background sweeps) with payment records
// and the credit ledger. It is the only place where a payment turns into
// credits, and every path through it is safe to replay.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pixelforge/credits-server/internal/catalog"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/metrics"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/internal/pricing"
	"github.com/pixelforge/credits-server/internal/provider"
)

// ErrPaymentNotCompleted is returned by ProcessMissedPayment when the
// provider reports the session as unpaid.
var ErrPaymentNotCompleted = errors.New("events: payment not completed at provider")

// Correlator wires payment events to the ledger.
type Correlator struct {
	ledger   *ledger.Manager
	tracker  *payments.Tracker
	catalog  *catalog.Loader
	provider provider.Client
	metrics  *metrics.Metrics
}

// NewCorrelator creates the event correlator. metrics may be nil.
func NewCorrelator(lm *ledger.Manager, tracker *payments.Tracker, loader *catalog.Loader, pc provider.Client, m *metrics.Metrics) *Correlator {
	return &Correlator{
		ledger:   lm,
		tracker:  tracker,
		catalog:  loader,
		provider: pc,
		metrics:  m,
	}
}

// StartCheckoutInput describes a checkout request from the HTTP layer.
type StartCheckoutInput struct {
	UserID     string
	ItemKind   pricing.ItemKind
	ItemID     string
	CouponCode string
}

// CheckoutResult is a started checkout: the priced quote, the provider's
// hosted URL, and the pending payment record tracking it.
type CheckoutResult struct {
	Quote   *pricing.Quote
	URL     string
	Payment *payments.Payment
}

// StartCheckout prices the item, opens a provider checkout session, and
// records the pending payment.
func (c *Correlator) StartCheckout(ctx context.Context, in StartCheckoutInput) (*CheckoutResult, error) {
	cat, err := c.catalog.Get()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	var quote *pricing.Quote
	var interval string
	switch in.ItemKind {
	case pricing.KindSubscription:
		quote, err = pricing.QuoteSubscription(cat, in.ItemID, in.CouponCode, time.Now())
		if err == nil {
			interval = cat.Subscription(in.ItemID).Interval
		}
	default:
		quote, err = pricing.QuotePackage(cat, in.ItemID, in.CouponCode, time.Now())
	}
	if err != nil {
		return nil, err
	}

	session, err := c.provider.CreateCheckout(ctx, provider.CheckoutInput{
		UserID:      in.UserID,
		ItemKind:    string(quote.ItemKind),
		ItemID:      quote.ItemID,
		ItemName:    quote.ItemName,
		Credits:     quote.Credits,
		AmountCents: quote.TotalCents,
		Currency:    quote.Currency,
		CouponCode:  quote.CouponCode,
		Interval:    interval,
	})
	if err != nil {
		return nil, err
	}

	payment, err := c.tracker.CreatePending(ctx, payments.CreateInput{
		UserID:            in.UserID,
		Provider:          c.provider.Name(),
		ProviderSessionID: session.SessionID,
		ItemKind:          string(quote.ItemKind),
		ItemID:            quote.ItemID,
		Credits:           quote.Credits,
		AmountCents:       quote.TotalCents,
		Currency:          quote.Currency,
		CouponCode:        quote.CouponCode,
		DiscountCents:     quote.DiscountCents,
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.CheckoutsTotal.WithLabelValues(string(quote.ItemKind)).Inc()
	}
	return &CheckoutResult{Quote: quote, URL: session.URL, Payment: payment}, nil
}

// CheckoutCompleted is a verified checkout.session.completed event.
type CheckoutCompleted struct {
	SessionID  string
	PaymentID  string // Provider payment ID
	CustomerID string
}

// HandleCheckoutCompleted completes the payment and grants its credits.
// Replays are detected via the credits_added guard and become no-ops.
func (c *Correlator) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	started := time.Now()
	outcome := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveWebhook("checkout.completed", outcome, time.Since(started))
		}
	}()

	p, err := c.tracker.GetBySession(ctx, c.provider.Name(), ev.SessionID)
	if err != nil {
		return fmt.Errorf("correlate session %s: %w", ev.SessionID, err)
	}

	if p.CreditsAdded {
		c.noteDuplicate(ctx, ev.SessionID)
		outcome = "duplicate"
		return nil
	}

	if p.Status != payments.StatusCompleted {
		updated, err := c.tracker.MarkCompleted(ctx, p.ID, ev.PaymentID, ev.CustomerID)
		if err != nil {
			var illegal *payments.IllegalTransitionError
			if !errors.As(err, &illegal) {
				return err
			}
			if illegal.From != payments.StatusCompleted {
				// The record reached some other terminal state first, most
				// often expired by the cleanup sweep before a late delivery.
				// Retrying the delivery can never succeed, so ack it and
				// leave the mismatch to operators via missed-payment
				// recovery.
				log := logger.FromContext(ctx)
				log.Warn().
					Str("payment_id", p.ID).
					Str("session_id", ev.SessionID).
					Str("status", string(illegal.From)).
					Msg("completion event for payment in terminal state; dropping")
				outcome = "stale"
				return nil
			}
			// A concurrent delivery completed it already.
			updated, err = c.tracker.Get(ctx, p.ID)
			if err != nil {
				return err
			}
		}
		p = updated
		if c.metrics != nil {
			c.metrics.PaymentsTotal.WithLabelValues(string(payments.StatusCompleted)).Inc()
			c.metrics.PaymentAmountCents.WithLabelValues(p.Currency).Add(float64(p.AmountCents))
		}
	}

	if err := c.creditPayment(ctx, p, true); err != nil {
		return err
	}
	outcome = "credited"
	return nil
}

// InvoicePaid is a verified invoice.paid event for a subscription.
type InvoicePaid struct {
	InvoiceID     string
	UserID        string
	CustomerID    string
	PlanID        string
	BillingReason string // "subscription_create" for the initial invoice
	AmountCents   int64
	Currency      string
}

// HandleInvoicePaid grants renewal credits for a subscription billing
// period. The initial invoice is skipped (the checkout completion already
// granted it); renewals are keyed by invoice ID so redelivery is a no-op.
func (c *Correlator) HandleInvoicePaid(ctx context.Context, ev InvoicePaid) error {
	started := time.Now()
	outcome := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveWebhook("invoice.paid", outcome, time.Since(started))
		}
	}()

	if ev.BillingReason == "subscription_create" {
		outcome = "skipped_initial"
		return nil
	}
	if ev.UserID == "" {
		return fmt.Errorf("invoice %s has no user", ev.InvoiceID)
	}

	cat, err := c.catalog.Get()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	plan := cat.Subscription(ev.PlanID)
	if plan == nil {
		return fmt.Errorf("invoice %s references unknown plan %q", ev.InvoiceID, ev.PlanID)
	}

	// Renewals have no checkout session; the invoice ID takes its place
	// and the session uniqueness constraint provides the idempotency.
	sessionKey := "invoice:" + ev.InvoiceID
	p, err := c.tracker.CreatePending(ctx, payments.CreateInput{
		UserID:            ev.UserID,
		Provider:          c.provider.Name(),
		ProviderSessionID: sessionKey,
		ItemKind:          "subscription",
		ItemID:            plan.ID,
		Credits:           plan.CreditsPerPeriod,
		AmountCents:       ev.AmountCents,
		Currency:          ev.Currency,
	})
	if err != nil {
		var dup *payments.DuplicateError
		if errors.As(err, &dup) {
			p, err = c.tracker.GetBySession(ctx, c.provider.Name(), sessionKey)
			if err != nil {
				return err
			}
			if p.CreditsAdded {
				c.noteDuplicate(ctx, sessionKey)
				outcome = "duplicate"
				return nil
			}
		} else {
			return err
		}
	}

	if p.Status != payments.StatusCompleted {
		p, err = c.tracker.MarkCompleted(ctx, p.ID, ev.InvoiceID, ev.CustomerID)
		if err != nil {
			return err
		}
	}

	// Renewals never earn the first-purchase bonus.
	if err := c.creditPayment(ctx, p, false); err != nil {
		return err
	}
	outcome = "credited"
	return nil
}

// PaymentFailed is a verified payment failure event.
type PaymentFailed struct {
	SessionID      string
	FailureCode    string
	FailureMessage string
}

// HandlePaymentFailed marks the payment failed. Failures arriving after a
// terminal state are logged and dropped.
func (c *Correlator) HandlePaymentFailed(ctx context.Context, ev PaymentFailed) error {
	started := time.Now()
	outcome := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveWebhook("payment.failed", outcome, time.Since(started))
		}
	}()

	p, err := c.tracker.GetBySession(ctx, c.provider.Name(), ev.SessionID)
	if err != nil {
		return fmt.Errorf("correlate session %s: %w", ev.SessionID, err)
	}

	if _, err := c.tracker.MarkFailed(ctx, p.ID, ev.FailureCode, ev.FailureMessage); err != nil {
		var illegal *payments.IllegalTransitionError
		if errors.As(err, &illegal) {
			log := logger.FromContext(ctx)
			log.Warn().
				Str("payment_id", p.ID).
				Str("status", string(illegal.From)).
				Msg("failure event for payment already in terminal state")
			outcome = "stale"
			return nil
		}
		return err
	}

	if c.metrics != nil {
		c.metrics.PaymentsTotal.WithLabelValues(string(payments.StatusFailed)).Inc()
	}
	outcome = "failed"
	return nil
}

// Refund is a verified refund event.
type Refund struct {
	RefundID          string
	ProviderPaymentID string
	AmountCents       int64
	Reason            string
}

// HandleRefund records the monetary refund on the payment and claws back
// the unused share of the credits it granted. Credits the user already
// spent are not taken; the clawback is capped at the current balance.
func (c *Correlator) HandleRefund(ctx context.Context, ev Refund) error {
	started := time.Now()
	outcome := "error"
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveWebhook("refund", outcome, time.Since(started))
		}
	}()

	p, err := c.tracker.GetByProviderPaymentID(ctx, c.provider.Name(), ev.ProviderPaymentID)
	if err != nil {
		return fmt.Errorf("correlate provider payment %s: %w", ev.ProviderPaymentID, err)
	}

	// Idempotency: each provider refund is clawed back at most once.
	clawbackRef := "refund:" + ev.RefundID
	if _, err := c.ledger.TransactionByReference(ctx, p.UserID, clawbackRef, ledger.TypeDeduction); err == nil {
		outcome = "duplicate"
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	if _, err := c.tracker.MarkRefunded(ctx, p.ID, ev.AmountCents, ev.Reason); err != nil {
		var illegal *payments.IllegalTransitionError
		if errors.As(err, &illegal) && illegal.From == payments.StatusRefunded {
			outcome = "duplicate"
			return nil
		}
		return err
	}

	clawback := c.clawbackAmount(ctx, p, ev.AmountCents)
	if clawback > 0 {
		if _, err := c.ledger.Deduct(ctx, p.UserID, clawback, "credits reclaimed for refunded payment", clawbackRef); err != nil {
			var insufficient *ledger.InsufficientCreditsError
			if !errors.As(err, &insufficient) {
				return err
			}
			// Balance moved between the cap calculation and the deduct;
			// take what is left.
			if insufficient.Available > 0 {
				if _, err := c.ledger.Deduct(ctx, p.UserID, insufficient.Available, "credits reclaimed for refunded payment", clawbackRef); err != nil {
					return err
				}
			}
		}
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("payment_id", p.ID).
		Str("refund_id", ev.RefundID).
		Int64("amount_cents", ev.AmountCents).
		Int64("credits_clawed_back", clawback).
		Msg("refund processed")
	outcome = "refunded"
	return nil
}

// clawbackAmount computes how many credits to reclaim for a refund: the
// share of granted credits proportional to the refunded amount, capped at
// the user's current balance.
func (c *Correlator) clawbackAmount(ctx context.Context, p *payments.Payment, refundCents int64) int64 {
	if !p.CreditsAdded || p.Credits <= 0 {
		return 0
	}

	attributable := p.Credits
	if p.AmountCents > 0 && refundCents < p.AmountCents {
		attributable = p.Credits * refundCents / p.AmountCents
	}
	if attributable <= 0 {
		return 0
	}

	balance, err := c.ledger.GetBalance(ctx, p.UserID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("payment_id", p.ID).Msg("balance lookup for clawback failed")
		return 0
	}
	if attributable > balance.Credits {
		attributable = balance.Credits
	}
	return attributable
}

// ProcessMissedPayment recovers a payment whose completion webhook never
// arrived by asking the provider directly. Safe to call repeatedly.
func (c *Correlator) ProcessMissedPayment(ctx context.Context, sessionID string) (*payments.Payment, error) {
	p, err := c.tracker.GetBySession(ctx, c.provider.Name(), sessionID)
	if err != nil {
		return nil, err
	}
	if p.CreditsAdded {
		return p, nil
	}

	status, err := c.provider.VerifySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !status.Paid {
		return nil, ErrPaymentNotCompleted
	}

	if p.Status != payments.StatusCompleted {
		p, err = c.tracker.MarkCompleted(ctx, p.ID, status.PaymentID, status.CustomerID)
		if err != nil {
			return nil, err
		}
	}
	if err := c.creditPayment(ctx, p, true); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecoveredPaymentsTotal.Inc()
	}

	return c.tracker.Get(ctx, p.ID)
}

// ReconcileUncredited retries crediting for completed payments whose
// credits never landed (crash between completion and crediting).
func (c *Correlator) ReconcileUncredited(ctx context.Context) (int, error) {
	if c.metrics != nil {
		c.metrics.ReconcileRunsTotal.Inc()
	}

	uncredited, err := c.tracker.ListUncredited(ctx, 100)
	if err != nil {
		return 0, err
	}

	credited := 0
	for _, p := range uncredited {
		if err := c.creditPayment(ctx, p, true); err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).
				Str("payment_id", p.ID).
				Msg("reconciliation crediting failed")
			continue
		}
		credited++
	}
	return credited, nil
}

// GrantSignupBonus grants the catalog's signup bonus once per user.
func (c *Correlator) GrantSignupBonus(ctx context.Context, userID string) (*ledger.Transaction, error) {
	cat, err := c.catalog.Get()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if cat.SignupBonusCredits <= 0 {
		return nil, nil
	}

	// One signup bonus per user, ever.
	if existing, err := c.ledger.TransactionByReference(ctx, userID, "signup:"+userID, ledger.TypeSignupBonus); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	tx, err := c.ledger.Add(ctx, ledger.ApplyInput{
		UserID:      userID,
		Type:        ledger.TypeSignupBonus,
		Amount:      cat.SignupBonusCredits,
		Description: "signup bonus",
		Reference:   "signup:" + userID,
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.CreditsGrantedTotal.WithLabelValues(string(ledger.TypeSignupBonus)).Add(float64(tx.Amount))
	}
	return tx, nil
}

// GrantReferralBonus credits the referrer once per referred user.
func (c *Correlator) GrantReferralBonus(ctx context.Context, referrerID, referredUserID string) (*ledger.Transaction, error) {
	cat, err := c.catalog.Get()
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if cat.ReferralBonusCredits <= 0 {
		return nil, nil
	}

	// Replays for the same referred user return the original grant.
	ref := "referral:" + referredUserID
	if existing, err := c.ledger.TransactionByReference(ctx, referrerID, ref, ledger.TypeReferralBonus); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	tx, err := c.ledger.Add(ctx, ledger.ApplyInput{
		UserID:      referrerID,
		Type:        ledger.TypeReferralBonus,
		Amount:      cat.ReferralBonusCredits,
		Description: "referral bonus for " + referredUserID,
		Reference:   ref,
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.CreditsGrantedTotal.WithLabelValues(string(ledger.TypeReferralBonus)).Add(float64(tx.Amount))
	}
	return tx, nil
}

// creditPayment grants a completed payment's credits exactly once. The
// ledger write is keyed by the payment ID and the store's reference
// uniqueness makes concurrent duplicate writes collapse into one, so a
// crash after the ledger write but before the credits_added flip is
// healed on retry instead of double-granting.
func (c *Correlator) creditPayment(ctx context.Context, p *payments.Payment, allowBonus bool) error {
	if p.CreditsAdded {
		return nil
	}

	var firstPurchase bool
	if allowBonus {
		var err error
		firstPurchase, err = c.tracker.IsFirstPurchase(ctx, p.UserID)
		if err != nil {
			return err
		}
	}

	tx, err := c.ledger.TransactionByReference(ctx, p.UserID, p.ID, ledger.TypePurchase)
	if errors.Is(err, ledger.ErrNotFound) {
		tx, err = c.ledger.Add(ctx, ledger.ApplyInput{
			UserID:      p.UserID,
			Type:        ledger.TypePurchase,
			Amount:      p.Credits,
			Description: fmt.Sprintf("%s %s", p.ItemKind, p.ItemID),
			Reference:   p.ID,
			Metadata:    map[string]string{"session_id": p.ProviderSessionID},
		})
	}
	if err != nil {
		return err
	}

	applied, err := c.tracker.MarkCreditsAdded(ctx, p.ID, tx.ID)
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent handler credited first. The ledger holds exactly
		// one purchase transaction for this payment either way: the
		// store's (user, reference, type) uniqueness collapses the
		// concurrent Add into the winner's transaction.
		c.noteDuplicate(ctx, p.ProviderSessionID)
		return nil
	}

	if c.metrics != nil {
		c.metrics.CreditsGrantedTotal.WithLabelValues(string(ledger.TypePurchase)).Add(float64(p.Credits))
	}

	if firstPurchase {
		if err := c.grantFirstPurchaseBonus(ctx, p); err != nil {
			// The purchase credits landed; the bonus failing should not
			// fail the webhook. Reconciliation does not retry bonuses, so
			// log loudly.
			log := logger.FromContext(ctx)
			log.Error().Err(err).
				Str("payment_id", p.ID).
				Msg("first purchase bonus grant failed")
		}
	}
	return nil
}

func (c *Correlator) grantFirstPurchaseBonus(ctx context.Context, p *payments.Payment) error {
	cat, err := c.catalog.Get()
	if err != nil {
		return err
	}

	bonus := pricing.FirstPurchaseBonus(p.Credits, cat.Promotions)
	if bonus <= 0 {
		return nil
	}

	if _, err := c.ledger.TransactionByReference(ctx, p.UserID, p.ID, ledger.TypePromotion); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	tx, err := c.ledger.Add(ctx, ledger.ApplyInput{
		UserID:      p.UserID,
		Type:        ledger.TypePromotion,
		Amount:      bonus,
		Description: "first purchase bonus",
		Reference:   p.ID,
	})
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.CreditsGrantedTotal.WithLabelValues(string(ledger.TypePromotion)).Add(float64(tx.Amount))
	}
	return nil
}

func (c *Correlator) noteDuplicate(ctx context.Context, sessionID string) {
	if c.metrics != nil {
		c.metrics.DuplicateEventsTotal.Inc()
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("session_id", sessionID).
		Msg("duplicate payment event skipped")
}
