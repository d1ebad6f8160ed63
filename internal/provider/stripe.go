package provider

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/pixelforge/credits-server/internal/circuitbreaker"
	"github.com/pixelforge/credits-server/internal/config"
	"github.com/pixelforge/credits-server/internal/logger"
)

// StripeClient implements Client using Stripe hosted checkout. All
// outbound calls run through the provider_api circuit breaker.
type StripeClient struct {
	api        *client.API
	breakers   *circuitbreaker.Manager
	successURL string
	cancelURL  string
}

// NewStripeClient creates a Stripe-backed provider client.
func NewStripeClient(cfg config.ProviderConfig, breakers *circuitbreaker.Manager) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is not configured")
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &StripeClient{
		api:        api,
		breakers:   breakers,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}, nil
}

func (c *StripeClient) Name() string {
	return "stripe"
}

func (c *StripeClient) CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(in.Currency),
		UnitAmount: stripe.Int64(in.AmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(in.ItemName),
		},
	}

	mode := stripe.CheckoutSessionModePayment
	if in.ItemKind == "subscription" {
		mode = stripe.CheckoutSessionModeSubscription
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(in.Interval),
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: priceData,
			Quantity:  stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(c.successURL),
		CancelURL:         stripe.String(c.cancelURL),
		ClientReferenceID: stripe.String(in.UserID),
	}
	params.Context = ctx
	params.AddMetadata("user_id", in.UserID)
	params.AddMetadata("item_kind", in.ItemKind)
	params.AddMetadata("item_id", in.ItemID)
	params.AddMetadata("credits", fmt.Sprintf("%d", in.Credits))
	if in.CouponCode != "" {
		params.AddMetadata("coupon_code", in.CouponCode)
	}

	result, err := c.breakers.Execute(circuitbreaker.ServiceProviderAPI, func() (interface{}, error) {
		return c.api.CheckoutSessions.New(params)
	})
	if err != nil {
		return nil, &Error{Provider: c.Name(), Op: "create checkout session", Err: err}
	}
	sess := result.(*stripe.CheckoutSession)

	log := logger.FromContext(ctx)
	log.Info().
		Str("session_id", sess.ID).
		Str("user_id", logger.RedactUserID(in.UserID)).
		Str("item_id", in.ItemID).
		Msg("checkout session created")

	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

func (c *StripeClient) VerifySession(ctx context.Context, sessionID string) (*SessionStatus, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	params.AddExpand("customer")

	result, err := c.breakers.Execute(circuitbreaker.ServiceProviderAPI, func() (interface{}, error) {
		return c.api.CheckoutSessions.Get(sessionID, params)
	})
	if err != nil {
		return nil, &Error{Provider: c.Name(), Op: "fetch checkout session " + sessionID, Err: err}
	}
	sess := result.(*stripe.CheckoutSession)

	status := &SessionStatus{
		SessionID:   sess.ID,
		Paid:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountCents: sess.AmountTotal,
	}
	if sess.Currency != "" {
		status.Currency = string(sess.Currency)
	}
	if sess.PaymentIntent != nil {
		status.PaymentID = sess.PaymentIntent.ID
	}
	if sess.Customer != nil {
		status.CustomerID = sess.Customer.ID
	}
	return status, nil
}
