package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/pixelforge/credits-server/internal/errors"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/pkg/responders"
)

// providerEvent is a normalized, already-verified payment provider
// event. The webhook gateway in front of this service verifies the
// provider signature and flattens the payload before forwarding it here.
type providerEvent struct {
	Type string `json:"type"`

	// checkout.completed, payment.failed
	SessionID  string `json:"session_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`

	// invoice.paid
	InvoiceID     string `json:"invoice_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	BillingReason string `json:"billing_reason,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Currency      string `json:"currency,omitempty"`

	// payment.failed
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`

	// refund
	RefundID string `json:"refund_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleProviderEvent routes a normalized provider event to the matching
// lifecycle handler. Every handler is idempotent, so the provider can
// redeliver events freely.
func (h *handlers) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var ev providerEvent
	if err := decodeJSON(r.Body, &ev); err != nil {
		log.Warn().Err(err).Msg("webhook event body invalid")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if ev.Type == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "type is required")
		return
	}

	log.Info().Str("event_type", ev.Type).Msg("provider event received")

	var err error
	switch ev.Type {
	case "checkout.completed":
		if ev.SessionID == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "session_id is required")
			return
		}
		err = h.correlator.HandleCheckoutCompleted(r.Context(), events.CheckoutCompleted{
			SessionID:  ev.SessionID,
			PaymentID:  ev.PaymentID,
			CustomerID: ev.CustomerID,
		})

	case "invoice.paid":
		if ev.InvoiceID == "" || ev.UserID == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "invoice_id and user_id are required")
			return
		}
		err = h.correlator.HandleInvoicePaid(r.Context(), events.InvoicePaid{
			InvoiceID:     ev.InvoiceID,
			UserID:        ev.UserID,
			CustomerID:    ev.CustomerID,
			PlanID:        ev.PlanID,
			BillingReason: ev.BillingReason,
			AmountCents:   ev.AmountCents,
			Currency:      ev.Currency,
		})

	case "payment.failed":
		if ev.SessionID == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "session_id is required")
			return
		}
		err = h.correlator.HandlePaymentFailed(r.Context(), events.PaymentFailed{
			SessionID:      ev.SessionID,
			FailureCode:    ev.FailureCode,
			FailureMessage: ev.FailureMessage,
		})

	case "refund":
		if ev.RefundID == "" || ev.PaymentID == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "refund_id and payment_id are required")
			return
		}
		err = h.correlator.HandleRefund(r.Context(), events.Refund{
			RefundID:          ev.RefundID,
			ProviderPaymentID: ev.PaymentID,
			AmountCents:       ev.AmountCents,
			Reason:            ev.Reason,
		})

	default:
		// Unknown event types are acknowledged so the provider stops
		// redelivering them.
		log.Debug().Str("event_type", ev.Type).Msg("ignoring unhandled event type")
		responders.JSON(w, http.StatusOK, map[string]any{"received": true, "type": ev.Type, "handled": false})
		return
	}

	if err != nil {
		log.Error().Err(err).Str("event_type", ev.Type).Msg("provider event processing failed")
		if ev.SessionID != "" && errors.Is(err, payments.ErrNotFound) {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionNotFound, err.Error(), "session_id", ev.SessionID)
			return
		}
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{"received": true, "type": ev.Type, "handled": true})
}

type recoverRequest struct {
	SessionID string `json:"session_id"`
}

// recoverPayment re-checks a checkout session directly with the provider
// and completes it if the webhook never arrived.
func (h *handlers) recoverPayment(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.SessionID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "session_id is required")
		return
	}

	payment, err := h.correlator.ProcessMissedPayment(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeSessionNotFound, err.Error(), "session_id", req.SessionID)
			return
		}
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, payment)
}
