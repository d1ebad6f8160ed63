package httpserver

import (
	"errors"
	"net/http"
	"time"

	apierrors "github.com/pixelforge/credits-server/internal/errors"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/pricing"
	"github.com/pixelforge/credits-server/pkg/responders"
)

type checkoutRequest struct {
	UserID     string `json:"user_id"`
	ItemKind   string `json:"item_kind"` // "package" (default) or "subscription"
	ItemID     string `json:"item_id"`
	CouponCode string `json:"coupon_code"`
}

type checkoutResponse struct {
	PaymentID string         `json:"payment_id"`
	SessionID string         `json:"session_id"`
	URL       string         `json:"url"`
	Quote     *pricing.Quote `json:"quote"`
}

func parseItemKind(raw string) (pricing.ItemKind, bool) {
	switch raw {
	case "", string(pricing.KindPackage):
		return pricing.KindPackage, true
	case string(pricing.KindSubscription):
		return pricing.KindSubscription, true
	default:
		return "", false
	}
}

// createCheckout prices the item, opens a provider checkout session, and
// returns the hosted payment URL with the pending payment record ID.
func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req checkoutRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}
	if req.ItemID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "item_id is required")
		return
	}
	kind, ok := parseItemKind(req.ItemKind)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "item_kind must be \"package\" or \"subscription\"")
		return
	}

	result, err := h.correlator.StartCheckout(r.Context(), events.StartCheckoutInput{
		UserID:     req.UserID,
		ItemKind:   kind,
		ItemID:     req.ItemID,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		log.Warn().Err(err).Str("item_id", req.ItemID).Msg("checkout failed")
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, checkoutResponse{
		PaymentID: result.Payment.ID,
		SessionID: result.Payment.ProviderSessionID,
		URL:       result.URL,
		Quote:     result.Quote,
	})
}

type quoteRequest struct {
	ItemKind   string `json:"item_kind"`
	ItemID     string `json:"item_id"`
	CouponCode string `json:"coupon_code"`
}

// quoteItem prices an item without creating a checkout session.
func (h *handlers) quoteItem(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.ItemID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "item_id is required")
		return
	}
	kind, ok := parseItemKind(req.ItemKind)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "item_kind must be \"package\" or \"subscription\"")
		return
	}

	cat, err := h.catalog.Get()
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}

	var quote *pricing.Quote
	if kind == pricing.KindSubscription {
		quote, err = pricing.QuoteSubscription(cat, req.ItemID, req.CouponCode, time.Now())
	} else {
		quote, err = pricing.QuotePackage(cat, req.ItemID, req.CouponCode, time.Now())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, quote)
}

type validateCouponRequest struct {
	CouponCode string `json:"coupon_code"`
	ItemKind   string `json:"item_kind"`
	ItemID     string `json:"item_id"`
}

type validateCouponResponse struct {
	Valid         bool   `json:"valid"`
	Code          string `json:"code,omitempty"`   // Error code when invalid
	Reason        string `json:"reason,omitempty"` // Human-readable reason when invalid
	DiscountCents int64  `json:"discount_cents,omitempty"`
	TotalCents    int64  `json:"total_cents,omitempty"`
}

// validateCoupon checks a coupon against an item and reports the
// discount it would produce. Invalid coupons return 200 with valid=false
// so checkout UIs can show the reason inline.
func (h *handlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.CouponCode == "" || req.ItemID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "coupon_code and item_id are required")
		return
	}
	kind, ok := parseItemKind(req.ItemKind)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "item_kind must be \"package\" or \"subscription\"")
		return
	}

	cat, err := h.catalog.Get()
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}

	var quote *pricing.Quote
	if kind == pricing.KindSubscription {
		quote, err = pricing.QuoteSubscription(cat, req.ItemID, req.CouponCode, time.Now())
	} else {
		quote, err = pricing.QuotePackage(cat, req.ItemID, req.CouponCode, time.Now())
	}
	if err != nil {
		var issue *pricing.CouponIssue
		if errors.As(err, &issue) {
			responders.JSON(w, http.StatusOK, validateCouponResponse{
				Valid:  false,
				Code:   string(issue.Code),
				Reason: issue.Reason,
			})
			return
		}
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, validateCouponResponse{
		Valid:         true,
		DiscountCents: quote.DiscountCents,
		TotalCents:    quote.TotalCents,
	})
}

// listPackages returns the active one-time credit packages.
func (h *handlers) listPackages(w http.ResponseWriter, r *http.Request) {
	cat, err := h.catalog.Get()
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"packages": cat.ActivePackages(),
	})
}

// listSubscriptions returns the active subscription plans.
func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	cat, err := h.catalog.Get()
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"subscriptions": cat.ActiveSubscriptions(),
	})
}
