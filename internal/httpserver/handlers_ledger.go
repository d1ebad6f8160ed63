package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/pixelforge/credits-server/internal/errors"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/logger"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/pkg/responders"
)

// getBalance returns the user's current credit balance. Users with no
// ledger history report zero.
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, balance)
}

// getHistory returns a page of the user's transaction log, newest first.
// Supports ?type=, ?limit= and ?offset= query parameters.
func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	filter := ledger.HistoryFilter{
		Limit:  queryInt(r, "limit", ledger.DefaultHistoryLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		txType := ledger.TransactionType(raw)
		if !txType.Valid() {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "unknown transaction type", "type", raw)
			return
		}
		filter.Type = txType
	}

	txs, err := h.ledger.History(r.Context(), userID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

// getTotals returns the user's lifetime earned and spent credit totals.
func (h *handlers) getTotals(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	earned, spent, err := h.ledger.Totals(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"total_earned":  earned,
		"total_spent":   spent,
		"total_balance": earned - spent,
	})
}

// listUserPayments returns the user's payment records, newest first.
// Supports ?status=, ?limit= and ?offset= query parameters.
func (h *handlers) listUserPayments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var status payments.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = payments.Status(raw)
		if !status.Known() {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "unknown payment status", "status", raw)
			return
		}
	}

	list, err := h.tracker.UserPayments(r.Context(), userID, status, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"payments": list})
}

type deductRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

// deductCredits consumes credits on behalf of an internal service.
// Insufficient balances return 402 with the shortage in the details.
func (h *handlers) deductCredits(w http.ResponseWriter, r *http.Request) {
	var req deductRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.Amount <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must be a positive integer")
		return
	}

	tx, err := h.ledger.Deduct(r.Context(), req.UserID, req.Amount, req.Description, req.Reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

type signupBonusRequest struct {
	UserID string `json:"user_id"`
}

// grantSignupBonus grants the catalog's signup bonus once per user.
// Repeat calls return the original grant.
func (h *handlers) grantSignupBonus(w http.ResponseWriter, r *http.Request) {
	var req signupBonusRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}

	tx, err := h.correlator.GrantSignupBonus(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

type referralBonusRequest struct {
	ReferrerID     string `json:"referrer_id"`
	ReferredUserID string `json:"referred_user_id"`
}

// grantReferralBonus credits the referrer for a referred signup. Repeat
// calls for the same referred user return the original grant.
func (h *handlers) grantReferralBonus(w http.ResponseWriter, r *http.Request) {
	var req referralBonusRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.ReferrerID == "" || req.ReferredUserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "referrer_id and referred_user_id are required")
		return
	}

	tx, err := h.correlator.GrantReferralBonus(r.Context(), req.ReferrerID, req.ReferredUserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

type adminAdjustRequest struct {
	UserID  string `json:"user_id"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
	AdminID string `json:"admin_id"`
}

// adminAdjust applies a signed manual balance correction.
func (h *handlers) adminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	tx, err := h.ledger.AdjustBalance(r.Context(), req.UserID, req.Delta, req.Reason, req.AdminID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

type refundTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// adminRefundTransaction reverses an earlier deduction, returning its
// credits to the user.
func (h *handlers) adminRefundTransaction(w http.ResponseWriter, r *http.Request) {
	var req refundTransactionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.TransactionID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "transaction_id is required")
		return
	}

	tx, err := h.ledger.RefundTransaction(r.Context(), req.TransactionID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

// paymentStats returns service-wide payment aggregates.
func (h *handlers) paymentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tracker.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, stats)
}

// reloadCatalog forces a catalog reload, bypassing the cache TTL.
func (h *handlers) reloadCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := h.catalog.Reload()
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("catalog reload failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"packages":      len(cat.Packages),
		"subscriptions": len(cat.Subscriptions),
		"coupons":       len(cat.Coupons),
	})
}

// health reports process liveness and configuration basics.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
		"backend":        h.cfg.Storage.Backend,
		"provider":       h.cfg.Provider.Name,
	})
}
