package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/pixelforge/credits-server/internal/errors"
	"github.com/pixelforge/credits-server/internal/events"
	"github.com/pixelforge/credits-server/internal/ledger"
	"github.com/pixelforge/credits-server/internal/payments"
	"github.com/pixelforge/credits-server/internal/pricing"
	"github.com/pixelforge/credits-server/internal/provider"
)

// writeDomainError maps typed domain errors onto the standard error
// envelope. Anything unrecognized becomes an internal error.
func writeDomainError(w http.ResponseWriter, err error) {
	var issue *pricing.CouponIssue
	if errors.As(err, &issue) {
		apierrors.WriteSimpleError(w, issue.Code, issue.Reason)
		return
	}

	var short *ledger.InsufficientCreditsError
	if errors.As(err, &short) {
		apierrors.WriteError(w, apierrors.ErrCodeInsufficientCredits, err.Error(), map[string]interface{}{
			"required":  short.Required,
			"available": short.Available,
			"shortage":  short.Shortage(),
		})
		return
	}

	var invalid *ledger.InvalidTransactionError
	if errors.As(err, &invalid) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidTransaction, invalid.Reason)
		return
	}

	var dup *payments.DuplicateError
	if errors.As(err, &dup) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDuplicatePayment, err.Error(), dup.Field, dup.Value)
		return
	}

	var illegal *payments.IllegalTransitionError
	if errors.As(err, &illegal) {
		apierrors.WriteError(w, apierrors.ErrCodeIllegalStateTransition, err.Error(), map[string]interface{}{
			"payment_id": illegal.PaymentID,
			"from":       string(illegal.From),
			"to":         string(illegal.To),
		})
		return
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeProviderError, err.Error(), "provider", provErr.Provider)
		return
	}

	var ledgerStorage *ledger.StorageError
	var paymentStorage *payments.StorageError
	if errors.As(err, &ledgerStorage) || errors.As(err, &paymentStorage) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStorageError, err.Error())
		return
	}

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTransactionNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadyRefunded, err.Error())
	case errors.Is(err, payments.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentNotFound, err.Error())
	case errors.Is(err, events.ErrPaymentNotCompleted):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentNotCompleted, err.Error())
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, err.Error())
	}
}
