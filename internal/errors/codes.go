package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Credit Ledger Errors
const (
	// User does not have enough credits for the requested deduction
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"
	// Transaction parameters are invalid (non-positive amount etc.)
	ErrCodeInvalidTransaction ErrorCode = "invalid_transaction"
	// Referenced ledger transaction does not exist
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	// Transaction already has a refund entry referencing it
	ErrCodeAlreadyRefunded ErrorCode = "already_refunded"
)

// Auth Errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// Coupon Errors
const (
	ErrCodeCouponNotFound      ErrorCode = "coupon_not_found"
	ErrCodeCouponExpired       ErrorCode = "coupon_expired"
	ErrCodeCouponInactive      ErrorCode = "coupon_inactive"
	ErrCodeCouponNotApplicable ErrorCode = "coupon_not_applicable"
	ErrCodeCouponBelowMinimum  ErrorCode = "coupon_below_minimum_purchase"
	ErrCodeCouponNotStarted    ErrorCode = "coupon_not_started"
)

// Payment Lifecycle Errors
const (
	ErrCodePaymentNotFound        ErrorCode = "payment_not_found"
	ErrCodeSessionNotFound        ErrorCode = "session_not_found"
	ErrCodeDuplicatePayment       ErrorCode = "duplicate_payment"
	ErrCodeIllegalStateTransition ErrorCode = "illegal_state_transition"
	ErrCodePaymentNotCompleted    ErrorCode = "payment_not_completed"
)

// Validation Errors (request input validation)
const (
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidAmount   ErrorCode = "invalid_amount"
	ErrCodePackageNotFound ErrorCode = "package_not_found"
)

// External Service Errors (payment provider, storage backend)
const (
	ErrCodeProviderError ErrorCode = "provider_error"
	ErrCodeStorageError  ErrorCode = "storage_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient infrastructure issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeProviderError,
		ErrCodeStorageError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeInvalidTransaction,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount:
		return 400

	// 402 Payment Required - the caller needs to top up
	case ErrCodeInsufficientCredits:
		return 402

	// 401 Unauthorized - missing or invalid API key
	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found - Resource not found
	case ErrCodePaymentNotFound,
		ErrCodeSessionNotFound,
		ErrCodePackageNotFound,
		ErrCodeCouponNotFound,
		ErrCodeTransactionNotFound:
		return 404

	// 409 Conflict - Coupon/state business rule conflicts
	case ErrCodeCouponExpired,
		ErrCodeCouponInactive,
		ErrCodeCouponNotApplicable,
		ErrCodeCouponBelowMinimum,
		ErrCodeCouponNotStarted,
		ErrCodeDuplicatePayment,
		ErrCodePaymentNotCompleted,
		ErrCodeAlreadyRefunded:
		return 409

	// 502 Bad Gateway - External service errors
	case ErrCodeProviderError,
		ErrCodeStorageError:
		return 502

	// 500 Internal Server Error - System/internal errors
	// (illegal state transitions are programming errors, never user-facing)
	default:
		return 500
	}
}
