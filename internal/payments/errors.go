package payments

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a payment lookup finds nothing.
var ErrNotFound = errors.New("payments: payment not found")

// DuplicateError is returned when creating or updating a payment would
// violate a provider-scoped uniqueness constraint.
type DuplicateError struct {
	Field string // "session_id" or "payment_id"
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("payments: duplicate %s %q", e.Field, e.Value)
}

// IllegalTransitionError is returned when a status change is not allowed
// by the lifecycle state machine.
type IllegalTransitionError struct {
	PaymentID string
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("payments: illegal transition %s -> %s for %s", e.From, e.To, e.PaymentID)
}

// StorageError wraps a backend failure from a payment store. These are
// transient infrastructure faults and callers may retry them.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "payments storage: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storagef(format string, args ...interface{}) error {
	return &StorageError{Err: fmt.Errorf(format, args...)}
}
