package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a transaction lookup finds nothing.
var ErrNotFound = errors.New("ledger: transaction not found")

// ErrAlreadyRefunded is returned when a transaction already has a refund
// entry referencing it.
var ErrAlreadyRefunded = errors.New("ledger: transaction already refunded")

// ErrDuplicateReference is returned by Store.Apply when a transaction of
// the same type already carries the same non-empty reference for the
// user. The uniqueness lives in the store, so concurrent writers race on
// the constraint rather than on a lookup.
var ErrDuplicateReference = errors.New("ledger: duplicate reference for transaction type")

// InsufficientCreditsError is returned when a debit would take a balance
// below zero. It carries enough detail for a client to show the shortfall.
type InsufficientCreditsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d (short %d)",
		e.Required, e.Available, e.Shortage())
}

// Shortage returns how many credits the user is missing.
func (e *InsufficientCreditsError) Shortage() int64 {
	return e.Required - e.Available
}

// InvalidTransactionError is returned for malformed transaction requests
// (non-positive amounts, unknown types, missing user).
type InvalidTransactionError struct {
	Reason string
}

func (e *InvalidTransactionError) Error() string {
	return "invalid transaction: " + e.Reason
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidTransactionError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a backend failure from a ledger store. These are
// transient infrastructure faults, distinct from the domain errors
// above, and callers may retry them.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "ledger storage: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storagef(format string, args ...interface{}) error {
	return &StorageError{Err: fmt.Errorf(format, args...)}
}
