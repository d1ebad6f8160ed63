package ledger

import (
	"context"
)

// ApplyInput describes one balance mutation. Amount is the signed delta.
type ApplyInput struct {
	UserID      string
	Type        TransactionType
	Amount      int64
	Description string
	Reference   string
	Metadata    map[string]string
}

// Store persists balances and the transaction log.
//
// Apply is the only write path and must be atomic: the balance update and
// the transaction append succeed or fail together, and a negative delta
// that would take the balance below zero fails with
// *InsufficientCreditsError without writing anything. Implementations
// must stay correct under concurrent Apply calls for the same user, and
// must enforce that at most one transaction per (user, reference, type)
// exists for non-empty references, failing the loser of a concurrent
// race with ErrDuplicateReference without writing anything.
type Store interface {
	// Balance returns the user's balance, or a zero balance if the user
	// has no ledger entries yet.
	Balance(ctx context.Context, userID string) (*Balance, error)

	// Apply atomically mutates the balance and appends the transaction.
	Apply(ctx context.Context, in ApplyInput) (*Transaction, error)

	// Transaction returns a single transaction by ID, or ErrNotFound.
	Transaction(ctx context.Context, id string) (*Transaction, error)

	// TransactionByReference returns the first transaction of the given
	// type for the user carrying the given reference, or ErrNotFound.
	// Used for idempotency checks (has this payment already credited?
	// has this transaction already been refunded?).
	TransactionByReference(ctx context.Context, userID, reference string, txType TransactionType) (*Transaction, error)

	// Transactions returns a page of the user's history, newest first.
	Transactions(ctx context.Context, userID string, f HistoryFilter) ([]*Transaction, error)

	// Totals returns the lifetime credits earned (sum of positive
	// amounts) and spent (absolute sum of negative amounts).
	Totals(ctx context.Context, userID string) (earned, spent int64, err error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
