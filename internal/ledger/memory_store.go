package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex serializes Apply calls, which is the whole atomicity story here.
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*Balance
	transactions []*Transaction // Append-only, oldest first
	byID         map[string]*Transaction
	byReference  map[referenceKey]*Transaction
}

// referenceKey mirrors the unique index the SQL and Mongo stores put on
// (user_id, reference, type) for non-empty references.
type referenceKey struct {
	userID    string
	reference string
	txType    TransactionType
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*Balance),
		byID:        make(map[string]*Transaction),
		byReference: make(map[referenceKey]*Transaction),
	}
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{UserID: userID, Credits: 0}, nil
}

func (s *MemoryStore) Apply(_ context.Context, in ApplyInput) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.Reference != "" {
		if _, exists := s.byReference[referenceKey{in.UserID, in.Reference, in.Type}]; exists {
			return nil, ErrDuplicateReference
		}
	}

	b, ok := s.balances[in.UserID]
	if !ok {
		b = &Balance{UserID: in.UserID}
		s.balances[in.UserID] = b
	}

	before := b.Credits
	after := before + in.Amount
	if after < 0 {
		return nil, &InsufficientCreditsError{
			UserID:    in.UserID,
			Required:  -in.Amount,
			Available: before,
		}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            newTransactionID(),
		UserID:        in.UserID,
		Type:          in.Type,
		Amount:        in.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   in.Description,
		Reference:     in.Reference,
		Metadata:      in.Metadata,
		CreatedAt:     now,
	}

	b.Credits = after
	b.UpdatedAt = now
	s.transactions = append(s.transactions, tx)
	s.byID[tx.ID] = tx
	if tx.Reference != "" {
		s.byReference[referenceKey{tx.UserID, tx.Reference, tx.Type}] = tx
	}

	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) Transaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tx, ok := s.byID[id]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TransactionByReference(_ context.Context, userID, reference string, txType TransactionType) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tx, ok := s.byReference[referenceKey{userID, reference, txType}]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Transactions(_ context.Context, userID string, f HistoryFilter) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk newest to oldest applying filter, offset, and limit.
	var out []*Transaction
	skipped := 0
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.UserID != userID {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		cp := *tx
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Totals(_ context.Context, userID string) (earned, spent int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.transactions {
		if tx.UserID != userID {
			continue
		}
		if tx.Amount > 0 {
			earned += tx.Amount
		} else {
			spent += -tx.Amount
		}
	}
	return earned, spent, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
