package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Payment
	bySession map[string]string // provider + "\x00" + session_id -> payment ID
	byPayment map[string]string // provider + "\x00" + payment_id -> payment ID
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Payment),
		bySession: make(map[string]string),
		byPayment: make(map[string]string),
	}
}

func sessionKey(provider, sessionID string) string { return provider + "\x00" + sessionID }

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(p.Provider, p.ProviderSessionID)
	if _, exists := s.bySession[key]; exists {
		return &DuplicateError{Field: "session_id", Value: p.ProviderSessionID}
	}
	if p.ProviderPaymentID != "" {
		pk := sessionKey(p.Provider, p.ProviderPaymentID)
		if _, exists := s.byPayment[pk]; exists {
			return &DuplicateError{Field: "payment_id", Value: p.ProviderPaymentID}
		}
		s.byPayment[pk] = p.ID
	}

	cp := *p
	s.byID[p.ID] = &cp
	s.bySession[key] = p.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (*Payment, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetBySession(_ context.Context, provider, sessionID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySession[sessionKey(provider, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getLocked(id)
}

func (s *MemoryStore) GetByProviderPaymentID(_ context.Context, provider, paymentID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPayment[sessionKey(provider, paymentID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getLocked(id)
}

func (s *MemoryStore) Update(_ context.Context, p *Payment, expectStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expectStatus {
		return &IllegalTransitionError{PaymentID: p.ID, From: current.Status, To: p.Status}
	}

	if p.ProviderPaymentID != "" && p.ProviderPaymentID != current.ProviderPaymentID {
		pk := sessionKey(p.Provider, p.ProviderPaymentID)
		if existing, exists := s.byPayment[pk]; exists && existing != p.ID {
			return &DuplicateError{Field: "payment_id", Value: p.ProviderPaymentID}
		}
		s.byPayment[pk] = p.ID
	}

	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkCreditsAdded(_ context.Context, id, creditTransactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != StatusCompleted || p.CreditsAdded {
		return false, nil
	}

	now := time.Now().UTC()
	p.CreditsAdded = true
	p.CreditTransactionID = creditTransactionID
	p.CreditsAddedAt = &now
	p.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, status Status, limit, offset int) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Payment
	for _, p := range s.byID {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.byID {
		if (p.Status == StatusPending || p.Status == StatusProcessing) && p.ExpiresAt.Before(now) {
			cp := *p
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUncredited(_ context.Context, limit int) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.byID {
		if p.Status == StatusCompleted && !p.CreditsAdded {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountCompletedByUser(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.byID {
		if p.UserID == userID && p.CreditsAdded {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[Status]int64)}
	for _, p := range s.byID {
		stats.ByStatus[p.Status]++
		switch p.Status {
		case StatusCompleted, StatusRefunded, StatusPartiallyRefunded:
			stats.TotalCompleted++
			stats.TotalRevenueCents += p.AmountCents
			stats.TotalRefundedCents += p.RefundedCents
			if p.CreditsAdded {
				stats.TotalCreditsGranted += p.Credits
			}
		}
		if p.Status == StatusCompleted && !p.CreditsAdded {
			stats.UncreditedCompleted++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
