package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments    map[string]*Payment
	byBooking   map[string]string
	byReference map[string]string
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		byBooking:   make(map[string]string),
		byReference: make(map[string]string),
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.HeldAt != nil {
		t := *p.HeldAt
		cp.HeldAt = &t
	}
	if p.SettledAt != nil {
		t := *p.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byBooking[p.BookingID]; ok {
		return ErrAlreadyPaid
	}
	if _, ok := m.byReference[p.Reference]; ok {
		return ErrAlreadyPaid
	}
	m.payments[p.ID] = clonePayment(p)
	m.byBooking[p.BookingID] = p.ID
	m.byReference[p.Reference] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByBooking(ctx context.Context, bookingID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byBooking[bookingID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReference[reference]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment, from EscrowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.EscrowStatus != from {
		return ErrPaymentStateChanged
	}
	if cur.Reference != p.Reference {
		if _, taken := m.byReference[p.Reference]; taken {
			return ErrAlreadyPaid
		}
		delete(m.byReference, cur.Reference)
		m.byReference[p.Reference] = p.ID
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MemoryStore) ListByEscrowStatus(ctx context.Context, status EscrowStatus, limit int) ([]*Payment, error) {
	return m.filter(limit, func(p *Payment) bool { return p.EscrowStatus == status }), nil
}

func (m *MemoryStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	return m.filter(limit, func(p *Payment) bool {
		return p.EscrowStatus == EscrowPending && p.Status == StatusPending && p.CreatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListUnfinalized(ctx context.Context, limit int) ([]*Payment, error) {
	return m.filter(limit, func(p *Payment) bool { return p.EscrowStatus.Settled() && !p.Finalized }), nil
}

// filter returns matching payments oldest first.
func (m *MemoryStore) filter(limit int, match func(*Payment) bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Payment
	for _, p := range m.payments {
		if match(p) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
