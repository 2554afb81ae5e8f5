package dispute

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = append([]Evidence{}, d.Evidence...)
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.BookingID == d.BookingID && existing.Status.Active() {
			return ErrDisputeExists
		}
	}
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if cur.Status != from {
		return ErrDisputeStateChanged
	}
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	return m.filter(func(d *Dispute) bool { return d.BookingID == bookingID }, 0), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return m.filter(func(d *Dispute) bool { return d.Status == status }, limit), nil
}

func (m *MemoryStore) filter(keep func(*Dispute) bool, limit int) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if keep(d) {
			out = append(out, cloneDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
