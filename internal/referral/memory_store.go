package referral

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory referral store for demo/development mode.
type MemoryStore struct {
	referrals map[string]*Referral
	byReferee map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory referral store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		referrals: make(map[string]*Referral),
		byReferee: make(map[string]string),
	}
}

func cloneReferral(r *Referral) *Referral {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byReferee[r.RefereeID]; ok {
		return ErrAlreadyReferred
	}
	m.referrals[r.ID] = cloneReferral(r)
	m.byReferee[r.RefereeID] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.referrals[id]
	if !ok {
		return nil, ErrReferralNotFound
	}
	return cloneReferral(r), nil
}

func (m *MemoryStore) GetByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReferee[refereeID]
	if !ok {
		return nil, ErrReferralNotFound
	}
	return cloneReferral(m.referrals[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referrals[r.ID]; !ok {
		return ErrReferralNotFound
	}
	m.referrals[r.ID] = cloneReferral(r)
	return nil
}

func (m *MemoryStore) ListByReferrer(ctx context.Context, referrerID string, limit int) ([]*Referral, error) {
	return m.filter(limit, true, func(r *Referral) bool { return r.ReferrerID == referrerID }), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Referral, error) {
	return m.filter(limit, false, func(r *Referral) bool {
		return r.Status == StatusPending && !now.Before(r.ExpiresAt)
	}), nil
}

func (m *MemoryStore) ListUnpaid(ctx context.Context, limit int) ([]*Referral, error) {
	return m.filter(limit, false, func(r *Referral) bool {
		return r.Status == StatusCompleted && !r.FullyPaid()
	}), nil
}

func (m *MemoryStore) filter(limit int, newestFirst bool, keep func(*Referral) bool) []*Referral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Referral
	for _, r := range m.referrals {
		if keep(r) {
			out = append(out, cloneReferral(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
