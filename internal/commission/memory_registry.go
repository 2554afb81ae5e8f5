package commission

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory subscription registry for demo/development mode.
type MemoryRegistry struct {
	subs map[string][]*Subscription
	mu   sync.RWMutex
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{subs: make(map[string][]*Subscription)}
}

// Subscribe records a subscription for a vendor.
func (m *MemoryRegistry) Subscribe(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.VendorID] = append(m.subs[sub.VendorID], &cp)
	return nil
}

func (m *MemoryRegistry) ActiveSubscription(ctx context.Context, vendorID string, at time.Time) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Subscription
	for _, s := range m.subs[vendorID] {
		if !s.Active(at) {
			continue
		}
		if best == nil || s.StartsAt.After(best.StartsAt) {
			best = s
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}
