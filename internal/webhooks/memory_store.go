package webhooks

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/bookit/internal/notify"
)

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			out = append(out, clone(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RecordResult(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrWebhookNotFound
	}
	cur.Active = sub.Active
	cur.ConsecutiveFailures = sub.ConsecutiveFailures
	cur.LastError = sub.LastError
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		cur.LastSuccess = &t
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrWebhookNotFound
	}
	delete(m.subs, id)
	return nil
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]notify.Type(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}
