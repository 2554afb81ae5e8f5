package booking

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*Booking)}
}

func cloneBooking(b *Booking) *Booking {
	cp := *b
	cp.StatusHistory = append([]HistoryEntry(nil), b.StatusHistory...)
	if b.Location != nil {
		loc := *b.Location
		cp.Location = &loc
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrBookingNotFound
	}
	if cur.Version != b.Version {
		return ErrVersionConflict
	}
	next := cloneBooking(b)
	next.PaymentStatus = cur.PaymentStatus
	next.DisputeID = cur.DisputeID
	next.Version++
	m.bookings[b.ID] = next

	b.Version = next.Version
	b.PaymentStatus = next.PaymentStatus
	b.DisputeID = next.DisputeID
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Booking
	for _, b := range m.bookings {
		owner := b.ClientID
		if f.AsVendor {
			owner = b.VendorID
		}
		if owner != f.UserID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if !f.Before.Follows(b.CreatedAt, b.ID) {
			continue
		}
		out = append(out, cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SetPaymentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	b.PaymentStatus = status
	return nil
}

func (m *MemoryStore) AttachDispute(ctx context.Context, id, disputeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	if b.DisputeID != "" && b.DisputeID != disputeID {
		return ErrDisputeActive
	}
	b.DisputeID = disputeID
	return nil
}

func (m *MemoryStore) DetachDispute(ctx context.Context, id, disputeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return ErrBookingNotFound
	}
	if b.DisputeID == disputeID {
		b.DisputeID = ""
	}
	return nil
}

// MemoryCatalog is an in-memory catalog store.
type MemoryCatalog struct {
	vendors  map[string]*Vendor
	services map[string]*Service
	offers   map[string]*Offer
	mu       sync.RWMutex
}

// NewMemoryCatalog creates a new in-memory catalog store.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		vendors:  make(map[string]*Vendor),
		services: make(map[string]*Service),
		offers:   make(map[string]*Offer),
	}
}

func (m *MemoryCatalog) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vendors[id]
	if !ok {
		return nil, ErrVendorNotFound
	}
	cp := *v
	if v.Location != nil {
		loc := *v.Location
		cp.Location = &loc
	}
	return &cp, nil
}

func (m *MemoryCatalog) PutVendor(ctx context.Context, v *Vendor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	if v.Location != nil {
		loc := *v.Location
		cp.Location = &loc
	}
	m.vendors[v.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryCatalog) PutService(ctx context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *MemoryCatalog) ListServices(ctx context.Context, vendorID string) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Service
	for _, s := range m.services {
		if s.VendorID == vendorID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) CreateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryCatalog) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryCatalog) UpdateOffer(ctx context.Context, o *Offer, from OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != from {
		return ErrOfferStateChanged
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

// Compile-time interface checks.
var (
	_ Store        = (*MemoryStore)(nil)
	_ CatalogStore = (*MemoryCatalog)(nil)
)
