package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
)

var (
	ErrVendorNotFound    = apperr.NotFound("vendor_not_found", "Vendor not found")
	ErrServiceNotFound   = apperr.NotFound("service_not_found", "Service not found")
	ErrOfferNotFound     = apperr.NotFound("offer_not_found", "Offer not found")
	ErrServiceInactive   = apperr.BadRequest("service_inactive", "Service is not currently offered")
	ErrVendorNotVerified = apperr.BadRequest("vendor_not_verified", "Vendor is not verified")
	ErrNotServiceOwner   = apperr.Forbidden("not_service_owner", "Only the vendor offering this service can do that")
	ErrOfferNotAccepted  = apperr.BadRequest("offer_not_accepted", "Offer must be accepted before booking")
	ErrOfferNotPending   = apperr.Conflict("offer_not_pending", "Offer has already been answered")
	ErrNotOfferParty     = apperr.Forbidden("not_offer_party", "You are not a party to this offer")
	ErrOfferStateChanged = apperr.Conflict("offer_state_changed", "Offer was modified concurrently")
	ErrInvalidPrice      = apperr.BadRequest("invalid_price", "Price must be positive")
	ErrSelfDealing       = apperr.BadRequest("self_dealing", "Vendors cannot book or make offers to themselves")
)

// Vendor is the booking-relevant part of a vendor profile.
type Vendor struct {
	ID          string    `json:"id"`
	Verified    bool      `json:"verified"`
	HomeService bool      `json:"homeService"`
	Location    *Location `json:"location,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Service is something a vendor sells at a list price.
type Service struct {
	ID          string    `json:"id"`
	VendorID    string    `json:"vendorId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// OfferStatus tracks a vendor's custom quote.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferBooked   OfferStatus = "booked"
)

// Offer is a negotiated price for one client, replacing the list price.
type Offer struct {
	ID        string      `json:"id"`
	VendorID  string      `json:"vendorId"`
	ClientID  string      `json:"clientId"`
	ServiceID string      `json:"serviceId"`
	Price     int64       `json:"price"`
	Message   string      `json:"message,omitempty"`
	Status    OfferStatus `json:"status"`
	BookingID string      `json:"bookingId,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CatalogStore persists vendors, services, and offers.
type CatalogStore interface {
	GetVendor(ctx context.Context, id string) (*Vendor, error)
	PutVendor(ctx context.Context, v *Vendor) error
	GetService(ctx context.Context, id string) (*Service, error)
	PutService(ctx context.Context, s *Service) error
	ListServices(ctx context.Context, vendorID string) ([]*Service, error)
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	UpdateOffer(ctx context.Context, o *Offer, from OfferStatus) error
}

// Catalog manages what can be booked.
type Catalog struct {
	store CatalogStore
	now   func() time.Time
}

// NewCatalog creates a catalog service.
func NewCatalog(store CatalogStore) *Catalog {
	return &Catalog{store: store, now: time.Now}
}

// VendorProfile is the editable part of a vendor.
type VendorProfile struct {
	HomeService bool      `json:"homeService"`
	Location    *Location `json:"location"`
}

// UpsertVendorProfile creates or updates a vendor. Verification is kept.
func (c *Catalog) UpsertVendorProfile(ctx context.Context, vendorID string, p VendorProfile) (*Vendor, error) {
	v, err := c.store.GetVendor(ctx, vendorID)
	if err != nil && !errors.Is(err, ErrVendorNotFound) {
		return nil, err
	}
	if v == nil {
		v = &Vendor{ID: vendorID}
	}
	if p.HomeService && p.Location == nil && v.Location == nil {
		return nil, ErrLocationRequired
	}
	v.HomeService = p.HomeService
	if p.Location != nil {
		v.Location = p.Location
	}
	v.UpdatedAt = c.now().UTC()
	if err := c.store.PutVendor(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyVendor marks a vendor as verified.
func (c *Catalog) VerifyVendor(ctx context.Context, vendorID string, verified bool) (*Vendor, error) {
	v, err := c.store.GetVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	v.Verified = verified
	v.UpdatedAt = c.now().UTC()
	if err := c.store.PutVendor(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GetVendor returns a vendor.
func (c *Catalog) GetVendor(ctx context.Context, vendorID string) (*Vendor, error) {
	return c.store.GetVendor(ctx, vendorID)
}

// CreateService adds an active service to a vendor's catalog.
func (c *Catalog) CreateService(ctx context.Context, vendorID, name, description string, price int64) (*Service, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	if _, err := c.store.GetVendor(ctx, vendorID); err != nil {
		return nil, err
	}
	now := c.now().UTC()
	s := &Service{
		ID:          idgen.WithPrefix("svc_"),
		VendorID:    vendorID,
		Name:        strings.TrimSpace(name),
		Description: description,
		Price:       price,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.PutService(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// SetServiceActive toggles whether a service can be booked.
func (c *Catalog) SetServiceActive(ctx context.Context, vendorID, serviceID string, active bool) (*Service, error) {
	s, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if s.VendorID != vendorID {
		return nil, ErrNotServiceOwner
	}
	s.Active = active
	s.UpdatedAt = c.now().UTC()
	if err := c.store.PutService(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetService returns a service.
func (c *Catalog) GetService(ctx context.Context, id string) (*Service, error) {
	return c.store.GetService(ctx, id)
}

// ListServices returns a vendor's services.
func (c *Catalog) ListServices(ctx context.Context, vendorID string) ([]*Service, error) {
	return c.store.ListServices(ctx, vendorID)
}

// MakeOffer quotes a custom price for one of the vendor's services.
func (c *Catalog) MakeOffer(ctx context.Context, vendorID, clientID, serviceID string, price int64, message string) (*Offer, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	if clientID == vendorID {
		return nil, ErrSelfDealing
	}
	s, err := c.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if s.VendorID != vendorID {
		return nil, ErrNotServiceOwner
	}
	if !s.Active {
		return nil, ErrServiceInactive
	}
	now := c.now().UTC()
	o := &Offer{
		ID:        idgen.WithPrefix("ofr_"),
		VendorID:  vendorID,
		ClientID:  clientID,
		ServiceID: serviceID,
		Price:     price,
		Message:   message,
		Status:    OfferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// RespondOffer lets the client accept or decline a pending offer.
func (c *Catalog) RespondOffer(ctx context.Context, clientID, offerID string, accept bool) (*Offer, error) {
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.ClientID != clientID {
		return nil, ErrNotOfferParty
	}
	if o.Status != OfferPending {
		return nil, ErrOfferNotPending
	}
	o.Status = OfferDeclined
	if accept {
		o.Status = OfferAccepted
	}
	o.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateOffer(ctx, o, OfferPending); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOffer returns an offer visible to one of its parties.
func (c *Catalog) GetOffer(ctx context.Context, offerID, userID string, admin bool) (*Offer, error) {
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !admin && o.ClientID != userID && o.VendorID != userID {
		return nil, ErrOfferNotFound
	}
	return o, nil
}

// claimOffer moves an accepted offer to booked so it backs one booking only.
func (c *Catalog) claimOffer(ctx context.Context, o *Offer, bookingID string) error {
	o.Status = OfferBooked
	o.BookingID = bookingID
	o.UpdatedAt = c.now().UTC()
	return c.store.UpdateOffer(ctx, o, OfferAccepted)
}
