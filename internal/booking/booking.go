// Package booking runs the booking lifecycle between a client and a vendor.
//
// Lifecycle:
//
//	pending -> accepted -> in_progress -> completed
//	   |          |             |
//	   +----------+-------------+-> cancelled
//
// A vendor can only accept once the client's payment is held in escrow. The
// booking completes when both parties have marked it complete, which releases
// the escrowed funds. Cancelling (or rejecting) a paid booking refunds the
// client. Settlement itself belongs to the escrow package; this package only
// decides when it should happen.
package booking

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/metrics"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/pagination"
	"github.com/mbd888/bookit/internal/syncutil"
	"github.com/mbd888/bookit/internal/traces"
)

var (
	ErrBookingNotFound   = apperr.NotFound("booking_not_found", "Booking not found")
	ErrNotBookingParty   = apperr.Forbidden("not_booking_party", "You are not a party to this booking")
	ErrNotBookingVendor  = apperr.Forbidden("not_booking_vendor", "Only the booking's vendor can do that")
	ErrInvalidTransition = apperr.BadRequest("invalid_transition", "Booking cannot make that transition from its current status")
	ErrPaymentNotHeld    = apperr.BadRequest("payment_not_held", "Booking cannot be accepted until payment is held in escrow")
	ErrDisputeActive     = apperr.Conflict("dispute_active", "Booking has an active dispute")
	ErrVersionConflict   = apperr.Conflict("booking_modified", "Booking was modified concurrently, retry")
	ErrLocationRequired  = apperr.BadRequest("location_required", "A job location is required for home-service vendors")
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Payment statuses mirrored from escrow.
const (
	PaymentPending  = "pending"
	PaymentEscrowed = "escrowed"
)

// Kind records where the booking's price came from.
type Kind string

const (
	KindStandard Kind = "standard"
	KindOffer    Kind = "offer"
)

// HistoryEntry is one status change.
type HistoryEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
}

// Booking is a scheduled job between a client and a vendor.
type Booking struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	VendorID      string    `json:"vendorId"`
	ServiceID     string    `json:"serviceId"`
	Kind          Kind      `json:"kind"`
	OfferID       string    `json:"offerId,omitempty"`
	ScheduledDate string    `json:"scheduledDate"`
	ScheduledTime string    `json:"scheduledTime"`
	Location      *Location `json:"location,omitempty"`
	Notes         string    `json:"notes,omitempty"`

	ServicePrice   int64   `json:"servicePrice"`
	DistanceKm     float64 `json:"distanceKm"`
	DistanceCharge int64   `json:"distanceCharge"`
	TotalAmount    int64   `json:"totalAmount"`

	Status               Status         `json:"status"`
	StatusHistory        []HistoryEntry `json:"statusHistory"`
	ClientMarkedComplete bool           `json:"clientMarkedComplete"`
	VendorMarkedComplete bool           `json:"vendorMarkedComplete"`
	PaymentStatus        string         `json:"paymentStatus"`
	DisputeID            string         `json:"disputeId,omitempty"`
	ReviewID             string         `json:"reviewId,omitempty"`
	CancellationReason   string         `json:"cancellationReason,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsParty reports whether userID is the client or the vendor.
func (b *Booking) IsParty(userID string) bool {
	return userID != "" && (b.ClientID == userID || b.VendorID == userID)
}

// ListFilter selects bookings for one user.
type ListFilter struct {
	UserID string
	// AsVendor lists bookings where the user is the vendor instead of the client.
	AsVendor bool
	Status   Status
	Limit    int
	Before   *pagination.Cursor
}

// Store persists bookings.
//
// Update is an optimistic write: it fails with ErrVersionConflict unless the
// stored version equals b.Version, and bumps b.Version on success. It never
// writes PaymentStatus or DisputeID; those belong to the dedicated setters so
// escrow and dispute updates are never clobbered by a stale lifecycle write.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	List(ctx context.Context, f ListFilter) ([]*Booking, error)
	SetPaymentStatus(ctx context.Context, id, status string) error
	AttachDispute(ctx context.Context, id, disputeID string) error
	DetachDispute(ctx context.Context, id, disputeID string) error
}

// Payments is the escrow side of the lifecycle.
type Payments interface {
	IsHeld(ctx context.Context, bookingID string) (bool, error)
	Release(ctx context.Context, bookingID string) error
	Refund(ctx context.Context, bookingID, reason string) error
}

// ReferralTrigger is told when a client completes a booking.
type ReferralTrigger interface {
	OnBookingCompleted(ctx context.Context, clientID, bookingID string) error
}

// Manager implements the booking lifecycle.
type Manager struct {
	store     Store
	catalog   *Catalog
	pricing   Pricing
	payments  Payments
	referrals ReferralTrigger
	notifier  notify.Notifier
	locks     *syncutil.KeyLocker
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a booking manager.
func NewManager(store Store, catalog *Catalog, pricing Pricing, payments Payments, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		catalog:  catalog,
		pricing:  pricing,
		payments: payments,
		notifier: notify.Nop{},
		locks:    syncutil.NewKeyLocker(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithReferrals sets the collaborator told about completed bookings.
func (m *Manager) WithReferrals(r ReferralTrigger) *Manager {
	m.referrals = r
	return m
}

// WithNotifier sets the notification dispatcher.
func (m *Manager) WithNotifier(n notify.Notifier) *Manager {
	if n != nil {
		m.notifier = n
	}
	return m
}

// CreateRequest books a service, at list price or from an accepted offer.
type CreateRequest struct {
	ClientID      string    `json:"-"`
	ServiceID     string    `json:"serviceId"`
	OfferID       string    `json:"offerId"`
	ScheduledDate string    `json:"scheduledDate"`
	ScheduledTime string    `json:"scheduledTime"`
	Location      *Location `json:"location"`
	Notes         string    `json:"notes"`
}

// Create books a service and returns the pending booking.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.Create", traces.UserID(req.ClientID))
	defer span.End()

	var offer *Offer
	kind := KindStandard
	if req.OfferID != "" {
		o, err := m.catalog.store.GetOffer(ctx, req.OfferID)
		if err != nil {
			return nil, err
		}
		if o.ClientID != req.ClientID {
			return nil, ErrNotOfferParty
		}
		if o.Status != OfferAccepted {
			return nil, ErrOfferNotAccepted
		}
		offer = o
		kind = KindOffer
		req.ServiceID = o.ServiceID
	}

	svc, err := m.catalog.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}
	vendor, err := m.catalog.GetVendor(ctx, svc.VendorID)
	if err != nil {
		return nil, err
	}
	if !vendor.Verified {
		return nil, ErrVendorNotVerified
	}
	if vendor.ID == req.ClientID {
		return nil, ErrSelfDealing
	}
	if vendor.HomeService && req.Location == nil {
		return nil, ErrLocationRequired
	}

	price := svc.Price
	if offer != nil {
		price = offer.Price
	}
	var km float64
	var charge int64
	if vendor.HomeService && vendor.Location != nil {
		km = math.Round(DistanceKm(*vendor.Location, *req.Location)*100) / 100
		charge = m.pricing.DistanceCharge(km)
	}

	now := m.now().UTC()
	b := &Booking{
		ID:             idgen.WithPrefix("bk_"),
		ClientID:       req.ClientID,
		VendorID:       vendor.ID,
		ServiceID:      svc.ID,
		Kind:           kind,
		ScheduledDate:  req.ScheduledDate,
		ScheduledTime:  req.ScheduledTime,
		Location:       req.Location,
		Notes:          req.Notes,
		ServicePrice:   price,
		DistanceKm:     km,
		DistanceCharge: charge,
		TotalAmount:    price + charge,
		Status:         StatusPending,
		StatusHistory:  []HistoryEntry{{Status: StatusPending, At: now, Actor: req.ClientID}},
		PaymentStatus:  PaymentPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if offer != nil {
		b.OfferID = offer.ID
		if err := m.catalog.claimOffer(ctx, offer, b.ID); err != nil {
			return nil, err
		}
	}
	if err := m.store.Create(ctx, b); err != nil {
		if offer != nil {
			m.releaseOffer(ctx, offer)
		}
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	m.logger.Info("booking created", "booking", b.ID, "client", b.ClientID, "vendor", b.VendorID,
		"kind", b.Kind, "total", b.TotalAmount)
	m.notifier.Notify(ctx, b.VendorID, notify.BookingCreated, bookingPayload(b))
	return b, nil
}

// releaseOffer puts a claimed offer back after the booking insert failed.
func (m *Manager) releaseOffer(ctx context.Context, o *Offer) {
	o.Status = OfferAccepted
	o.BookingID = ""
	o.UpdatedAt = m.now().UTC()
	if err := m.catalog.store.UpdateOffer(ctx, o, OfferBooked); err != nil {
		m.logger.Error("failed to release offer after booking insert failed", "offer", o.ID, "error", err)
	}
}

// Accept confirms a paid booking. Vendor only.
func (m *Manager) Accept(ctx context.Context, id, vendorID string) (*Booking, error) {
	b, err := m.mutate(ctx, id, func(b *Booking) (bool, error) {
		if b.VendorID != vendorID {
			return false, ErrNotBookingVendor
		}
		if b.Status != StatusPending {
			return false, ErrInvalidTransition
		}
		held, err := m.payments.IsHeld(ctx, b.ID)
		if err != nil {
			return false, err
		}
		if !held {
			return false, ErrPaymentNotHeld
		}
		m.setStatus(b, StatusAccepted, vendorID, "")
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.notifier.Notify(ctx, b.ClientID, notify.BookingAccepted, bookingPayload(b))
	return b, nil
}

// Reject declines a pending booking and refunds any escrowed payment. Vendor only.
func (m *Manager) Reject(ctx context.Context, id, vendorID, reason string) (*Booking, error) {
	b, err := m.mutate(ctx, id, func(b *Booking) (bool, error) {
		if b.VendorID != vendorID {
			return false, ErrNotBookingVendor
		}
		if b.Status != StatusPending {
			return false, ErrInvalidTransition
		}
		if b.DisputeID != "" {
			return false, ErrDisputeActive
		}
		b.CancellationReason = reason
		m.setStatus(b, StatusCancelled, vendorID, reason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.notifier.Notify(ctx, b.ClientID, notify.BookingRejected, bookingPayload(b))
	return m.refundIfHeld(ctx, b, "rejected by vendor")
}

// Start marks an accepted booking as underway. Vendor only.
func (m *Manager) Start(ctx context.Context, id, vendorID string) (*Booking, error) {
	b, err := m.mutate(ctx, id, func(b *Booking) (bool, error) {
		if b.VendorID != vendorID {
			return false, ErrNotBookingVendor
		}
		if b.Status != StatusAccepted {
			return false, ErrInvalidTransition
		}
		m.setStatus(b, StatusInProgress, vendorID, "")
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.notifier.Notify(ctx, b.ClientID, notify.BookingStarted, bookingPayload(b))
	return b, nil
}

// MarkComplete records the caller's completion flag. Once both flags are set
// the booking completes, the escrowed payment is released, and the referral
// trigger runs. Marking twice is a no-op.
func (m *Manager) MarkComplete(ctx context.Context, id, userID string) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.MarkComplete", traces.BookingID(id))
	defer span.End()

	var completed bool
	b, err := m.mutate(ctx, id, func(b *Booking) (bool, error) {
		var flag *bool
		switch userID {
		case b.ClientID:
			flag = &b.ClientMarkedComplete
		case b.VendorID:
			flag = &b.VendorMarkedComplete
		default:
			return false, ErrNotBookingParty
		}
		if *flag {
			return false, nil
		}
		if b.Status != StatusAccepted && b.Status != StatusInProgress {
			return false, ErrInvalidTransition
		}
		*flag = true
		if b.ClientMarkedComplete && b.VendorMarkedComplete {
			m.setStatus(b, StatusCompleted, userID, "")
			completed = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if !completed {
		other := b.VendorID
		if userID == b.VendorID {
			other = b.ClientID
		}
		m.notifier.Notify(ctx, other, notify.CompletionMarked, bookingPayload(b))
		return b, nil
	}

	m.notifier.Notify(ctx, b.ClientID, notify.BookingCompleted, bookingPayload(b))
	m.notifier.Notify(ctx, b.VendorID, notify.BookingCompleted, bookingPayload(b))

	m.releaseIfHeld(ctx, b)
	if m.referrals != nil {
		if err := m.referrals.OnBookingCompleted(ctx, b.ClientID, b.ID); err != nil {
			m.logger.Error("referral trigger failed", "booking", b.ID, "client", b.ClientID, "error", err)
		}
	}
	return m.reload(ctx, b)
}

// Cancel cancels an open booking and refunds any escrowed payment. Either
// party may cancel; not while a dispute is open.
func (m *Manager) Cancel(ctx context.Context, id, userID, reason string) (*Booking, error) {
	b, err := m.mutate(ctx, id, func(b *Booking) (bool, error) {
		if !b.IsParty(userID) {
			return false, ErrNotBookingParty
		}
		if b.Status.IsTerminal() {
			return false, ErrInvalidTransition
		}
		if b.DisputeID != "" {
			return false, ErrDisputeActive
		}
		b.CancellationReason = reason
		m.setStatus(b, StatusCancelled, userID, reason)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for _, uid := range []string{b.ClientID, b.VendorID} {
		if uid != userID {
			m.notifier.Notify(ctx, uid, notify.BookingCancelled, bookingPayload(b))
		}
	}
	if reason == "" {
		reason = "booking cancelled"
	}
	return m.refundIfHeld(ctx, b, reason)
}

// Get returns a booking visible to the caller.
func (m *Manager) Get(ctx context.Context, id, userID string, admin bool) (*Booking, error) {
	b, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && !b.IsParty(userID) {
		return nil, ErrBookingNotFound
	}
	return b, nil
}

// Lookup returns a booking without an access check. For internal collaborators.
func (m *Manager) Lookup(ctx context.Context, id string) (*Booking, error) {
	return m.store.Get(ctx, id)
}

// ListRequest is a page request for a user's bookings.
type ListRequest struct {
	UserID   string
	AsVendor bool
	Status   Status
	Limit    int
	Cursor   string
}

// List returns a page of the user's bookings, newest first, and the cursor
// for the next page.
func (m *Manager) List(ctx context.Context, req ListRequest) ([]*Booking, string, error) {
	limit := pagination.Limit(req.Limit)
	before, err := pagination.Decode(req.Cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := m.store.List(ctx, ListFilter{
		UserID:   req.UserID,
		AsVendor: req.AsVendor,
		Status:   req.Status,
		Limit:    limit + 1,
		Before:   before,
	})
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(b *Booking) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	return page, next, nil
}

// SetPaymentStatus mirrors the escrow outcome on the booking.
func (m *Manager) SetPaymentStatus(ctx context.Context, id, status string) error {
	return m.store.SetPaymentStatus(ctx, id, status)
}

// AttachDispute links an active dispute. Fails with ErrDisputeActive if one
// is already linked.
func (m *Manager) AttachDispute(ctx context.Context, id, disputeID string) error {
	return m.store.AttachDispute(ctx, id, disputeID)
}

// DetachDispute clears the active dispute link if it still points at disputeID.
func (m *Manager) DetachDispute(ctx context.Context, id, disputeID string) error {
	return m.store.DetachDispute(ctx, id, disputeID)
}

// mutate applies fn to the current booking under the booking's lock and
// persists it if fn reports a change. A version conflict means a writer
// outside this process got there first.
func (m *Manager) mutate(ctx context.Context, id string, fn func(b *Booking) (bool, error)) (*Booking, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := b.Status
	changed, err := fn(b)
	if err != nil || !changed {
		return b, err
	}
	b.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, b); err != nil {
		return nil, err
	}
	if b.Status != from {
		metrics.BookingTransitionsTotal.WithLabelValues(string(b.Status)).Inc()
		m.logger.Info("booking transitioned", "booking", b.ID, "from", from, "to", b.Status)
	}
	return b, nil
}

// setStatus moves the booking and appends to its history.
func (m *Manager) setStatus(b *Booking, to Status, actor, reason string) {
	now := m.now().UTC()
	b.Status = to
	b.StatusHistory = append(b.StatusHistory, HistoryEntry{Status: to, At: now, Actor: actor, Reason: reason})
	switch to {
	case StatusCompleted:
		b.CompletedAt = &now
	case StatusCancelled:
		b.CancelledAt = &now
	}
}

// refundIfHeld refunds a cancelled booking's escrowed payment. A failure is
// logged; the booking stays cancelled and the sweeper retries the refund.
func (m *Manager) refundIfHeld(ctx context.Context, b *Booking, reason string) (*Booking, error) {
	held, err := m.payments.IsHeld(ctx, b.ID)
	if err != nil {
		m.logger.Warn("could not check escrow after cancellation", "booking", b.ID, "error", err)
		return b, nil
	}
	if !held {
		return b, nil
	}
	if err := m.payments.Refund(ctx, b.ID, reason); err != nil {
		m.logger.Warn("refund after cancellation failed", "booking", b.ID, "error", err)
		return b, nil
	}
	return m.reload(ctx, b)
}

// releaseIfHeld pays the vendor for a completed booking. A dispute may have
// settled the escrow already, in which case completion moves no money.
func (m *Manager) releaseIfHeld(ctx context.Context, b *Booking) {
	held, err := m.payments.IsHeld(ctx, b.ID)
	if err != nil {
		m.logger.Warn("could not check escrow after completion", "booking", b.ID, "error", err)
		return
	}
	if !held {
		m.logger.Info("booking completed after escrow was settled", "booking", b.ID, "paymentStatus", b.PaymentStatus)
		return
	}
	if err := m.payments.Release(ctx, b.ID); err != nil {
		// Completed and still held; the settlement sweeper retries.
		m.logger.Warn("release after completion failed", "booking", b.ID, "error", err)
	}
}

// reload re-reads a booking after escrow updated its payment status.
func (m *Manager) reload(ctx context.Context, b *Booking) (*Booking, error) {
	fresh, err := m.store.Get(ctx, b.ID)
	if err != nil {
		return b, nil
	}
	return fresh, nil
}

func bookingPayload(b *Booking) map[string]any {
	return map[string]any{
		"bookingId": b.ID,
		"status":    b.Status,
		"total":     b.TotalAmount,
	}
}
