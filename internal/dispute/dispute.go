// Package dispute lets a client or vendor contest a paid booking and lets an
// admin settle it outside the normal completion path.
//
// A dispute moves open -> in_review -> resolved -> closed and never back.
// While it is open the booking cannot be cancelled and its payment cannot be
// released by completion. Resolution settles the escrowed payment one of
// three ways: refund the client, pay the vendor, or split between them.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/metrics"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/syncutil"
	"github.com/mbd888/bookit/internal/traces"
)

var (
	ErrDisputeNotFound      = apperr.NotFound("dispute_not_found", "Dispute not found")
	ErrNotDisputeParty      = apperr.Forbidden("not_dispute_party", "You are not a party to this booking")
	ErrDisputeExists        = apperr.Conflict("dispute_exists", "Booking already has an open dispute")
	ErrFundsNotHeld         = apperr.BadRequest("funds_not_held", "Only bookings with payment held in escrow can be disputed")
	ErrBookingNotDisputable = apperr.BadRequest("booking_not_disputable", "Cancelled bookings cannot be disputed")
	ErrReasonRequired       = apperr.BadRequest("reason_required", "A reason is required")
	ErrInvalidResolution    = apperr.BadRequest("invalid_resolution", "Resolution must be refund_client, pay_vendor or partial_refund")
	ErrInvalidAmounts       = apperr.BadRequest("invalid_amounts", "Partial refunds need non-negative amounts with a positive total")
	ErrAlreadyResolved      = apperr.Conflict("dispute_resolved", "Dispute has already been resolved")
	ErrDisputeClosed        = apperr.Conflict("dispute_closed", "Dispute is closed")
	ErrInvalidTransition    = apperr.BadRequest("invalid_transition", "Dispute cannot make that transition from its current status")
	ErrDisputeStateChanged  = apperr.Conflict("dispute_state_changed", "Dispute was modified concurrently")
)

// Status is a dispute's position in its linear lifecycle.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

// Active reports whether the dispute still blocks its booking.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

// Resolution is how the escrowed funds were settled.
type Resolution string

const (
	RefundClient  Resolution = "refund_client"
	PayVendor     Resolution = "pay_vendor"
	PartialRefund Resolution = "partial_refund"
)

func (r Resolution) valid() bool {
	return r == RefundClient || r == PayVendor || r == PartialRefund
}

// Evidence is a note attached by a party or an admin.
type Evidence struct {
	AuthorID string    `json:"authorId"`
	Note     string    `json:"note"`
	At       time.Time `json:"at"`
}

// Dispute is a contested booking.
type Dispute struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"bookingId"`
	RaisedBy       string     `json:"raisedBy"`
	Against        string     `json:"against"`
	Reason         string     `json:"reason"`
	Description    string     `json:"description,omitempty"`
	Status         Status     `json:"status"`
	Resolution     Resolution `json:"resolution,omitempty"`
	RefundAmount   int64      `json:"refundAmount,omitempty"`
	VendorAmount   int64      `json:"vendorAmount,omitempty"`
	ResolutionNote string     `json:"resolutionNote,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	Evidence       []Evidence `json:"evidence"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// IsParty reports whether userID raised the dispute or is disputed against.
func (d *Dispute) IsParty(userID string) bool {
	return userID != "" && (d.RaisedBy == userID || d.Against == userID)
}

// BookingInfo is what disputes need to know about a booking.
type BookingInfo struct {
	ID              string
	ClientID        string
	VendorID        string
	Status          string
	PaymentStatus   string
	ActiveDisputeID string
}

// Booking statuses and payment statuses disputes care about.
const (
	bookingCancelled = "cancelled"
	paymentEscrowed  = "escrowed"
)

// Bookings links disputes to bookings. AttachDispute must fail with a
// Conflict if another dispute is already attached.
type Bookings interface {
	BookingForDispute(ctx context.Context, bookingID string) (*BookingInfo, error)
	AttachDispute(ctx context.Context, bookingID, disputeID string) error
	DetachDispute(ctx context.Context, bookingID, disputeID string) error
}

// Settlement moves the escrowed funds. Each call may succeed at most once per
// booking; later calls fail with a Conflict.
type Settlement interface {
	Refund(ctx context.Context, bookingID, reason string) error
	ForceRelease(ctx context.Context, bookingID, reason string) error
	Split(ctx context.Context, bookingID string, refundAmount, vendorAmount int64, reason string) error
	// Outcome returns nil while the funds are still in escrow.
	Outcome(ctx context.Context, bookingID string) (*Outcome, error)
}

// Outcome is how a booking's escrow was settled.
type Outcome struct {
	Reason       string
	RefundAmount int64
	VendorAmount int64
}

// Store persists disputes. Update writes only if the stored status is from.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, from Status) error
	ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Service implements the dispute resolver.
type Service struct {
	store      Store
	bookings   Bookings
	settlement Settlement
	notifier   notify.Notifier
	locks      *syncutil.KeyLocker
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, bookings Bookings, settlement Settlement, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		bookings:   bookings,
		settlement: settlement,
		notifier:   notify.Nop{},
		locks:      syncutil.NewKeyLocker(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithNotifier sets the notification dispatcher.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// CreateRequest opens a dispute.
type CreateRequest struct {
	BookingID   string `json:"bookingId"`
	UserID      string `json:"-"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// Create opens a dispute on a paid booking.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.BookingID(req.BookingID))
	defer span.End()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrReasonRequired
	}

	b, err := s.bookings.BookingForDispute(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	var against string
	switch req.UserID {
	case b.ClientID:
		against = b.VendorID
	case b.VendorID:
		against = b.ClientID
	default:
		return nil, ErrNotDisputeParty
	}
	if b.Status == bookingCancelled {
		return nil, ErrBookingNotDisputable
	}
	if b.PaymentStatus != paymentEscrowed {
		return nil, ErrFundsNotHeld
	}
	if b.ActiveDisputeID != "" {
		return nil, ErrDisputeExists
	}

	now := s.now().UTC()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		BookingID:   b.ID,
		RaisedBy:    req.UserID,
		Against:     against,
		Reason:      strings.TrimSpace(req.Reason),
		Description: req.Description,
		Status:      StatusOpen,
		Evidence:    []Evidence{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Claim the booking first; it is the one-active-dispute guard.
	if err := s.bookings.AttachDispute(ctx, b.ID, d.ID); err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil, ErrDisputeExists
		}
		return nil, err
	}
	if err := s.store.Create(ctx, d); err != nil {
		if derr := s.bookings.DetachDispute(ctx, b.ID, d.ID); derr != nil {
			s.logger.Error("failed to detach dispute after insert failed", "dispute", d.ID, "booking", b.ID, "error", derr)
		}
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.logger.Info("dispute opened", "dispute", d.ID, "booking", b.ID, "raised_by", d.RaisedBy)
	s.notifier.Notify(ctx, d.Against, notify.DisputeOpened, disputePayload(d))
	return d, nil
}

// Review moves an open dispute into admin review.
func (s *Service) Review(ctx context.Context, id, adminID string) (*Dispute, error) {
	d, err := s.transition(ctx, id, func(d *Dispute) error {
		switch d.Status {
		case StatusOpen:
		case StatusResolved:
			return ErrAlreadyResolved
		case StatusClosed:
			return ErrDisputeClosed
		default:
			return ErrInvalidTransition
		}
		d.Status = StatusInReview
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute in review", "dispute", d.ID, "admin", adminID)
	s.notifyParties(ctx, d, notify.DisputeInReview)
	return d, nil
}

// ResolveRequest is an admin's decision.
type ResolveRequest struct {
	Resolution   Resolution `json:"resolution"`
	RefundAmount int64      `json:"refundAmount"`
	VendorAmount int64      `json:"vendorAmount"`
	Note         string     `json:"note"`
	AdminID      string     `json:"-"`
}

// Resolve settles the booking's escrow according to the decision and marks
// the dispute resolved. The funds move first. If the escrow was already
// settled by an earlier attempt at this same resolution whose record was not
// saved, the resolution is recorded; any other prior settlement leaves the
// dispute as it was.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	if !req.Resolution.valid() {
		return nil, ErrInvalidResolution
	}
	if req.Resolution == PartialRefund &&
		(req.RefundAmount < 0 || req.VendorAmount < 0 || req.RefundAmount+req.VendorAmount == 0) {
		return nil, ErrInvalidAmounts
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case StatusResolved:
		return nil, ErrAlreadyResolved
	case StatusClosed:
		return nil, ErrDisputeClosed
	}
	from := d.Status

	reason := fmt.Sprintf("dispute %s: %s", d.ID, req.Resolution)
	switch req.Resolution {
	case RefundClient:
		err = s.settlement.Refund(ctx, d.BookingID, reason)
	case PayVendor:
		err = s.settlement.ForceRelease(ctx, d.BookingID, reason)
	case PartialRefund:
		err = s.settlement.Split(ctx, d.BookingID, req.RefundAmount, req.VendorAmount, reason)
	}
	if err != nil {
		prior, ok := s.appliedEarlier(ctx, d.BookingID, reason)
		if !ok {
			return nil, err
		}
		s.logger.Warn("dispute settlement already applied, recording resolution",
			"dispute", d.ID, "booking", d.BookingID, "resolution", req.Resolution)
		if req.Resolution == PartialRefund {
			req.RefundAmount, req.VendorAmount = prior.RefundAmount, prior.VendorAmount
		}
	}

	now := s.now().UTC()
	d.Status = StatusResolved
	d.Resolution = req.Resolution
	if req.Resolution == PartialRefund {
		d.RefundAmount = req.RefundAmount
		d.VendorAmount = req.VendorAmount
	}
	d.ResolutionNote = req.Note
	d.ResolvedBy = req.AdminID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d, from); err != nil {
		// Money has moved; the record is behind.
		s.logger.Error("CRITICAL: dispute settled but not recorded", "dispute", d.ID,
			"booking", d.BookingID, "resolution", req.Resolution, "error", err)
		return nil, err
	}
	if err := s.bookings.DetachDispute(ctx, d.BookingID, d.ID); err != nil {
		s.logger.Warn("failed to detach resolved dispute", "dispute", d.ID, "booking", d.BookingID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	s.logger.Info("dispute resolved", "dispute", d.ID, "booking", d.BookingID, "resolution", d.Resolution,
		"refund", d.RefundAmount, "vendor", d.VendorAmount, "admin", req.AdminID)
	s.notifyParties(ctx, d, notify.DisputeResolved)
	return d, nil
}

// appliedEarlier returns the escrow outcome if it was produced by resolving
// this dispute with the same decision.
func (s *Service) appliedEarlier(ctx context.Context, bookingID, reason string) (*Outcome, bool) {
	out, err := s.settlement.Outcome(ctx, bookingID)
	if err != nil || out == nil || out.Reason != reason {
		return nil, false
	}
	return out, true
}

// Close ends a dispute. Admins may close any dispute that is not already
// closed; the party who raised it may withdraw it while unresolved. Closing
// an unresolved dispute leaves the escrowed funds untouched and unblocks the
// booking.
func (s *Service) Close(ctx context.Context, id, userID string, admin bool) (*Dispute, error) {
	d, err := s.transition(ctx, id, func(d *Dispute) error {
		if d.Status == StatusClosed {
			return ErrDisputeClosed
		}
		if !admin {
			if d.RaisedBy != userID {
				if d.Against == userID {
					return ErrNotDisputeParty
				}
				return ErrDisputeNotFound
			}
			if d.Status == StatusResolved {
				return ErrAlreadyResolved
			}
		}
		now := s.now().UTC()
		d.Status = StatusClosed
		d.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.bookings.DetachDispute(ctx, d.BookingID, d.ID); err != nil {
		s.logger.Warn("failed to detach closed dispute", "dispute", d.ID, "booking", d.BookingID, "error", err)
	}
	s.notifyParties(ctx, d, notify.DisputeClosed)
	return d, nil
}

// AddEvidence appends a note from a party or an admin while the dispute is
// unresolved.
func (s *Service) AddEvidence(ctx context.Context, id, userID string, admin bool, note string) (*Dispute, error) {
	if strings.TrimSpace(note) == "" {
		return nil, apperr.BadRequest("note_required", "Evidence note is required")
	}
	return s.transition(ctx, id, func(d *Dispute) error {
		if !admin && !d.IsParty(userID) {
			return ErrDisputeNotFound
		}
		switch d.Status {
		case StatusResolved:
			return ErrAlreadyResolved
		case StatusClosed:
			return ErrDisputeClosed
		}
		d.Evidence = append(d.Evidence, Evidence{AuthorID: userID, Note: note, At: s.now().UTC()})
		return nil
	})
}

// Get returns a dispute visible to the caller.
func (s *Service) Get(ctx context.Context, id, userID string, admin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && !d.IsParty(userID) {
		return nil, ErrDisputeNotFound
	}
	return d, nil
}

// ListByBooking returns every dispute raised on a booking, oldest first.
func (s *Service) ListByBooking(ctx context.Context, bookingID, userID string, admin bool) ([]*Dispute, error) {
	if !admin {
		b, err := s.bookings.BookingForDispute(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if b.ClientID != userID && b.VendorID != userID {
			return nil, ErrNotDisputeParty
		}
	}
	return s.store.ListByBooking(ctx, bookingID)
}

// ListByStatus returns disputes in a status for the admin queue.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// transition applies fn under the dispute's lock and writes it back.
func (s *Service) transition(ctx context.Context, id string, fn func(d *Dispute) error) (*Dispute, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := d.Status
	if err := fn(d); err != nil {
		return nil, err
	}
	d.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, d, from); err != nil {
		if errors.Is(err, ErrDisputeStateChanged) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update dispute: %w", err)
	}
	if d.Status != from {
		metrics.DisputesTotal.WithLabelValues(string(d.Status)).Inc()
	}
	return d, nil
}

func (s *Service) notifyParties(ctx context.Context, d *Dispute, typ notify.Type) {
	payload := disputePayload(d)
	s.notifier.Notify(ctx, d.RaisedBy, typ, payload)
	s.notifier.Notify(ctx, d.Against, typ, payload)
}

func disputePayload(d *Dispute) map[string]any {
	return map[string]any{
		"disputeId":  d.ID,
		"bookingId":  d.BookingID,
		"status":     d.Status,
		"resolution": d.Resolution,
	}
}
