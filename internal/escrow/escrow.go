// Package escrow holds client payments for bookings until the work is done.
//
// Flow:
//  1. Client initializes a payment for a pending booking; the gateway returns
//     a hosted checkout URL and the payment is recorded pending.
//  2. The gateway confirms the charge (signed webhook or synchronous verify);
//     the payment is held and the booking marked escrowed.
//  3. Exactly one settlement follows: release to the vendor on completion,
//     refund to the client on cancellation, or a split decided by a dispute.
//
// The payment record is the settlement intent. Every settlement posts its
// wallet credits under the ledger key settle:<reference>, so a retried or
// racing settlement can never move money twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/commission"
	"github.com/mbd888/bookit/internal/gateway"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/ledger"
	"github.com/mbd888/bookit/internal/logging"
	"github.com/mbd888/bookit/internal/metrics"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/syncutil"
	"github.com/mbd888/bookit/internal/traces"
)

var (
	ErrPaymentNotFound     = apperr.NotFound("payment_not_found", "Payment not found")
	ErrNotBookingClient    = apperr.Forbidden("not_booking_client", "Only the booking's client can pay for it")
	ErrBookingNotPayable   = apperr.BadRequest("booking_not_payable", "Booking can no longer be paid for")
	ErrAlreadyPaid         = apperr.Conflict("already_paid", "Booking has already been paid")
	ErrNotHeld             = apperr.BadRequest("payment_not_held", "Payment is not held in escrow")
	ErrAlreadySettled      = apperr.Conflict("already_settled", "Payment has already been settled")
	ErrBookingNotCompleted = apperr.BadRequest("booking_not_completed", "Booking must be completed before release")
	ErrDisputeActive       = apperr.Conflict("dispute_active", "Booking has an active dispute")
	ErrInvalidSplit        = apperr.BadRequest("invalid_split", "Split amounts must be non-negative and within the payment amount")
	ErrInvalidSignature    = apperr.Unauthorized("invalid_signature", "Webhook signature is invalid")
	ErrMalformedWebhook    = apperr.BadRequest("malformed_webhook", "Webhook payload is malformed")
	ErrAmountMismatch      = apperr.BadRequest("amount_mismatch", "Charged amount does not match the payment")
	ErrEmailRequired       = apperr.BadRequest("email_required", "An email address is required for checkout")
	ErrPaymentStateChanged = apperr.Conflict("payment_state_changed", "Payment was modified concurrently")
)

// Status is the gateway-facing payment status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusEscrowed Status = "escrowed"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// EscrowStatus is the authoritative settlement state.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowSplit    EscrowStatus = "split"
)

// Settled reports whether funds have left escrow.
func (s EscrowStatus) Settled() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowSplit
}

// Booking payment states mirrored on the booking.
const (
	BookingPaymentPending  = "pending"
	BookingPaymentEscrowed = "escrowed"
	BookingPaymentReleased = "released"
	BookingPaymentRefunded = "refunded"
	BookingPaymentSplit    = "split"
)

// Booking statuses the escrow engine cares about.
const (
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
)

// Payment is one client charge for one booking.
type Payment struct {
	ID               string       `json:"id"`
	BookingID        string       `json:"bookingId"`
	ClientID         string       `json:"clientId"`
	VendorID         string       `json:"vendorId"`
	Amount           int64        `json:"amount"`
	CommissionRate   float64      `json:"commissionRate"`
	PlatformFee      int64        `json:"platformFee"`
	VendorAmount     int64        `json:"vendorAmount"`
	Reference        string       `json:"reference"`
	Status           Status       `json:"status"`
	EscrowStatus     EscrowStatus `json:"escrowStatus"`
	AuthorizationURL string       `json:"authorizationUrl,omitempty"`
	AccessCode       string       `json:"accessCode,omitempty"`
	RefundedAmount   int64        `json:"refundedAmount"`
	ReleasedAmount   int64        `json:"releasedAmount"`
	SettlementReason string       `json:"settlementReason,omitempty"`
	Finalized        bool         `json:"-"`
	HeldAt           *time.Time   `json:"heldAt,omitempty"`
	SettledAt        *time.Time   `json:"settledAt,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// PlatformAmount is what the platform keeps once the payment settles.
func (p *Payment) PlatformAmount() int64 {
	return p.Amount - p.RefundedAmount - p.ReleasedAmount
}

// BookingInfo is the view of a booking the escrow engine needs.
type BookingInfo struct {
	ID              string
	ClientID        string
	VendorID        string
	Amount          int64
	Status          string
	PaymentStatus   string
	ActiveDisputeID string
}

// Bookings is the slice of the booking store escrow depends on.
// SetPaymentStatus must not take the booking manager's lock.
type Bookings interface {
	BookingForPayment(ctx context.Context, bookingID string) (*BookingInfo, error)
	SetPaymentStatus(ctx context.Context, bookingID, status string) error
}

// Store persists payments. Update is a compare-and-set on EscrowStatus.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByBooking(ctx context.Context, bookingID string) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	Update(ctx context.Context, p *Payment, from EscrowStatus) error
	ListByEscrowStatus(ctx context.Context, status EscrowStatus, limit int) ([]*Payment, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	ListUnfinalized(ctx context.Context, limit int) ([]*Payment, error)
}

// Gateway is the payment gateway surface used for charges.
type Gateway interface {
	Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error)
	Verify(ctx context.Context, reference string) (*gateway.Verification, error)
}

// Ledger posts wallet credits.
type Ledger interface {
	Post(ctx context.Context, key string, postings ...ledger.Posting) ([]*ledger.Transaction, error)
	Posted(ctx context.Context, key string) (bool, error)
}

// CommissionSource resolves a vendor's commission split.
type CommissionSource interface {
	ForVendor(ctx context.Context, vendorID string, amount int64) (commission.Split, error)
}

// TransferResults applies gateway transfer outcomes to withdrawals.
type TransferResults interface {
	HandleTransferResult(ctx context.Context, reference string, success bool, reason string) (*ledger.Withdrawal, error)
}

// Deduper remembers processed webhook events.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Config holds escrow settings.
type Config struct {
	WebhookSecret   string
	CallbackURL     string
	PlatformAccount string
}

// Service implements payment intake and settlement.
type Service struct {
	store       Store
	bookings    Bookings
	gateway     Gateway
	ledger      Ledger
	commissions CommissionSource
	cfg         Config
	transfers   TransferResults
	dedup       Deduper
	notifier    notify.Notifier
	locks       *syncutil.KeyLocker
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates the escrow service.
func NewService(store Store, bookings Bookings, gw Gateway, l Ledger, commissions CommissionSource, cfg Config, logger *slog.Logger) *Service {
	if cfg.PlatformAccount == "" {
		cfg.PlatformAccount = "platform"
	}
	return &Service{
		store:       store,
		bookings:    bookings,
		gateway:     gw,
		ledger:      l,
		commissions: commissions,
		cfg:         cfg,
		notifier:    notify.Nop{},
		locks:       syncutil.NewKeyLocker(),
		logger:      logger,
		now:         time.Now,
	}
}

// WithTransferResults routes transfer webhooks to the withdrawal service.
func (s *Service) WithTransferResults(t TransferResults) *Service {
	s.transfers = t
	return s
}

// WithDeduper adds a fast-path duplicate check for webhooks.
func (s *Service) WithDeduper(d Deduper) *Service {
	s.dedup = d
	return s
}

// WithNotifier sets the notification dispatcher.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// InitializeRequest starts checkout for a booking.
type InitializeRequest struct {
	ClientID  string
	Email     string
	BookingID string
}

// InitializePayment creates (or reuses) the pending payment for a booking and
// returns the hosted checkout details.
func (s *Service) InitializePayment(ctx context.Context, req InitializeRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.InitializePayment", traces.BookingID(req.BookingID))
	defer span.End()

	if req.Email == "" {
		return nil, ErrEmailRequired
	}

	unlock, err := s.locks.Lock(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.bookings.BookingForPayment(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.ClientID != req.ClientID {
		return nil, ErrNotBookingClient
	}
	if b.Status == BookingCancelled || b.Status == BookingCompleted {
		return nil, ErrBookingNotPayable
	}
	if b.PaymentStatus != BookingPaymentPending {
		return nil, ErrAlreadyPaid
	}

	existing, err := s.store.GetByBooking(ctx, req.BookingID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.EscrowStatus != EscrowPending {
			return nil, ErrAlreadyPaid
		}
		if existing.Status == StatusPending && existing.Amount == b.Amount {
			return existing, nil
		}
	}

	split, err := s.commissions.ForVendor(ctx, b.VendorID, b.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute commission: %w", err)
	}

	now := s.now().UTC()
	reference := idgen.Reference("PAY", now)
	res, err := s.gateway.Initialize(ctx, gateway.InitializeRequest{
		Email:       req.Email,
		AmountMinor: b.Amount * 100,
		Reference:   reference,
		CallbackURL: s.cfg.CallbackURL,
		Metadata:    map[string]any{"bookingId": b.ID, "clientId": b.ClientID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize checkout: %w", err)
	}

	p := existing
	if p == nil {
		p = &Payment{ID: idgen.WithPrefix("pay_"), BookingID: b.ID, CreatedAt: now}
	}
	p.ClientID = b.ClientID
	p.VendorID = b.VendorID
	p.Amount = split.Amount
	p.CommissionRate = split.Rate
	p.PlatformFee = split.PlatformFee
	p.VendorAmount = split.VendorAmount
	p.Reference = reference
	p.Status = StatusPending
	p.EscrowStatus = EscrowPending
	p.AuthorizationURL = res.AuthorizationURL
	p.AccessCode = res.AccessCode
	p.UpdatedAt = now

	if existing == nil {
		err = s.store.Create(ctx, p)
	} else {
		err = s.store.Update(ctx, p, EscrowPending)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment initialized", "payment", p.ID, "booking", b.ID,
		"reference", reference, "amount", p.Amount, "fee", p.PlatformFee)
	return p, nil
}

// HandleWebhook authenticates and applies a gateway webhook. The signature is
// checked before anything else is read.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !gateway.VerifySignature(s.cfg.WebhookSecret, payload, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logging.Security(ctx, "webhook signature rejected", "bytes", len(payload))
		return ErrInvalidSignature
	}

	ev, err := gateway.ParseEvent(payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return ErrMalformedWebhook
	}

	key := ev.Key()
	if s.dedup != nil {
		if seen, err := s.dedup.Seen(ctx, key); err == nil && seen {
			metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "duplicate").Inc()
			return nil
		} else if err != nil {
			s.logger.Warn("webhook dedup lookup failed", "key", key, "error", err)
		}
	}

	switch ev.Event {
	case gateway.EventChargeSuccess:
		_, err = s.confirmCharge(ctx, ev.Data.Reference, ev.Data.AmountMinor)
	case gateway.EventTransferSuccess, gateway.EventTransferFailed:
		if s.transfers == nil {
			break
		}
		reason := ev.Data.Reason
		if reason == "" {
			reason = ev.Data.GatewayResp
		}
		_, err = s.transfers.HandleTransferResult(ctx, ev.Data.Reference, ev.Event == gateway.EventTransferSuccess, reason)
	default:
		s.logger.Debug("ignoring webhook event", "event", ev.Event)
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "ignored").Inc()
		return nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "error").Inc()
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Event, "ok").Inc()
	if s.dedup != nil {
		if err := s.dedup.Mark(ctx, key); err != nil {
			s.logger.Warn("webhook dedup mark failed", "key", key, "error", err)
		}
	}
	return nil
}

// VerifyPayment asks the gateway for the charge outcome. Used by the client
// after redirect and by the sweeper for payments whose webhook never came.
func (s *Service) VerifyPayment(ctx context.Context, reference string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VerifyPayment", traces.Reference(reference))
	defer span.End()

	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.EscrowStatus != EscrowPending {
		return p, nil
	}

	v, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}
	switch {
	case v.Succeeded():
		return s.confirmCharge(ctx, reference, v.AmountMinor)
	case v.Status == "failed" || v.Status == "abandoned" || v.Status == "reversed":
		return s.markFailed(ctx, reference, v.Status)
	default:
		return p, nil
	}
}

// confirmCharge moves a pending payment into escrow. Replays are no-ops.
func (s *Service) confirmCharge(ctx context.Context, reference string, amountMinor int64) (*Payment, error) {
	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	p, err = s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.EscrowStatus != EscrowPending {
		return p, nil
	}
	if amountMinor != 0 && amountMinor != p.Amount*100 {
		logging.Security(ctx, "charged amount does not match payment",
			"reference", reference, "expected_minor", p.Amount*100, "got_minor", amountMinor)
		return nil, ErrAmountMismatch
	}

	now := s.now().UTC()
	p.Status = StatusEscrowed
	p.EscrowStatus = EscrowHeld
	p.HeldAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, EscrowPending); err != nil {
		return nil, err
	}
	metrics.EscrowHeldTotal.Inc()
	s.logger.Info("payment held in escrow", "payment", p.ID, "booking", p.BookingID, "reference", reference)

	if err := s.bookings.SetPaymentStatus(ctx, p.BookingID, BookingPaymentEscrowed); err != nil {
		// The sweeper re-syncs held payments with their booking.
		s.logger.Error("booking payment status not updated after hold",
			"booking", p.BookingID, "reference", reference, "error", err)
	}

	payload := map[string]any{"bookingId": p.BookingID, "paymentId": p.ID, "amount": p.Amount}
	s.notifier.Notify(ctx, p.ClientID, notify.PaymentHeld, payload)
	s.notifier.Notify(ctx, p.VendorID, notify.PaymentHeld, payload)

	b, err := s.bookings.BookingForPayment(ctx, p.BookingID)
	if err == nil && b.Status == BookingCancelled {
		s.logger.Warn("charge confirmed for cancelled booking, refunding", "booking", p.BookingID, "reference", reference)
		return s.settleLocked(ctx, p, settlement{kind: EscrowRefunded, refund: p.Amount, reason: "booking cancelled before payment confirmed"})
	}
	return p, nil
}

func (s *Service) markFailed(ctx context.Context, reference, gatewayStatus string) (*Payment, error) {
	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err = s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.EscrowStatus != EscrowPending || p.Status == StatusFailed {
		return p, nil
	}
	p.Status = StatusFailed
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p, EscrowPending); err != nil {
		return nil, err
	}
	s.logger.Info("payment failed at gateway", "payment", p.ID, "reference", reference, "gateway_status", gatewayStatus)
	return p, nil
}

// Release pays the vendor for a completed booking.
func (s *Service) Release(ctx context.Context, bookingID string) (*Payment, error) {
	return s.settle(ctx, bookingID, settlement{kind: EscrowReleased, requireCompleted: true})
}

// ForceRelease pays the vendor regardless of booking status. Used when a
// dispute is resolved in the vendor's favour.
func (s *Service) ForceRelease(ctx context.Context, bookingID, reason string) (*Payment, error) {
	return s.settle(ctx, bookingID, settlement{kind: EscrowReleased, reason: reason, ignoreDispute: true})
}

// Refund returns the full amount to the client.
func (s *Service) Refund(ctx context.Context, bookingID, reason string) (*Payment, error) {
	return s.settle(ctx, bookingID, settlement{kind: EscrowRefunded, reason: reason, ignoreDispute: true})
}

// Split divides the payment between client and vendor; any remainder goes to
// the platform.
func (s *Service) Split(ctx context.Context, bookingID string, refundAmount, vendorAmount int64, reason string) (*Payment, error) {
	return s.settle(ctx, bookingID, settlement{
		kind: EscrowSplit, refund: refundAmount, vendor: vendorAmount, reason: reason, ignoreDispute: true,
	})
}

// EscrowStatus returns the settlement state for a booking, or EscrowPending
// when no payment exists yet.
func (s *Service) EscrowStatus(ctx context.Context, bookingID string) (EscrowStatus, error) {
	p, err := s.store.GetByBooking(ctx, bookingID)
	if errors.Is(err, ErrPaymentNotFound) {
		return EscrowPending, nil
	}
	if err != nil {
		return "", err
	}
	return p.EscrowStatus, nil
}

// GetByBooking returns the payment for a booking.
func (s *Service) GetByBooking(ctx context.Context, bookingID string) (*Payment, error) {
	return s.store.GetByBooking(ctx, bookingID)
}

// GetByReference returns the payment with the given gateway reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	return s.store.GetByReference(ctx, reference)
}

type settlement struct {
	kind             EscrowStatus
	refund           int64
	vendor           int64
	reason           string
	requireCompleted bool
	ignoreDispute    bool
}

func (s *Service) settle(ctx context.Context, bookingID string, st settlement) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle."+string(st.kind), traces.BookingID(bookingID))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if st.requireCompleted || !st.ignoreDispute {
		b, err := s.bookings.BookingForPayment(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if st.requireCompleted && b.Status != BookingCompleted {
			return nil, ErrBookingNotCompleted
		}
		if !st.ignoreDispute && b.ActiveDisputeID != "" {
			return nil, ErrDisputeActive
		}
	}

	switch st.kind {
	case EscrowReleased:
		st.vendor = p.VendorAmount
		st.refund = 0
	case EscrowRefunded:
		st.refund = p.Amount
		st.vendor = 0
	}
	return s.settleLocked(ctx, p, st)
}

// settleLocked records the settlement on the payment, then posts it. The
// caller holds the booking lock.
func (s *Service) settleLocked(ctx context.Context, p *Payment, st settlement) (*Payment, error) {
	switch {
	case p.EscrowStatus.Settled():
		return nil, ErrAlreadySettled
	case p.EscrowStatus != EscrowHeld:
		return nil, ErrNotHeld
	}
	if st.refund < 0 || st.vendor < 0 || st.refund+st.vendor > p.Amount {
		return nil, ErrInvalidSplit
	}
	if st.kind == EscrowSplit && st.refund+st.vendor == 0 {
		return nil, ErrInvalidSplit
	}

	now := s.now().UTC()
	p.EscrowStatus = st.kind
	p.RefundedAmount = st.refund
	p.ReleasedAmount = st.vendor
	p.SettlementReason = st.reason
	p.SettledAt = &now
	p.UpdatedAt = now
	switch st.kind {
	case EscrowRefunded:
		p.Status = StatusRefunded
	default:
		p.Status = StatusReleased
	}

	if err := s.store.Update(ctx, p, EscrowHeld); err != nil {
		if errors.Is(err, ErrPaymentStateChanged) {
			return nil, ErrAlreadySettled
		}
		return nil, err
	}

	metrics.EscrowSettlementsTotal.WithLabelValues(string(st.kind)).Inc()
	if p.HeldAt != nil {
		metrics.EscrowDuration.Observe(now.Sub(*p.HeldAt).Seconds())
	}
	s.logger.Info("escrow settled", "payment", p.ID, "booking", p.BookingID, "outcome", st.kind,
		"refund", p.RefundedAmount, "vendor", p.ReleasedAmount, "platform", p.PlatformAmount())

	if err := s.finalize(ctx, p); err != nil {
		// Recorded but not yet credited; the sweeper finishes it.
		s.logger.Error("CRITICAL: settlement recorded but not finalized",
			"payment", p.ID, "reference", p.Reference, "outcome", st.kind, "error", err)
	}

	payload := map[string]any{
		"bookingId": p.BookingID, "paymentId": p.ID,
		"refunded": p.RefundedAmount, "released": p.ReleasedAmount,
	}
	switch st.kind {
	case EscrowReleased:
		s.notifier.Notify(ctx, p.VendorID, notify.PaymentReleased, payload)
		s.notifier.Notify(ctx, p.ClientID, notify.PaymentReleased, payload)
	case EscrowRefunded:
		s.notifier.Notify(ctx, p.ClientID, notify.PaymentRefunded, payload)
		s.notifier.Notify(ctx, p.VendorID, notify.PaymentRefunded, payload)
	case EscrowSplit:
		s.notifier.Notify(ctx, p.ClientID, notify.PaymentSplit, payload)
		s.notifier.Notify(ctx, p.VendorID, notify.PaymentSplit, payload)
	}
	return p, nil
}

func settleKey(p *Payment) string { return "settle:" + p.Reference }

// settlementPostings derives the wallet credits from a settled payment.
func (s *Service) settlementPostings(p *Payment) []ledger.Posting {
	var out []ledger.Posting
	add := func(user string, typ ledger.TxType, amount int64, desc string) {
		if amount <= 0 {
			return
		}
		posting := ledger.Credit(user, typ, amount)
		posting.BookingID = p.BookingID
		posting.PaymentID = p.ID
		posting.Description = desc
		out = append(out, posting)
	}
	add(p.ClientID, ledger.TxRefund, p.RefundedAmount, "refund for booking "+p.BookingID)
	add(p.VendorID, ledger.TxBookingPayment, p.ReleasedAmount, "payment for booking "+p.BookingID)
	add(s.cfg.PlatformAccount, ledger.TxCommission, p.PlatformAmount(), "commission on booking "+p.BookingID)
	return out
}

// finalize posts the settlement credits and mirrors the outcome on the
// booking. Safe to repeat.
func (s *Service) finalize(ctx context.Context, p *Payment) error {
	if _, err := s.ledger.Post(ctx, settleKey(p), s.settlementPostings(p)...); err != nil && !errors.Is(err, ledger.ErrAlreadyPosted) {
		return fmt.Errorf("post settlement: %w", err)
	}

	status := BookingPaymentReleased
	switch p.EscrowStatus {
	case EscrowRefunded:
		status = BookingPaymentRefunded
	case EscrowSplit:
		status = BookingPaymentSplit
	}
	if err := s.bookings.SetPaymentStatus(ctx, p.BookingID, status); err != nil {
		return fmt.Errorf("update booking payment status: %w", err)
	}

	p.Finalized = true
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p, p.EscrowStatus); err != nil {
		p.Finalized = false
		return fmt.Errorf("mark finalized: %w", err)
	}
	return nil
}
