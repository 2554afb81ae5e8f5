package server

import (
	"context"

	"github.com/mbd888/bookit/internal/booking"
	"github.com/mbd888/bookit/internal/dispute"
	"github.com/mbd888/bookit/internal/escrow"
)

// -----------------------------------------------------------------------------
// Booking store adapters
// -----------------------------------------------------------------------------

// escrowBookings exposes the booking store to escrow. It writes through the
// store directly so escrow never waits on the booking manager's lock.
type escrowBookings struct {
	store booking.Store
}

func (a *escrowBookings) BookingForPayment(ctx context.Context, bookingID string) (*escrow.BookingInfo, error) {
	b, err := a.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &escrow.BookingInfo{
		ID:              b.ID,
		ClientID:        b.ClientID,
		VendorID:        b.VendorID,
		Amount:          b.TotalAmount,
		Status:          string(b.Status),
		PaymentStatus:   b.PaymentStatus,
		ActiveDisputeID: b.DisputeID,
	}, nil
}

func (a *escrowBookings) SetPaymentStatus(ctx context.Context, bookingID, status string) error {
	return a.store.SetPaymentStatus(ctx, bookingID, status)
}

// disputeBookings exposes the booking store to the dispute resolver.
type disputeBookings struct {
	store booking.Store
}

func (a *disputeBookings) BookingForDispute(ctx context.Context, bookingID string) (*dispute.BookingInfo, error) {
	b, err := a.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &dispute.BookingInfo{
		ID:              b.ID,
		ClientID:        b.ClientID,
		VendorID:        b.VendorID,
		Status:          string(b.Status),
		PaymentStatus:   b.PaymentStatus,
		ActiveDisputeID: b.DisputeID,
	}, nil
}

func (a *disputeBookings) AttachDispute(ctx context.Context, bookingID, disputeID string) error {
	return a.store.AttachDispute(ctx, bookingID, disputeID)
}

func (a *disputeBookings) DetachDispute(ctx context.Context, bookingID, disputeID string) error {
	return a.store.DetachDispute(ctx, bookingID, disputeID)
}

// bookingHistory answers referral eligibility from the booking store.
type bookingHistory struct {
	store booking.Store
}

func (a *bookingHistory) HasCompletedBooking(ctx context.Context, userID string) (bool, error) {
	done, err := a.store.List(ctx, booking.ListFilter{
		UserID: userID,
		Status: booking.StatusCompleted,
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	return len(done) > 0, nil
}

// -----------------------------------------------------------------------------
// Escrow adapters
// -----------------------------------------------------------------------------

// bookingPayments adapts the escrow service to booking.Payments.
type bookingPayments struct {
	escrow *escrow.Service
}

func (a *bookingPayments) IsHeld(ctx context.Context, bookingID string) (bool, error) {
	st, err := a.escrow.EscrowStatus(ctx, bookingID)
	if err != nil {
		return false, err
	}
	return st == escrow.EscrowHeld, nil
}

func (a *bookingPayments) Release(ctx context.Context, bookingID string) error {
	_, err := a.escrow.Release(ctx, bookingID)
	return err
}

func (a *bookingPayments) Refund(ctx context.Context, bookingID, reason string) error {
	_, err := a.escrow.Refund(ctx, bookingID, reason)
	return err
}

// escrowSettlement adapts the escrow service to dispute.Settlement.
type escrowSettlement struct {
	escrow *escrow.Service
}

func (a *escrowSettlement) Refund(ctx context.Context, bookingID, reason string) error {
	_, err := a.escrow.Refund(ctx, bookingID, reason)
	return err
}

func (a *escrowSettlement) ForceRelease(ctx context.Context, bookingID, reason string) error {
	_, err := a.escrow.ForceRelease(ctx, bookingID, reason)
	return err
}

func (a *escrowSettlement) Split(ctx context.Context, bookingID string, refundAmount, vendorAmount int64, reason string) error {
	_, err := a.escrow.Split(ctx, bookingID, refundAmount, vendorAmount, reason)
	return err
}

func (a *escrowSettlement) Outcome(ctx context.Context, bookingID string) (*dispute.Outcome, error) {
	p, err := a.escrow.GetByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !p.EscrowStatus.Settled() {
		return nil, nil
	}
	return &dispute.Outcome{Reason: p.SettlementReason, RefundAmount: p.RefundedAmount, VendorAmount: p.ReleasedAmount}, nil
}
