package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/bookit/internal/metrics"
)

const sweepBatch = 100

// Timer periodically repairs payments the request path left unfinished:
// charges whose webhook never arrived, held payments whose booking already
// completed or was cancelled, and settlements not yet credited.
type Timer struct {
	service  *Service
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a settlement sweeper. Payments still pending after grace
// are re-verified with the gateway.
func NewTimer(service *Service, interval, grace time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		grace:    grace,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass of every repair job.
func (t *Timer) Sweep(ctx context.Context) {
	t.verifyStale(ctx)
	t.settleHeld(ctx)
	t.finalizeSettled(ctx)
}

func (t *Timer) verifyStale(ctx context.Context) {
	s := t.service
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-t.grace), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list stale payments", "error", err)
		return
	}
	for _, p := range stale {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.VerifyPayment(ctx, p.Reference); err != nil {
			t.logger.Warn("stale payment verification failed", "reference", p.Reference, "error", err)
			metrics.SettlementRetriesTotal.WithLabelValues("verify_error").Inc()
			continue
		}
		metrics.SettlementRetriesTotal.WithLabelValues("verified").Inc()
	}
}

func (t *Timer) settleHeld(ctx context.Context) {
	s := t.service
	held, err := s.store.ListByEscrowStatus(ctx, EscrowHeld, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list held payments", "error", err)
		return
	}
	for _, p := range held {
		if ctx.Err() != nil {
			return
		}
		b, err := s.bookings.BookingForPayment(ctx, p.BookingID)
		if err != nil {
			t.logger.Warn("held payment has no readable booking", "booking", p.BookingID, "error", err)
			continue
		}
		if b.PaymentStatus == BookingPaymentPending {
			if err := s.bookings.SetPaymentStatus(ctx, b.ID, BookingPaymentEscrowed); err != nil {
				t.logger.Warn("failed to sync booking payment status", "booking", b.ID, "error", err)
			}
		}

		var settleErr error
		switch {
		case b.Status == BookingCompleted && b.ActiveDisputeID == "":
			_, settleErr = s.Release(ctx, b.ID)
		case b.Status == BookingCancelled && b.ActiveDisputeID == "":
			_, settleErr = s.Refund(ctx, b.ID, "booking cancelled")
		default:
			continue
		}
		switch {
		case settleErr == nil:
			metrics.SettlementRetriesTotal.WithLabelValues("settled").Inc()
			t.logger.Info("sweeper settled held payment", "booking", b.ID, "booking_status", b.Status)
		case errors.Is(settleErr, ErrAlreadySettled):
		default:
			metrics.SettlementRetriesTotal.WithLabelValues("settle_error").Inc()
			t.logger.Warn("sweeper settlement failed", "booking", b.ID, "error", settleErr)
		}
	}
}

func (t *Timer) finalizeSettled(ctx context.Context) {
	s := t.service
	pending, err := s.store.ListUnfinalized(ctx, sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list unfinalized settlements", "error", err)
		return
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.refinalize(ctx, p.BookingID); err != nil {
			metrics.SettlementRetriesTotal.WithLabelValues("finalize_error").Inc()
			t.logger.Warn("settlement finalize retry failed", "reference", p.Reference, "error", err)
			continue
		}
		metrics.SettlementRetriesTotal.WithLabelValues("finalized").Inc()
	}
}

// refinalize re-runs finalize for a settled payment under the booking lock.
func (s *Service) refinalize(ctx context.Context, bookingID string) error {
	unlock, err := s.locks.Lock(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if !p.EscrowStatus.Settled() || p.Finalized {
		return nil
	}
	return s.finalize(ctx, p)
}
