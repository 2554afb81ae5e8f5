// Package referral rewards users who bring new clients to the marketplace.
//
// A new client claims a referral from an existing user. When that client's
// first booking completes, the referral completes and both sides are credited
// a bonus. Each side's credit is posted under its own ledger key and gated by
// its own paid flag, so a repeated trigger pays nobody twice. Unconverted
// referrals expire.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/ledger"
	"github.com/mbd888/bookit/internal/metrics"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/syncutil"
	"github.com/mbd888/bookit/internal/traces"
)

var (
	ErrReferralNotFound = apperr.NotFound("referral_not_found", "Referral not found")
	ErrSelfReferral     = apperr.BadRequest("self_referral", "You cannot refer yourself")
	ErrAlreadyReferred  = apperr.Conflict("already_referred", "This user has already been referred")
	ErrNotEligible      = apperr.BadRequest("not_eligible", "Only users without a completed booking can be referred")
	ErrNotCancellable   = apperr.Conflict("referral_not_cancellable", "Only pending referrals can be cancelled")
	ErrReferrerRequired = apperr.BadRequest("referrer_required", "referrerId is required")
	errRewardNotPosted  = errors.New("referral reward not posted")
)

// Status is a referral's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Referral links a referrer to the client they brought in.
type Referral struct {
	ID                    string     `json:"id"`
	ReferrerID            string     `json:"referrerId"`
	RefereeID             string     `json:"refereeId"`
	Status                Status     `json:"status"`
	ReferrerReward        int64      `json:"referrerReward"`
	RefereeReward         int64      `json:"refereeReward"`
	FirstBookingCompleted bool       `json:"firstBookingCompleted"`
	FirstBookingID        string     `json:"firstBookingId,omitempty"`
	ReferrerPaid          bool       `json:"referrerPaid"`
	RefereePaid           bool       `json:"refereePaid"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// FullyPaid reports whether both sides have been credited.
func (r *Referral) FullyPaid() bool {
	return r.ReferrerPaid && r.RefereePaid
}

// Store persists referrals. Create fails with ErrAlreadyReferred if the
// referee already has a referral.
type Store interface {
	Create(ctx context.Context, r *Referral) error
	Get(ctx context.Context, id string) (*Referral, error)
	GetByReferee(ctx context.Context, refereeID string) (*Referral, error)
	Update(ctx context.Context, r *Referral) error
	ListByReferrer(ctx context.Context, referrerID string, limit int) ([]*Referral, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Referral, error)
	ListUnpaid(ctx context.Context, limit int) ([]*Referral, error)
}

// Ledger posts reward credits exactly once per key.
type Ledger interface {
	Post(ctx context.Context, key string, postings ...ledger.Posting) ([]*ledger.Transaction, error)
}

// History answers whether a user has already completed a booking.
type History interface {
	HasCompletedBooking(ctx context.Context, userID string) (bool, error)
}

// Config sets reward amounts for new referrals.
type Config struct {
	ReferrerReward int64
	RefereeReward  int64
	Validity       time.Duration
}

// Service implements referral claims, rewards and expiry.
type Service struct {
	store    Store
	ledger   Ledger
	history  History
	cfg      Config
	notifier notify.Notifier
	locks    *syncutil.KeyLocker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a referral service.
func NewService(store Store, l Ledger, cfg Config, logger *slog.Logger) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = 30 * 24 * time.Hour
	}
	return &Service{
		store:    store,
		ledger:   l,
		cfg:      cfg,
		notifier: notify.Nop{},
		locks:    syncutil.NewKeyLocker(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithHistory rejects referrals for users who already completed a booking.
func (s *Service) WithHistory(h History) *Service {
	s.history = h
	return s
}

// WithNotifier sets the notification dispatcher.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// Claim records that refereeID was referred by referrerID. Rewards are
// snapshotted from the current config.
func (s *Service) Claim(ctx context.Context, refereeID, referrerID string) (*Referral, error) {
	if referrerID == "" {
		return nil, ErrReferrerRequired
	}
	if referrerID == refereeID {
		return nil, ErrSelfReferral
	}
	if s.history != nil {
		done, err := s.history.HasCompletedBooking(ctx, refereeID)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, ErrNotEligible
		}
	}

	now := s.now().UTC()
	r := &Referral{
		ID:             idgen.WithPrefix("ref_"),
		ReferrerID:     referrerID,
		RefereeID:      refereeID,
		Status:         StatusPending,
		ReferrerReward: s.cfg.ReferrerReward,
		RefereeReward:  s.cfg.RefereeReward,
		ExpiresAt:      now.Add(s.cfg.Validity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("referral claimed", "referral", r.ID, "referrer", referrerID, "referee", refereeID)
	return r, nil
}

// OnBookingCompleted completes the client's pending referral and pays both
// sides. Safe to call on every completion: already-paid sides are skipped and
// clients without a referral are ignored.
func (s *Service) OnBookingCompleted(ctx context.Context, clientID, bookingID string) error {
	ctx, span := traces.StartSpan(ctx, "referral.OnBookingCompleted", traces.UserID(clientID), traces.BookingID(bookingID))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, clientID)
	if err != nil {
		return err
	}
	defer unlock()

	r, err := s.store.GetByReferee(ctx, clientID)
	if errors.Is(err, ErrReferralNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	switch r.Status {
	case StatusPending:
		if !now.Before(r.ExpiresAt) {
			return s.expire(ctx, r)
		}
		r.FirstBookingCompleted = true
		r.FirstBookingID = bookingID
		r.Status = StatusCompleted
		r.CompletedAt = &now
		r.UpdatedAt = now
		if err := s.store.Update(ctx, r); err != nil {
			return fmt.Errorf("failed to complete referral: %w", err)
		}
		s.logger.Info("referral completed", "referral", r.ID, "booking", bookingID)
	case StatusCompleted:
	default:
		return nil
	}
	return s.payOutstanding(ctx, r)
}

// payOutstanding credits whichever sides are still unpaid. The caller holds
// the referee's lock.
func (s *Service) payOutstanding(ctx context.Context, r *Referral) error {
	var errs []error
	if !r.ReferrerPaid {
		if err := s.pay(ctx, r, "referrer", r.ReferrerID, r.ReferrerReward); err != nil {
			errs = append(errs, err)
		} else {
			r.ReferrerPaid = true
		}
	}
	if !r.RefereePaid {
		if err := s.pay(ctx, r, "referee", r.RefereeID, r.RefereeReward); err != nil {
			errs = append(errs, err)
		} else {
			r.RefereePaid = true
		}
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, r); err != nil {
		errs = append(errs, fmt.Errorf("failed to record referral payout: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) pay(ctx context.Context, r *Referral, side, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	posting := ledger.Credit(userID, ledger.TxReferralBonus, amount)
	posting.BookingID = r.FirstBookingID
	posting.Description = fmt.Sprintf("referral bonus (%s) for referral %s", side, r.ID)

	_, err := s.ledger.Post(ctx, "referral:"+r.ID+":"+side, posting)
	switch {
	case errors.Is(err, ledger.ErrAlreadyPosted):
		return nil
	case err != nil:
		s.logger.Error("referral reward failed", "referral", r.ID, "side", side, "error", err)
		return fmt.Errorf("%w: %s: %v", errRewardNotPosted, side, err)
	}
	metrics.ReferralRewardsTotal.WithLabelValues(side).Inc()
	s.logger.Info("referral reward credited", "referral", r.ID, "side", side, "user", userID, "amount", amount)
	s.notifier.Notify(ctx, userID, notify.ReferralRewarded, map[string]any{
		"referralId": r.ID, "side": side, "amount": amount,
	})
	return nil
}

func (s *Service) expire(ctx context.Context, r *Referral) error {
	r.Status = StatusExpired
	r.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, r); err != nil {
		return fmt.Errorf("failed to expire referral: %w", err)
	}
	s.logger.Info("referral expired", "referral", r.ID, "referee", r.RefereeID)
	return nil
}

// ExpireDue expires pending referrals past their deadline. Returns how many
// were expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	due, err := s.store.ListExpired(ctx, s.now().UTC(), 500)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		unlock, err := s.locks.Lock(ctx, r.RefereeID)
		if err != nil {
			return n, err
		}
		// Re-read under the lock; the referee may have just completed.
		cur, err := s.store.Get(ctx, r.ID)
		if err == nil && cur.Status == StatusPending && !s.now().Before(cur.ExpiresAt) {
			if err = s.expire(ctx, cur); err == nil {
				n++
			}
		}
		unlock()
		if err != nil {
			s.logger.Warn("referral expiry failed", "referral", r.ID, "error", err)
		}
	}
	return n, nil
}

// RetryUnpaid pays completed referrals whose rewards did not post. Returns
// how many referrals were brought fully up to date.
func (s *Service) RetryUnpaid(ctx context.Context) (int, error) {
	unpaid, err := s.store.ListUnpaid(ctx, 500)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range unpaid {
		unlock, err := s.locks.Lock(ctx, r.RefereeID)
		if err != nil {
			return n, err
		}
		cur, err := s.store.Get(ctx, r.ID)
		if err == nil && cur.Status == StatusCompleted && !cur.FullyPaid() {
			if err = s.payOutstanding(ctx, cur); err == nil {
				n++
			}
		}
		unlock()
		if err != nil {
			s.logger.Warn("referral payout retry failed", "referral", r.ID, "error", err)
		}
	}
	return n, nil
}

// Cancel withdraws a pending referral. Admins or the referrer may cancel.
func (s *Service) Cancel(ctx context.Context, id, userID string, admin bool) (*Referral, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && r.ReferrerID != userID {
		return nil, ErrReferralNotFound
	}
	unlock, err := s.locks.Lock(ctx, r.RefereeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if r, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrNotCancellable
	}
	r.Status = StatusCancelled
	r.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns a referral visible to one of its parties.
func (s *Service) Get(ctx context.Context, id, userID string, admin bool) (*Referral, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && r.ReferrerID != userID && r.RefereeID != userID {
		return nil, ErrReferralNotFound
	}
	return r, nil
}

// Mine returns the referral the user was referred by, if any.
func (s *Service) Mine(ctx context.Context, refereeID string) (*Referral, error) {
	return s.store.GetByReferee(ctx, refereeID)
}

// ListByReferrer returns the referrals a user has made, newest first.
func (s *Service) ListByReferrer(ctx context.Context, referrerID string, limit int) ([]*Referral, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByReferrer(ctx, referrerID, limit)
}
