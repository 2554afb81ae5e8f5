package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/retry"
	"github.com/mbd888/bookit/internal/syncutil"
)

var (
	ErrWithdrawalTooSmall     = apperr.BadRequest("withdrawal_too_small", "Withdrawal amount is below the minimum")
	ErrMissingRecipient       = apperr.BadRequest("missing_recipient", "A transfer recipient code is required")
	ErrWithdrawalStateChanged = apperr.Conflict("withdrawal_state_changed", "Withdrawal is no longer in the expected state")
	ErrWithdrawalNotPending   = apperr.Conflict("withdrawal_not_pending", "Only pending withdrawals can be rejected")
)

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed || s == WithdrawalRejected
}

// Withdrawal is a vendor payout from wallet to bank via the gateway.
type Withdrawal struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	Amount        int64            `json:"amount"`
	Fee           int64            `json:"fee"`
	NetAmount     int64            `json:"netAmount"`
	RecipientCode string           `json:"recipientCode"`
	Reference     string           `json:"reference"`
	TransferCode  string           `json:"transferCode,omitempty"`
	Status        WithdrawalStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Attempts      int              `json:"attempts"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// WithdrawalStore persists withdrawals.
type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	GetWithdrawalByReference(ctx context.Context, reference string) (*Withdrawal, error)
	// UpdateWithdrawal saves w only if the stored status is still from.
	UpdateWithdrawal(ctx context.Context, w *Withdrawal, from WithdrawalStatus) error
	ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
	ListWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error)
}

// Transferer sends money out through the payment gateway. Errors wrapped
// with retry.Permanent are definitive rejections.
type Transferer interface {
	Transfer(ctx context.Context, recipientCode string, amountMinor int64, reference string) (transferCode string, err error)
}

// WithdrawalPolicy holds fee and retry settings.
type WithdrawalPolicy struct {
	FeePercent      float64
	MinFee          int64
	MinAmount       int64
	MaxAttempts     int
	PlatformAccount string
}

// WithdrawalFee returns max(minFee, round(amount × feePercent / 100)).
func WithdrawalFee(amount int64, feePercent float64, minFee int64) int64 {
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(feePercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if fee < minFee {
		return minFee
	}
	return fee
}

// Withdrawals manages the payout lifecycle.
type Withdrawals struct {
	ledger    *Ledger
	store     WithdrawalStore
	transfers Transferer
	policy    WithdrawalPolicy
	locks     *syncutil.KeyLocker
	logger    *slog.Logger
	now       func() time.Time
}

// NewWithdrawals creates the withdrawal service. transfers may be nil, in
// which case requests stay pending until processed by an operator.
func NewWithdrawals(l *Ledger, store WithdrawalStore, transfers Transferer, policy WithdrawalPolicy, logger *slog.Logger) *Withdrawals {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	return &Withdrawals{
		ledger:    l,
		store:     store,
		transfers: transfers,
		policy:    policy,
		locks:     syncutil.NewKeyLocker(),
		logger:    logger,
		now:       time.Now,
	}
}

func debitKey(id string) string  { return "withdrawal:" + id }
func refundKey(id string) string { return "withdrawal:" + id + ":refund" }
func feeKey(id string) string    { return "withdrawal:" + id + ":fee" }

// Request debits the wallet and records a pending withdrawal.
func (s *Withdrawals) Request(ctx context.Context, userID string, amount int64, recipientCode string) (*Withdrawal, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount < s.policy.MinAmount {
		return nil, ErrWithdrawalTooSmall
	}
	if recipientCode == "" {
		return nil, ErrMissingRecipient
	}
	fee := WithdrawalFee(amount, s.policy.FeePercent, s.policy.MinFee)
	if fee >= amount {
		return nil, ErrWithdrawalTooSmall
	}

	now := s.now().UTC()
	w := &Withdrawal{
		ID:            idgen.WithPrefix("wd_"),
		UserID:        userID,
		Amount:        amount,
		Fee:           fee,
		NetAmount:     amount - fee,
		RecipientCode: recipientCode,
		Reference:     idgen.Reference("WDR", now),
		Status:        WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	debit := Debit(userID, TxWithdrawal, amount)
	debit.WithdrawalID = w.ID
	debit.Description = "withdrawal " + w.Reference
	if _, err := s.ledger.Post(ctx, debitKey(w.ID), debit); err != nil {
		return nil, err
	}

	if err := s.store.CreateWithdrawal(ctx, w); err != nil {
		// The wallet was debited but there is no record to settle against.
		s.logger.Error("CRITICAL: withdrawal record failed after debit, refunding",
			"withdrawal", w.ID, "user", userID, "amount", amount, "error", err)
		s.postRefund(ctx, w)
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	s.logger.Info("withdrawal requested", "withdrawal", w.ID, "user", userID, "amount", amount, "fee", fee)
	return w, nil
}

// Process sends a pending withdrawal to the gateway. Transient gateway errors
// leave it pending for the next sweep; permanent ones fail it with a refund.
// Once the attempts run out on transient errors the gateway may still have
// accepted one of the calls, so the withdrawal moves to processing and the
// transfer callback decides the outcome.
func (s *Withdrawals) Process(ctx context.Context, id string) (*Withdrawal, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != WithdrawalPending || s.transfers == nil {
		return w, nil
	}

	code, err := s.transfers.Transfer(ctx, w.RecipientCode, w.NetAmount*100, w.Reference)
	if err != nil {
		w.Attempts++
		if retry.IsPermanent(err) {
			return w, s.fail(ctx, w, WithdrawalPending, WithdrawalFailed, err.Error())
		}
		w.UpdatedAt = s.now().UTC()
		if w.Attempts >= s.policy.MaxAttempts {
			w.Status = WithdrawalProcessing
			w.FailureReason = "transfer outcome unknown: " + err.Error()
			if err := s.store.UpdateWithdrawal(ctx, w, WithdrawalPending); err != nil {
				return nil, err
			}
			s.logger.Error("CRITICAL: withdrawal transfer outcome unknown, awaiting gateway callback",
				"withdrawal", w.ID, "reference", w.Reference, "attempts", w.Attempts, "error", err)
			return w, nil
		}
		s.logger.Warn("withdrawal transfer failed, will retry",
			"withdrawal", w.ID, "attempt", w.Attempts, "error", err)
		return w, s.store.UpdateWithdrawal(ctx, w, WithdrawalPending)
	}

	w.Attempts++
	w.TransferCode = code
	w.Status = WithdrawalProcessing
	w.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateWithdrawal(ctx, w, WithdrawalPending); err != nil {
		s.logger.Error("CRITICAL: transfer accepted but withdrawal not updated",
			"withdrawal", w.ID, "reference", w.Reference, "transfer", code, "error", err)
		return nil, err
	}
	return w, nil
}

// ProcessPending retries every pending withdrawal and re-issues refunds for
// failed or rejected withdrawals whose refund did not post.
func (s *Withdrawals) ProcessPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListWithdrawalsByStatus(ctx, WithdrawalPending, 100)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, w := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Process(ctx, w.ID); err != nil {
			s.logger.Warn("withdrawal sweep failed", "withdrawal", w.ID, "error", err)
			continue
		}
		processed++
	}

	for _, status := range []WithdrawalStatus{WithdrawalFailed, WithdrawalRejected} {
		ws, err := s.store.ListWithdrawalsByStatus(ctx, status, 100)
		if err != nil {
			return processed, err
		}
		for _, w := range ws {
			posted, err := s.ledger.Posted(ctx, refundKey(w.ID))
			if err != nil || posted {
				continue
			}
			s.postRefund(ctx, w)
		}
	}
	return processed, nil
}

// HandleTransferResult applies a transfer.success or transfer.failed gateway
// event. Unknown references return ErrWithdrawalNotFound; already-terminal
// withdrawals are left untouched, but a success for a refunded withdrawal
// means the money left twice and is logged for manual recovery.
func (s *Withdrawals) HandleTransferResult(ctx context.Context, reference string, success bool, reason string) (*Withdrawal, error) {
	w, err := s.store.GetWithdrawalByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err = s.store.GetWithdrawal(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		if success && w.Status != WithdrawalCompleted {
			s.logger.Error("CRITICAL: transfer succeeded for a refunded withdrawal",
				"withdrawal", w.ID, "user", w.UserID, "reference", reference,
				"status", w.Status, "amount", w.Amount)
		}
		return w, nil
	}

	from := w.Status
	if !success {
		if reason == "" {
			reason = "transfer failed"
		}
		return w, s.fail(ctx, w, from, WithdrawalFailed, reason)
	}

	w.Status = WithdrawalCompleted
	w.FailureReason = ""
	w.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateWithdrawal(ctx, w, from); err != nil {
		return nil, err
	}
	if w.Fee > 0 && s.policy.PlatformAccount != "" {
		fee := Credit(s.policy.PlatformAccount, TxCommission, w.Fee)
		fee.WithdrawalID = w.ID
		fee.Description = "withdrawal fee " + w.Reference
		if _, err := s.ledger.Post(ctx, feeKey(w.ID), fee); err != nil && !errors.Is(err, ErrAlreadyPosted) {
			s.logger.Error("withdrawal fee posting failed", "withdrawal", w.ID, "error", err)
		}
	}
	s.logger.Info("withdrawal completed", "withdrawal", w.ID, "reference", reference)
	return w, nil
}

// Reject cancels a pending withdrawal and refunds the wallet.
func (s *Withdrawals) Reject(ctx context.Context, id, reason string) (*Withdrawal, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != WithdrawalPending {
		return nil, ErrWithdrawalNotPending
	}
	if err := s.fail(ctx, w, WithdrawalPending, WithdrawalRejected, reason); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a withdrawal by ID.
func (s *Withdrawals) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// List returns a user's withdrawals, newest first.
func (s *Withdrawals) List(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListWithdrawals(ctx, userID, limit)
}

// fail moves w to a terminal failure status and refunds the debited amount.
func (s *Withdrawals) fail(ctx context.Context, w *Withdrawal, from, to WithdrawalStatus, reason string) error {
	w.Status = to
	w.FailureReason = reason
	w.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateWithdrawal(ctx, w, from); err != nil {
		return err
	}
	s.logger.Warn("withdrawal "+string(to), "withdrawal", w.ID, "reason", reason)
	s.postRefund(ctx, w)
	return nil
}

func (s *Withdrawals) postRefund(ctx context.Context, w *Withdrawal) {
	refund := Credit(w.UserID, TxRefund, w.Amount)
	refund.WithdrawalID = w.ID
	refund.Description = "withdrawal refund " + w.Reference
	if _, err := s.ledger.Post(ctx, refundKey(w.ID), refund); err != nil && !errors.Is(err, ErrAlreadyPosted) {
		s.logger.Error("CRITICAL: withdrawal refund failed, will retry on next sweep",
			"withdrawal", w.ID, "user", w.UserID, "amount", w.Amount, "error", err)
	}
}
