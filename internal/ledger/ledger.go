// Package ledger owns wallet balances and the immutable transaction log.
//
// Every balance change is a Posting. Postings are applied in batches under a
// batch key; a key can be applied at most once, which is what makes escrow
// settlement and referral payouts exactly-once. Each posting writes exactly
// one Transaction carrying the balance before and after.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/pagination"
	"github.com/mbd888/bookit/internal/traces"
)

var (
	ErrInsufficientBalance = apperr.BadRequest("insufficient_balance", "Insufficient wallet balance")
	ErrInvalidAmount       = apperr.BadRequest("invalid_amount", "Amount must be non-zero")
	ErrInvalidPosting      = apperr.BadRequest("invalid_posting", "Posting requires a user, type and amount")
	ErrAlreadyPosted       = apperr.Conflict("already_posted", "This ledger batch has already been applied")
	ErrWithdrawalNotFound  = apperr.NotFound("withdrawal_not_found", "Withdrawal not found")
)

// TxType classifies a transaction.
type TxType string

const (
	TxDeposit             TxType = "deposit"
	TxWithdrawal          TxType = "withdrawal"
	TxBookingPayment      TxType = "booking_payment"
	TxRefund              TxType = "refund"
	TxCommission          TxType = "commission"
	TxReferralBonus       TxType = "referral_bonus"
	TxSubscriptionPayment TxType = "subscription_payment"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxBookingPayment, TxRefund, TxCommission, TxReferralBonus, TxSubscriptionPayment:
		return true
	}
	return false
}

// Transaction is an immutable record of one wallet balance change.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          TxType    `json:"type"`
	Amount        int64     `json:"amount"` // signed
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Reference     string    `json:"reference"`
	BatchKey      string    `json:"batchKey"`
	Description   string    `json:"description,omitempty"`
	BookingID     string    `json:"bookingId,omitempty"`
	PaymentID     string    `json:"paymentId,omitempty"`
	WithdrawalID  string    `json:"withdrawalId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Wallet is a user's current balance.
type Wallet struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Posting is a requested balance change. Amount is signed: credits are
// positive, debits negative.
type Posting struct {
	UserID       string
	Type         TxType
	Amount       int64
	Description  string
	BookingID    string
	PaymentID    string
	WithdrawalID string
}

// Credit builds a positive posting.
func Credit(userID string, typ TxType, amount int64) Posting {
	return Posting{UserID: userID, Type: typ, Amount: amount}
}

// Debit builds a negative posting.
func Debit(userID string, typ TxType, amount int64) Posting {
	return Posting{UserID: userID, Type: typ, Amount: -amount}
}

// Reconciliation compares a stored balance with its transaction history.
type Reconciliation struct {
	UserID  string    `json:"userId"`
	Balance int64     `json:"balance"`
	TxSum   int64     `json:"transactionSum"`
	Match   bool      `json:"match"`
	TxCount int       `json:"transactionCount"`
	Checked time.Time `json:"checkedAt"`
}

// Store persists wallets and transactions.
//
// Apply must be atomic: either every posting in the batch is applied, each
// with its Transaction, or none is. A batch key that was already applied
// returns ErrAlreadyPosted. A posting that would take a balance below zero
// returns ErrInsufficientBalance.
type Store interface {
	Apply(ctx context.Context, batch *Batch) ([]*Transaction, error)
	HasBatch(ctx context.Context, key string) (bool, error)
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
	ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	SumTransactions(ctx context.Context, userID string) (sum int64, count int, err error)
}

// Batch is a validated set of postings ready to be applied.
type Batch struct {
	Key      string
	Postings []Posting
	// IDs are pre-assigned so stores stay deterministic under test.
	IDs []string
	At  time.Time
}

// Reference returns the unique reference of the i-th transaction in the batch.
func (b *Batch) Reference(i int) string {
	if len(b.Postings) == 1 {
		return b.Key
	}
	return fmt.Sprintf("%s/%d", b.Key, i+1)
}

// Ledger is the only writer of wallet balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// New creates a new ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		newID:  idgen.New,
		now:    time.Now,
	}
}

// Post applies postings atomically under key. Posting the same key twice
// returns ErrAlreadyPosted and changes nothing.
func (l *Ledger) Post(ctx context.Context, key string, postings ...Posting) ([]*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Post")
	defer span.End()

	if key == "" || len(postings) == 0 {
		return nil, ErrInvalidPosting
	}
	for _, p := range postings {
		if p.UserID == "" || !p.Type.Valid() {
			return nil, ErrInvalidPosting
		}
		if p.Amount == 0 {
			return nil, ErrInvalidAmount
		}
	}

	batch := &Batch{
		Key:      key,
		Postings: postings,
		IDs:      make([]string, len(postings)),
		At:       l.now().UTC(),
	}
	for i := range batch.IDs {
		batch.IDs[i] = l.newID()
	}

	start := time.Now()
	txs, err := l.store.Apply(ctx, batch)
	observePosting(postings, time.Since(start), err)
	if err != nil {
		if !errors.Is(err, ErrAlreadyPosted) && !errors.Is(err, ErrInsufficientBalance) {
			l.logger.Error("ledger post failed", "key", key, "error", err)
		}
		return nil, err
	}

	for _, tx := range txs {
		l.logger.Info("ledger posted",
			"key", key, "user", tx.UserID, "type", tx.Type,
			"amount", tx.Amount, "balance_after", tx.BalanceAfter)
	}
	return txs, nil
}

// Posted reports whether a batch key has been applied.
func (l *Ledger) Posted(ctx context.Context, key string) (bool, error) {
	return l.store.HasBatch(ctx, key)
}

// Balance returns a user's wallet. Users without activity have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// History returns a page of a user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int, cursor string) ([]*Transaction, string, error) {
	limit = pagination.Limit(limit)
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	txs, err := l.store.ListTransactions(ctx, userID, limit+1, before)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return page, next, nil
}

// Reconcile checks that a user's balance equals the sum of their transactions.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, count, err := l.store.SumTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Reconciliation{
		UserID:  userID,
		Balance: w.Balance,
		TxSum:   sum,
		TxCount: count,
		Match:   w.Balance == sum,
		Checked: l.now().UTC(),
	}, nil
}

// ReconcileAll reconciles every wallet.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]*Reconciliation, error) {
	wallets, err := l.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*Reconciliation, 0, len(wallets))
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := l.Reconcile(ctx, w.UserID)
		if err != nil {
			return results, fmt.Errorf("reconcile %s: %w", w.UserID, err)
		}
		results = append(results, r)
	}
	return results, nil
}
