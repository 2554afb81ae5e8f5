package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/ledger"
	"github.com/mbd888/bookit/internal/syncutil"
)

var (
	ErrUnknownTier   = apperr.BadRequest("unknown_tier", "Unknown subscription tier")
	ErrInvalidMonths = apperr.BadRequest("invalid_months", "Months must be between 1 and 12")
)

// TierPrices is the monthly price of each tier, in whole currency units.
var TierPrices = map[Tier]int64{
	TierBasic:   0,
	TierPro:     2000,
	TierPremium: 5000,
}

// SubscriptionStore is a registry that can also record new subscriptions.
type SubscriptionStore interface {
	Registry
	Subscribe(ctx context.Context, sub *Subscription) error
}

// Wallet is the part of the ledger used to charge for subscriptions.
type Wallet interface {
	Post(ctx context.Context, key string, postings ...ledger.Posting) ([]*ledger.Transaction, error)
}

// Plans sells subscription tiers to vendors, paid from their wallet.
type Plans struct {
	store    SubscriptionStore
	wallet   Wallet
	platform string
	locks    *syncutil.KeyLocker
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlans creates a plan seller. Payments are credited to platformAccount.
func NewPlans(store SubscriptionStore, wallet Wallet, platformAccount string, logger *slog.Logger) *Plans {
	return &Plans{
		store:    store,
		wallet:   wallet,
		platform: platformAccount,
		locks:    syncutil.NewKeyLocker(),
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns the vendor's active subscription, or nil.
func (p *Plans) Current(ctx context.Context, vendorID string) (*Subscription, error) {
	return p.store.ActiveSubscription(ctx, vendorID, p.now())
}

// Purchase charges the vendor for months of tier and records the
// subscription. If the vendor already has an active plan the new one starts
// when it ends.
func (p *Plans) Purchase(ctx context.Context, vendorID string, tier Tier, months int) (*Subscription, error) {
	rate, ok := TierRates[tier]
	if !ok {
		return nil, ErrUnknownTier
	}
	if months < 1 || months > 12 {
		return nil, ErrInvalidMonths
	}

	unlock, err := p.locks.Lock(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := p.now()
	start := now
	cur, err := p.store.ActiveSubscription(ctx, vendorID, now)
	if err != nil {
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	if cur != nil {
		start = cur.ExpiresAt
	}
	sub := &Subscription{
		VendorID:  vendorID,
		Tier:      tier,
		Rate:      rate,
		StartsAt:  start,
		ExpiresAt: start.AddDate(0, months, 0),
	}

	price := TierPrices[tier] * int64(months)
	key := "subscription:" + idgen.WithPrefix("sub_")
	if price > 0 {
		charge := ledger.Debit(vendorID, ledger.TxSubscriptionPayment, price)
		charge.Description = fmt.Sprintf("%s plan, %d month(s)", tier, months)
		income := ledger.Credit(p.platform, ledger.TxSubscriptionPayment, price)
		income.Description = charge.Description
		if _, err := p.wallet.Post(ctx, key, charge, income); err != nil {
			return nil, err
		}
	}

	if err := p.store.Subscribe(ctx, sub); err != nil {
		if price > 0 {
			p.refund(ctx, key, vendorID, price)
		}
		return nil, fmt.Errorf("record subscription: %w", err)
	}

	p.logger.Info("subscription purchased",
		"vendor", vendorID, "tier", tier, "months", months, "price", price, "starts_at", start)
	return sub, nil
}

func (p *Plans) refund(ctx context.Context, key, vendorID string, amount int64) {
	back := ledger.Credit(vendorID, ledger.TxRefund, amount)
	back.Description = "subscription not recorded"
	_, err := p.wallet.Post(ctx, key+":refund", ledger.Debit(p.platform, ledger.TxRefund, amount), back)
	if err != nil && !errors.Is(err, ledger.ErrAlreadyPosted) {
		p.logger.Error("subscription refund failed", "vendor", vendorID, "amount", amount, "key", key, "error", err)
	}
}
