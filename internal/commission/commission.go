// Package commission computes the platform's share of a booking payment.
//
// The rate is a percentage that depends on the vendor's active subscription
// tier. Vendors without an active subscription pay the default rate.
package commission

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRate is the commission percentage for vendors without a subscription.
const DefaultRate = 10.0

// Tier is a vendor subscription plan.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// TierRates maps each tier to its commission percentage.
var TierRates = map[Tier]float64{
	TierBasic:   10.0,
	TierPro:     7.5,
	TierPremium: 5.0,
}

// Subscription is a vendor's plan and its validity window.
type Subscription struct {
	VendorID  string    `json:"vendorId"`
	Tier      Tier      `json:"tier"`
	Rate      float64   `json:"rate"`
	StartsAt  time.Time `json:"startsAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the subscription covers t.
func (s *Subscription) Active(t time.Time) bool {
	return !t.Before(s.StartsAt) && t.Before(s.ExpiresAt)
}

// Registry looks up a vendor's active subscription. A nil subscription with
// a nil error means the vendor has none.
type Registry interface {
	ActiveSubscription(ctx context.Context, vendorID string, at time.Time) (*Subscription, error)
}

// Split is the platform/vendor division of a payment amount.
type Split struct {
	Amount       int64   `json:"amount"`
	Rate         float64 `json:"commissionRate"`
	PlatformFee  int64   `json:"platformFee"`
	VendorAmount int64   `json:"vendorAmount"`
}

// Compute splits amount at rate percent. platformFee is rounded half away
// from zero and vendorAmount takes the remainder, so the two always sum to
// amount.
func Compute(amount int64, rate float64) Split {
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(rate)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	return Split{
		Amount:       amount,
		Rate:         rate,
		PlatformFee:  fee,
		VendorAmount: amount - fee,
	}
}

// Calculator resolves a vendor's rate and computes the split.
type Calculator struct {
	registry    Registry
	defaultRate float64
	now         func() time.Time
}

// NewCalculator creates a calculator. A non-positive defaultRate uses DefaultRate.
func NewCalculator(registry Registry, defaultRate float64) *Calculator {
	if defaultRate <= 0 {
		defaultRate = DefaultRate
	}
	return &Calculator{registry: registry, defaultRate: defaultRate, now: time.Now}
}

// Rate returns the commission percentage for a vendor.
func (c *Calculator) Rate(ctx context.Context, vendorID string) (float64, error) {
	if c.registry == nil {
		return c.defaultRate, nil
	}
	sub, err := c.registry.ActiveSubscription(ctx, vendorID, c.now())
	if err != nil {
		return 0, fmt.Errorf("subscription lookup: %w", err)
	}
	if sub == nil {
		return c.defaultRate, nil
	}
	if sub.Rate > 0 {
		return sub.Rate, nil
	}
	if r, ok := TierRates[sub.Tier]; ok {
		return r, nil
	}
	return c.defaultRate, nil
}

// ForVendor computes the split of amount for vendorID.
func (c *Calculator) ForVendor(ctx context.Context, vendorID string, amount int64) (Split, error) {
	rate, err := c.Rate(ctx, vendorID)
	if err != nil {
		return Split{}, err
	}
	return Compute(amount, rate), nil
}
