package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		amount int64
		rate   float64
		fee    int64
		vendor int64
	}{
		{5000, 10, 500, 4500},
		{5000, 7.5, 375, 4625},
		{1005, 10, 101, 904}, // 100.5 rounds up
		{1004, 10, 100, 904},
		{999, 0, 0, 999},
		{333, 33.3, 111, 222},
	}
	for _, tt := range tests {
		s := Compute(tt.amount, tt.rate)
		assert.Equal(t, tt.fee, s.PlatformFee, "amount %d rate %v", tt.amount, tt.rate)
		assert.Equal(t, tt.vendor, s.VendorAmount)
		assert.Equal(t, tt.amount, s.PlatformFee+s.VendorAmount)
	}
}

func TestCompute_SumAlwaysMatches(t *testing.T) {
	for amount := int64(1); amount < 3000; amount += 7 {
		for _, rate := range []float64{0, 2.5, 5, 7.5, 10, 12.345, 100} {
			s := Compute(amount, rate)
			require.Equal(t, amount, s.PlatformFee+s.VendorAmount)
			require.GreaterOrEqual(t, s.VendorAmount, int64(0))
		}
	}
}

func TestCalculator_DefaultRateWithoutSubscription(t *testing.T) {
	c := NewCalculator(NewMemoryRegistry(), 0)
	s, err := c.ForVendor(context.Background(), "vendor-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, DefaultRate, s.Rate)
	assert.Equal(t, int64(500), s.PlatformFee)
	assert.Equal(t, int64(4500), s.VendorAmount)
}

func TestCalculator_ActiveSubscriptionTier(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, reg.Subscribe(ctx, &Subscription{
		VendorID: "vendor-1", Tier: TierPremium,
		StartsAt: now.Add(-24 * time.Hour), ExpiresAt: now.Add(24 * time.Hour),
	}))
	// Expired plan is ignored.
	require.NoError(t, reg.Subscribe(ctx, &Subscription{
		VendorID: "vendor-2", Tier: TierPro,
		StartsAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	c := NewCalculator(reg, 10)
	c.now = func() time.Time { return now }

	rate, err := c.Rate(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, rate)

	rate, err = c.Rate(ctx, "vendor-2")
	require.NoError(t, err)
	assert.Equal(t, 10.0, rate)
}

func TestCalculator_ExplicitRateOverridesTier(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Now()
	require.NoError(t, reg.Subscribe(context.Background(), &Subscription{
		VendorID: "v", Tier: TierBasic, Rate: 6,
		StartsAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}))

	rate, err := NewCalculator(reg, 10).Rate(context.Background(), "v")
	require.NoError(t, err)
	assert.Equal(t, 6.0, rate)
}

type failingRegistry struct{}

func (failingRegistry) ActiveSubscription(context.Context, string, time.Time) (*Subscription, error) {
	return nil, errors.New("registry down")
}

func TestCalculator_RegistryError(t *testing.T) {
	_, err := NewCalculator(failingRegistry{}, 10).ForVendor(context.Background(), "v", 100)
	assert.Error(t, err)
}

func TestPostgresRegistry_ActiveSubscription(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	reg := NewPostgresRegistry(db)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT tier, commission_rate, starts_at, expires_at FROM vendor_subscriptions").
		WithArgs("vendor-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"tier", "commission_rate", "starts_at", "expires_at"}).
			AddRow("pro", 7.5, at.Add(-time.Hour), at.Add(time.Hour)))

	sub, err := reg.ActiveSubscription(context.Background(), "vendor-1", at)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, TierPro, sub.Tier)
	assert.Equal(t, 7.5, sub.Rate)

	mock.ExpectQuery("SELECT tier").
		WithArgs("vendor-2", at).
		WillReturnRows(sqlmock.NewRows([]string{"tier", "commission_rate", "starts_at", "expires_at"}))

	sub, err = reg.ActiveSubscription(context.Background(), "vendor-2", at)
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.NoError(t, mock.ExpectationsWereMet())
}
