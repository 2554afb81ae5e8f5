package commission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/ledger"
)

type brokenRegistry struct{ *MemoryRegistry }

func (brokenRegistry) Subscribe(context.Context, *Subscription) error {
	return errors.New("connection reset")
}

func newTestPlans(t *testing.T, reg SubscriptionStore, funds int64) (*Plans, *ledger.Ledger, time.Time) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemoryStore(), logger)
	if funds > 0 {
		_, err := l.Post(context.Background(), "seed", ledger.Credit("vendor-1", ledger.TxDeposit, funds))
		require.NoError(t, err)
	}
	p := NewPlans(reg, l, "platform", logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, l, now
}

func balance(t *testing.T, l *ledger.Ledger, user string) int64 {
	t.Helper()
	w, err := l.Balance(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

func TestPurchase_ChargesWalletAndLowersRate(t *testing.T) {
	reg := NewMemoryRegistry()
	p, l, now := newTestPlans(t, reg, 10000)
	ctx := context.Background()

	sub, err := p.Purchase(ctx, "vendor-1", TierPro, 2)
	require.NoError(t, err)
	assert.Equal(t, now, sub.StartsAt)
	assert.Equal(t, now.AddDate(0, 2, 0), sub.ExpiresAt)
	assert.Equal(t, int64(6000), balance(t, l, "vendor-1"))
	assert.Equal(t, int64(4000), balance(t, l, "platform"))

	calc := NewCalculator(reg, 0)
	calc.now = p.now
	rate, err := calc.Rate(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, rate)
}

func TestPurchase_ExtendsActivePlan(t *testing.T) {
	p, _, now := newTestPlans(t, NewMemoryRegistry(), 20000)
	ctx := context.Background()

	first, err := p.Purchase(ctx, "vendor-1", TierPro, 1)
	require.NoError(t, err)
	second, err := p.Purchase(ctx, "vendor-1", TierPremium, 1)
	require.NoError(t, err)

	assert.Equal(t, first.ExpiresAt, second.StartsAt)
	cur, err := p.Current(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, cur.Tier, "premium only starts after pro runs out")
	assert.Equal(t, now, cur.StartsAt)
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	reg := NewMemoryRegistry()
	p, _, _ := newTestPlans(t, reg, 1000)

	_, err := p.Purchase(context.Background(), "vendor-1", TierPremium, 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	cur, err := p.Current(context.Background(), "vendor-1")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestPurchase_FreeTierNeedsNoFunds(t *testing.T) {
	p, _, _ := newTestPlans(t, NewMemoryRegistry(), 0)
	sub, err := p.Purchase(context.Background(), "vendor-1", TierBasic, 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, sub.Rate)
}

func TestPurchase_Validation(t *testing.T) {
	p, _, _ := newTestPlans(t, NewMemoryRegistry(), 10000)
	ctx := context.Background()

	_, err := p.Purchase(ctx, "vendor-1", Tier("gold"), 1)
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, err = p.Purchase(ctx, "vendor-1", TierPro, 0)
	assert.ErrorIs(t, err, ErrInvalidMonths)
	_, err = p.Purchase(ctx, "vendor-1", TierPro, 13)
	assert.ErrorIs(t, err, ErrInvalidMonths)
}

func TestPurchase_RefundsWhenRecordFails(t *testing.T) {
	p, l, _ := newTestPlans(t, brokenRegistry{NewMemoryRegistry()}, 10000)

	_, err := p.Purchase(context.Background(), "vendor-1", TierPro, 1)
	require.Error(t, err)
	assert.Equal(t, int64(10000), balance(t, l, "vendor-1"))
	assert.Equal(t, int64(0), balance(t, l, "platform"))
}

func TestHandler_VendorSubscription(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewMemoryRegistry()
	p, _, _ := newTestPlans(t, reg, 10000)
	calc := NewCalculator(reg, 0)
	calc.now = p.now
	h := NewHandler(p, calc)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		role := auth.Role(c.GetHeader("X-Test-Role"))
		auth.SetPrincipal(c, &auth.Principal{UserID: "vendor-1", Role: role})
		c.Next()
	})
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterProtectedRoutes(g)

	do := func(method, path, role, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-Role", role)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/v1/vendor/subscription", string(auth.RoleClient), `{"tier":"pro"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(http.MethodPost, "/v1/vendor/subscription", string(auth.RoleVendor), `{"tier":"pro"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodGet, "/v1/vendor/subscription", string(auth.RoleVendor), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"commissionRate":7.5`)

	w = do(http.MethodPost, "/v1/vendor/subscription", string(auth.RoleVendor), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodGet, "/v1/plans", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"premium"`)
}
