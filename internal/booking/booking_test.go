package booking

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookit/internal/notify"
)

// fakePayments stands in for escrow and mirrors outcomes onto the store the
// way the real service does.
type fakePayments struct {
	mu         sync.Mutex
	store      *MemoryStore
	held       map[string]bool
	released   []string
	refunded   []string
	releaseErr error
}

func (f *fakePayments) IsHeld(_ context.Context, bookingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[bookingID], nil
}

func (f *fakePayments) hold(t *testing.T, bookingID string) {
	t.Helper()
	f.mu.Lock()
	f.held[bookingID] = true
	f.mu.Unlock()
	require.NoError(t, f.store.SetPaymentStatus(context.Background(), bookingID, PaymentEscrowed))
}

func (f *fakePayments) Release(ctx context.Context, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	if !f.held[bookingID] {
		return errors.New("not held")
	}
	f.held[bookingID] = false
	f.released = append(f.released, bookingID)
	return f.store.SetPaymentStatus(ctx, bookingID, "released")
}

func (f *fakePayments) Refund(ctx context.Context, bookingID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held[bookingID] {
		return errors.New("not held")
	}
	f.held[bookingID] = false
	f.refunded = append(f.refunded, bookingID)
	return f.store.SetPaymentStatus(ctx, bookingID, "refunded")
}

type fakeReferrals struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReferrals) OnBookingCompleted(_ context.Context, clientID, bookingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, clientID+":"+bookingID)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) Notify(_ context.Context, userID string, typ notify.Type, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, userID+":"+string(typ))
}

type harness struct {
	mgr       *Manager
	store     *MemoryStore
	catalog   *Catalog
	payments  *fakePayments
	referrals *fakeReferrals
	notes     *recordingNotifier
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var lagos = Location{Latitude: 6.5, Longitude: 3.4, Address: "Lagos"}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	cat := NewMemoryCatalog()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, cat.PutVendor(ctx, &Vendor{ID: "vendor-1", Verified: true}))
	require.NoError(t, cat.PutVendor(ctx, &Vendor{ID: "vendor-home", Verified: true, HomeService: true, Location: &lagos}))
	require.NoError(t, cat.PutVendor(ctx, &Vendor{ID: "vendor-new"}))
	require.NoError(t, cat.PutService(ctx, &Service{ID: "svc-1", VendorID: "vendor-1", Name: "Haircut", Price: 5000, Active: true, CreatedAt: now}))
	require.NoError(t, cat.PutService(ctx, &Service{ID: "svc-home", VendorID: "vendor-home", Name: "Home cleaning", Price: 5000, Active: true, CreatedAt: now}))
	require.NoError(t, cat.PutService(ctx, &Service{ID: "svc-off", VendorID: "vendor-1", Name: "Retired", Price: 100, Active: false, CreatedAt: now}))
	require.NoError(t, cat.PutService(ctx, &Service{ID: "svc-new", VendorID: "vendor-new", Name: "Unverified", Price: 100, Active: true, CreatedAt: now}))

	tiers, err := ParseTiers("5:0,10:500,20:1000,50:2000")
	require.NoError(t, err)

	h := &harness{
		store:     store,
		catalog:   NewCatalog(cat),
		payments:  &fakePayments{store: store, held: make(map[string]bool)},
		referrals: &fakeReferrals{},
		notes:     &recordingNotifier{},
	}
	h.mgr = NewManager(store, h.catalog, Pricing{Tiers: tiers, ExtraPerKm: 50}, h.payments, testLogger()).
		WithReferrals(h.referrals).
		WithNotifier(h.notes)
	return h
}

func (h *harness) create(t *testing.T) *Booking {
	t.Helper()
	b, err := h.mgr.Create(context.Background(), CreateRequest{
		ClientID: "client-1", ServiceID: "svc-1", ScheduledDate: "2026-03-10", ScheduledTime: "10:00",
	})
	require.NoError(t, err)
	return b
}

// accepted returns a booking that has been paid for and accepted.
func (h *harness) accepted(t *testing.T) *Booking {
	t.Helper()
	b := h.create(t)
	h.payments.hold(t, b.ID)
	b, err := h.mgr.Accept(context.Background(), b.ID, "vendor-1")
	require.NoError(t, err)
	return b
}

func TestCreate_Standard(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, KindStandard, b.Kind)
	assert.Equal(t, "vendor-1", b.VendorID)
	assert.Equal(t, int64(5000), b.ServicePrice)
	assert.Equal(t, int64(0), b.DistanceCharge)
	assert.Equal(t, int64(5000), b.TotalAmount)
	assert.Equal(t, PaymentPending, b.PaymentStatus)
	require.Len(t, b.StatusHistory, 1)
	assert.Equal(t, "client-1", b.StatusHistory[0].Actor)
	assert.Contains(t, h.notes.sent, "vendor-1:"+string(notify.BookingCreated))
}

func TestCreate_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Create(ctx, CreateRequest{ClientID: "client-1", ServiceID: "svc-off"})
	assert.ErrorIs(t, err, ErrServiceInactive)

	_, err = h.mgr.Create(ctx, CreateRequest{ClientID: "client-1", ServiceID: "svc-new"})
	assert.ErrorIs(t, err, ErrVendorNotVerified)

	_, err = h.mgr.Create(ctx, CreateRequest{ClientID: "client-1", ServiceID: "svc-home"})
	assert.ErrorIs(t, err, ErrLocationRequired)

	_, err = h.mgr.Create(ctx, CreateRequest{ClientID: "vendor-1", ServiceID: "svc-1"})
	assert.ErrorIs(t, err, ErrSelfDealing)

	_, err = h.mgr.Create(ctx, CreateRequest{ClientID: "client-1", ServiceID: "nope"})
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestCreate_HomeServiceAddsDistanceCharge(t *testing.T) {
	h := newHarness(t)
	job := Location{Latitude: 6.6, Longitude: 3.4}

	b, err := h.mgr.Create(context.Background(), CreateRequest{
		ClientID: "client-1", ServiceID: "svc-home", Location: &job,
	})
	require.NoError(t, err)
	assert.InDelta(t, 11.12, b.DistanceKm, 0.01)
	assert.Equal(t, int64(1000), b.DistanceCharge)
	assert.Equal(t, b.ServicePrice+b.DistanceCharge, b.TotalAmount)
}

func TestAccept_RequiresHeldPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.mgr.Accept(ctx, b.ID, "vendor-1")
	assert.ErrorIs(t, err, ErrPaymentNotHeld)

	h.payments.hold(t, b.ID)
	_, err = h.mgr.Accept(ctx, b.ID, "client-1")
	assert.ErrorIs(t, err, ErrNotBookingVendor)

	got, err := h.mgr.Accept(ctx, b.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Len(t, got.StatusHistory, 2)
	assert.Equal(t, PaymentEscrowed, got.PaymentStatus)
}

func TestStart_OnlyFromAccepted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.mgr.Start(ctx, b.ID, "vendor-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Len(t, stored.StatusHistory, 1)

	h.payments.hold(t, b.ID)
	_, err = h.mgr.Accept(ctx, b.ID, "vendor-1")
	require.NoError(t, err)
	got, err := h.mgr.Start(ctx, b.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestMarkComplete_BothFlagsCompleteAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)

	got, err := h.mgr.MarkComplete(ctx, b.ID, "client-1")
	require.NoError(t, err)
	assert.True(t, got.ClientMarkedComplete)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Empty(t, h.payments.released)

	// Repeating is a no-op.
	again, err := h.mgr.MarkComplete(ctx, b.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Len(t, again.StatusHistory, len(got.StatusHistory))

	done, err := h.mgr.MarkComplete(ctx, b.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "released", done.PaymentStatus)
	assert.Equal(t, []string{b.ID}, h.payments.released)
	assert.Equal(t, []string{"client-1:" + b.ID}, h.referrals.calls)

	_, err = h.mgr.MarkComplete(ctx, b.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotBookingParty)
}

func TestMarkComplete_AfterDisputeRefundMovesNoMoney(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)
	var logs bytes.Buffer
	h.mgr.logger = slog.New(slog.NewTextHandler(&logs, nil))

	// A dispute resolved in the client's favour refunds the escrow.
	require.NoError(t, h.payments.Refund(ctx, b.ID, "dispute resolved"))

	_, err := h.mgr.MarkComplete(ctx, b.ID, "client-1")
	require.NoError(t, err)
	done, err := h.mgr.MarkComplete(ctx, b.ID, "vendor-1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "refunded", done.PaymentStatus)
	assert.Empty(t, h.payments.released)
	assert.NotContains(t, logs.String(), "release after completion failed")
}

func TestMarkComplete_ConcurrentSameRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.MarkComplete(ctx, b.ID, "vendor-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	done, err := h.mgr.MarkComplete(ctx, b.ID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	var completions int
	for _, e := range done.StatusHistory {
		if e.Status == StatusCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
	assert.Len(t, h.payments.released, 1)
}

func TestMarkComplete_ReleaseFailureKeepsCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)
	h.payments.releaseErr = errors.New("gateway down")

	_, err := h.mgr.MarkComplete(ctx, b.ID, "client-1")
	require.NoError(t, err)
	done, err := h.mgr.MarkComplete(ctx, b.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, PaymentEscrowed, done.PaymentStatus)
}

func TestCancel_RefundsEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)

	got, err := h.mgr.Cancel(ctx, b.ID, "client-1", "changed plans")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "changed plans", got.CancellationReason)
	assert.Equal(t, "refunded", got.PaymentStatus)
	assert.Equal(t, []string{b.ID}, h.payments.refunded)

	_, err = h.mgr.Cancel(ctx, b.ID, "client-1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancel_UnpaidSkipsRefund(t *testing.T) {
	h := newHarness(t)
	b := h.create(t)

	got, err := h.mgr.Cancel(context.Background(), b.ID, "vendor-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, h.payments.refunded)
	assert.Contains(t, h.notes.sent, "client-1:"+string(notify.BookingCancelled))
}

func TestCancel_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.accepted(t)

	_, err := h.mgr.Cancel(ctx, b.ID, "stranger", "")
	assert.ErrorIs(t, err, ErrNotBookingParty)

	require.NoError(t, h.mgr.AttachDispute(ctx, b.ID, "dsp-1"))
	assert.ErrorIs(t, h.mgr.AttachDispute(ctx, b.ID, "dsp-2"), ErrDisputeActive)

	_, err = h.mgr.Cancel(ctx, b.ID, "client-1", "")
	assert.ErrorIs(t, err, ErrDisputeActive)

	require.NoError(t, h.mgr.DetachDispute(ctx, b.ID, "dsp-1"))
	_, err = h.mgr.Cancel(ctx, b.ID, "client-1", "")
	assert.NoError(t, err)
}

func TestReject_RefundsEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)
	h.payments.hold(t, b.ID)

	got, err := h.mgr.Reject(ctx, b.ID, "vendor-1", "fully booked")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "refunded", got.PaymentStatus)
	assert.Contains(t, h.notes.sent, "client-1:"+string(notify.BookingRejected))
}

func TestCreate_FromOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, err := h.catalog.MakeOffer(ctx, "vendor-1", "client-1", "svc-1", 4000, "weekday discount")
	require.NoError(t, err)

	req := CreateRequest{ClientID: "client-1", OfferID: o.ID, ScheduledDate: "2026-03-11", ScheduledTime: "09:30"}
	_, err = h.mgr.Create(ctx, req)
	assert.ErrorIs(t, err, ErrOfferNotAccepted)

	_, err = h.catalog.RespondOffer(ctx, "client-2", o.ID, true)
	assert.ErrorIs(t, err, ErrNotOfferParty)
	_, err = h.catalog.RespondOffer(ctx, "client-1", o.ID, true)
	require.NoError(t, err)

	b, err := h.mgr.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindOffer, b.Kind)
	assert.Equal(t, o.ID, b.OfferID)
	assert.Equal(t, int64(4000), b.TotalAmount)

	// One offer backs one booking.
	_, err = h.mgr.Create(ctx, req)
	assert.ErrorIs(t, err, ErrOfferNotAccepted)

	stored, err := h.catalog.GetOffer(ctx, o.ID, "vendor-1", false)
	require.NoError(t, err)
	assert.Equal(t, OfferBooked, stored.Status)
	assert.Equal(t, b.ID, stored.BookingID)
}

func TestGet_HidesFromStrangers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	_, err := h.mgr.Get(ctx, b.ID, "stranger", false)
	assert.ErrorIs(t, err, ErrBookingNotFound)
	_, err = h.mgr.Get(ctx, b.ID, "stranger", true)
	assert.NoError(t, err)
	_, err = h.mgr.Get(ctx, b.ID, "vendor-1", false)
	assert.NoError(t, err)
}

func TestList_Paginates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.create(t)
	}

	page, next, err := h.mgr.List(ctx, ListRequest{UserID: "client-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotEmpty(t, next)

	rest, next2, err := h.mgr.List(ctx, ListRequest{UserID: "client-1", Limit: 2, Cursor: next})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.Empty(t, next2)
	assert.NotEqual(t, page[0].ID, rest[0].ID)
	assert.NotEqual(t, page[1].ID, rest[0].ID)

	vendorPage, _, err := h.mgr.List(ctx, ListRequest{UserID: "vendor-1", AsVendor: true})
	require.NoError(t, err)
	assert.Len(t, vendorPage, 3)

	_, _, err = h.mgr.List(ctx, ListRequest{UserID: "client-1", Cursor: "!!"})
	assert.Error(t, err)
}

func TestMemoryStore_UpdateIsOptimisticAndKeepsSetterFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.create(t)

	first, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	second, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)

	require.NoError(t, h.store.SetPaymentStatus(ctx, b.ID, PaymentEscrowed))
	require.NoError(t, h.store.AttachDispute(ctx, b.ID, "dsp-1"))

	first.Notes = "gate code 1234"
	require.NoError(t, h.store.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Notes = "stale"
	assert.ErrorIs(t, h.store.Update(ctx, second), ErrVersionConflict)

	stored, err := h.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "gate code 1234", stored.Notes)
	assert.Equal(t, PaymentEscrowed, stored.PaymentStatus)
	assert.Equal(t, "dsp-1", stored.DisputeID)
}

func TestCatalog_ServicesAndVendors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.catalog.UpsertVendorProfile(ctx, "vendor-2", VendorProfile{HomeService: true})
	assert.ErrorIs(t, err, ErrLocationRequired)

	v, err := h.catalog.UpsertVendorProfile(ctx, "vendor-2", VendorProfile{HomeService: true, Location: &lagos})
	require.NoError(t, err)
	assert.False(t, v.Verified)

	v, err = h.catalog.VerifyVendor(ctx, "vendor-2", true)
	require.NoError(t, err)
	assert.True(t, v.Verified)

	// Editing the profile keeps verification.
	v, err = h.catalog.UpsertVendorProfile(ctx, "vendor-2", VendorProfile{HomeService: false})
	require.NoError(t, err)
	assert.True(t, v.Verified)
	assert.NotNil(t, v.Location)

	s, err := h.catalog.CreateService(ctx, "vendor-2", "  Plumbing ", "", 7000)
	require.NoError(t, err)
	assert.Equal(t, "Plumbing", s.Name)
	assert.True(t, s.Active)

	_, err = h.catalog.CreateService(ctx, "vendor-2", "Free", "", 0)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = h.catalog.SetServiceActive(ctx, "vendor-1", s.ID, false)
	assert.ErrorIs(t, err, ErrNotServiceOwner)
	s, err = h.catalog.SetServiceActive(ctx, "vendor-2", s.ID, false)
	require.NoError(t, err)
	assert.False(t, s.Active)

	_, err = h.catalog.MakeOffer(ctx, "vendor-2", "client-1", s.ID, 5000, "")
	assert.ErrorIs(t, err, ErrServiceInactive)

	list, err := h.catalog.ListServices(ctx, "vendor-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
