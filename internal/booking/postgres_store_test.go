package booking

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var bookingRowColumns = []string{
	"id", "client_id", "vendor_id", "service_id", "kind", "offer_id", "scheduled_date",
	"scheduled_time", "location", "notes", "service_price", "distance_km", "distance_charge",
	"total_amount", "status", "status_history", "client_marked_complete", "vendor_marked_complete",
	"payment_status", "dispute_id", "review_id", "cancellation_reason", "completed_at",
	"cancelled_at", "version", "created_at", "updated_at",
}

func TestPostgresStore_GetDecodesJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM bookings WHERE id = \\$1").
		WithArgs("bk-1").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(
			"bk-1", "client-1", "vendor-1", "svc-1", "standard", "", "2026-03-10", "10:00",
			[]byte(`{"latitude":6.5,"longitude":3.4}`), "", 5000, 11.12, 1000, 6000, "accepted",
			[]byte(`[{"status":"pending","at":"2026-03-01T12:00:00Z","actor":"client-1"},{"status":"accepted","at":"2026-03-01T12:05:00Z","actor":"vendor-1"}]`),
			false, false, "escrowed", "", "", "", nil, nil, 2, now, now,
		))

	b, err := store.Get(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, b.Status)
	require.NotNil(t, b.Location)
	assert.Equal(t, 6.5, b.Location.Latitude)
	require.Len(t, b.StatusHistory, 2)
	assert.Equal(t, "vendor-1", b.StatusHistory[1].Actor)
	assert.Nil(t, b.CompletedAt)
	assert.Equal(t, int64(2), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM bookings").WillReturnRows(sqlmock.NewRows(bookingRowColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestPostgresStore_UpdateVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &Booking{ID: "bk-1", Status: StatusCancelled, Version: 3, UpdatedAt: now}

	mock.ExpectExec("UPDATE bookings").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM bookings WHERE id = \\$1").
		WithArgs("bk-1").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(
			"bk-1", "client-1", "vendor-1", "svc-1", "standard", "", "2026-03-10", "10:00",
			nil, "", 5000, 0.0, 0, 5000, "accepted", []byte(`[]`),
			false, false, "escrowed", "", "", "", nil, nil, 4, now, now,
		))

	err := store.Update(context.Background(), b)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	b := &Booking{ID: "bk-1", Status: StatusInProgress, Version: 3, UpdatedAt: time.Now()}

	mock.ExpectExec("UPDATE bookings").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Update(context.Background(), b))
	assert.Equal(t, int64(4), b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AttachDisputeConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("UPDATE bookings SET dispute_id").
		WithArgs("bk-1", "dsp-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM bookings WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(bookingRowColumns).AddRow(
			"bk-1", "client-1", "vendor-1", "svc-1", "standard", "", "2026-03-10", "10:00",
			nil, "", 5000, 0.0, 0, 5000, "accepted", []byte(`[]`),
			false, false, "escrowed", "dsp-1", "", "", nil, nil, 4, now, now,
		))

	err := store.AttachDispute(context.Background(), "bk-1", "dsp-2")
	assert.ErrorIs(t, err, ErrDisputeActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCatalog_UpdateOfferStateChanged(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	cat := NewPostgresCatalog(db)
	now := time.Now()

	mock.ExpectExec("UPDATE offers").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM offers WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "vendor_id", "client_id", "service_id", "price", "message", "status",
			"booking_id", "created_at", "updated_at",
		}).AddRow("ofr_1", "vendor-1", "client-1", "svc-1", 4000, "", "booked", "bk-9", now, now))

	err = cat.UpdateOffer(context.Background(), &Offer{ID: "ofr_1", Status: OfferBooked, BookingID: "bk-1"}, OfferAccepted)
	assert.ErrorIs(t, err, ErrOfferStateChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
