package referral

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
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

var referralRowColumns = []string{
	"id", "referrer_id", "referee_id", "status", "referrer_reward", "referee_reward",
	"first_booking_completed", "first_booking_id", "referrer_paid", "referee_paid",
	"expires_at", "completed_at", "created_at", "updated_at",
}

func TestPostgresStore_CreateDuplicateReferee(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO referrals").
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &Referral{ID: "ref-1", RefereeID: "client-1", Status: StatusPending})
	assert.ErrorIs(t, err, ErrAlreadyReferred)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByReferee(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM referrals WHERE referee_id = \\$1").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows(referralRowColumns).AddRow(
			"ref-1", "referrer-1", "client-1", "completed", 1000, 500,
			true, "bk-1", true, false, now.Add(720*time.Hour), now, now, now,
		))

	r, err := store.GetByReferee(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "bk-1", r.FirstBookingID)
	assert.True(t, r.ReferrerPaid)
	assert.False(t, r.FullyPaid())
	require.NotNil(t, r.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM referrals").WillReturnRows(sqlmock.NewRows(referralRowColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrReferralNotFound)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE referrals").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &Referral{ID: "missing", Status: StatusExpired})
	assert.ErrorIs(t, err, ErrReferralNotFound)
}

func TestPostgresStore_ListExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM referrals\\s+WHERE status = 'pending' AND expires_at <= \\$1").
		WithArgs(now, 500).
		WillReturnRows(sqlmock.NewRows(referralRowColumns).AddRow(
			"ref-1", "referrer-1", "client-1", "pending", 1000, 500,
			false, "", false, false, now.Add(-time.Hour), nil, now, now,
		))

	items, err := store.ListExpired(context.Background(), now, 500)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
