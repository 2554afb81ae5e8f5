package referral

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists referrals in PostgreSQL. referrals.referee_id is
// unique, so a user can be referred only once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const referralColumns = `id, referrer_id, referee_id, status, referrer_reward, referee_reward,
	first_booking_completed, COALESCE(first_booking_id, ''), referrer_paid, referee_paid,
	expires_at, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Referral) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referee_id, status, referrer_reward, referee_reward,
			first_booking_completed, first_booking_id, referrer_paid, referee_paid,
			expires_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13, $14)`,
		r.ID, r.ReferrerID, r.RefereeID, string(r.Status), r.ReferrerReward, r.RefereeReward,
		r.FirstBookingCompleted, r.FirstBookingID, r.ReferrerPaid, r.RefereePaid,
		r.ExpiresAt, nullTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyReferred
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Referral, error) {
	return scanReferral(p.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1`, id))
}

func (p *PostgresStore) GetByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	return scanReferral(p.db.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referee_id = $1`, refereeID))
}

func (p *PostgresStore) Update(ctx context.Context, r *Referral) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE referrals
		SET status = $2, first_booking_completed = $3, first_booking_id = NULLIF($4, ''),
			referrer_paid = $5, referee_paid = $6, completed_at = $7, updated_at = $8
		WHERE id = $1`,
		r.ID, string(r.Status), r.FirstBookingCompleted, r.FirstBookingID,
		r.ReferrerPaid, r.RefereePaid, nullTime(r.CompletedAt), r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReferralNotFound
	}
	return nil
}

func (p *PostgresStore) ListByReferrer(ctx context.Context, referrerID string, limit int) ([]*Referral, error) {
	return p.query(ctx, `SELECT `+referralColumns+` FROM referrals
		WHERE referrer_id = $1 ORDER BY created_at DESC LIMIT $2`, referrerID, limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Referral, error) {
	return p.query(ctx, `SELECT `+referralColumns+` FROM referrals
		WHERE status = 'pending' AND expires_at <= $1 ORDER BY created_at ASC LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListUnpaid(ctx context.Context, limit int) ([]*Referral, error) {
	return p.query(ctx, `SELECT `+referralColumns+` FROM referrals
		WHERE status = 'completed' AND (NOT referrer_paid OR NOT referee_paid)
		ORDER BY created_at ASC LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Referral, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReferral(sc scanner) (*Referral, error) {
	r := &Referral{}
	var (
		status      string
		completedAt sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.ReferrerID, &r.RefereeID, &status, &r.ReferrerReward, &r.RefereeReward,
		&r.FirstBookingCompleted, &r.FirstBookingID, &r.ReferrerPaid, &r.RefereePaid,
		&r.ExpiresAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReferralNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
