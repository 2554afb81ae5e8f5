package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, booking_id, client_id, vendor_id, amount, commission_rate, platform_fee,
	vendor_amount, reference, status, escrow_status, COALESCE(authorization_url, ''),
	COALESCE(access_code, ''), refunded_amount, released_amount, COALESCE(settlement_reason, ''),
	finalized, held_at, settled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, booking_id, client_id, vendor_id, amount, commission_rate,
			platform_fee, vendor_amount, reference, status, escrow_status, authorization_url,
			access_code, refunded_amount, released_amount, settlement_reason, finalized,
			held_at, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''),
			$14, $15, NULLIF($16, ''), $17, $18, $19, $20, $21)`,
		pay.ID, pay.BookingID, pay.ClientID, pay.VendorID, pay.Amount, pay.CommissionRate,
		pay.PlatformFee, pay.VendorAmount, pay.Reference, string(pay.Status), string(pay.EscrowStatus),
		pay.AuthorizationURL, pay.AccessCode, pay.RefundedAmount, pay.ReleasedAmount,
		pay.SettlementReason, pay.Finalized, nullTime(pay.HeldAt), nullTime(pay.SettledAt),
		pay.CreatedAt, pay.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyPaid
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (p *PostgresStore) GetByBooking(ctx context.Context, bookingID string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1`, bookingID))
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
}

// Update writes the payment only if its escrow status is still from.
func (p *PostgresStore) Update(ctx context.Context, pay *Payment, from EscrowStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET amount = $2, commission_rate = $3, platform_fee = $4, vendor_amount = $5,
			reference = $6, status = $7, escrow_status = $8, authorization_url = NULLIF($9, ''),
			access_code = NULLIF($10, ''), refunded_amount = $11, released_amount = $12,
			settlement_reason = NULLIF($13, ''), finalized = $14, held_at = $15, settled_at = $16,
			updated_at = $17
		WHERE id = $1 AND escrow_status = $18`,
		pay.ID, pay.Amount, pay.CommissionRate, pay.PlatformFee, pay.VendorAmount,
		pay.Reference, string(pay.Status), string(pay.EscrowStatus), pay.AuthorizationURL,
		pay.AccessCode, pay.RefundedAmount, pay.ReleasedAmount,
		pay.SettlementReason, pay.Finalized, nullTime(pay.HeldAt), nullTime(pay.SettledAt),
		pay.UpdatedAt, string(from))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyPaid
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, pay.ID); err != nil {
			return err
		}
		return ErrPaymentStateChanged
	}
	return nil
}

func (p *PostgresStore) ListByEscrowStatus(ctx context.Context, status EscrowStatus, limit int) ([]*Payment, error) {
	return p.query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE escrow_status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	return p.query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE escrow_status = 'pending' AND status = 'pending' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`, before, limit)
}

func (p *PostgresStore) ListUnfinalized(ctx context.Context, limit int) ([]*Payment, error) {
	return p.query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE escrow_status IN ('released', 'refunded', 'split') AND NOT finalized
		ORDER BY settled_at ASC LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*Payment, error) {
	pay := &Payment{}
	var status, escrowStatus string
	var heldAt, settledAt sql.NullTime
	err := row.Scan(&pay.ID, &pay.BookingID, &pay.ClientID, &pay.VendorID, &pay.Amount,
		&pay.CommissionRate, &pay.PlatformFee, &pay.VendorAmount, &pay.Reference, &status,
		&escrowStatus, &pay.AuthorizationURL, &pay.AccessCode, &pay.RefundedAmount,
		&pay.ReleasedAmount, &pay.SettlementReason, &pay.Finalized, &heldAt, &settledAt,
		&pay.CreatedAt, &pay.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	pay.EscrowStatus = EscrowStatus(escrowStatus)
	if heldAt.Valid {
		t := heldAt.Time
		pay.HeldAt = &t
	}
	if settledAt.Valid {
		t := settledAt.Time
		pay.SettledAt = &t
	}
	return pay, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
