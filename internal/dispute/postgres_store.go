package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index on
// disputes(booking_id) WHERE status IN ('open', 'in_review') backs the
// one-active-dispute rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, booking_id, raised_by, against, reason, COALESCE(description, ''), status,
	COALESCE(resolution, ''), refund_amount, vendor_amount, COALESCE(resolution_note, ''),
	COALESCE(resolved_by, ''), evidence, created_at, updated_at, resolved_at, closed_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, booking_id, raised_by, against, reason, description, status,
			resolution, refund_amount, vendor_amount, resolution_note, resolved_by, evidence,
			created_at, updated_at, resolved_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''),
			NULLIF($12, ''), $13, $14, $15, $16, $17)`,
		d.ID, d.BookingID, d.RaisedBy, d.Against, d.Reason, d.Description, string(d.Status),
		string(d.Resolution), d.RefundAmount, d.VendorAmount, d.ResolutionNote, d.ResolvedBy, evidence,
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt))
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDisputeExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return scanDispute(p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, from Status) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $2, resolution = NULLIF($3, ''), refund_amount = $4, vendor_amount = $5,
			resolution_note = NULLIF($6, ''), resolved_by = NULLIF($7, ''), evidence = $8,
			updated_at = $9, resolved_at = $10, closed_at = $11
		WHERE id = $1 AND status = $12`,
		d.ID, string(d.Status), string(d.Resolution), d.RefundAmount, d.VendorAmount,
		d.ResolutionNote, d.ResolvedBy, evidence, d.UpdatedAt, nullTime(d.ResolvedAt),
		nullTime(d.ClosedAt), string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, d.ID); err != nil {
			return err
		}
		return ErrDisputeStateChanged
	}
	return nil
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE booking_id = $1 ORDER BY created_at ASC`, bookingID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status, resolution   string
		evidence             []byte
		resolvedAt, closedAt sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.BookingID, &d.RaisedBy, &d.Against, &d.Reason, &d.Description,
		&status, &resolution, &d.RefundAmount, &d.VendorAmount, &d.ResolutionNote, &d.ResolvedBy,
		&evidence, &d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Resolution = Resolution(resolution)
	d.Evidence = []Evidence{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode dispute evidence: %w", err)
		}
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
