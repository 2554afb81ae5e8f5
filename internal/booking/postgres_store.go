package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists bookings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, client_id, vendor_id, service_id, kind, COALESCE(offer_id, ''),
	scheduled_date, scheduled_time, location, COALESCE(notes, ''), service_price, distance_km,
	distance_charge, total_amount, status, status_history, client_marked_complete,
	vendor_marked_complete, payment_status, COALESCE(dispute_id, ''), COALESCE(review_id, ''),
	COALESCE(cancellation_reason, ''), completed_at, cancelled_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	loc, history, err := encodeBookingJSON(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, client_id, vendor_id, service_id, kind, offer_id,
			scheduled_date, scheduled_time, location, notes, service_price, distance_km,
			distance_charge, total_amount, status, status_history, client_marked_complete,
			vendor_marked_complete, payment_status, dispute_id, review_id, cancellation_reason,
			completed_at, cancelled_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''), $11, $12, $13,
			$14, $15, $16, $17, $18, $19, NULLIF($20, ''), NULLIF($21, ''), NULLIF($22, ''),
			$23, $24, $25, $26, $27)`,
		b.ID, b.ClientID, b.VendorID, b.ServiceID, string(b.Kind), b.OfferID,
		b.ScheduledDate, b.ScheduledTime, loc, b.Notes, b.ServicePrice, b.DistanceKm,
		b.DistanceCharge, b.TotalAmount, string(b.Status), history, b.ClientMarkedComplete,
		b.VendorMarkedComplete, b.PaymentStatus, b.DisputeID, b.ReviewID, b.CancellationReason,
		nullTime(b.CompletedAt), nullTime(b.CancelledAt), b.Version, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	return scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// Update writes lifecycle fields if the stored version still matches.
// payment_status and dispute_id are left alone.
func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	loc, history, err := encodeBookingJSON(b)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings
		SET scheduled_date = $2, scheduled_time = $3, location = $4, notes = NULLIF($5, ''),
			status = $6, status_history = $7, client_marked_complete = $8,
			vendor_marked_complete = $9, review_id = NULLIF($10, ''),
			cancellation_reason = NULLIF($11, ''), completed_at = $12, cancelled_at = $13,
			version = version + 1, updated_at = $14
		WHERE id = $1 AND version = $15`,
		b.ID, b.ScheduledDate, b.ScheduledTime, loc, b.Notes,
		string(b.Status), history, b.ClientMarkedComplete,
		b.VendorMarkedComplete, b.ReviewID,
		b.CancellationReason, nullTime(b.CompletedAt), nullTime(b.CancelledAt),
		b.UpdatedAt, b.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, b.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	b.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Booking, error) {
	owner := "client_id"
	if f.AsVendor {
		owner = "vendor_id"
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + owner + ` = $1`
	args := []interface{}{f.UserID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET payment_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// AttachDispute sets dispute_id only when no other dispute is linked.
func (p *PostgresStore) AttachDispute(ctx context.Context, id, disputeID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET dispute_id = $2, updated_at = NOW()
		WHERE id = $1 AND (dispute_id IS NULL OR dispute_id = $2)`, id, disputeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrDisputeActive
	}
	return nil
}

func (p *PostgresStore) DetachDispute(ctx context.Context, id, disputeID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET dispute_id = NULL, updated_at = NOW() WHERE id = $1 AND dispute_id = $2`,
		id, disputeID)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(sc scanner) (*Booking, error) {
	b := &Booking{}
	var (
		kind, status             string
		loc, history             []byte
		completedAt, cancelledAt sql.NullTime
	)
	err := sc.Scan(
		&b.ID, &b.ClientID, &b.VendorID, &b.ServiceID, &kind, &b.OfferID,
		&b.ScheduledDate, &b.ScheduledTime, &loc, &b.Notes, &b.ServicePrice, &b.DistanceKm,
		&b.DistanceCharge, &b.TotalAmount, &status, &history, &b.ClientMarkedComplete,
		&b.VendorMarkedComplete, &b.PaymentStatus, &b.DisputeID, &b.ReviewID,
		&b.CancellationReason, &completedAt, &cancelledAt, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Kind = Kind(kind)
	b.Status = Status(status)
	if len(loc) > 0 && string(loc) != "null" {
		b.Location = &Location{}
		if err := json.Unmarshal(loc, b.Location); err != nil {
			return nil, fmt.Errorf("decode booking location: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &b.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode booking history: %w", err)
		}
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}
	return b, nil
}

func encodeBookingJSON(b *Booking) (loc, history []byte, err error) {
	if b.Location != nil {
		if loc, err = json.Marshal(b.Location); err != nil {
			return nil, nil, err
		}
	}
	if history, err = json.Marshal(b.StatusHistory); err != nil {
		return nil, nil, err
	}
	return loc, history, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresCatalog persists vendors, services and offers in PostgreSQL.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a new PostgreSQL-backed catalog store.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (p *PostgresCatalog) GetVendor(ctx context.Context, id string) (*Vendor, error) {
	v := &Vendor{}
	var lat, lng sql.NullFloat64
	var addr sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, verified, home_service, latitude, longitude, address, updated_at
		FROM vendors WHERE id = $1`, id).
		Scan(&v.ID, &v.Verified, &v.HomeService, &lat, &lng, &addr, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVendorNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		v.Location = &Location{Latitude: lat.Float64, Longitude: lng.Float64, Address: addr.String}
	}
	return v, nil
}

func (p *PostgresCatalog) PutVendor(ctx context.Context, v *Vendor) error {
	var lat, lng sql.NullFloat64
	var addr sql.NullString
	if v.Location != nil {
		lat = sql.NullFloat64{Float64: v.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: v.Location.Longitude, Valid: true}
		addr = sql.NullString{String: v.Location.Address, Valid: v.Location.Address != ""}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vendors (id, verified, home_service, latitude, longitude, address, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET verified = EXCLUDED.verified,
			home_service = EXCLUDED.home_service, latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude, address = EXCLUDED.address,
			updated_at = EXCLUDED.updated_at`,
		v.ID, v.Verified, v.HomeService, lat, lng, addr, v.UpdatedAt)
	return err
}

const serviceColumns = `id, vendor_id, name, COALESCE(description, ''), price, active, created_at, updated_at`

func (p *PostgresCatalog) GetService(ctx context.Context, id string) (*Service, error) {
	s := &Service{}
	err := p.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id).
		Scan(&s.ID, &s.VendorID, &s.Name, &s.Description, &s.Price, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresCatalog) PutService(ctx context.Context, s *Service) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO services (id, vendor_id, name, description, price, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			price = EXCLUDED.price, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		s.ID, s.VendorID, s.Name, s.Description, s.Price, s.Active, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresCatalog) ListServices(ctx context.Context, vendorID string) ([]*Service, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE vendor_id = $1 ORDER BY created_at ASC`, vendorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		s := &Service{}
		if err := rows.Scan(&s.ID, &s.VendorID, &s.Name, &s.Description, &s.Price, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const offerColumns = `id, vendor_id, client_id, service_id, price, COALESCE(message, ''), status,
	COALESCE(booking_id, ''), created_at, updated_at`

func (p *PostgresCatalog) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, vendor_id, client_id, service_id, price, message, status,
			booking_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10)`,
		o.ID, o.VendorID, o.ClientID, o.ServiceID, o.Price, o.Message, string(o.Status),
		o.BookingID, o.CreatedAt, o.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return ErrServiceNotFound
	}
	return err
}

func (p *PostgresCatalog) GetOffer(ctx context.Context, id string) (*Offer, error) {
	o := &Offer{}
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id).
		Scan(&o.ID, &o.VendorID, &o.ClientID, &o.ServiceID, &o.Price, &o.Message, &status,
			&o.BookingID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = OfferStatus(status)
	return o, nil
}

// UpdateOffer writes the offer only if its status is still from.
func (p *PostgresCatalog) UpdateOffer(ctx context.Context, o *Offer, from OfferStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE offers SET status = $2, booking_id = NULLIF($3, ''), updated_at = $4
		WHERE id = $1 AND status = $5`,
		o.ID, string(o.Status), o.BookingID, o.UpdatedAt, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetOffer(ctx, o.ID); err != nil {
			return err
		}
		return ErrOfferStateChanged
	}
	return nil
}

var (
	_ Store        = (*PostgresStore)(nil)
	_ CatalogStore = (*PostgresCatalog)(nil)
)
