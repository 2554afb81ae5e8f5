package commission

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRegistry reads vendor subscriptions from PostgreSQL.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a new PostgreSQL-backed registry
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Subscribe records a subscription for a vendor.
func (p *PostgresRegistry) Subscribe(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vendor_subscriptions (vendor_id, tier, commission_rate, starts_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sub.VendorID, string(sub.Tier), sub.Rate, sub.StartsAt, sub.ExpiresAt)
	return err
}

func (p *PostgresRegistry) ActiveSubscription(ctx context.Context, vendorID string, at time.Time) (*Subscription, error) {
	sub := &Subscription{VendorID: vendorID}
	var tier string
	err := p.db.QueryRowContext(ctx, `
		SELECT tier, commission_rate, starts_at, expires_at
		FROM vendor_subscriptions
		WHERE vendor_id = $1 AND starts_at <= $2 AND expires_at > $2
		ORDER BY starts_at DESC
		LIMIT 1`, vendorID, at).Scan(&tier, &sub.Rate, &sub.StartsAt, &sub.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.Tier = Tier(tier)
	return sub, nil
}
