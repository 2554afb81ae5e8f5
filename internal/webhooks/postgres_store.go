package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, url, secret, events, active, consecutive_failures, last_success, last_error, created_at`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordResult(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			active = $1,
			consecutive_failures = $2,
			last_success = $3,
			last_error = $4
		WHERE id = $5`,
		sub.Active, sub.ConsecutiveFailures, sub.LastSuccess, nullString(sub.LastError), sub.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		events      []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := s.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &events, &sub.Active,
		&sub.ConsecutiveFailures, &lastSuccess, &lastError, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
