package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/bookit/internal/pagination"
)

// PostgresStore implements Store and WithdrawalStore with PostgreSQL.
// Schema lives in migrations/ (wallets, transactions, ledger_batches, withdrawals).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply claims the batch key, locks every affected wallet in user order,
// writes one transaction row per posting and updates the balances, all in
// a single database transaction.
func (p *PostgresStore) Apply(ctx context.Context, batch *Batch) ([]*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	res, err := dbTx.ExecContext(ctx,
		`INSERT INTO ledger_batches (key, created_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		batch.Key, batch.At)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyPosted
	}

	// Lock wallets in a stable order so concurrent batches cannot deadlock.
	users := make([]string, 0, len(batch.Postings))
	seen := make(map[string]bool)
	for _, posting := range batch.Postings {
		if !seen[posting.UserID] {
			seen[posting.UserID] = true
			users = append(users, posting.UserID)
		}
	}
	sort.Strings(users)

	balances := make(map[string]int64, len(users))
	for _, u := range users {
		if _, err := dbTx.ExecContext(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`,
			u, batch.At); err != nil {
			return nil, fmt.Errorf("failed to ensure wallet: %w", err)
		}
		var bal int64
		if err := dbTx.QueryRowContext(ctx,
			`SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`, u).Scan(&bal); err != nil {
			return nil, fmt.Errorf("failed to lock wallet: %w", err)
		}
		balances[u] = bal
	}

	txs := make([]*Transaction, len(batch.Postings))
	for i, posting := range batch.Postings {
		tx := newTransaction(batch, i, balances[posting.UserID])
		if tx.BalanceAfter < 0 {
			return nil, ErrInsufficientBalance
		}
		balances[posting.UserID] = tx.BalanceAfter
		txs[i] = tx
	}

	for _, tx := range txs {
		if _, err := dbTx.ExecContext(ctx, `
			INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after,
				reference, batch_key, description, booking_id, payment_id, withdrawal_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13)`,
			tx.ID, tx.UserID, string(tx.Type), tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
			tx.Reference, tx.BatchKey, tx.Description, tx.BookingID, tx.PaymentID, tx.WithdrawalID, tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to insert transaction: %w", err)
		}
	}

	for _, u := range users {
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE wallets SET balance = $2, updated_at = $3 WHERE user_id = $1`,
			u, balances[u], batch.At); err != nil {
			return nil, fmt.Errorf("failed to update wallet: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return txs, nil
}

func (p *PostgresStore) HasBatch(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger_batches WHERE key = $1)`, key).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = $1`, userID).Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id, balance, updated_at FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.UserID, &w.Balance, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const transactionColumns = `id, user_id, type, amount, balance_before, balance_after, reference, batch_key,
	COALESCE(description, ''), COALESCE(booking_id, ''), COALESCE(payment_id, ''), COALESCE(withdrawal_id, ''), created_at`

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM transactions WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, before.CreatedAt, before.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var typ string
		if err := rows.Scan(&tx.ID, &tx.UserID, &typ, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
			&tx.Reference, &tx.BatchKey, &tx.Description, &tx.BookingID, &tx.PaymentID, &tx.WithdrawalID,
			&tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Type = TxType(typ)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumTransactions(ctx context.Context, userID string) (int64, int, error) {
	var sum int64
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM transactions WHERE user_id = $1`,
		userID).Scan(&sum, &count)
	return sum, count, err
}

// --- withdrawals ---

const withdrawalColumns = `id, user_id, amount, fee, net_amount, recipient_code, reference,
	COALESCE(transfer_code, ''), status, COALESCE(failure_reason, ''), attempts, created_at, updated_at`

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, fee, net_amount, recipient_code, reference,
			transfer_code, status, failure_reason, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13)`,
		w.ID, w.UserID, w.Amount, w.Fee, w.NetAmount, w.RecipientCode, w.Reference,
		w.TransferCode, string(w.Status), w.FailureReason, w.Attempts, w.CreatedAt, w.UpdatedAt)
	return err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return p.scanWithdrawal(p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (p *PostgresStore) GetWithdrawalByReference(ctx context.Context, reference string) (*Withdrawal, error) {
	return p.scanWithdrawal(p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE reference = $1`, reference))
}

func (p *PostgresStore) UpdateWithdrawal(ctx context.Context, w *Withdrawal, from WithdrawalStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2, transfer_code = NULLIF($3, ''), failure_reason = NULLIF($4, ''),
			attempts = $5, updated_at = $6
		WHERE id = $1 AND status = $7`,
		w.ID, string(w.Status), w.TransferCode, w.FailureReason, w.Attempts, w.UpdatedAt, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetWithdrawal(ctx, w.ID); err != nil {
			return err
		}
		return ErrWithdrawalStateChanged
	}
	return nil
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return p.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	return p.queryWithdrawals(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = $1 ORDER BY created_at ASC LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) queryWithdrawals(ctx context.Context, query string, args ...interface{}) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Withdrawal
	for rows.Next() {
		w, err := p.scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanWithdrawal(row scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var status string
	var created, updated time.Time
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.NetAmount, &w.RecipientCode, &w.Reference,
		&w.TransferCode, &status, &w.FailureReason, &w.Attempts, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.CreatedAt, w.UpdatedAt = created, updated
	return w, nil
}
