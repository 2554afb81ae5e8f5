package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/bookit/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets      map[string]*Wallet
	transactions []*Transaction
	batches      map[string]bool
	withdrawals  map[string]*Withdrawal
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		batches:     make(map[string]bool),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, batch *Batch) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batches[batch.Key] {
		return nil, ErrAlreadyPosted
	}

	// Compute every resulting balance before touching anything.
	balances := make(map[string]int64)
	for _, p := range batch.Postings {
		if _, ok := balances[p.UserID]; !ok {
			if w, ok := m.wallets[p.UserID]; ok {
				balances[p.UserID] = w.Balance
			}
		}
		balances[p.UserID] += p.Amount
		if balances[p.UserID] < 0 {
			return nil, ErrInsufficientBalance
		}
	}

	txs := make([]*Transaction, len(batch.Postings))
	for i, p := range batch.Postings {
		w, ok := m.wallets[p.UserID]
		if !ok {
			w = &Wallet{UserID: p.UserID}
			m.wallets[p.UserID] = w
		}
		tx := newTransaction(batch, i, w.Balance)
		w.Balance = tx.BalanceAfter
		w.UpdatedAt = batch.At
		m.transactions = append(m.transactions, tx)
		cp := *tx
		txs[i] = &cp
	}
	m.batches[batch.Key] = true
	return txs, nil
}

func (m *MemoryStore) HasBatch(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches[key], nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID}, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.transactions {
		if tx.UserID != userID {
			continue
		}
		if !before.Follows(tx.CreatedAt, tx.ID) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SumTransactions(ctx context.Context, userID string) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	var n int
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			sum += tx.Amount
			n++
		}
	}
	return sum, n, nil
}

func newTransaction(batch *Batch, i int, before int64) *Transaction {
	p := batch.Postings[i]
	return &Transaction{
		ID:            batch.IDs[i],
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  before + p.Amount,
		Reference:     batch.Reference(i),
		BatchKey:      batch.Key,
		Description:   p.Description,
		BookingID:     p.BookingID,
		PaymentID:     p.PaymentID,
		WithdrawalID:  p.WithdrawalID,
		CreatedAt:     batch.At,
	}
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWithdrawalByReference(ctx context.Context, reference string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.withdrawals {
		if w.Reference == reference {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWithdrawalNotFound
}

func (m *MemoryStore) UpdateWithdrawal(ctx context.Context, w *Withdrawal, from WithdrawalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if cur.Status != from {
		return ErrWithdrawalStateChanged
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	return m.listWithdrawals(limit, func(w *Withdrawal) bool { return w.UserID == userID })
}

func (m *MemoryStore) ListWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	return m.listWithdrawals(limit, func(w *Withdrawal) bool { return w.Status == status })
}

func (m *MemoryStore) listWithdrawals(limit int, match func(*Withdrawal) bool) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if match(w) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
