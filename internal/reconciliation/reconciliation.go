// Package reconciliation cross-checks wallet balances against the ledger and
// escrowed payments against their settlement state.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bookit/internal/escrow"
	"github.com/mbd888/bookit/internal/ledger"
	"github.com/mbd888/bookit/internal/logging"
)

// Ledger reconciles every wallet against its transaction history.
type Ledger interface {
	ReconcileAll(ctx context.Context) ([]*ledger.Reconciliation, error)
}

// Payments lists escrow records by settlement state.
type Payments interface {
	ListByEscrowStatus(ctx context.Context, status escrow.EscrowStatus, limit int) ([]*escrow.Payment, error)
	ListUnfinalized(ctx context.Context, limit int) ([]*escrow.Payment, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RunAt                  time.Time                `json:"runAt"`
	Duration               time.Duration            `json:"durationNs"`
	WalletsChecked         int                      `json:"walletsChecked"`
	Mismatches             []*ledger.Reconciliation `json:"mismatches"`
	HeldPayments           int                      `json:"heldPayments"`
	HeldAmount             int64                    `json:"heldAmount"`
	StuckEscrows           []string                 `json:"stuckEscrows"`
	UnfinalizedSettlements []string                 `json:"unfinalizedSettlements"`
	Errors                 []string                 `json:"errors,omitempty"`
}

// Healthy reports whether the run found nothing that needs attention.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && len(r.StuckEscrows) == 0 &&
		len(r.UnfinalizedSettlements) == 0 && len(r.Errors) == 0
}

// Runner executes reconciliation checks and keeps the latest report.
type Runner struct {
	ledger     Ledger
	payments   Payments
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner. Payments held longer than
// stuckAfter are reported as stuck.
func NewRunner(l Ledger, payments Payments, stuckAfter time.Duration, logger *slog.Logger) *Runner {
	if stuckAfter <= 0 {
		stuckAfter = 14 * 24 * time.Hour
	}
	return &Runner{
		ledger:     l,
		payments:   payments,
		stuckAfter: stuckAfter,
		logger:     logger,
		now:        time.Now,
	}
}

const scanLimit = 1000

// RunAll runs every check. Individual check failures are recorded on the
// report; the returned error joins them.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{
		RunAt:                  start.UTC(),
		Mismatches:             []*ledger.Reconciliation{},
		StuckEscrows:           []string{},
		UnfinalizedSettlements: []string{},
	}
	var errs []error
	fail := func(check string, err error) {
		reconcileErrors.Inc()
		errs = append(errs, fmt.Errorf("%s: %w", check, err))
		report.Errors = append(report.Errors, check+": "+err.Error())
	}

	results, err := r.ledger.ReconcileAll(ctx)
	if err != nil {
		fail("ledger", err)
	}
	report.WalletsChecked = len(results)
	for _, res := range results {
		if !res.Match {
			report.Mismatches = append(report.Mismatches, res)
			logging.Security(ctx, "wallet balance does not match ledger",
				"user", res.UserID, "balance", res.Balance, "transaction_sum", res.TxSum)
		}
	}

	held, err := r.payments.ListByEscrowStatus(ctx, escrow.EscrowHeld, scanLimit)
	if err != nil {
		fail("escrow", err)
	}
	cutoff := start.Add(-r.stuckAfter)
	for _, p := range held {
		report.HeldPayments++
		report.HeldAmount += p.Amount
		if p.HeldAt != nil && p.HeldAt.Before(cutoff) {
			report.StuckEscrows = append(report.StuckEscrows, p.BookingID)
		}
	}

	unfinalized, err := r.payments.ListUnfinalized(ctx, scanLimit)
	if err != nil {
		fail("settlement", err)
	}
	for _, p := range unfinalized {
		report.UnfinalizedSettlements = append(report.UnfinalizedSettlements, p.BookingID)
	}

	report.Duration = r.now().Sub(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileStuckEscrows.Set(float64(len(report.StuckEscrows)))
	reconcileUnfinalized.Set(float64(len(report.UnfinalizedSettlements)))
	reconcileHeldAmount.Set(float64(report.HeldAmount))

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if report.Healthy() {
		r.logger.Info("reconciliation passed", "wallets", report.WalletsChecked, "held", report.HeldPayments)
	} else {
		r.logger.Warn("reconciliation found issues",
			"mismatches", len(report.Mismatches),
			"stuck_escrows", len(report.StuckEscrows),
			"unfinalized", len(report.UnfinalizedSettlements),
			"errors", len(report.Errors))
	}
	return report, errors.Join(errs...)
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
