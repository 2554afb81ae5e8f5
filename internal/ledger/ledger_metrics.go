package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerPostingsTotal counts applied postings by transaction type.
	LedgerPostingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "ledger_postings_total",
			Help:      "Total ledger postings applied by transaction type.",
		},
		[]string{"type"},
	)

	// LedgerPostDuration observes batch apply latency.
	LedgerPostDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookit",
			Name:      "ledger_post_duration_seconds",
			Help:      "Ledger batch apply duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// LedgerRejectedTotal counts batches that were not applied, by reason.
	LedgerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "ledger_rejected_total",
			Help:      "Ledger batches rejected by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerPostingsTotal,
		LedgerPostDuration,
		LedgerRejectedTotal,
	)
}

func observePosting(postings []Posting, d time.Duration, err error) {
	LedgerPostDuration.Observe(d.Seconds())
	switch {
	case err == nil:
		for _, p := range postings {
			LedgerPostingsTotal.WithLabelValues(string(p.Type)).Inc()
		}
	case errors.Is(err, ErrAlreadyPosted):
		LedgerRejectedTotal.WithLabelValues("duplicate").Inc()
	case errors.Is(err, ErrInsufficientBalance):
		LedgerRejectedTotal.WithLabelValues("insufficient_balance").Inc()
	default:
		LedgerRejectedTotal.WithLabelValues("error").Inc()
	}
}
