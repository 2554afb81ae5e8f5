package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Wallets whose balance differed from their transaction sum in the last run.",
	})

	reconcileUnfinalized = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "unfinalized_settlements",
		Help:      "Settled payments whose ledger postings were still outstanding in the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "stuck_escrows",
		Help:      "Payments held in escrow longer than the stuck threshold in the last run.",
	})

	reconcileHeldAmount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "held_amount",
		Help:      "Total amount held in escrow at the last run, in whole currency units.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookit",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileUnfinalized,
		reconcileStuckEscrows,
		reconcileHeldAmount,
		reconcileDuration,
		reconcileErrors,
	)
}
