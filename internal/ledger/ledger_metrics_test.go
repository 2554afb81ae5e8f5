package ledger

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func TestObservePosting_CountsByType(t *testing.T) {
	LedgerPostingsTotal.Reset()

	observePosting([]Posting{
		Credit("vendor-1", TxBookingPayment, 4500),
		Credit("platform", TxCommission, 500),
		Credit("vendor-2", TxBookingPayment, 900),
	}, time.Millisecond, nil)

	if got := counterValue(t, LedgerPostingsTotal, string(TxBookingPayment)); got != 2 {
		t.Errorf("expected 2 booking_payment postings, got %f", got)
	}
	if got := counterValue(t, LedgerPostingsTotal, string(TxCommission)); got != 1 {
		t.Errorf("expected 1 commission posting, got %f", got)
	}
}

func TestObservePosting_CountsRejections(t *testing.T) {
	LedgerRejectedTotal.Reset()

	observePosting(nil, time.Millisecond, ErrAlreadyPosted)
	observePosting(nil, time.Millisecond, ErrInsufficientBalance)
	observePosting(nil, time.Millisecond, ErrInsufficientBalance)

	if got := counterValue(t, LedgerRejectedTotal, "duplicate"); got != 1 {
		t.Errorf("expected 1 duplicate, got %f", got)
	}
	if got := counterValue(t, LedgerRejectedTotal, "insufficient_balance"); got != 2 {
		t.Errorf("expected 2 insufficient_balance, got %f", got)
	}
}

func TestObservePosting_ObservesHistogram(t *testing.T) {
	before := histogramCount(t)
	observePosting(nil, 3*time.Millisecond, nil)
	if got := histogramCount(t); got != before+1 {
		t.Errorf("expected histogram sample count %d, got %d", before+1, got)
	}
}

func histogramCount(t *testing.T) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := LedgerPostDuration.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Histogram.GetSampleCount()
}
