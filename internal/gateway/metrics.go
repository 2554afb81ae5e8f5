package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "gateway_calls_total",
			Help:      "Payment gateway API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookit",
			Name:      "gateway_call_duration_seconds",
			Help:      "Payment gateway call latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(gatewayCallsTotal, gatewayCallDuration)
}

func observeCall(op string, d time.Duration, err error) {
	gatewayCallDuration.WithLabelValues(op).Observe(d.Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if isTransient(err) {
			outcome = "transient"
		}
	}
	gatewayCallsTotal.WithLabelValues(op, outcome).Inc()
}
