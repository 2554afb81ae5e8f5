// Package metrics provides Prometheus instrumentation for the booking platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BookingTransitionsTotal counts booking status transitions by target status.
	BookingTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "booking_transitions_total",
			Help:      "Total booking status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowSettlementsTotal counts escrow settlements by outcome (released, refunded, split).
	EscrowSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "escrow_settlements_total",
			Help:      "Total escrow settlements by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowHeldTotal counts charges confirmed into escrow.
	EscrowHeldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bookit",
		Name:      "escrow_held_total",
		Help:      "Total payments confirmed and held in escrow.",
	})

	// EscrowDuration observes time from hold to settlement.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bookit",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow hold to settlement in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400},
	})

	// SettlementRetriesTotal counts settlements picked up by the sweeper.
	SettlementRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "settlement_retries_total",
			Help:      "Settlements retried by the sweeper, by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by event type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "webhook_events_total",
			Help:      "Inbound payment gateway webhook events by event and result.",
		},
		[]string{"event", "result"},
	)

	// DisputesTotal counts dispute lifecycle events by status.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "disputes_total",
			Help:      "Dispute status changes by resulting status.",
		},
		[]string{"status"},
	)

	// ReferralRewardsTotal counts referral rewards credited by side.
	ReferralRewardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "referral_rewards_total",
			Help:      "Referral rewards credited by side (referrer, referee).",
		},
		[]string{"side"},
	)

	// NotificationsTotal counts outbound notifications by channel and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "notifications_total",
			Help:      "Notifications dispatched by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// ScheduledJobRunsTotal counts cron job runs by job and result.
	ScheduledJobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookit",
			Name:      "scheduled_job_runs_total",
			Help:      "Scheduled job runs by job name and result.",
		},
		[]string{"job", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bookit",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookit", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BookingTransitionsTotal,
		EscrowSettlementsTotal,
		EscrowHeldTotal,
		EscrowDuration,
		SettlementRetriesTotal,
		WebhookEventsTotal,
		DisputesTotal,
		ReferralRewardsTotal,
		NotificationsTotal,
		ScheduledJobRunsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
