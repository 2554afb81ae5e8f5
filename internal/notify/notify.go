// Package notify delivers user-facing notifications about bookings,
// payments, disputes, and rewards.
//
// Delivery is fire-and-forget: failures are logged and counted, never
// returned to the operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/bookit/internal/idgen"
	"github.com/mbd888/bookit/internal/logging"
	"github.com/mbd888/bookit/internal/metrics"
)

// Type identifies a notification.
type Type string

const (
	BookingCreated    Type = "booking.created"
	BookingAccepted   Type = "booking.accepted"
	BookingRejected   Type = "booking.rejected"
	BookingStarted    Type = "booking.started"
	BookingCompleted  Type = "booking.completed"
	BookingCancelled  Type = "booking.cancelled"
	CompletionMarked  Type = "booking.completion_marked"
	PaymentHeld       Type = "payment.held"
	PaymentReleased   Type = "payment.released"
	PaymentRefunded   Type = "payment.refunded"
	PaymentSplit      Type = "payment.split"
	DisputeOpened     Type = "dispute.opened"
	DisputeInReview   Type = "dispute.in_review"
	DisputeResolved   Type = "dispute.resolved"
	DisputeClosed     Type = "dispute.closed"
	ReferralRewarded  Type = "referral.rewarded"
	WithdrawalUpdated Type = "withdrawal.updated"
)

// Notification is a single message addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notifier is what domain services depend on.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ Type, payload map[string]any)
}

// Sink is a delivery channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher fans a notification out to every sink.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, logger: logger, now: time.Now}
}

// Notify builds the notification and hands it to each sink.
func (d *Dispatcher) Notify(ctx context.Context, userID string, typ Type, payload map[string]any) {
	if d == nil || userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			metrics.NotificationsTotal.WithLabelValues(s.Name(), "error").Inc()
			d.logger.Warn("notification delivery failed",
				"channel", s.Name(), "user", userID, "type", typ, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(ctx context.Context, n *Notification) error {
	logging.L(ctx).Info("notification", "id", n.ID, "user", n.UserID, "type", n.Type)
	return nil
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, Type, map[string]any) {}
