// Package webhooks pushes notifications to URLs registered by users, so a
// vendor's own systems can follow bookings and payouts without polling.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body using
// the subscription's secret. Endpoints that keep failing are switched off.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/notify"
	"github.com/mbd888/bookit/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Bookit-Event"
	HeaderDelivery  = "X-Bookit-Delivery"
	HeaderTimestamp = "X-Bookit-Timestamp"
	HeaderSignature = "X-Bookit-Signature"
)

// MaxConsecutiveFailures disables a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// MaxPerUser caps how many endpoints one user may register.
const MaxPerUser = 5

var (
	ErrWebhookNotFound = apperr.NotFound("webhook_not_found", "Webhook not found")
	ErrTooManyWebhooks = apperr.Conflict("too_many_webhooks", "Webhook limit reached")
	ErrUnknownEvent    = apperr.BadRequest("unknown_event", "Unknown event type")
)

// Subscription is one registered endpoint. An empty Events list receives
// every notification addressed to the user.
type Subscription struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"userId"`
	URL                 string        `json:"url"`
	Secret              string        `json:"-"`
	Events              []notify.Type `json:"events"`
	Active              bool          `json:"active"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastSuccess         *time.Time    `json:"lastSuccess,omitempty"`
	LastError           string        `json:"lastError,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
}

// Wants reports whether the subscription receives notifications of typ.
func (s *Subscription) Wants(typ notify.Type) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == typ {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	// RecordResult stores the outcome fields of a delivery attempt.
	RecordResult(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign computes the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sink delivers notifications to registered endpoints. It implements
// notify.Sink; deliveries run in the background.
type Sink struct {
	store   Store
	client  *http.Client
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes outcome bookkeeping per process so concurrent deliveries
	// to one endpoint do not lose failure counts.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewSink creates a webhook sink.
func NewSink(store Store, logger *slog.Logger) *Sink {
	return &Sink{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		timeout: 30 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Sink) Name() string { return "webhook" }

// Deliver looks up the user's endpoints and posts to each in the background.
// Only the lookup can fail here.
func (s *Sink) Deliver(ctx context.Context, n *notify.Notification) error {
	subs, err := s.store.ListByUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	for _, sub := range subs {
		if !sub.Wants(n.Type) {
			continue
		}
		s.wg.Add(1)
		go func(sub *Subscription) {
			defer s.wg.Done()
			// Outlive the request that produced the notification.
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
			defer cancel()
			s.send(dctx, sub, n, body)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func (s *Sink) send(ctx context.Context, sub *Subscription, n *notify.Notification, body []byte) {
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.post(ctx, sub, n, body)
	})
	s.record(ctx, sub.ID, err)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			"webhook", sub.ID, "user", sub.UserID, "type", n.Type, "error", err)
	}
}

func (s *Sink) post(ctx context.Context, sub *Subscription, n *notify.Notification, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bookit-webhooks/1")
	req.Header.Set(HeaderEvent, string(n.Type))
	req.Header.Set(HeaderDelivery, n.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(n.CreatedAt.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// record re-reads the subscription so concurrent edits (deactivation,
// deletion) are not overwritten.
func (s *Sink) record(ctx context.Context, id string, deliveryErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrWebhookNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("webhook outcome not recorded", "webhook", id, "error", err)
		return
	}

	if deliveryErr == nil {
		now := s.now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
			sub.Active = false
			s.logger.Warn("webhook disabled after repeated failures",
				"webhook", sub.ID, "user", sub.UserID, "failures", sub.ConsecutiveFailures)
		}
	}
	if err := s.store.RecordResult(ctx, sub); err != nil {
		s.logger.Warn("webhook outcome not recorded", "webhook", id, "error", err)
	}
}
