// Package gateway is the client for the hosted-checkout payment processor.
//
// The processor speaks a Paystack-style JSON API: amounts are in minor units
// (amount × 100), every response is wrapped in {status, message, data}, and
// webhooks are signed with HMAC-SHA512 of the raw body using the secret key.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/bookit/internal/circuitbreaker"
	"github.com/mbd888/bookit/internal/retry"
	"github.com/mbd888/bookit/internal/traces"
)

// ErrUnavailable is returned while the circuit to the processor is open.
var ErrUnavailable = errors.New("payment gateway temporarily unavailable")

const breakerKey = "payment_gateway"

// APIError is a non-2xx response from the processor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config configures the client.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
	Retry     retry.Policy
}

// Client calls the processor's REST API.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
	policy    retry.Policy
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// New creates a gateway client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		policy:    cfg.Retry,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		logger:    logger,
	}
}

// InitializeRequest starts a hosted checkout.
type InitializeRequest struct {
	Email       string
	AmountMinor int64
	Reference   string
	CallbackURL string
	Metadata    map[string]any
}

// InitializeResult is the checkout the client is redirected to.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Verification is the processor's view of a charge.
type Verification struct {
	Status        string         `json:"status"` // success, failed, abandoned, ongoing, pending
	Reference     string         `json:"reference"`
	AmountMinor   int64          `json:"amount"`
	Currency      string         `json:"currency"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	GatewayResp   string         `json:"gateway_response"`
	Authorization map[string]any `json:"authorization,omitempty"`
}

// Succeeded reports whether the charge captured funds.
func (v *Verification) Succeeded() bool { return v.Status == "success" }

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize creates a checkout session for reference.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Initialize", traces.Reference(req.Reference))
	defer span.End()

	body := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var out InitializeResult
	if err := c.call(ctx, "initialize", http.MethodPost, "/transaction/initialize", body, &out); err != nil {
		return nil, err
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return &out, nil
}

// Verify fetches the current status of a charge.
func (c *Client) Verify(ctx context.Context, reference string) (*Verification, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Verify", traces.Reference(reference))
	defer span.End()

	var out Verification
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := c.call(ctx, "verify", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transfer sends amountMinor from the platform balance to a recipient and
// returns the processor's transfer code. Definitive rejections are wrapped
// with retry.Permanent.
func (c *Client) Transfer(ctx context.Context, recipientCode string, amountMinor int64, reference string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Transfer", traces.Reference(reference))
	defer span.End()

	body := map[string]any{
		"source":    "balance",
		"amount":    amountMinor,
		"recipient": recipientCode,
		"reference": reference,
		"reason":    "vendor withdrawal",
	}
	var out struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	if err := c.call(ctx, "transfer", http.MethodPost, "/transfer", body, &out); err != nil {
		return "", err
	}
	return out.TransferCode, nil
}

// call performs one logical request with retries behind the circuit breaker.
func (c *Client) call(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
	}

	start := time.Now()
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		err := c.breaker.Execute(breakerKey, func() error {
			return c.do(ctx, method, path, payload, out)
		}, isTransient)
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(ErrUnavailable)
		case err != nil && !isTransient(err):
			return retry.Permanent(err)
		}
		return err
	})
	observeCall(op, time.Since(start), err)

	if err != nil {
		c.logger.Warn("gateway call failed", "op", op, "error", err)
		if !isTransient(err) && !errors.Is(err, ErrUnavailable) {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if !env.Status {
		return &APIError{StatusCode: http.StatusUnprocessableEntity, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{StatusCode: http.StatusBadGateway, Message: "malformed response data"}
		}
	}
	return nil
}

// isTransient reports whether err is worth retrying: network failures,
// timeouts, 5xx and 429.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, ErrUnavailable) {
		return false
	}
	return true
}
