package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Webhook event names.
const (
	EventChargeSuccess   = "charge.success"
	EventTransferSuccess = "transfer.success"
	EventTransferFailed  = "transfer.failed"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is an inbound webhook notification.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData holds the fields of the charge or transfer the event is about.
type EventData struct {
	Reference    string         `json:"reference"`
	Status       string         `json:"status"`
	AmountMinor  int64          `json:"amount"`
	Currency     string         `json:"currency"`
	TransferCode string         `json:"transfer_code,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	GatewayResp  string         `json:"gateway_response,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Key identifies a delivery for de-duplication. Retried deliveries of the
// same event share a key.
func (e *Event) Key() string {
	return e.Event + ":" + e.Data.Reference
}

// Sign computes the signature the processor would send for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the raw payload in constant time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if ev.Event == "" || ev.Data.Reference == "" {
		return nil, ErrMalformedEvent
	}
	return &ev, nil
}
