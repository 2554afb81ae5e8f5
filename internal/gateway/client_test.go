package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookit/internal/retry"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL:   url,
		SecretKey: "sk_test_secret",
		Timeout:   2 * time.Second,
		Retry:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeEnvelope(w http.ResponseWriter, status int, ok bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": ok, "message": message, "data": data})
}

func TestInitialize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(500000), body["amount"])
		assert.Equal(t, "PAY-123", body["reference"])
		assert.Equal(t, "client@example.com", body["email"])

		writeEnvelope(w, http.StatusOK, true, "Authorization URL created", map[string]any{
			"authorization_url": "https://checkout.example/abc",
			"access_code":       "abc",
			"reference":         "PAY-123",
		})
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Initialize(context.Background(), InitializeRequest{
		Email:       "client@example.com",
		AmountMinor: 500000,
		Reference:   "PAY-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/abc", res.AuthorizationURL)
	assert.Equal(t, "abc", res.AccessCode)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/PAY-123", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, "Verification successful", map[string]any{
			"status":    "success",
			"reference": "PAY-123",
			"amount":    500000,
			"currency":  "NGN",
		})
	}))
	defer srv.Close()

	v, err := newTestClient(srv.URL).Verify(context.Background(), "PAY-123")
	require.NoError(t, err)
	assert.True(t, v.Succeeded())
	assert.Equal(t, int64(500000), v.AmountMinor)
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeEnvelope(w, http.StatusBadGateway, false, "upstream", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, true, "ok", map[string]any{"status": "success", "reference": "PAY-1"})
	}))
	defer srv.Close()

	v, err := newTestClient(srv.URL).Verify(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, "success", v.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCall_ClientErrorIsPermanentAndNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, http.StatusBadRequest, false, "Invalid recipient", nil)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Transfer(context.Background(), "RCP_bad", 100, "WDR-1")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "Invalid recipient")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCall_StatusFalseIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, "Duplicate Transaction Reference", nil)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Initialize(context.Background(), InitializeRequest{Reference: "PAY-1"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestCall_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, http.StatusServiceUnavailable, false, "down", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.policy = retry.Policy{MaxAttempts: 1}

	for i := 0; i < 5; i++ {
		_, err := c.Verify(context.Background(), "PAY-1")
		require.Error(t, err)
		assert.False(t, retry.IsPermanent(err))
	}
	_, err := c.Verify(context.Background(), "PAY-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, retry.IsPermanent(err), "an open circuit is transient for callers")
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "RCP_1", body["recipient"])
		assert.Equal(t, float64(985000), body["amount"])
		writeEnvelope(w, http.StatusOK, true, "Transfer has been queued", map[string]any{
			"transfer_code": "TRF_1", "status": "pending",
		})
	}))
	defer srv.Close()

	code, err := newTestClient(srv.URL).Transfer(context.Background(), "RCP_1", 985000, "WDR-1")
	require.NoError(t, err)
	assert.Equal(t, "TRF_1", code)
}
