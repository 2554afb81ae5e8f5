package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/gateway"
)

func setupRouter(t *testing.T, as *auth.Principal) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	handler := NewHandler(h.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if as != nil {
			auth.SetPrincipal(c, as)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(protected)
	handler.RegisterAdminRoutes(protected.Group("/admin"))
	return r, h
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_InitializePayment(t *testing.T) {
	r, _ := setupRouter(t, &auth.Principal{UserID: "client-1", Role: auth.RoleClient, Email: "client@example.com"})

	w := postJSON(r, "/v1/payments/initialize", InitializeBody{BookingID: "bk-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Payment          Payment `json:"payment"`
		AuthorizationURL string  `json:"authorizationUrl"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.Payment.PlatformFee)
	assert.Equal(t, "https://checkout.test/"+resp.Payment.Reference, resp.AuthorizationURL)
}

func TestHandler_InitializePayment_VendorForbidden(t *testing.T) {
	r, _ := setupRouter(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})
	w := postJSON(r, "/v1/payments/initialize", InitializeBody{BookingID: "bk-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_InitializePayment_Validation(t *testing.T) {
	r, _ := setupRouter(t, &auth.Principal{UserID: "client-1", Role: auth.RoleClient})
	w := postJSON(r, "/v1/payments/initialize", InitializeBody{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_Webhook(t *testing.T) {
	r, h := setupRouter(t, nil)
	p := h.initialize(t)

	body, sig := signedEvent(gateway.EventChargeSuccess, p.Reference, 500000)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, BookingPaymentEscrowed, h.bookings.paymentStatus("bk-1"))
}

func TestHandler_Webhook_BadSignature(t *testing.T) {
	r, h := setupRouter(t, nil)
	p := h.initialize(t)

	body, _ := signedEvent(gateway.EventChargeSuccess, p.Reference, 500000)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestHandler_Webhook_UnknownReferenceAcknowledged(t *testing.T) {
	r, _ := setupRouter(t, nil)
	body, sig := signedEvent(gateway.EventChargeSuccess, "PAY-123", 500000)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set(gateway.SignatureHeader, sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_GetBookingPayment_HiddenFromStrangers(t *testing.T) {
	r, h := setupRouter(t, &auth.Principal{UserID: "stranger", Role: auth.RoleClient})
	h.initialize(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/bookings/bk-1/payment", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetBookingPayment_Vendor(t *testing.T) {
	r, h := setupRouter(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})
	h.initialize(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/bookings/bk-1/payment", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_VerifyPayment(t *testing.T) {
	r, h := setupRouter(t, &auth.Principal{UserID: "client-1", Role: auth.RoleClient})
	p := h.initialize(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/payments/verify/"+p.Reference, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"escrowStatus":"held"`)
}

func TestHandler_AdminRefund(t *testing.T) {
	r, h := setupRouter(t, &auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin})
	h.hold(t)

	w := postJSON(r, "/v1/admin/bookings/bk-1/payment/refund", map[string]string{"reason": "fraud"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(5000), h.balance(t, "client-1"))

	w = postJSON(r, "/v1/admin/bookings/bk-1/payment/refund", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
