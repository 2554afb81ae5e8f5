package booking

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
)

// testRouter wires the handler with the principal chosen per request via the
// X-Test-User and X-Test-Role headers.
func testRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	handler := NewHandler(h.mgr, h.catalog)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		auth.SetPrincipal(c, &auth.Principal{
			UserID: c.GetHeader("X-Test-User"),
			Role:   auth.Role(c.GetHeader("X-Test-Role")),
		})
		c.Next()
	})
	handler.RegisterProtectedRoutes(protected)
	handler.RegisterAdminRoutes(protected.Group("/admin"))
	return r, h
}

func do(r *gin.Engine, method, path, user string, role auth.Role, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	req.Header.Set("X-Test-Role", string(role))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBooking(t *testing.T, w *httptest.ResponseRecorder) Booking {
	t.Helper()
	var resp struct {
		Booking Booking `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Booking
}

func TestHandler_BookingLifecycle(t *testing.T) {
	r, h := testRouter(t)

	w := do(r, http.MethodPost, "/v1/bookings", "client-1", auth.RoleClient, CreateRequest{
		ServiceID: "svc-1", ScheduledDate: "2026-03-10", ScheduledTime: "10:00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBooking(t, w)

	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/accept", "vendor-1", auth.RoleVendor, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "payment_not_held")

	h.payments.hold(t, b.ID)
	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/accept", "vendor-1", auth.RoleVendor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/start", "vendor-1", auth.RoleVendor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/complete", "client-1", auth.RoleClient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/complete", "vendor-1", auth.RoleVendor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCompleted, decodeBooking(t, w).Status)

	w = do(r, http.MethodGet, "/v1/bookings/"+b.ID, "stranger", auth.RoleClient, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := testRouter(t)

	w := do(r, http.MethodPost, "/v1/bookings", "client-1", auth.RoleClient, CreateRequest{
		ServiceID: "svc-1", ScheduledDate: "10/03/2026", ScheduledTime: "25:00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = do(r, http.MethodPost, "/v1/bookings", "vendor-1", auth.RoleVendor, CreateRequest{
		ServiceID: "svc-1", ScheduledDate: "2026-03-10", ScheduledTime: "10:00",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_CancelByClient(t *testing.T) {
	r, h := testRouter(t)
	b := h.accepted(t)

	w := do(r, http.MethodPost, "/v1/bookings/"+b.ID+"/cancel", "client-1", auth.RoleClient,
		map[string]string{"reason": "sick"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeBooking(t, w)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "refunded", got.PaymentStatus)
}

func TestHandler_ListBookings(t *testing.T) {
	r, h := testRouter(t)
	h.create(t)
	h.create(t)

	w := do(r, http.MethodGet, "/v1/bookings?limit=1", "client-1", auth.RoleClient, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Bookings   []Booking `json:"bookings"`
		NextCursor string    `json:"nextCursor"`
		HasMore    bool      `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Bookings, 1)
	assert.True(t, resp.HasMore)

	w = do(r, http.MethodGet, "/v1/bookings", "vendor-1", auth.RoleVendor, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Bookings, 2)
}

func TestHandler_CatalogAndOffers(t *testing.T) {
	r, _ := testRouter(t)

	w := do(r, http.MethodPut, "/v1/vendor/profile", "vendor-9", auth.RoleVendor,
		VendorProfile{HomeService: true, Location: &Location{Latitude: 95, Longitude: 3}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPut, "/v1/vendor/profile", "vendor-9", auth.RoleVendor,
		VendorProfile{HomeService: true, Location: &lagos})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/services", "vendor-9", auth.RoleVendor, ServiceBody{Name: "Massage", Price: 8000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var svc struct {
		Service Service `json:"service"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))

	// Unverified vendors cannot be booked until an admin verifies them.
	job := Location{Latitude: 6.52, Longitude: 3.4}
	w = do(r, http.MethodPost, "/v1/bookings", "client-1", auth.RoleClient, CreateRequest{
		ServiceID: svc.Service.ID, ScheduledDate: "2026-03-10", ScheduledTime: "10:00", Location: &job,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "vendor_not_verified")

	w = do(r, http.MethodPost, "/v1/admin/vendors/vendor-9/verify", "admin-1", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/offers", "vendor-9", auth.RoleVendor, OfferBody{
		ClientID: "client-1", ServiceID: svc.Service.ID, Price: 6000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var offer struct {
		Offer Offer `json:"offer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))

	w = do(r, http.MethodPost, "/v1/offers/"+offer.Offer.ID+"/accept", "client-1", auth.RoleClient, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/v1/bookings", "client-1", auth.RoleClient, CreateRequest{
		OfferID: offer.Offer.ID, ScheduledDate: "2026-03-10", ScheduledTime: "10:00", Location: &job,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decodeBooking(t, w)
	assert.Equal(t, KindOffer, b.Kind)
	assert.Equal(t, int64(6000), b.ServicePrice)
	assert.Equal(t, int64(0), b.DistanceCharge)

	w = do(r, http.MethodGet, "/v1/vendors/vendor-9/services", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Massage")
}
