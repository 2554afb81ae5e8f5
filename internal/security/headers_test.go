package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.Handle(method, "/v1/bookings", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/v1/bookings", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(false), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	w = serve(HeadersMiddleware(true), http.MethodGet, "")
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		credentials string
	}{
		{"listed origin", []string{"https://app.example.com/"}, "https://app.example.com", true, "true"},
		{"wildcard", []string{"*"}, "https://any.example.com", true, ""},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", false, ""},
		{"no origins configured", nil, "https://app.example.com", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			if tt.wantOrigin {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://app.example.com"}), http.MethodOptions, "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
