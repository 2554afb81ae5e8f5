package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(v *Verifier, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(v))
	handlers := append(extra, func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"user": ""})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": p.UserID})
	})
	r.GET("/", handlers...)
	return r
}

func doRequest(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret, "bookit")
	token, err := v.Issue(Principal{UserID: "client-1", Role: RoleClient}, time.Hour)
	require.NoError(t, err)

	w := doRequest(newTestRouter(v, RequireAuth()), token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "client-1")
}

func TestMiddleware_MissingTokenPassesThrough(t *testing.T) {
	v := NewVerifier(testSecret, "bookit")
	w := doRequest(newTestRouter(v), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_GarbageTokenRejected(t *testing.T) {
	v := NewVerifier(testSecret, "bookit")
	w := doRequest(newTestRouter(v), "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestRequireAuth_NoPrincipal(t *testing.T) {
	v := NewVerifier(testSecret, "bookit")
	w := doRequest(newTestRouter(v, RequireAuth()), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	v := NewVerifier(testSecret, "bookit")
	r := newTestRouter(v, RequireRole(RoleAdmin))

	clientToken, err := v.Issue(Principal{UserID: "c", Role: RoleClient}, time.Hour)
	require.NoError(t, err)
	adminToken, err := v.Issue(Principal{UserID: "a", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, doRequest(r, clientToken).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, adminToken).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(r, "").Code)
}
