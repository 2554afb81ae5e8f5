package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bookit/internal/auth"
)

func setupHandler(t *testing.T, as *auth.Principal) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, l := newTestWithdrawals(t, &fakeTransferer{}, 20000)
	h := NewHandler(l, s)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		auth.SetPrincipal(c, as)
		c.Next()
	})
	v1 := r.Group("/v1")
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, l
}

func TestHandler_GetWallet(t *testing.T) {
	r, _ := setupHandler(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Wallet Wallet `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(20000), resp.Wallet.Balance)
}

func TestHandler_ListTransactions(t *testing.T) {
	r, _ := setupHandler(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/wallet/transactions?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"hasMore":false`)
}

func TestHandler_RequestWithdrawal(t *testing.T) {
	r, l := setupHandler(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})

	body, _ := json.Marshal(WithdrawalRequest{Amount: 5000, RecipientCode: "RCP_1"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/withdrawals", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"processing"`)

	bal, err := l.Balance(context.Background(), "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), bal.Balance)
}

func TestHandler_RequestWithdrawalValidation(t *testing.T) {
	r, _ := setupHandler(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})

	body, _ := json.Marshal(WithdrawalRequest{Amount: -1})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/withdrawals", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_RequestWithdrawalInsufficient(t *testing.T) {
	r, _ := setupHandler(t, &auth.Principal{UserID: "vendor-1", Role: auth.RoleVendor})

	body, _ := json.Marshal(WithdrawalRequest{Amount: 999999, RecipientCode: "RCP_1"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/withdrawals", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestHandler_ClientCannotWithdraw(t *testing.T) {
	r, _ := setupHandler(t, &auth.Principal{UserID: "client-1", Role: auth.RoleClient})

	body, _ := json.Marshal(WithdrawalRequest{Amount: 5000, RecipientCode: "RCP_1"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/withdrawals", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_GetWithdrawalHidesOthers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, l := newTestWithdrawals(t, nil, 20000)
	wd, err := s.Request(context.Background(), "vendor-1", 5000, "RCP_1")
	require.NoError(t, err)

	h := NewHandler(l, s)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		auth.SetPrincipal(c, &auth.Principal{UserID: "vendor-2", Role: auth.RoleVendor})
		c.Next()
	})
	h.RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/withdrawals/"+wd.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
