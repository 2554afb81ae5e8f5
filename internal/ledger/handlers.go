package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/validation"
)

// Handler provides HTTP endpoints for wallets and withdrawals.
type Handler struct {
	ledger      *Ledger
	withdrawals *Withdrawals
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger, w *Withdrawals) *Handler {
	return &Handler{ledger: l, withdrawals: w}
}

// RegisterProtectedRoutes sets up wallet routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.GET("/wallet/reconcile", h.ReconcileWallet)
	r.POST("/withdrawals", auth.RequireRole(auth.RoleVendor), h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
}

// RegisterAdminRoutes sets up admin-only withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/reject", h.RejectWithdrawal)
	r.POST("/withdrawals/:id/process", h.ProcessWithdrawal)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	w, err := h.ledger.Balance(c.Request.Context(), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallet/transactions?limit=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	txs, next, err := h.ledger.History(c.Request.Context(), p.UserID, limit, c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// ReconcileWallet handles GET /v1/wallet/reconcile
func (h *Handler) ReconcileWallet(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.ledger.Reconcile(c.Request.Context(), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": r})
}

// WithdrawalRequest is the body of POST /v1/withdrawals.
type WithdrawalRequest struct {
	Amount        int64  `json:"amount"`
	RecipientCode string `json:"recipientCode"`
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Required("recipientCode", req.RecipientCode),
		validation.MaxLength("recipientCode", req.RecipientCode, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	ctx := c.Request.Context()
	w, err := h.withdrawals.Request(ctx, p.UserID, req.Amount, req.RecipientCode)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	// First transfer attempt is inline; transient failures are picked up by
	// the scheduled sweep.
	if processed, err := h.withdrawals.Process(ctx, w.ID); err == nil {
		w = processed
	}
	c.JSON(http.StatusAccepted, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /v1/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	ws, err := h.withdrawals.List(c.Request.Context(), p.UserID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	w, err := h.withdrawals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	// Hide other users' withdrawals behind the same 404.
	if w.UserID != p.UserID && !p.IsAdmin() {
		apperr.Respond(c, ErrWithdrawalNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// RejectWithdrawal handles POST /v1/admin/withdrawals/:id/reject
func (h *Handler) RejectWithdrawal(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "rejected by admin"
	}
	w, err := h.withdrawals.Reject(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ProcessWithdrawal handles POST /v1/admin/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	w, err := h.withdrawals.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}
