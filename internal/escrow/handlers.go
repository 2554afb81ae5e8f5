package escrow

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/gateway"
	"github.com/mbd888/bookit/internal/logging"
	"github.com/mbd888/bookit/internal/validation"
)

// maxWebhookBody bounds the raw webhook body read before signature checks.
const maxWebhookBody = 1 << 20

// Handler provides HTTP endpoints for payments and gateway webhooks.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up unauthenticated routes. The webhook authenticates by
// signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.HandleWebhook)
}

// RegisterProtectedRoutes sets up payment routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/initialize", auth.RequireRole(auth.RoleClient), h.InitializePayment)
	r.GET("/payments/verify/:reference", h.VerifyPayment)
	r.GET("/bookings/:id/payment", h.GetBookingPayment)
}

// RegisterAdminRoutes sets up admin settlement overrides.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/payment/release", h.AdminRelease)
	r.POST("/bookings/:id/payment/refund", h.AdminRefund)
}

// InitializeBody is the body of POST /v1/payments/initialize.
type InitializeBody struct {
	BookingID string `json:"bookingId"`
	Email     string `json:"email"`
}

// InitializePayment handles POST /v1/payments/initialize
func (h *Handler) InitializePayment(c *gin.Context) {
	var req InitializeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.MaxLength("email", req.Email, 254),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	email := p.Email
	if email == "" {
		email = req.Email
	}
	pay, err := h.service.InitializePayment(c.Request.Context(), InitializeRequest{
		ClientID:  p.UserID,
		Email:     email,
		BookingID: req.BookingID,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":          pay,
		"authorizationUrl": pay.AuthorizationURL,
		"accessCode":       pay.AccessCode,
		"reference":        pay.Reference,
	})
}

// VerifyPayment handles GET /v1/payments/verify/:reference
func (h *Handler) VerifyPayment(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	ctx := c.Request.Context()
	ref := c.Param("reference")

	existing, err := h.service.GetByReference(ctx, ref)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if existing.ClientID != p.UserID && !p.IsAdmin() {
		apperr.Respond(c, ErrPaymentNotFound)
		return
	}

	pay, err := h.service.VerifyPayment(ctx, ref)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

// GetBookingPayment handles GET /v1/bookings/:id/payment
func (h *Handler) GetBookingPayment(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	pay, err := h.service.GetByBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if pay.ClientID != p.UserID && pay.VendorID != p.UserID && !p.IsAdmin() {
		apperr.Respond(c, ErrPaymentNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

// HandleWebhook handles POST /v1/webhooks/gateway
//
// Operational failures (unknown reference, replay of a settled charge) are
// acknowledged with 200 so the gateway stops retrying; only unexpected errors
// return 5xx.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	ctx := c.Request.Context()
	if err := h.service.HandleWebhook(ctx, body, c.GetHeader(gateway.SignatureHeader)); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindConflict:
			logging.L(ctx).Info("webhook acknowledged without effect", "error", err)
		default:
			apperr.Respond(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminRelease handles POST /v1/admin/bookings/:id/payment/release
func (h *Handler) AdminRelease(c *gin.Context) {
	pay, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}

// AdminRefund handles POST /v1/admin/bookings/:id/payment/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "refunded by admin"
	}
	pay, err := h.service.Refund(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": pay})
}
