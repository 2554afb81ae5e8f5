package dispute

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for booking parties.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.CreateDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/close", h.CloseDispute)
	r.GET("/bookings/:id/disputes", h.ListBookingDisputes)
}

// RegisterAdminRoutes sets up the admin review queue.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// CreateDispute handles POST /v1/disputes
func (h *Handler) CreateDispute(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 500),
		validation.MaxLength("description", req.Description, 5000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	req.UserID = p.UserID
	req.Reason = validation.SanitizeString(req.Reason, 500)
	req.Description = validation.SanitizeString(req.Description, 5000)
	d, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "note is required",
		})
		return
	}
	p, _ := auth.GetPrincipal(c)
	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin(),
		validation.SanitizeString(req.Note, 5000))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListBookingDisputes handles GET /v1/bookings/:id/disputes
func (h *Handler) ListBookingDisputes(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	items, err := h.service.ListByBooking(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": items, "count": len(items)})
}

// ListDisputes handles GET /v1/admin/disputes?status=open&limit=50
func (h *Handler) ListDisputes(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusOpen)))
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": items, "count": len(items)})
}

// ReviewDispute handles POST /v1/admin/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	d, err := h.service.Review(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (refund_client, pay_vendor, or partial_refund)",
		})
		return
	}
	p, _ := auth.GetPrincipal(c)
	req.AdminID = p.UserID
	req.Note = validation.SanitizeString(req.Note, 2000)
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
