package booking

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
	"github.com/mbd888/bookit/internal/validation"
)

// Handler provides HTTP endpoints for bookings and the catalog.
type Handler struct {
	manager *Manager
	catalog *Catalog
}

// NewHandler creates a new booking handler.
func NewHandler(manager *Manager, catalog *Catalog) *Handler {
	return &Handler{manager: manager, catalog: catalog}
}

// RegisterRoutes sets up public catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vendors/:id", h.GetVendor)
	r.GET("/vendors/:id/services", h.ListServices)
	r.GET("/services/:id", h.GetService)
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", auth.RequireRole(auth.RoleClient), h.CreateBooking)
	r.GET("/bookings", h.ListBookings)
	r.GET("/bookings/:id", h.GetBooking)
	r.POST("/bookings/:id/accept", auth.RequireRole(auth.RoleVendor), h.AcceptBooking)
	r.POST("/bookings/:id/reject", auth.RequireRole(auth.RoleVendor), h.RejectBooking)
	r.POST("/bookings/:id/start", auth.RequireRole(auth.RoleVendor), h.StartBooking)
	r.POST("/bookings/:id/complete", h.CompleteBooking)
	r.POST("/bookings/:id/cancel", h.CancelBooking)

	vendorOnly := auth.RequireRole(auth.RoleVendor)
	r.PUT("/vendor/profile", vendorOnly, h.UpsertVendorProfile)
	r.POST("/services", vendorOnly, h.CreateService)
	r.PATCH("/services/:id", vendorOnly, h.SetServiceActive)
	r.POST("/offers", vendorOnly, h.MakeOffer)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", auth.RequireRole(auth.RoleClient), h.AcceptOffer)
	r.POST("/offers/:id/decline", auth.RequireRole(auth.RoleClient), h.DeclineOffer)
}

// RegisterAdminRoutes sets up admin catalog routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/vendors/:id/verify", h.VerifyVendor)
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func locationChecks(field string, loc *Location) func() *validation.ValidationError {
	if loc == nil {
		return func() *validation.ValidationError { return nil }
	}
	return validation.ValidCoordinates(field, loc.Latitude, loc.Longitude)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	checks := []func() *validation.ValidationError{
		validation.Required("scheduledDate", req.ScheduledDate),
		validation.ValidDate("scheduledDate", req.ScheduledDate),
		validation.Required("scheduledTime", req.ScheduledTime),
		validation.ValidTime("scheduledTime", req.ScheduledTime),
		validation.MaxLength("notes", req.Notes, 2000),
		locationChecks("location", req.Location),
	}
	if req.OfferID == "" {
		checks = append(checks, validation.Required("serviceId", req.ServiceID))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	p, _ := auth.GetPrincipal(c)
	req.ClientID = p.UserID
	req.Notes = validation.SanitizeString(req.Notes, 2000)
	b, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// ListBookings handles GET /v1/bookings?as=vendor&status=&limit=&cursor=
func (h *Handler) ListBookings(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	asVendor := c.Query("as") == "vendor"
	if c.Query("as") == "" {
		asVendor = p.Role == auth.RoleVendor
	}
	items, next, err := h.manager.List(c.Request.Context(), ListRequest{
		UserID:   p.UserID,
		AsVendor: asVendor,
		Status:   Status(c.Query("status")),
		Limit:    limit,
		Cursor:   c.Query("cursor"),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings":   items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.Get(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// AcceptBooking handles POST /v1/bookings/:id/accept
func (h *Handler) AcceptBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.Accept(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// RejectBooking handles POST /v1/bookings/:id/reject
func (h *Handler) RejectBooking(c *gin.Context) {
	var req reasonBody
	_ = c.ShouldBindJSON(&req)
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.Reject(c.Request.Context(), c.Param("id"), p.UserID, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// StartBooking handles POST /v1/bookings/:id/start
func (h *Handler) StartBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.Start(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// CompleteBooking handles POST /v1/bookings/:id/complete
func (h *Handler) CompleteBooking(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.MarkComplete(c.Request.Context(), c.Param("id"), p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	var req reasonBody
	_ = c.ShouldBindJSON(&req)
	p, _ := auth.GetPrincipal(c)
	b, err := h.manager.Cancel(c.Request.Context(), c.Param("id"), p.UserID, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// GetVendor handles GET /v1/vendors/:id
func (h *Handler) GetVendor(c *gin.Context) {
	v, err := h.catalog.GetVendor(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendor": v})
}

// UpsertVendorProfile handles PUT /v1/vendor/profile
func (h *Handler) UpsertVendorProfile(c *gin.Context) {
	var req VendorProfile
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(locationChecks("location", req.Location)); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	p, _ := auth.GetPrincipal(c)
	v, err := h.catalog.UpsertVendorProfile(c.Request.Context(), p.UserID, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendor": v})
}

// VerifyVendor handles POST /v1/admin/vendors/:id/verify
func (h *Handler) VerifyVendor(c *gin.Context) {
	req := struct {
		Verified *bool `json:"verified"`
	}{}
	_ = c.ShouldBindJSON(&req)
	verified := req.Verified == nil || *req.Verified
	v, err := h.catalog.VerifyVendor(c.Request.Context(), c.Param("id"), verified)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendor": v})
}

// ServiceBody is the body of POST /v1/services.
type ServiceBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
}

// CreateService handles POST /v1/services
func (h *Handler) CreateService(c *gin.Context) {
	var req ServiceBody
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("description", req.Description, 2000),
		validation.PositiveAmount("price", req.Price),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	p, _ := auth.GetPrincipal(c)
	s, err := h.catalog.CreateService(c.Request.Context(), p.UserID,
		validation.SanitizeString(req.Name, 200), validation.SanitizeString(req.Description, 2000), req.Price)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"service": s})
}

// SetServiceActive handles PATCH /v1/services/:id
func (h *Handler) SetServiceActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		invalidBody(c)
		return
	}
	p, _ := auth.GetPrincipal(c)
	s, err := h.catalog.SetServiceActive(c.Request.Context(), p.UserID, c.Param("id"), *req.Active)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": s})
}

// GetService handles GET /v1/services/:id
func (h *Handler) GetService(c *gin.Context) {
	s, err := h.catalog.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": s})
}

// ListServices handles GET /v1/vendors/:id/services
func (h *Handler) ListServices(c *gin.Context) {
	items, err := h.catalog.ListServices(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": items, "count": len(items)})
}

// OfferBody is the body of POST /v1/offers.
type OfferBody struct {
	ClientID  string `json:"clientId"`
	ServiceID string `json:"serviceId"`
	Price     int64  `json:"price"`
	Message   string `json:"message"`
}

// MakeOffer handles POST /v1/offers
func (h *Handler) MakeOffer(c *gin.Context) {
	var req OfferBody
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("clientId", req.ClientID),
		validation.Required("serviceId", req.ServiceID),
		validation.PositiveAmount("price", req.Price),
		validation.MaxLength("message", req.Message, 1000),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	p, _ := auth.GetPrincipal(c)
	o, err := h.catalog.MakeOffer(c.Request.Context(), p.UserID, req.ClientID, req.ServiceID,
		req.Price, validation.SanitizeString(req.Message, 1000))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	o, err := h.catalog.GetOffer(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// AcceptOffer handles POST /v1/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) { h.respondOffer(c, true) }

// DeclineOffer handles POST /v1/offers/:id/decline
func (h *Handler) DeclineOffer(c *gin.Context) { h.respondOffer(c, false) }

func (h *Handler) respondOffer(c *gin.Context, accept bool) {
	p, _ := auth.GetPrincipal(c)
	o, err := h.catalog.RespondOffer(c.Request.Context(), p.UserID, c.Param("id"), accept)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}
