package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
)

// Handler provides HTTP endpoints for referrals.
type Handler struct {
	service *Service
}

// NewHandler creates a new referral handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up referral routes for signed-in users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/referrals", h.ClaimReferral)
	r.GET("/referrals", h.ListReferrals)
	r.GET("/referrals/mine", h.GetMyReferral)
	r.GET("/referrals/:id", h.GetReferral)
	r.POST("/referrals/:id/cancel", h.CancelReferral)
}

// ClaimReferral handles POST /v1/referrals
func (h *Handler) ClaimReferral(c *gin.Context) {
	var req struct {
		ReferrerID string `json:"referrerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Claim(c.Request.Context(), p.UserID, req.ReferrerID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"referral": r})
}

// ListReferrals handles GET /v1/referrals?limit=50
func (h *Handler) ListReferrals(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	items, err := h.service.ListByReferrer(c.Request.Context(), p.UserID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": items, "count": len(items)})
}

// GetMyReferral handles GET /v1/referrals/mine
func (h *Handler) GetMyReferral(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Mine(c.Request.Context(), p.UserID)
	if errors.Is(err, ErrReferralNotFound) {
		c.JSON(http.StatusOK, gin.H{"referral": nil})
		return
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": r})
}

// GetReferral handles GET /v1/referrals/:id
func (h *Handler) GetReferral(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": r})
}

// CancelReferral handles POST /v1/referrals/:id/cancel
func (h *Handler) CancelReferral(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	r, err := h.service.Cancel(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral": r})
}
