package commission

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/auth"
)

// Handler exposes vendor subscription endpoints.
type Handler struct {
	plans      *Plans
	calculator *Calculator
}

// NewHandler creates a new commission handler.
func NewHandler(plans *Plans, calculator *Calculator) *Handler {
	return &Handler{plans: plans, calculator: calculator}
}

// RegisterProtectedRoutes sets up vendor-only subscription routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	vendor := r.Group("/vendor", auth.RequireRole(auth.RoleVendor))
	vendor.GET("/subscription", h.GetSubscription)
	vendor.POST("/subscription", h.PurchaseSubscription)
}

// RegisterRoutes sets up public plan listing.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	type plan struct {
		Tier         Tier    `json:"tier"`
		Rate         float64 `json:"commissionRate"`
		MonthlyPrice int64   `json:"monthlyPrice"`
	}
	plans := make([]plan, 0, len(TierRates))
	for _, t := range []Tier{TierBasic, TierPro, TierPremium} {
		plans = append(plans, plan{Tier: t, Rate: TierRates[t], MonthlyPrice: TierPrices[t]})
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "defaultRate": h.calculator.defaultRate})
}

// GetSubscription handles GET /v1/vendor/subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	ctx := c.Request.Context()
	sub, err := h.plans.Current(ctx, p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	rate, err := h.calculator.Rate(ctx, p.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "commissionRate": rate})
}

// PurchaseSubscription handles POST /v1/vendor/subscription
func (h *Handler) PurchaseSubscription(c *gin.Context) {
	var req struct {
		Tier   Tier `json:"tier" binding:"required"`
		Months int  `json:"months"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tier is required",
		})
		return
	}
	if req.Months == 0 {
		req.Months = 1
	}
	p, _ := auth.GetPrincipal(c)
	sub, err := h.plans.Purchase(c.Request.Context(), p.UserID, req.Tier, req.Months)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}
