package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation reports to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up the reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
	r.POST("/reconciliation/run", h.Run)
}

// GetReport handles GET /v1/admin/reconciliation
func (h *Handler) GetReport(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_report",
			"message": "Reconciliation has not run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	// Check failures are listed on the report itself.
	report, _ := h.runner.RunAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}
