package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation reports to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(r *Runner) *Handler {
	return &Handler{runner: r}
}

// RegisterAdminRoutes mounts report routes on an administrator-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Latest)
	r.POST("/reconciliation/run", h.Run)
}

// Latest handles GET /v1/admin/reconciliation
func (h *Handler) Latest(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no reconciliation run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": rep.Healthy(), "report": rep})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.runner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": rep.Healthy(), "report": rep})
}
