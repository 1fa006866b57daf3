package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes delivery status to operators.
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler.
func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterAdminRoutes mounts GET /webhooks on an administrator-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListEndpoints)
}

// ListEndpoints handles GET /v1/admin/webhooks
func (h *Handler) ListEndpoints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": h.dispatcher.Status()})
}
