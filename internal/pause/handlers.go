package pause

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kustodia/escrowd/internal/access"
	"github.com/kustodia/escrowd/internal/auth"
)

// Handler exposes the switch over HTTP.
type Handler struct {
	sw *Switch
}

func NewHandler(sw *Switch) *Handler {
	return &Handler{sw: sw}
}

// RegisterAdminRoutes sets up pause routes under an authenticated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/pause", h.Status)
	r.POST("/pause", h.Pause)
	r.POST("/unpause", h.Unpause)
}

// Status handles GET /v1/admin/pause
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.sw.State())
}

// Pause handles POST /v1/admin/pause
func (h *Handler) Pause(c *gin.Context) {
	if err := h.sw.Pause(c.Request.Context(), auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sw.State())
}

// Unpause handles POST /v1/admin/unpause
func (h *Handler) Unpause(c *gin.Context) {
	if err := h.sw.Unpause(c.Request.Context(), auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sw.State())
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrPaused):
		c.JSON(http.StatusConflict, gin.H{"error": "already_paused", "message": err.Error()})
	case errors.Is(err, ErrNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": "not_paused", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update pause state"})
	}
}
