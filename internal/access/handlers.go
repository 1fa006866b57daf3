package access

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kustodia/escrowd/internal/auth"
)

// Handler exposes role administration over HTTP.
type Handler struct {
	guard *Guard
}

// NewHandler creates a role administration handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

// RegisterAdminRoutes sets up role routes under an authenticated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/roles/grant", h.Grant)
	r.POST("/roles/revoke", h.Revoke)
	r.GET("/roles/:role", h.Members)
}

type roleRequest struct {
	Role     string `json:"role" binding:"required"`
	Identity string `json:"identity" binding:"required"`
}

// Grant handles POST /v1/admin/roles/grant
func (h *Handler) Grant(c *gin.Context) {
	h.change(c, ActionGrant, h.guard.GrantRole)
}

// Revoke handles POST /v1/admin/roles/revoke
func (h *Handler) Revoke(c *gin.Context) {
	h.change(c, ActionRevoke, h.guard.RevokeRole)
}

func (h *Handler) change(c *gin.Context, action Action, op func(ctx context.Context, caller string, role Role, identity string) error) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// A bad body is only reported to callers who pass the gates.
		if gerr := h.guard.Admit(c.Request.Context(), auth.GetIdentity(c), action); gerr != nil {
			writeError(c, gerr)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role and identity are required",
		})
		return
	}

	if err := op(c.Request.Context(), auth.GetIdentity(c), Role(req.Role), req.Identity); err != nil {
		writeError(c, err)
		return
	}

	role := Role(req.Role)
	members, _ := h.guard.Members(c.Request.Context(), role)
	c.JSON(http.StatusOK, gin.H{"role": role, "members": members})
}

// Members handles GET /v1/admin/roles/:role
func (h *Handler) Members(c *gin.Context) {
	members, err := h.guard.Members(c.Request.Context(), Role(c.Param("role")))
	if err != nil {
		writeError(c, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "members": members})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaused):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "paused", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidIdentity):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrLastAdministrator):
		c.JSON(http.StatusConflict, gin.H{"error": "last_administrator", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "role table unavailable"})
	}
}
