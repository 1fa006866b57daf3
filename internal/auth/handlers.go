package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminCheck reports whether caller may issue keys for other identities.
type AdminCheck func(ctx context.Context, caller string) error

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager    *Manager
	adminCheck AdminCheck
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, adminCheck AdminCheck) *Handler {
	return &Handler{manager: m, adminCheck: adminCheck}
}

// RegisterRoutes sets up self-service key routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up key issuance.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":  key.Identity,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
	})
}

// ListKeys returns API keys for the authenticated identity
func (h *Handler) ListKeys(c *gin.Context) {
	identity := GetIdentity(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// IssueKeyRequest is the request body for POST /v1/admin/keys
type IssueKeyRequest struct {
	Identity string `json:"identity" binding:"required"`
	Name     string `json:"name"`
}

// IssueKey creates a key acting as another identity. Administrator only.
func (h *Handler) IssueKey(c *gin.Context) {
	if err := h.adminCheck(c.Request.Context(), GetIdentity(c)); err != nil {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
		return
	}

	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identity is required",
		})
		return
	}
	if req.Name == "" {
		req.Name = "issued key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.Identity, req.Name)
	if errors.Is(err, ErrInvalidIdentity) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":   rawKey,
		"keyId":    key.ID,
		"identity": key.Identity,
		"name":     key.Name,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Identity); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}
