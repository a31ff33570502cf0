package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/churnshield/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts key management under r. Every route needs a key.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	keys := r.Group("/keys", RequireAuth())
	keys.GET("", h.ListKeys)
	keys.POST("", h.CreateKey)
	keys.DELETE("/:keyId", h.RevokeKey)
}

// targetOrganization is the organization a key-management call acts on:
// the caller's own, or the requested one for platform keys.
func targetOrganization(c *gin.Context, key *APIKey, requested string) (string, bool) {
	if key.IsPlatform() {
		return requested, true
	}
	if requested != "" && requested != key.OrganizationID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This key cannot manage that organization.",
		})
		return "", false
	}
	return key.OrganizationID, true
}

// ListKeys returns the keys of the caller's organization.
// GET /v1/keys?organizationId=
func (h *Handler) ListKeys(c *gin.Context) {
	key, _ := GetAPIKey(c)
	org, ok := targetOrganization(c, key, c.Query("organizationId"))
	if !ok {
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), org)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	// TTL such as "720h"; empty means no expiry
	TTL string `json:"ttl"`
}

// CreateKey issues a new key.
// POST /v1/keys
func (h *Handler) CreateKey(c *gin.Context) {
	key, _ := GetAPIKey(c)

	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if errs := validation.Validate(
		validation.Identifier("organizationId", req.OrganizationID),
		validation.MaxLength("name", req.Name, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "fields": errs})
		return
	}
	org, ok := targetOrganization(c, key, req.OrganizationID)
	if !ok {
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ttl must be a positive duration such as 720h"})
			return
		}
		ttl = d
	}
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), org, req.Name, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"key":     newKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes a key of the caller's organization.
// DELETE /v1/keys/:keyId?organizationId=
func (h *Handler) RevokeKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keyID := c.Param("keyId")

	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}
	org, ok := targetOrganization(c, key, c.Query("organizationId"))
	if !ok {
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, org); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found or already revoked",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
