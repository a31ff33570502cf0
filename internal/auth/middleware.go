package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyAPIKey is the key for storing the validated key in gin context
const ContextKeyAPIKey = "apiKey"

// Middleware extracts and validates the API key from the request and
// stores it in context when valid. It never rejects; see RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			if key, err := m.ValidateKey(c.Request.Context(), apiKey); err == nil {
				c.Set(ContextKeyAPIKey, key)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequirePlatform rejects requests not made with a platform key.
func RequirePlatform() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !key.IsPlatform() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires a platform key.",
			})
			return
		}
		c.Next()
	}
}

// RequireOrganization rejects a request whose query parameter names an
// organization the key cannot access. Requests without the parameter pass.
func RequireOrganization(queryParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		org := c.Query(queryParam)
		if org == "" {
			c.Next()
			return
		}
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !key.CanAccess(org) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This key cannot access that organization.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
