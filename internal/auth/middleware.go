package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyGuildID is the key for storing the key's guild scope
	ContextKeyGuildID = "authGuildID"
	// ContextKeyAdmin is set when the request carries the admin secret
	ContextKeyAdmin = "authAdmin"
)

// Middleware extracts and validates credentials from the request.
// Sets admin, or apiKey and authGuildID, in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			if m.IsAdmin(raw) {
				c.Set(ContextKeyAdmin, true)
			} else if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyGuildID, key.GuildID)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid key or the admin secret.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer gk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireGuildScope requires the key's guild to match the named URL
// parameter. Admin requests pass.
func RequireGuildScope(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) {
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
		if key.GuildID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This key is not scoped to this guild.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that do not carry the admin secret.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			status := http.StatusForbidden
			if !IsAuthenticated(c) {
				status = http.StatusUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error":   "forbidden",
				"message": "Moderator access requires the admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// GetAuthenticatedGuild returns the guild the request's key is scoped to.
func GetAuthenticatedGuild(c *gin.Context) string {
	return c.GetString(ContextKeyGuildID)
}

// IsAdmin reports whether the request carries the admin secret.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	if IsAdmin(c) {
		return true
	}
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// Actor names the caller for audit entries.
func Actor(c *gin.Context) string {
	if IsAdmin(c) {
		return "admin"
	}
	if key, ok := GetAPIKey(c); ok {
		return key.ID
	}
	return ""
}
