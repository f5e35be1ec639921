package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/validation"
)

// Handler provides HTTP endpoints for integration key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key endpoints. The group must already carry
// Middleware; key management requires admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)

	keys := r.Group("/guilds/:guild/keys", validation.IDParamMiddleware("guild"), RequireAdmin())
	keys.GET("", h.ListKeys)
	keys.POST("", h.CreateKey)
	keys.DELETE("/:keyId", h.RevokeKey)
	keys.POST("/:keyId/rotate", h.RotateKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer gk_...",
		"altHeader": "X-API-Key: gk_...",
		"note":      "Integration keys are issued per guild by an administrator. Store them securely.",
		"publicEndpoints": []string{
			"GET /health",
			"GET /metrics",
		},
		"guildEndpoints": []string{
			"POST /v1/guilds/:guild/admissions",
			"POST /v1/guilds/:guild/events/join",
			"POST /v1/guilds/:guild/events/message",
			"GET /v1/guilds/:guild/raid",
		},
		"adminEndpoints": []string{
			"POST /v1/bans",
			"POST /v1/altlinks/confirm",
			"POST /v1/threat-actors",
			"GET /v1/audit",
			"POST /v1/guilds/:guild/keys",
			"POST /v1/guilds/:guild/keys/:keyId/rotate",
		},
	})
}

// Me returns info about the authenticated caller
func (h *Handler) Me(c *gin.Context) {
	if IsAdmin(c) {
		c.JSON(http.StatusOK, gin.H{"admin": true})
		return
	}
	key, _ := GetAPIKey(c)
	c.JSON(http.StatusOK, gin.H{
		"admin":     false,
		"guildId":   key.GuildID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"hint":      key.Hint,
		"createdAt": key.CreatedAt,
		"expiresAt": key.ExpiresAt,
	})
}

// ListKeys returns integration keys for a guild
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), c.Param("guild"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	now := time.Now()
	active := 0
	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = keyView{APIKey: k, Active: k.Active(now)}
		if views[i].Active {
			active++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":   views,
		"count":  len(views),
		"active": active,
	})
}

// keyView is the listing shape. Hash is already hidden by its json tag.
type keyView struct {
	*APIKey
	Active bool `json:"active"`
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name       string `json:"name"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// CreateKey issues a new integration key for the guild
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	req.Name = validation.SanitizeString(req.Name, 255)
	if req.Name == "" {
		req.Name = "integration"
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ttlSeconds must not be negative",
		})
		return
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), c.Param("guild"), req.Name,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":    rawKey,
		"keyId":     newKey.ID,
		"name":      newKey.Name,
		"guildId":   newKey.GuildID,
		"hint":      newKey.Hint,
		"expiresAt": newKey.ExpiresAt,
		"warning":   "Store this key securely. It will not be shown again.",
	})
}

// RotateKeyRequest is the request body for rotating a key
type RotateKeyRequest struct {
	GraceSeconds int64 `json:"graceSeconds"`
}

// RotateKey issues a replacement key; the old one keeps working for the
// grace window so the integration can redeploy.
func (h *Handler) RotateKey(c *gin.Context) {
	var req RotateKeyRequest
	_ = c.ShouldBindJSON(&req)
	grace := time.Duration(req.GraceSeconds) * time.Second
	if req.GraceSeconds < 0 || grace > MaxRotationGrace {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "graceSeconds must be between 0 and 604800",
		})
		return
	}

	rawKey, next, err := h.manager.RotateKey(c.Request.Context(), c.Param("keyId"), c.Param("guild"), grace)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found, revoked, or expired",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rotate API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":       rawKey,
		"keyId":        next.ID,
		"hint":         next.Hint,
		"replaces":     c.Param("keyId"),
		"oldExpiresAt": time.Now().UTC().Add(grace),
		"expiresAt":    next.ExpiresAt,
		"warning":      "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an integration key
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, c.Param("guild")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}
