package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/idgen"
	"github.com/mbd888/guildgate/internal/security"
	"github.com/mbd888/guildgate/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store       Store
	validateURL func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:       store,
		validateURL: security.ValidateEndpointURL,
	}
}

// WithEndpointPolicy replaces the default URL check.
func (h *Handler) WithEndpointPolicy(p security.EndpointPolicy) *Handler {
	h.validateURL = func(raw string) error { return p.Validate(context.Background(), raw) }
	return h
}

// RegisterRoutes sets up webhook routes. Callers guard the group with admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/reactivate", h.ReactivateWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL     string   `json:"url" binding:"required"`
	GuildID string   `json:"guildId"`
	Events  []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.GuildID != "" && !validation.IsValidID(req.GuildID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_guild",
			"message": "guildId is malformed",
		})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !et.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "At least one event type is required",
		})
		return
	}

	secret := idgen.Secret(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.Webhook),
		GuildID:   req.GuildID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Guildgate-Signature",
		},
	})
}

// ListWebhooks handles GET /webhooks?guild=
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context(), c.Query("guild"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("webhookId"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// ReactivateWebhook handles POST /webhooks/:webhookId/reactivate, resuming
// delivery to a subscription disabled after repeated failures.
func (h *Handler) ReactivateWebhook(c *gin.Context) {
	id := c.Param("webhookId")
	err := h.store.SetActive(c.Request.Context(), id, true)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "update_failed",
			"message": "Failed to reactivate webhook",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "webhookId": id})
}
