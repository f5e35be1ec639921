package antiraid

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/validation"
)

// MessageSink receives ingested messages for profile building.
type MessageSink interface {
	AppendMessages(ctx context.Context, msgs []identity.Message) error
}

// Handler provides HTTP endpoints for raid events and status.
type Handler struct {
	monitor   *Monitor
	incidents IncidentStore
	messages  MessageSink
}

// NewHandler creates a raid handler. messages may be nil.
func NewHandler(monitor *Monitor, incidents IncidentStore, messages MessageSink) *Handler {
	return &Handler{monitor: monitor, incidents: incidents, messages: messages}
}

// RegisterRoutes sets up raid endpoints under /guilds/:guild.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/guilds/:guild", validation.IDParamMiddleware("guild"))
	g.GET("/raid", h.GetStatus)
	g.GET("/raid/incidents", h.ListIncidents)
	g.POST("/events/join", h.IngestJoin)
	g.POST("/events/message", h.IngestMessage)
}

// EventRequest is a join or message event.
type EventRequest struct {
	IdentityID string    `json:"identityId" binding:"required"`
	At         time.Time `json:"at"`
	Content    string    `json:"content"`
}

// GetStatus returns the guild's raid state.
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.monitor.Status(c.Request.Context(), c.Param("guild"))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read raid state", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Raid state unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"raid": status})
}

// ListIncidents returns recent raid transitions for the guild.
func (h *Handler) ListIncidents(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	incidents, err := h.incidents.List(c.Request.Context(), c.Param("guild"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list raid incidents",
		})
		return
	}
	if incidents == nil {
		incidents = []*Incident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

// IngestJoin records a member join.
func (h *Handler) IngestJoin(c *gin.Context) {
	req, ok := bindEvent(c)
	if !ok {
		return
	}
	status, err := h.monitor.RecordJoin(c.Request.Context(), c.Param("guild"), req.IdentityID, req.At)
	if err != nil {
		writeRecordError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"raid": status})
}

// IngestMessage records a message for flood detection and profiling.
func (h *Handler) IngestMessage(c *gin.Context) {
	req, ok := bindEvent(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	guildID := c.Param("guild")
	if req.At.IsZero() {
		req.At = h.monitor.now().UTC()
	}

	status, err := h.monitor.RecordMessage(ctx, guildID, req.IdentityID, req.At)
	if err != nil {
		writeRecordError(c, err)
		return
	}
	if h.messages != nil && req.Content != "" {
		msg := identity.Message{
			IdentityID: req.IdentityID,
			GuildID:    guildID,
			Content:    validation.SanitizeString(req.Content, validation.MaxStringLength),
			SentAt:     req.At,
		}
		if err := h.messages.AppendMessages(ctx, []identity.Message{msg}); err != nil {
			logging.L(ctx).Warn("failed to store message for profiling", "guild_id", guildID, "identity_id", req.IdentityID, "error", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"raid": status})
}

func bindEvent(c *gin.Context) (EventRequest, bool) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'identityId'",
		})
		return req, false
	}
	if !validation.IsValidID(req.IdentityID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "identityId is malformed",
		})
		return req, false
	}
	return req, true
}

func writeRecordError(c *gin.Context, err error) {
	if errors.Is(err, ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Error("failed to record raid event", "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "unavailable",
		"message": "Event store unavailable",
	})
}
