package reputation

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/pagination"
	"github.com/mbd888/guildgate/internal/validation"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	service *Service
}

// NewHandler creates a new reputation handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/guilds/:guild/identities/:id", validation.IDParamMiddleware("guild", "id"))
	g.GET("/reputation", h.GetReputation)
	g.GET("/reputation/history", h.GetHistory)
	g.POST("/reputation/events", h.PostEvent)
}

// GetReputation returns the identity's score in the guild.
func (h *Handler) GetReputation(c *gin.Context) {
	score, err := h.service.Score(c.Request.Context(), c.Param("id"), c.Param("guild"))
	if IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Identity has no history in this guild",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": score})
}

// GetHistory returns historical reputation snapshots.
// GET /v1/guilds/:guild/identities/:id/reputation/history?from=&to=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	q := HistoryQuery{
		IdentityID: c.Param("id"),
		GuildID:    c.Param("guild"),
		Limit:      pagination.ParseLimit(c.Query("limit"), 100, 1000),
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": "'" + name + "' must be RFC3339",
			})
			return
		}
		*dst = t
	}

	snaps, err := h.service.History(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query reputation history",
		})
		return
	}
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

// EventRequest is a moderation or activity event from an integration.
type EventRequest struct {
	Kind  EventKind `json:"kind" binding:"required"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// PostEvent records an in-guild event against the identity.
func (h *Handler) PostEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'kind'",
		})
		return
	}
	if !req.Kind.Moderation() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "kind must be one of message, warning, kick, report",
		})
		return
	}
	if req.Count < 0 || req.Count > 10000 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": "count must be between 0 and 10000",
		})
		return
	}

	ctx := logging.WithSubject(c.Request.Context(), c.Param("guild"), c.Param("id"))
	rec, err := h.service.RecordEvent(ctx, c.Param("id"), c.Param("guild"), Event(req))
	if errors.Is(err, ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(ctx).Error("reputation event failed", "kind", req.Kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record event",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"record": rec})
}
