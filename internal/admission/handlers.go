package admission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/auth"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/pagination"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/validation"
)

// Handler provides HTTP endpoints for admission and moderation.
type Handler struct {
	service *Service
}

// NewHandler creates a new admission handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up guild-scoped admission endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/guilds/:guild", validation.IDParamMiddleware("guild"))
	g.POST("/admissions", h.Evaluate)
	g.GET("/identities/:id/attempts", validation.IDParamMiddleware("id"), h.ListAttempts)
}

// RegisterModeratorRoutes sets up cross-guild moderation endpoints. Callers
// guard the group with admin auth.
func (h *Handler) RegisterModeratorRoutes(r *gin.RouterGroup) {
	r.GET("/identities/:id", validation.IDParamMiddleware("id"), h.GetIdentity)
	r.GET("/identities/:id/altlinks", validation.IDParamMiddleware("id"), h.ListAltLinks)
	r.POST("/altlinks/confirm", h.ConfirmAltLink)
	r.POST("/bans", h.RecordBan)
	r.POST("/threat-actors", h.AddThreatActor)
}

// Evaluate handles POST /guilds/:guild/admissions.
func (h *Handler) Evaluate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.GuildID == "" {
		req.GuildID = c.Param("guild")
	}
	if req.GuildID != c.Param("guild") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "guild_mismatch",
			"message": "guildId does not match the URL",
		})
		return
	}

	res, err := h.service.Evaluate(c.Request.Context(), req)
	var rl *ratelimit.RateLimitError
	var infra *InfraError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": res})
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(rl.WaitMinutes*60))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limited",
			"message":     res.Reason,
			"waitMinutes": rl.WaitMinutes,
			"result":      res,
		})
	case errors.As(err, &infra):
		// The fallback is still a decision the caller must act on.
		c.JSON(http.StatusOK, gin.H{"result": res})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		// Cancelled by the client; nothing useful to send.
		logging.L(c.Request.Context()).Info("admission request abandoned", "error", err)
		c.AbortWithStatus(499)
	}
}

// ListAttempts handles GET /guilds/:guild/identities/:id/attempts.
func (h *Handler) ListAttempts(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 20, 100)
	attempts, err := h.service.Store().ListAttempts(c.Request.Context(), c.Param("id"), c.Param("guild"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list attempts",
		})
		return
	}
	if attempts == nil {
		attempts = []*identity.VerificationAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

// GetIdentity handles GET /identities/:id.
func (h *Handler) GetIdentity(c *gin.Context) {
	ident, err := h.service.Store().GetIdentity(c.Request.Context(), c.Param("id"))
	if errors.Is(err, identity.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Identity not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load identity",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": ident})
}

// ListAltLinks handles GET /identities/:id/altlinks.
func (h *Handler) ListAltLinks(c *gin.Context) {
	links, err := h.service.Store().ListAltLinks(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list alt links",
		})
		return
	}
	if links == nil {
		links = []*identity.AltLink{}
	}
	c.JSON(http.StatusOK, gin.H{"altLinks": links, "count": len(links)})
}

// ConfirmAltLinkRequest names the two linked identities.
type ConfirmAltLinkRequest struct {
	IdentityA string `json:"identityA" binding:"required"`
	IdentityB string `json:"identityB" binding:"required"`
}

// ConfirmAltLink handles POST /altlinks/confirm.
func (h *Handler) ConfirmAltLink(c *gin.Context) {
	var req ConfirmAltLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identityA and identityB are required",
		})
		return
	}
	link, err := h.service.ConfirmAltLink(c.Request.Context(), req.IdentityA, req.IdentityB, auth.Actor(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"altLink": link})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No suspected link between these identities"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to confirm link"})
	}
}

// BanRequest reports a guild ban.
type BanRequest struct {
	IdentityID string `json:"identityId" binding:"required"`
	GuildID    string `json:"guildId" binding:"required"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity" binding:"required"`
}

// RecordBan handles POST /bans.
func (h *Handler) RecordBan(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "identityId, guildId and severity are required",
		})
		return
	}
	sev, ok := identity.ParseBanSeverity(req.Severity)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_severity",
			"message": "severity must be low, medium, high or critical",
		})
		return
	}
	rec, err := h.service.RecordBan(c.Request.Context(), identity.BanReport{
		IdentityID: req.IdentityID,
		GuildID:    req.GuildID,
		Reason:     req.Reason,
		Severity:   sev,
	}, auth.Actor(c))
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to record ban"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ban": rec})
}

// ThreatActorRequest lists a known bad actor.
type ThreatActorRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Value  string `json:"value" binding:"required"`
	Reason string `json:"reason"`
}

// AddThreatActor handles POST /threat-actors.
func (h *Handler) AddThreatActor(c *gin.Context) {
	var req ThreatActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind and value are required",
		})
		return
	}
	t := &identity.ThreatActor{
		Kind:    identity.ThreatKind(req.Kind),
		Value:   req.Value,
		Reason:  req.Reason,
		AddedBy: auth.Actor(c),
	}
	err := h.service.AddThreatActor(c.Request.Context(), t)
	if errors.Is(err, ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to add threat actor"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"threatActor": t})
}
