package audit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/guildgate/internal/pagination"
)

// Handler serves audit queries.
type Handler struct {
	logger *Logger
}

// NewHandler creates an audit handler.
func NewHandler(l *Logger) *Handler {
	return &Handler{logger: l}
}

// RegisterRoutes sets up audit endpoints. Callers guard the group with admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List returns audit entries newest first.
// GET /v1/audit?guild=&identity=&kind=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	q := Query{
		GuildID:    c.Query("guild"),
		IdentityID: c.Query("identity"),
		Kind:       Kind(c.Query("kind")),
		Cursor:     cursor,
		Limit:      pagination.ParseLimit(c.Query("limit"), 50, 500),
	}
	entries, next, err := h.logger.Page(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list audit entries",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}
