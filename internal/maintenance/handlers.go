package maintenance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes job status and manual triggers to moderators.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a maintenance handler.
func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// RegisterRoutes sets up maintenance routes. Callers guard the group with admin auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/maintenance", h.Status)
	r.POST("/maintenance/:job/run", h.Run)
}

// Status handles GET /maintenance.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.scheduler.Status()})
}

// Run handles POST /maintenance/:job/run.
func (h *Handler) Run(c *gin.Context) {
	n, err := h.scheduler.RunNow(c.Request.Context(), c.Param("job"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"job": c.Param("job"), "count": n})
	case errors.Is(err, ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, errAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "already_running", "message": "Job is already running"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job_failed", "message": err.Error()})
	}
}
