package handlers

import (
	"net/http"

	"github.com/Conceptual-Machines/defora-relay/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// StatsSource reports pipeline health.
type StatsSource interface {
	Stats() pipeline.Stats
}

type HealthHandler struct {
	stats StatsSource
}

func NewHealthHandler(stats StatsSource) *HealthHandler {
	return &HealthHandler{stats: stats}
}

// HealthCheck returns the health status of the relay. The process is healthy
// while the mediator is retrying; status reports "degraded" until it connects.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	s := h.stats.Stats()
	status := "healthy"
	if !s.Mediator.Connected {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"mediator": gin.H{
			"status":    s.Mediator.Status,
			"connected": s.Mediator.Connected,
			"pending":   s.Mediator.Pending,
		},
		"relay": gin.H{
			"connected": s.Relay.Connected,
			"buffered":  s.Relay.Buffered,
		},
		"observers": s.Observers,
	})
}
