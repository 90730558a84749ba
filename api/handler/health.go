package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/session"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports session utilisation and degrades status once every slot is busy.
func Health(runner *session.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := runner.Stats()

		status := "healthy"
		if stats.MaxSessions > 0 && stats.ActiveSessions >= stats.MaxSessions {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:       status,
			Uptime:       runner.Uptime().Round(time.Second).String(),
			SessionStats: stats,
			Version:      Version,
		})
	}
}
