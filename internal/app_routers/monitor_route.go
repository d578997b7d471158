package approuters

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Parley/internal/configuration"
)

// MonitorRouters sets up hub statistics and the Prometheus scrape endpoint
func MonitorRouters(router *gin.Engine, container *configuration.Container) {
	monitorGroup := router.Group("/api/monitor")
	{
		// GET /api/monitor/stats - Get hub statistics
		monitorGroup.GET("/stats", container.MonitorHandler.GetHubStats)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
