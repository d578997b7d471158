package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"Parley/internal/hub"
	"Parley/internal/model"
	"Parley/internal/service"
)

// MonitorHandler handles monitoring API endpoints
type MonitorHandler interface {
	GetHubStats(c *gin.Context)
}

type monitorHandler struct {
	monitorService *hub.MonitorService
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(monitorService *hub.MonitorService) MonitorHandler {
	return &monitorHandler{
		monitorService: monitorService,
	}
}

// GetHubStats returns current hub statistics
// @Summary Get hub statistics
// @Description Returns attached subscribers and their dm and inbox channels
// @Tags Monitor
// @Produce json
// @Param transport query string false "websocket or local; limits the client list"
// @Success 200 {object} model.MonitorResponse
// @Router /api/monitor/stats [get]
func (h *monitorHandler) GetHubStats(c *gin.Context) {
	stats := h.monitorService.GetStats()
	if transport := c.Query("transport"); transport != "" {
		stats.Clients = nonNil(service.Filter(stats.Clients, func(ci model.ClientInfo) bool {
			return ci.Transport == transport
		}))
	}

	c.JSON(http.StatusOK, gin.H{
		"HttpStatusCode": http.StatusOK,
		"ResponseBody":   stats,
		"IsSuccess":      true,
		"Message":        "Hub statistics retrieved successfully",
	})
}
