package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
)

// HealthHandler reports service liveness
type HealthHandler struct {
	service     string
	version     string
	jobs        JobSource
	connections ConnectionCounter
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service:     deps.ServiceName,
		version:     deps.Version,
		jobs:        deps.Jobs,
		connections: deps.Connections,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:  "healthy",
		Service: h.service,
		Version: h.version,
	}
	if h.jobs != nil {
		resp.LiveJobs = h.jobs.Count()
	}
	if h.connections != nil {
		resp.Connections = h.connections.ConnectionCount()
	}
	c.JSON(http.StatusOK, resp)
}

// errorJSON logs and writes an error response
func errorJSON(c *gin.Context, logger *slog.Logger, status int, msg string, err error) {
	if err != nil {
		logger.Error(msg, slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	}
	c.JSON(status, dto.ErrorResponse{Error: msg})
}
