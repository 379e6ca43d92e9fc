package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
)

// ModelHandler serves the model snapshot
type ModelHandler struct {
	logger *slog.Logger
	models ModelSource
}

// NewModelHandler creates a new ModelHandler instance
func NewModelHandler(deps *Dependencies) *ModelHandler {
	return &ModelHandler{logger: deps.Logger, models: deps.Models}
}

// ListModels handles GET /api/v1/models
func (h *ModelHandler) ListModels(c *gin.Context) {
	entries := h.models.Snapshot()

	resp := dto.ListModelsResponse{
		Models: make([]dto.ModelDTO, len(entries)),
		Count:  len(entries),
	}
	for i, e := range entries {
		resp.Models[i] = dto.ModelFromEntry(e)
	}

	c.JSON(http.StatusOK, resp)
}

// GetModel handles GET /api/v1/models/:name
func (h *ModelHandler) GetModel(c *gin.Context) {
	name := c.Param("name")

	e, ok := h.models.Get(name)
	if !ok {
		h.logger.Debug("Model not found", slog.String("model", name))
		errorJSON(c, h.logger, http.StatusNotFound, "model not found", nil)
		return
	}

	c.JSON(http.StatusOK, dto.ModelFromEntry(e))
}
