package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stablehorde-proxy/internal/api/dto"
	"github.com/cuongbtq/stablehorde-proxy/internal/history"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobHandler serves live and persisted jobs
type JobHandler struct {
	logger  *slog.Logger
	jobs    JobSource
	history HistorySource
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		jobs:    deps.Jobs,
		history: deps.History,
	}
}

// ListJobs handles GET /api/v1/jobs
// Lists the jobs owned by the scheduler, newest first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, h.logger, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	status := strings.ToUpper(req.Status)
	if status != "" && !validStatus(status) {
		errorJSON(c, h.logger, http.StatusBadRequest, "Invalid status", nil)
		return
	}

	summaries := h.jobs.Summaries()
	slices.SortFunc(summaries, func(a, b job.Summary) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})

	resp := dto.ListJobsResponse{Jobs: []dto.JobDTO{}}
	for _, s := range summaries {
		if status != "" && string(s.Status) != status {
			continue
		}
		if req.ConnectionID != "" && s.ConnectionID != req.ConnectionID {
			continue
		}
		resp.Jobs = append(resp.Jobs, dto.JobFromSummary(s))
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	for _, s := range h.jobs.Summaries() {
		if s.ID == jobID {
			c.JSON(http.StatusOK, dto.JobFromSummary(s))
			return
		}
	}

	errorJSON(c, h.logger, http.StatusNotFound, "job not found", nil)
}

// ListHistory handles GET /api/v1/history
// Lists persisted jobs with cursor pagination
func (h *JobHandler) ListHistory(c *gin.Context) {
	if h.history == nil {
		errorJSON(c, h.logger, http.StatusServiceUnavailable, "job history is disabled", nil)
		return
	}

	var req dto.ListHistoryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		errorJSON(c, h.logger, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		errorJSON(c, h.logger, http.StatusBadRequest, "Invalid cursor", err)
		return
	}

	records, err := h.history.List(c.Request.Context(), history.Filter{
		ConnectionID: req.ConnectionID,
		Status:       strings.ToUpper(req.Status),
		PageSize:     req.PageSize,
		Cursor:       cursor,
	})
	if err != nil {
		errorJSON(c, h.logger, http.StatusInternalServerError, "Failed to list jobs", err)
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(records))}
	for i, r := range records {
		resp.Jobs[i] = dto.JobFromRecord(r)
	}

	if hasMore {
		last := records[len(records)-1]
		resp.NextCursor = EncodeJobCursor(&history.Cursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, resp)
}

func validStatus(s string) bool {
	switch job.Status(s) {
	case job.StatusRunning, job.StatusFinished, job.StatusError, job.StatusCancelled:
		return true
	}
	return false
}
