package dto

import (
	"time"

	"github.com/cuongbtq/stablehorde-proxy/internal/history"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version,omitempty"`
	LiveJobs    int    `json:"live_jobs"`
	Connections int    `json:"connections"`
}

type ModelDTO struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Triggers    []string `json:"trigger"`
	Showcases   []string `json:"showcases"`
	Style       string   `json:"style"`
	NSFW        bool     `json:"nsfw"`
	Workers     int      `json:"workers"`
	SortIndex   int      `json:"sort_index"`
}

type ListModelsResponse struct {
	Models []ModelDTO `json:"models"`
	Count  int        `json:"count"`
}

type ListJobsRequest struct {
	Status       string `form:"status"`
	ConnectionID string `form:"connection_id"`
}

type JobDTO struct {
	JobID        string   `json:"job_id"`
	ConnectionID string   `json:"connection_id"`
	Status       string   `json:"status"`
	StatusText   string   `json:"status_text,omitempty"`
	Prompt       string   `json:"prompt"`
	Models       []string `json:"models"`
	Target       int      `json:"target"`
	Requested    int      `json:"requested"`
	Finished     int      `json:"finished"`
	Delivered    int      `json:"delivered"`
	Failures     int      `json:"failures"`
	Done         bool     `json:"done"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	EndedAt      string   `json:"ended_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ListHistoryRequest struct {
	Status       string `form:"status"`
	ConnectionID string `form:"connection_id"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

func ModelFromEntry(e models.Entry) ModelDTO {
	return ModelDTO{
		Name:        e.Name,
		Description: e.Description,
		Triggers:    nonNil(e.Triggers),
		Showcases:   nonNil(e.Showcases),
		Style:       e.Style,
		NSFW:        e.NSFW,
		Workers:     e.Workers,
		SortIndex:   e.SortIndex,
	}
}

func JobFromSummary(s job.Summary) JobDTO {
	return JobDTO{
		JobID:        s.ID,
		ConnectionID: s.ConnectionID,
		Status:       string(s.Status),
		StatusText:   s.StatusText,
		Prompt:       s.Prompt,
		Models:       nonNil(s.Models),
		Target:       s.Target,
		Requested:    s.Requested,
		Finished:     s.Finished,
		Delivered:    s.Delivered,
		Failures:     s.Failures,
		Done:         s.Done,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

func JobFromRecord(r history.JobRecord) JobDTO {
	d := JobDTO{
		JobID:        r.JobID,
		ConnectionID: r.ConnectionID,
		Status:       r.Status,
		StatusText:   r.StatusText,
		Prompt:       r.Prompt,
		Models:       nonNil([]string(r.Models)),
		Target:       r.Target,
		Requested:    r.Requested,
		Finished:     r.Finished,
		Delivered:    r.Delivered,
		Failures:     r.Failures,
		Done:         r.EndedAt != nil,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
	}
	if r.EndedAt != nil {
		d.EndedAt = r.EndedAt.Format(time.RFC3339)
	}
	return d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
