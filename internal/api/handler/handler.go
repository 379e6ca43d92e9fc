package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/stablehorde-proxy/internal/history"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/models"
)

// JobSource lists the jobs currently owned by the scheduler
type JobSource interface {
	Summaries() []job.Summary
	Count() int
}

// ModelSource is the published model snapshot
type ModelSource interface {
	Snapshot() []models.Entry
	Get(name string) (models.Entry, bool)
}

// ConnectionCounter reports open client connections
type ConnectionCounter interface {
	ConnectionCount() int
}

// HistorySource lists persisted jobs
type HistorySource interface {
	List(ctx context.Context, filter history.Filter) ([]history.JobRecord, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Version     string
	Jobs        JobSource
	Models      ModelSource
	Connections ConnectionCounter
	// History is nil when persistence is disabled
	History   HistorySource
	WebSocket http.Handler
	Metrics   http.Handler
}
