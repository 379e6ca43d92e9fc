// Package history persists job lifecycle events to PostgreSQL.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	job_id        TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	prompt        TEXT NOT NULL,
	models        TEXT[] NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	status_text   TEXT NOT NULL DEFAULT '',
	target        INTEGER NOT NULL,
	requested     INTEGER NOT NULL DEFAULT 0,
	finished      INTEGER NOT NULL DEFAULT 0,
	delivered     INTEGER NOT NULL DEFAULT 0,
	failures      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS generation_images (
	sub_request_id TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES generation_jobs(job_id) ON DELETE CASCADE,
	url            TEXT NOT NULL,
	filename       TEXT NOT NULL,
	delivered_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_generation_jobs_created_at ON generation_jobs (created_at DESC);
`

const (
	insertJobQuery = `
INSERT INTO generation_jobs
	(job_id, connection_id, prompt, models, status, status_text, target, created_at, updated_at)
VALUES
	(:job_id, :connection_id, :prompt, :models, :status, :status_text, :target, :created_at, :updated_at)
ON CONFLICT (job_id) DO NOTHING`

	insertImageQuery = `
INSERT INTO generation_images (sub_request_id, job_id, url, filename, delivered_at)
VALUES (:sub_request_id, :job_id, :url, :filename, :delivered_at)
ON CONFLICT (sub_request_id) DO NOTHING`

	updateDeliveredQuery = `
UPDATE generation_jobs SET delivered = $2, updated_at = $3 WHERE job_id = $1`

	endJobQuery = `
UPDATE generation_jobs
SET status = $2, status_text = $3, requested = $4, finished = $5,
	delivered = $6, failures = $7, updated_at = $8, ended_at = $8
WHERE job_id = $1`

	listJobsColumns = `
SELECT job_id, connection_id, prompt, models, status, status_text, target,
	requested, finished, delivered, failures, created_at, updated_at, ended_at
FROM generation_jobs
WHERE 1=1`
)

// DB is the subset of the PostgreSQL client used by the store
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// JobRecord is one row of generation_jobs
type JobRecord struct {
	JobID        string         `db:"job_id" json:"job_id"`
	ConnectionID string         `db:"connection_id" json:"connection_id"`
	Prompt       string         `db:"prompt" json:"prompt"`
	Models       pq.StringArray `db:"models" json:"models"`
	Status       string         `db:"status" json:"status"`
	StatusText   string         `db:"status_text" json:"status_text,omitempty"`
	Target       int            `db:"target" json:"target"`
	Requested    int            `db:"requested" json:"requested"`
	Finished     int            `db:"finished" json:"finished"`
	Delivered    int            `db:"delivered" json:"delivered"`
	Failures     int            `db:"failures" json:"failures"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	EndedAt      *time.Time     `db:"ended_at" json:"ended_at,omitempty"`
}

type imageRecord struct {
	SubRequestID string    `db:"sub_request_id"`
	JobID        string    `db:"job_id"`
	URL          string    `db:"url"`
	Filename     string    `db:"filename"`
	DeliveredAt  time.Time `db:"delivered_at"`
}

// Store records job lifecycle events. Write failures are logged and never
// reach the job.
type Store struct {
	db     DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new history store
func NewStore(db DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates the history tables when missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.db.ExecContext(ctx, schema)
}

// JobStarted implements job.Observer
func (s *Store) JobStarted(ctx context.Context, sum job.Summary) {
	rec := JobRecord{
		JobID:        sum.ID,
		ConnectionID: sum.ConnectionID,
		Prompt:       sum.Prompt,
		Models:       pq.StringArray(sum.Models),
		Status:       string(sum.Status),
		StatusText:   sum.StatusText,
		Target:       sum.Target,
		CreatedAt:    sum.CreatedAt,
		UpdatedAt:    sum.UpdatedAt,
	}
	if err := s.db.NamedExecContext(ctx, insertJobQuery, rec); err != nil {
		s.logger.Error("Failed to record job start", slog.String("job_id", sum.ID), slog.Any("error", err))
	}
}

// ImageDelivered implements job.Observer
func (s *Store) ImageDelivered(ctx context.Context, sum job.Summary, img horde.Image) {
	now := s.now()
	rec := imageRecord{
		SubRequestID: img.ID,
		JobID:        sum.ID,
		URL:          img.URL,
		Filename:     img.Filename,
		DeliveredAt:  now,
	}
	if err := s.db.NamedExecContext(ctx, insertImageQuery, rec); err != nil {
		s.logger.Error("Failed to record delivered image",
			slog.String("job_id", sum.ID),
			slog.String("sub_request_id", img.ID),
			slog.Any("error", err),
		)
		return
	}
	if err := s.db.ExecContext(ctx, updateDeliveredQuery, sum.ID, sum.Delivered, now); err != nil {
		s.logger.Error("Failed to update delivered count", slog.String("job_id", sum.ID), slog.Any("error", err))
	}
}

// JobEnded implements job.Observer
func (s *Store) JobEnded(ctx context.Context, sum job.Summary) {
	err := s.db.ExecContext(ctx, endJobQuery,
		sum.ID, string(sum.Status), sum.StatusText, sum.Requested, sum.Finished,
		sum.Delivered, sum.Failures, s.now(),
	)
	if err != nil {
		s.logger.Error("Failed to record job end", slog.String("job_id", sum.ID), slog.Any("error", err))
	}
}

// Filter narrows a history listing
type Filter struct {
	ConnectionID string
	Status       string
	PageSize     int
	Cursor       *Cursor
}

// Cursor marks the last row of the previous page
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns jobs newest first. It fetches one row more than PageSize so
// the caller can tell whether another page exists.
func (s *Store) List(ctx context.Context, filter Filter) ([]JobRecord, error) {
	query := listJobsColumns
	args := []any{}
	argIdx := 1

	if filter.ConnectionID != "" {
		query += fmt.Sprintf(" AND connection_id = $%d", argIdx)
		args = append(args, filter.ConnectionID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var records []JobRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return records, nil
}
