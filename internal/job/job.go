// Package job implements the per-request generation job: one client request fans out
// into single-image sub-requests against the Horde, which the job submits, polls,
// fetches and delivers to its owning connection.
package job

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/protocol"
)

const (
	// SubmitBatch is the number of sub-requests submitted per tick at most
	SubmitBatch = 4
	// MaxOutstanding bounds submitted plus ready sub-requests
	MaxOutstanding = 2 * SubmitBatch
	// MaxSubmitFailures is the number of failed submissions tolerated before the job fails
	MaxSubmitFailures = 20

	defaultCancelTimeout = 30 * time.Second
)

// Sender delivers messages to the owning connection. Send must not block.
type Sender interface {
	Send(msg protocol.Message) error
}

// Generator is the remote API that advances sub-requests
type Generator interface {
	Submit(ctx context.Context, apiKey string, payload any) (string, error)
	CheckStatus(ctx context.Context, id string) horde.Status
	FetchImages(ctx context.Context, id string) ([]horde.Image, horde.Status)
	Cancel(ctx context.Context, id string)
}

// Observer is notified of job lifecycle events
type Observer interface {
	JobStarted(ctx context.Context, s Summary)
	ImageDelivered(ctx context.Context, s Summary, img horde.Image)
	JobEnded(ctx context.Context, s Summary)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) JobStarted(context.Context, Summary)                  {}
func (NopObserver) ImageDelivered(context.Context, Summary, horde.Image) {}
func (NopObserver) JobEnded(context.Context, Summary)                    {}

// Observers fans every event out to each observer in order
type Observers []Observer

func (o Observers) JobStarted(ctx context.Context, s Summary) {
	for _, obs := range o {
		obs.JobStarted(ctx, s)
	}
}

func (o Observers) ImageDelivered(ctx context.Context, s Summary, img horde.Image) {
	for _, obs := range o {
		obs.ImageDelivered(ctx, s, img)
	}
}

func (o Observers) JobEnded(ctx context.Context, s Summary) {
	for _, obs := range o {
		obs.JobEnded(ctx, s)
	}
}

// Summary is a point-in-time copy of a job's bookkeeping
type Summary struct {
	ID           string    `json:"job_id"`
	ConnectionID string    `json:"connection_id"`
	Status       Status    `json:"status"`
	StatusText   string    `json:"status_text,omitempty"`
	Prompt       string    `json:"prompt"`
	Models       []string  `json:"models"`
	Target       int       `json:"target"`
	Requested    int       `json:"requested"`
	Finished     int       `json:"finished"`
	Delivered    int       `json:"delivered"`
	Running      int       `json:"running"`
	Ready        int       `json:"ready"`
	Failures     int       `json:"failures"`
	Done         bool      `json:"done"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Config holds job dependencies
type Config struct {
	ID            string // generated when empty
	ConnectionID  string
	Params        Params
	Sender        Sender
	Generator     Generator
	Observer      Observer
	Logger        *slog.Logger
	CancelTimeout time.Duration
}

// Job is one client generation request
type Job struct {
	id            string
	connID        string
	params        Params
	payload       map[string]any
	sender        Sender
	gen           Generator
	observer      Observer
	logger        *slog.Logger
	cancelTimeout time.Duration
	createdAt     time.Time

	mu         sync.Mutex
	status     Status
	statusText string
	target     int
	requested  int
	finished   int
	delivered  int
	failures   int
	running    []string
	ready      []string
	pending    []horde.Image
	updatedAt  time.Time
}

// New creates a running job and pushes its first progress snapshot
func New(cfg *Config) *Job {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	cancelTimeout := cfg.CancelTimeout
	if cancelTimeout <= 0 {
		cancelTimeout = defaultCancelTimeout
	}

	params := cfg.Params
	params.normalize()

	now := time.Now()
	j := &Job{
		id:            id,
		connID:        cfg.ConnectionID,
		params:        params,
		payload:       params.Payload(),
		sender:        cfg.Sender,
		gen:           cfg.Generator,
		observer:      observer,
		logger:        logger.With(slog.String("job_id", id), slog.String("conn_id", cfg.ConnectionID)),
		cancelTimeout: cancelTimeout,
		createdAt:     now,
		status:        StatusRunning,
		target:        params.Images,
		updatedAt:     now,
	}

	j.mu.Lock()
	j.emitLocked()
	j.mu.Unlock()

	return j
}

// ID returns the job id
func (j *Job) ID() string {
	return j.id
}

// ConnectionID returns the id of the owning connection
func (j *Job) ConnectionID() string {
	return j.connID
}

// Params returns the normalized generation parameters
func (j *Job) Params() Params {
	return j.params
}

// Status returns the current status
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done reports whether the job is terminal with nothing left to deliver
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.doneLocked()
}

// Summary returns a snapshot of the job
func (j *Job) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summaryLocked()
}

func (j *Job) summaryLocked() Summary {
	return Summary{
		ID:           j.id,
		ConnectionID: j.connID,
		Status:       j.status,
		StatusText:   j.statusText,
		Prompt:       j.params.Prompt,
		Models:       slices.Clone(j.params.Models),
		Target:       j.target,
		Requested:    j.requested,
		Finished:     j.finished,
		Delivered:    j.delivered,
		Running:      len(j.running),
		Ready:        len(j.ready),
		Failures:     j.failures,
		Done:         j.doneLocked(),
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
}

func (j *Job) doneLocked() bool {
	return j.status.IsTerminal() && len(j.pending) == 0
}

// emitLocked pushes a progress snapshot to the owning connection
func (j *Job) emitLocked() {
	j.updatedAt = time.Now()

	if j.sender == nil {
		return
	}

	msg := protocol.JobProgress(protocol.Progress{
		Target:    j.target,
		Requested: j.requested,
		Finished:  j.finished,
		Done:      j.doneLocked(),
		Status:    j.statusText,
	})
	if err := j.sender.Send(msg); err != nil {
		j.logger.Debug("Progress not delivered",
			slog.Any("error", err),
		)
	}
}

// transitionLocked moves the job to a new status, rejecting moves out of terminal states
func (j *Job) transitionLocked(to Status, text string) bool {
	if err := ValidateTransition(j.status, to); err != nil {
		j.logger.Debug("Ignoring status change",
			slog.Any("error", err),
		)
		return false
	}
	j.status = to
	j.statusText = text
	return true
}

func (j *Job) cancelledLocked() bool {
	return j.status == StatusCancelled
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelledLocked()
}

// Advance runs one orchestration tick: fetch, deliver, submit, poll.
// It returns early as soon as the job has been cancelled.
func (j *Job) Advance(ctx context.Context) {
	if j.isCancelled() {
		return
	}

	j.fetch(ctx)
	if j.isCancelled() {
		return
	}

	j.deliver(ctx)
	if j.isCancelled() {
		return
	}

	j.submit(ctx)
	if j.isCancelled() {
		return
	}

	j.poll(ctx)
	if j.isCancelled() {
		return
	}

	j.complete()
}

func (j *Job) fetch(ctx context.Context) {
	j.mu.Lock()
	ids := slices.Clone(j.ready)
	j.mu.Unlock()

	for _, id := range ids {
		if j.isCancelled() {
			return
		}

		images, status := j.gen.FetchImages(ctx, id)

		j.mu.Lock()
		if j.cancelledLocked() {
			j.mu.Unlock()
			return
		}
		switch {
		case status == horde.StatusFinished && len(images) > 0:
			j.ready = remove(j.ready, id)
			j.pending = append(j.pending, images...)
		case status == horde.StatusError:
			j.ready = remove(j.ready, id)
			j.logger.Warn("Sub-request lost before fetch",
				slog.String("sub_request_id", id),
			)
		}
		j.mu.Unlock()
	}
}

func (j *Job) deliver(ctx context.Context) {
	j.mu.Lock()
	if j.cancelledLocked() || len(j.pending) == 0 {
		j.mu.Unlock()
		return
	}

	delivered := j.pending
	j.pending = nil
	for _, img := range delivered {
		if j.sender != nil {
			if err := j.sender.Send(protocol.ImageReady(img.ID, img.URL)); err != nil {
				j.logger.Debug("Image not delivered",
					slog.String("sub_request_id", img.ID),
					slog.Any("error", err),
				)
			}
		}
		j.delivered++
	}
	summary := j.summaryLocked()
	j.mu.Unlock()

	for _, img := range delivered {
		j.observer.ImageDelivered(ctx, summary, img)
	}
}

func (j *Job) submit(ctx context.Context) {
	for range SubmitBatch {
		j.mu.Lock()
		if j.status != StatusRunning || j.requested >= j.target || len(j.running)+len(j.ready) >= MaxOutstanding {
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		id, err := j.gen.Submit(ctx, j.params.APIKey, j.payload)

		j.mu.Lock()
		if j.cancelledLocked() {
			j.mu.Unlock()
			if err == nil {
				j.cancelRemote([]string{id})
			}
			return
		}

		if err != nil {
			j.failures++
			j.logger.Debug("Submission failed",
				slog.Int("failures", j.failures),
				slog.Bool("retryable", horde.IsRetryable(err)),
				slog.Any("error", err),
			)
			// A rejected api key fails every later submission too
			if errors.Is(err, horde.ErrUnauthorized) {
				j.failLocked("api key rejected")
				return
			}
			if j.failures > MaxSubmitFailures {
				j.failLocked("too many failed submissions")
				return
			}
			j.mu.Unlock()
			continue
		}

		j.running = append(j.running, id)
		j.requested++
		j.emitLocked()
		j.mu.Unlock()
	}
}

func (j *Job) poll(ctx context.Context) {
	j.mu.Lock()
	ids := slices.Clone(j.running)
	j.mu.Unlock()

	for _, id := range ids {
		if j.isCancelled() {
			return
		}

		status := j.gen.CheckStatus(ctx, id)

		j.mu.Lock()
		if j.cancelledLocked() {
			j.mu.Unlock()
			return
		}
		switch status {
		case horde.StatusFinished:
			j.running = remove(j.running, id)
			j.ready = append(j.ready, id)
			j.finished++
			j.emitLocked()
		case horde.StatusError:
			j.running = remove(j.running, id)
			j.logger.Warn("Sub-request failed on the Horde",
				slog.String("sub_request_id", id),
			)
		}
		j.mu.Unlock()
	}
}

// complete ends a job once every sub-request has been resolved
func (j *Job) complete() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusRunning || j.requested < j.target ||
		len(j.running) > 0 || len(j.ready) > 0 || len(j.pending) > 0 {
		return
	}

	if j.delivered == 0 {
		if j.transitionLocked(StatusError, "no image could be generated") {
			j.emitLocked()
		}
		return
	}

	text := ""
	if j.delivered < j.target {
		text = "some images could not be generated"
	}
	if j.transitionLocked(StatusFinished, text) {
		j.logger.Info("Job finished",
			slog.Int("delivered", j.delivered),
			slog.Int("target", j.target),
		)
		j.emitLocked()
	}
}

// Cancel marks the job cancelled and asks the Horde to drop every running
// sub-request. It returns without waiting for those calls.
func (j *Job) Cancel() {
	j.mu.Lock()
	if !j.transitionLocked(StatusCancelled, "cancelled") {
		j.mu.Unlock()
		return
	}
	ids := slices.Clone(j.running)
	j.emitLocked()
	j.mu.Unlock()

	j.logger.Info("Job cancelled",
		slog.Int("running", len(ids)),
	)

	j.cancelRemote(ids)
}

// Fail forces the job into the Error state and notifies the connection
func (j *Job) Fail(reason string) {
	j.mu.Lock()
	j.failLocked(reason)
}

// failLocked must be called with the lock held and releases it
func (j *Job) failLocked(reason string) {
	if !j.transitionLocked(StatusError, reason) {
		j.mu.Unlock()
		return
	}
	ids := slices.Clone(j.running)
	j.emitLocked()
	j.mu.Unlock()

	j.logger.Warn("Job failed",
		slog.String("reason", reason),
	)

	j.cancelRemote(ids)
}

func (j *Job) cancelRemote(ids []string) {
	for _, id := range ids {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), j.cancelTimeout)
			defer cancel()
			j.gen.Cancel(ctx, id)
		}(id)
	}
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
