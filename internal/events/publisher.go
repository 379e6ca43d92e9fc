// Package events publishes job lifecycle events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
)

// Event types, also used as routing keys
const (
	TypeJobStarted     = "generation.job.started"
	TypeImageDelivered = "generation.image.delivered"
	TypeJobEnded       = "generation.job.ended"

	contentType = "application/json"
)

// Broker sends one encoded event
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Event is the message body
type Event struct {
	Type       string       `json:"type"`
	Source     string       `json:"source"`
	OccurredAt time.Time    `json:"occurred_at"`
	Job        job.Summary  `json:"job"`
	Image      *ImageDetail `json:"image,omitempty"`
}

// ImageDetail describes a delivered image
type ImageDetail struct {
	SubRequestID string `json:"sub_request_id"`
	URL          string `json:"url"`
	Filename     string `json:"filename"`
}

// Publisher turns job observer calls into broker messages. Publish
// failures are logged and dropped.
type Publisher struct {
	broker Broker
	source string
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a new publisher. source identifies this instance in every event.
func NewPublisher(broker Broker, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{broker: broker, source: source, logger: logger, now: time.Now}
}

// JobStarted implements job.Observer
func (p *Publisher) JobStarted(ctx context.Context, s job.Summary) {
	p.publish(ctx, Event{Type: TypeJobStarted, Job: s})
}

// ImageDelivered implements job.Observer
func (p *Publisher) ImageDelivered(ctx context.Context, s job.Summary, img horde.Image) {
	p.publish(ctx, Event{
		Type: TypeImageDelivered,
		Job:  s,
		Image: &ImageDetail{
			SubRequestID: img.ID,
			URL:          img.URL,
			Filename:     img.Filename,
		},
	})
}

// JobEnded implements job.Observer
func (p *Publisher) JobEnded(ctx context.Context, s job.Summary) {
	p.publish(ctx, Event{Type: TypeJobEnded, Job: s})
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	ev.Source = p.source
	ev.OccurredAt = p.now().UTC()

	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event",
			slog.String("type", ev.Type),
			slog.String("job_id", ev.Job.ID),
			slog.Any("error", err),
		)
		return
	}

	if err := p.broker.PublishWithRetry(ctx, ev.Type, body, contentType); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("type", ev.Type),
			slog.String("job_id", ev.Job.ID),
			slog.Any("error", err),
		)
	}
}
