package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
)

type published struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakeBroker struct {
	messages []published
	err      error
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, routingKey string, body []byte, contentType string) error {
	b.messages = append(b.messages, published{routingKey: routingKey, body: body, contentType: contentType})
	return b.err
}

func newTestPublisher(b Broker) *Publisher {
	p := NewPublisher(b, "proxy-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPublisher_Lifecycle(t *testing.T) {
	broker := &fakeBroker{}
	p := newTestPublisher(broker)
	ctx := context.Background()

	sum := job.Summary{ID: "job-1", ConnectionID: "conn-1", Status: job.StatusRunning, Target: 1}
	p.JobStarted(ctx, sum)
	sum.Delivered = 1
	p.ImageDelivered(ctx, sum, horde.Image{ID: "sub-1", URL: "http://img/AB.webp", Filename: "AB.webp"})
	sum.Status = job.StatusFinished
	p.JobEnded(ctx, sum)

	require.Len(t, broker.messages, 3)
	assert.Equal(t, TypeJobStarted, broker.messages[0].routingKey)
	assert.Equal(t, TypeImageDelivered, broker.messages[1].routingKey)
	assert.Equal(t, TypeJobEnded, broker.messages[2].routingKey)

	for _, m := range broker.messages {
		assert.Equal(t, "application/json", m.contentType)
	}

	var ev Event
	require.NoError(t, json.Unmarshal(broker.messages[1].body, &ev))
	assert.Equal(t, TypeImageDelivered, ev.Type)
	assert.Equal(t, "proxy-test", ev.Source)
	assert.Equal(t, "job-1", ev.Job.ID)
	assert.Equal(t, 1, ev.Job.Delivered)
	require.NotNil(t, ev.Image)
	assert.Equal(t, "sub-1", ev.Image.SubRequestID)
	assert.True(t, ev.OccurredAt.Equal(p.now()))

	require.NoError(t, json.Unmarshal(broker.messages[2].body, &ev))
	assert.Equal(t, job.StatusFinished, ev.Job.Status)
}

func TestPublisher_StartedEventHasNoImage(t *testing.T) {
	broker := &fakeBroker{}
	newTestPublisher(broker).JobStarted(context.Background(), job.Summary{ID: "job-1"})

	require.Len(t, broker.messages, 1)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(broker.messages[0].body, &raw))
	assert.NotContains(t, raw, "image")
}

func TestPublisher_BrokerErrorIsContained(t *testing.T) {
	broker := &fakeBroker{err: errors.New("channel closed")}
	p := newTestPublisher(broker)

	assert.NotPanics(t, func() {
		p.JobEnded(context.Background(), job.Summary{ID: "job-1"})
	})
	assert.Len(t, broker.messages, 1)
}
