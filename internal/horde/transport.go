package horde

import (
	"log/slog"
	"net/http"
	"time"
)

// LoggingTransport wraps an http.RoundTripper and logs every exchange at debug level.
// Request bodies are not logged since they carry prompts and image payloads.
type LoggingTransport struct {
	Transport http.RoundTripper
	logger    *slog.Logger
}

// NewLoggingTransport creates a new LoggingTransport
func NewLoggingTransport(transport http.RoundTripper, logger *slog.Logger) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{Transport: transport, logger: logger}
}

// RoundTrip executes a single HTTP transaction, logging method, URL, status and duration
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		t.logger.Debug("Horde request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return nil, err
	}

	t.logger.Debug("Horde request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Int64("content_length", resp.ContentLength),
		slog.Duration("duration", duration),
	)

	return resp, nil
}
