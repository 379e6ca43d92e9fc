// Package horde is the adapter over the Stable Horde asynchronous image generation API.
//
// The client never lets a remote failure escape as a panic or a hard error to the
// job engine: every call resolves to a Status (or a soft error for submissions)
// so that a slow or broken Horde only delays the sub-requests it owns.
package horde

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/stablehorde-proxy/internal/imagestore"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
)

const (
	DefaultBaseURL     = "https://stablehorde.net/"
	DefaultClientAgent = "stablehorde-proxy:1.0:unknown"
	DefaultCallTimeout = 30 * time.Second

	submitPath = "api/v2/generate/async"
	checkPath  = "api/v2/generate/check/"
	statusPath = "api/v2/generate/status/"
	modelsPath = "api/v2/status/models"

	maxBodySize = 64 << 20
)

// Operation labels used in logs and metrics
const (
	opSubmit   = "submit"
	opCheck    = "check"
	opFetch    = "fetch"
	opCancel   = "cancel"
	opModels   = "models"
	opDownload = "download"
)

// Status is the classification of a sub-request after a remote call
type Status int

const (
	StatusRunning Status = iota
	StatusFinished
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Image is a generated image persisted by FetchImages
type Image struct {
	ID       string // sub-request id
	URL      string
	Filename string
}

// ModelStatus is the live worker count of one model
type ModelStatus struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ImageSaver persists decoded image bytes
type ImageSaver interface {
	Save(ctx context.Context, data []byte) (imagestore.Stored, error)
}

// Config holds client configuration
type Config struct {
	BaseURL           string
	ClientAgent       string
	CallTimeout       time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
	LogRequests       bool
	HTTPClient        *http.Client
	Store             ImageSaver
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

// Client talks to the Stable Horde REST API
type Client struct {
	baseURL     string
	clientAgent string
	callTimeout time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	store       ImageSaver
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewClient creates a new Horde client
func NewClient(cfg *Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(DefaultBaseURL, "/")
	}

	clientAgent := cfg.ClientAgent
	if clientAgent == "" {
		clientAgent = DefaultClientAgent
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.LogRequests {
		wrapped := *httpClient
		wrapped.Transport = NewLoggingTransport(httpClient.Transport, logger)
		httpClient = &wrapped
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:     baseURL,
		clientAgent: clientAgent,
		callTimeout: callTimeout,
		httpClient:  httpClient,
		limiter:     limiter,
		store:       cfg.Store,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

type response struct {
	status int
	body   []byte
}

// do performs one bounded API call. A nil error means a response was received, whatever its status.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, apiKey string) (*response, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.ObserveRemoteCall(op, "throttled", time.Since(start))
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Client-Agent", c.clientAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("apikey", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRemoteCall(op, "transport_error", time.Since(start))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		c.metrics.ObserveRemoteCall(op, "transport_error", time.Since(start))
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.metrics.ObserveRemoteCall(op, outcome(resp.StatusCode), time.Since(start))

	return &response{status: resp.StatusCode, body: data}, nil
}

func outcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 200 && status < 300:
		return "ok"
	case status >= 500:
		return "server_error"
	default:
		return "rejected"
	}
}

// Submit sends one generation request. It returns the sub-request id only when the
// Horde accepts the request; every other outcome is returned as an error the caller
// is expected to count, not propagate.
func (c *Client) Submit(ctx context.Context, apiKey string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	resp, err := c.do(ctx, opSubmit, http.MethodPost, submitPath, body, apiKey)
	if err != nil {
		c.logger.Warn("Generation submit failed",
			slog.String("operation", opSubmit),
			slog.Any("error", err),
		)
		return "", NewRetryableError(err)
	}

	if resp.status != http.StatusAccepted {
		err := statusError(resp.status, resp.body)
		c.logger.Warn("Generation submit rejected",
			slog.String("operation", opSubmit),
			slog.Int("status", resp.status),
			slog.Any("error", err),
		)
		return "", err
	}

	var accepted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &accepted); err != nil || accepted.ID == "" {
		c.logger.Warn("Generation submit returned no id",
			slog.String("operation", opSubmit),
			slog.String("body", truncate(resp.body)),
		)
		return "", NewRetryableError(ErrDecode)
	}

	c.logger.Debug("Generation submitted",
		slog.String("sub_request_id", accepted.ID),
	)

	return accepted.ID, nil
}

// CheckStatus polls a sub-request. Only a done report or a 404 leave the Running state.
func (c *Client) CheckStatus(ctx context.Context, id string) Status {
	resp, err := c.do(ctx, opCheck, http.MethodGet, checkPath+url.PathEscape(id), nil, "")
	if err != nil {
		c.logger.Debug("Generation check failed",
			slog.String("sub_request_id", id),
			slog.Any("error", err),
		)
		return StatusRunning
	}

	switch resp.status {
	case http.StatusOK:
		var check struct {
			Done    bool `json:"done"`
			Faulted bool `json:"faulted"`
		}
		if err := json.Unmarshal(resp.body, &check); err != nil {
			c.logger.Debug("Generation check returned unparsable body",
				slog.String("sub_request_id", id),
				slog.Any("error", err),
			)
			return StatusRunning
		}
		if check.Faulted {
			c.logger.Warn("Generation faulted on the Horde",
				slog.String("sub_request_id", id),
			)
			return StatusError
		}
		if check.Done {
			return StatusFinished
		}
		return StatusRunning
	case http.StatusNotFound:
		return StatusError
	default:
		c.logger.Debug("Generation check returned unexpected status",
			slog.String("sub_request_id", id),
			slog.Int("status", resp.status),
		)
		return StatusRunning
	}
}

type generation struct {
	Img        string `json:"img"`
	ID         string `json:"id"`
	Seed       string `json:"seed"`
	WorkerName string `json:"worker_name"`
	Model      string `json:"model"`
	Censored   bool   `json:"censored"`
}

// FetchImages downloads the result of a finished sub-request and persists the first
// image that decodes. Decode and IO failures keep the sub-request Running.
func (c *Client) FetchImages(ctx context.Context, id string) ([]Image, Status) {
	resp, err := c.do(ctx, opFetch, http.MethodGet, statusPath+url.PathEscape(id), nil, "")
	if err != nil {
		c.logger.Warn("Generation fetch failed",
			slog.String("sub_request_id", id),
			slog.Any("error", err),
		)
		return nil, StatusRunning
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, StatusError
	default:
		c.logger.Warn("Generation fetch returned unexpected status",
			slog.String("sub_request_id", id),
			slog.Int("status", resp.status),
		)
		return nil, StatusRunning
	}

	var status struct {
		Generations []generation `json:"generations"`
	}
	if err := json.Unmarshal(resp.body, &status); err != nil {
		c.logger.Warn("Generation fetch returned unparsable body",
			slog.String("sub_request_id", id),
			slog.Any("error", err),
		)
		return nil, StatusRunning
	}

	for _, gen := range status.Generations {
		data, err := c.imageBytes(ctx, gen.Img)
		if err != nil {
			c.logger.Warn("Failed to decode generated image",
				slog.String("sub_request_id", id),
				slog.String("worker", gen.WorkerName),
				slog.Any("error", err),
			)
			continue
		}

		if c.store == nil {
			c.logger.Error("No image store configured, dropping image",
				slog.String("sub_request_id", id),
			)
			return nil, StatusRunning
		}

		stored, err := c.store.Save(ctx, data)
		if err != nil {
			c.logger.Error("Failed to persist generated image",
				slog.String("sub_request_id", id),
				slog.Any("error", err),
			)
			continue
		}

		c.metrics.ImageStored()
		c.logger.Debug("Generated image stored",
			slog.String("sub_request_id", id),
			slog.String("filename", stored.Filename),
			slog.Bool("deduplicated", stored.Existed),
			slog.String("model", gen.Model),
		)

		return []Image{{ID: id, URL: stored.URL, Filename: stored.Filename}}, StatusFinished
	}

	return nil, StatusRunning
}

// imageBytes decodes an inline base64 image or downloads an uploaded one
func (c *Client) imageBytes(ctx context.Context, img string) ([]byte, error) {
	if img == "" {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	if strings.HasPrefix(img, "https://") || strings.HasPrefix(img, "http://") {
		return c.download(ctx, img)
	}

	data, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

func (c *Client) download(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRemoteCall(opDownload, "transport_error", time.Since(start))
		return nil, NewRetryableError(err)
	}
	defer resp.Body.Close()

	c.metrics.ObserveRemoteCall(opDownload, outcome(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, NewRetryableError(err)
	}
	return data, nil
}

// Cancel asks the Horde to drop a sub-request. Failures are logged only.
func (c *Client) Cancel(ctx context.Context, id string) {
	resp, err := c.do(ctx, opCancel, http.MethodDelete, statusPath+url.PathEscape(id), nil, "")
	if err != nil {
		c.logger.Warn("Generation cancel failed",
			slog.String("sub_request_id", id),
			slog.Any("error", err),
		)
		return
	}

	c.logger.Debug("Generation cancelled",
		slog.String("sub_request_id", id),
		slog.Int("status", resp.status),
	)
}

// ListModels returns the live worker count of every image model
func (c *Client) ListModels(ctx context.Context) ([]ModelStatus, error) {
	resp, err := c.do(ctx, opModels, http.MethodGet, modelsPath+"?type=image", nil, "")
	if err != nil {
		return nil, NewRetryableError(err)
	}

	if resp.status != http.StatusOK {
		return nil, statusError(resp.status, resp.body)
	}

	var models []ModelStatus
	if err := json.Unmarshal(resp.body, &models); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return models, nil
}
