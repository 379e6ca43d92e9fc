// Package models keeps the catalog of Horde image models that currently have workers
// and notifies subscribers when an entry appears, changes or disappears.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
	"github.com/cuongbtq/stablehorde-proxy/internal/protocol"
)

const (
	DefaultCatalogURL      = "https://raw.githubusercontent.com/Haidra-Org/AI-Horde-image-model-reference/main/stable_diffusion.json"
	DefaultCachePath       = "db.json"
	DefaultFreshness       = time.Hour
	DefaultRefreshInterval = 15 * time.Minute
	defaultTimeout         = 30 * time.Second
)

// ErrNoCatalog is returned when the catalog can neither be downloaded nor read from disk
var ErrNoCatalog = errors.New("no model catalog available")

// Entry describes one model
type Entry struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Triggers    []string `json:"trigger"`
	Showcases   []string `json:"showcases"`
	Style       string   `json:"style"`
	NSFW        bool     `json:"nsfw"`
	Workers     int      `json:"workers"`
	SortIndex   int      `json:"sort_index"`
}

// sameDescription compares the descriptive fields used for change detection
func (e Entry) sameDescription(o Entry) bool {
	return e.Name == o.Name &&
		e.Description == o.Description &&
		slices.Equal(e.Triggers, o.Triggers) &&
		slices.Equal(e.Showcases, o.Showcases) &&
		e.Style == o.Style &&
		e.NSFW == o.NSFW
}

// Info converts the entry into a model_update payload
func (e Entry) Info() protocol.ModelInfo {
	info := protocol.ModelInfo{
		Name:        e.Name,
		Description: e.Description,
		Workers:     e.Workers,
		SortIndex:   e.SortIndex,
		NSFW:        e.NSFW,
		Style:       e.Style,
	}
	if len(e.Triggers) > 0 {
		info.Trigger = e.Triggers[0]
	}
	if len(e.Showcases) > 0 {
		info.Showcase = e.Showcases[0]
	}
	return info
}

// Availability reports live worker counts per model
type Availability interface {
	ListModels(ctx context.Context) ([]horde.ModelStatus, error)
}

// Listener receives model events
type Listener interface {
	ModelUpdated(e Entry)
	ModelRemoved(name string)
}

// Config holds cache configuration
type Config struct {
	CatalogURL      string
	CachePath       string
	Freshness       time.Duration
	RefreshInterval time.Duration
	Timeout         time.Duration
	HTTPClient      *http.Client
	Source          Availability
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Cache merges the model catalog with live availability
type Cache struct {
	catalogURL string
	cachePath  string
	freshness  time.Duration
	interval   time.Duration
	timeout    time.Duration
	httpClient *http.Client
	source     Availability
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.RWMutex
	catalog   map[string]Entry
	available map[string]Entry
	listeners map[int]Listener
	nextID    int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a model cache
func New(cfg *Config) *Cache {
	c := &Cache{
		catalogURL: cfg.CatalogURL,
		cachePath:  cfg.CachePath,
		freshness:  cfg.Freshness,
		interval:   cfg.RefreshInterval,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		source:     cfg.Source,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
		catalog:    make(map[string]Entry),
		available:  make(map[string]Entry),
		listeners:  make(map[int]Listener),
	}

	if c.catalogURL == "" {
		c.catalogURL = DefaultCatalogURL
	}
	if c.cachePath == "" {
		c.cachePath = DefaultCachePath
	}
	if c.freshness <= 0 {
		c.freshness = DefaultFreshness
	}
	if c.interval <= 0 {
		c.interval = DefaultRefreshInterval
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Subscribe registers a listener and returns the function that removes it
func (c *Cache) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Snapshot returns the available models ordered by sort index
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.available))
	for _, e := range c.available {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SortIndex < out[j].SortIndex })
	return out
}

// Get returns one available model
func (c *Cache) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.available[name]
	return e, ok
}

// Start refreshes once right away, then on a ticker until ctx is cancelled or Stop is called
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.refreshLogged(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshLogged(ctx)
			}
		}
	}()
}

func (c *Cache) refreshLogged(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("Model refresh failed",
			slog.Any("error", err),
		)
	}
}

// Stop cancels the refresh ticker and waits for it to return
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Refresh reloads the catalog, merges live availability and emits events for the differences
func (c *Cache) Refresh(ctx context.Context) error {
	catalog, err := c.loadCatalog(ctx)
	if err != nil {
		c.mu.RLock()
		known := len(c.catalog)
		c.mu.RUnlock()
		if known == 0 {
			return err
		}
		c.logger.Warn("Keeping previous model catalog",
			slog.Any("error", err),
		)
	} else {
		c.mu.Lock()
		c.catalog = catalog
		c.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	statuses, err := c.source.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list available models: %w", err)
	}

	c.mu.Lock()
	next := c.merge(statuses)
	updated, removed := diff(c.available, next)
	c.available = next
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.metrics.SetModelsAvailable(len(next))
	c.logger.Info("Model list refreshed",
		slog.Int("available", len(next)),
		slog.Int("updated", len(updated)),
		slog.Int("removed", len(removed)),
	)

	for _, name := range removed {
		for _, l := range listeners {
			l.ModelRemoved(name)
		}
	}
	for _, e := range updated {
		for _, l := range listeners {
			l.ModelUpdated(e)
		}
	}

	return nil
}

// merge must be called with the lock held
func (c *Cache) merge(statuses []horde.ModelStatus) map[string]Entry {
	entries := make([]Entry, 0, len(statuses))
	seen := make(map[string]bool, len(statuses))

	for _, st := range statuses {
		if st.Name == "" || seen[st.Name] {
			continue
		}
		seen[st.Name] = true

		e, ok := c.catalog[st.Name]
		if !ok {
			c.logger.Debug("Model is available but not in the catalog",
				slog.String("model", st.Name),
			)
			e = Entry{Name: st.Name}
		}
		e.Workers = st.Count
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Workers != entries[j].Workers {
			return entries[i].Workers > entries[j].Workers
		}
		return entries[i].Name < entries[j].Name
	})

	out := make(map[string]Entry, len(entries))
	for i, e := range entries {
		e.SortIndex = i
		out[e.Name] = e
	}
	return out
}

// diff lists entries that are new or descriptively changed, and names that disappeared
func diff(prev, next map[string]Entry) ([]Entry, []string) {
	var updated []Entry
	var removed []string

	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, e := range next {
		old, ok := prev[name]
		if !ok || !old.sameDescription(e) {
			updated = append(updated, e)
		}
	}

	sort.Strings(removed)
	sort.Slice(updated, func(i, j int) bool { return updated[i].SortIndex < updated[j].SortIndex })

	return updated, removed
}

// loadCatalog returns the catalog from the disk cache while it is fresh, downloads
// it otherwise and falls back to the stale file when the download fails
func (c *Cache) loadCatalog(ctx context.Context) (map[string]Entry, error) {
	info, statErr := os.Stat(c.cachePath)
	if statErr == nil && info.ModTime().Add(c.freshness).After(c.now()) {
		data, err := os.ReadFile(c.cachePath)
		if err == nil {
			if catalog, err := c.parseCatalog(data); err == nil {
				return catalog, nil
			}
		}
	}

	data, err := c.download(ctx)
	if err == nil {
		catalog, parseErr := c.parseCatalog(data)
		if parseErr == nil {
			if err := c.writeCache(data); err != nil {
				c.logger.Warn("Failed to write model catalog cache",
					slog.String("path", c.cachePath),
					slog.Any("error", err),
				)
			}
			return catalog, nil
		}
		err = parseErr
	}

	c.logger.Error("Failed to download model catalog",
		slog.String("url", c.catalogURL),
		slog.Any("error", err),
	)

	if statErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCatalog, err)
	}

	data, readErr := os.ReadFile(c.cachePath)
	if readErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCatalog, readErr)
	}
	catalog, parseErr := c.parseCatalog(data)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCatalog, parseErr)
	}

	c.logger.Warn("Using cached model catalog",
		slog.String("path", c.cachePath),
		slog.Time("modified", info.ModTime()),
	)
	return catalog, nil
}

func (c *Cache) download(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// parseCatalog decodes the name-keyed catalog. A malformed entry keeps only its name.
func (c *Cache) parseCatalog(data []byte) (map[string]Entry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}

	catalog := make(map[string]Entry, len(raw))
	for name, value := range raw {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			c.logger.Debug("Malformed catalog entry, keeping the name only",
				slog.String("model", name),
				slog.Any("error", err),
			)
			e = Entry{}
		}
		e.Name = name
		e.Workers = 0
		e.SortIndex = 0
		catalog[name] = e
	}
	return catalog, nil
}

func (c *Cache) writeCache(data []byte) error {
	dir := filepath.Dir(c.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.cachePath)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.cachePath)
}
