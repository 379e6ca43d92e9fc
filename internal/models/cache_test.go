package models

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stablehorde-proxy/internal/horde"
)

const catalogV1 = `{
  "Deliberate": {"name": "Deliberate", "description": "Generalist", "trigger": [], "showcases": ["https://example.com/d.png"], "style": "generalist", "nsfw": true},
  "Anything Diffusion": {"description": "Anime", "trigger": ["anime"], "style": "anime", "nsfw": false},
  "Unused": {"description": "No workers", "style": "other"}
}`

const catalogV2 = `{
  "Deliberate": {"description": "Generalist v2", "trigger": [], "showcases": ["https://example.com/d.png"], "style": "generalist", "nsfw": true},
  "Anything Diffusion": {"description": "Anime", "trigger": ["anime"], "style": "anime", "nsfw": false}
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type catalogServer struct {
	mu       sync.Mutex
	body     string
	status   int
	requests atomic.Int32
}

func (s *catalogServer) set(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}

func (s *catalogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(s.body))
}

type fakeAvailability struct {
	mu       sync.Mutex
	statuses []horde.ModelStatus
	err      error
}

func (f *fakeAvailability) set(err error, statuses ...horde.ModelStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.statuses = statuses
}

func (f *fakeAvailability) ListModels(ctx context.Context) ([]horde.ModelStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses, f.err
}

type recordingListener struct {
	mu      sync.Mutex
	updated []string
	removed []string
}

func (l *recordingListener) ModelUpdated(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updated = append(l.updated, e.Name)
}

func (l *recordingListener) ModelRemoved(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, name)
}

func (l *recordingListener) reset() ([]string, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, r := l.updated, l.removed
	l.updated, l.removed = nil, nil
	return u, r
}

type fixture struct {
	cache    *Cache
	server   *catalogServer
	source   *fakeAvailability
	listener *recordingListener
	path     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	server := &catalogServer{status: http.StatusOK, body: catalogV1}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	source := &fakeAvailability{}
	path := filepath.Join(t.TempDir(), "cache", "db.json")

	cache := New(&Config{
		CatalogURL: ts.URL,
		CachePath:  path,
		Freshness:  time.Hour,
		Source:     source,
		Logger:     discardLogger(),
	})

	listener := &recordingListener{}
	cache.Subscribe(listener)

	return &fixture{cache: cache, server: server, source: source, listener: listener, path: path}
}

func (f *fixture) expire() {
	f.cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
}

func TestCache_RefreshEmitsDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// first cycle: every available model is new
	f.source.set(nil,
		horde.ModelStatus{Name: "Deliberate", Count: 5},
		horde.ModelStatus{Name: "Anything Diffusion", Count: 2},
		horde.ModelStatus{Name: "Brand New", Count: 1},
	)
	require.NoError(t, f.cache.Refresh(ctx))

	updated, removed := f.listener.reset()
	assert.Equal(t, []string{"Deliberate", "Anything Diffusion", "Brand New"}, updated)
	assert.Empty(t, removed)

	snapshot := f.cache.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "Deliberate", snapshot[0].Name)
	assert.Equal(t, 0, snapshot[0].SortIndex)
	assert.Equal(t, "Generalist", snapshot[0].Description)
	assert.Equal(t, "Brand New", snapshot[2].Name)
	assert.Empty(t, snapshot[2].Description)

	_, ok := f.cache.Get("Unused")
	assert.False(t, ok, "catalog models without workers are not published")

	// second cycle: nothing changed
	require.NoError(t, f.cache.Refresh(ctx))
	updated, removed = f.listener.reset()
	assert.Empty(t, updated)
	assert.Empty(t, removed)

	// third cycle: worker counts alone do not count as a change
	f.source.set(nil,
		horde.ModelStatus{Name: "Deliberate", Count: 1},
		horde.ModelStatus{Name: "Anything Diffusion", Count: 9},
		horde.ModelStatus{Name: "Brand New", Count: 1},
	)
	require.NoError(t, f.cache.Refresh(ctx))
	updated, removed = f.listener.reset()
	assert.Empty(t, updated)
	assert.Empty(t, removed)

	e, ok := f.cache.Get("Anything Diffusion")
	require.True(t, ok)
	assert.Equal(t, 9, e.Workers)
	assert.Equal(t, 0, e.SortIndex)

	// fourth cycle: one description changed, one model gone
	f.server.set(http.StatusOK, catalogV2)
	f.expire()
	f.source.set(nil,
		horde.ModelStatus{Name: "Deliberate", Count: 1},
		horde.ModelStatus{Name: "Anything Diffusion", Count: 9},
	)
	require.NoError(t, f.cache.Refresh(ctx))

	updated, removed = f.listener.reset()
	assert.Equal(t, []string{"Deliberate"}, updated)
	assert.Equal(t, []string{"Brand New"}, removed)
}

func TestCache_UsesFreshDiskCache(t *testing.T) {
	f := newFixture(t)
	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 1})

	require.NoError(t, f.cache.Refresh(context.Background()))
	require.NoError(t, f.cache.Refresh(context.Background()))
	assert.Equal(t, int32(1), f.server.requests.Load(), "fresh cache file is reused")

	written, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.JSONEq(t, catalogV1, string(written))

	f.expire()
	require.NoError(t, f.cache.Refresh(context.Background()))
	assert.Equal(t, int32(2), f.server.requests.Load(), "stale cache file triggers a download")
}

func TestCache_FallsBackToStaleFile(t *testing.T) {
	f := newFixture(t)
	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 1})
	require.NoError(t, f.cache.Refresh(context.Background()))

	f.server.set(http.StatusInternalServerError, "")
	f.expire()

	fresh := New(&Config{
		CatalogURL: f.cache.catalogURL,
		CachePath:  f.path,
		Source:     f.source,
		Logger:     discardLogger(),
	})
	fresh.now = f.cache.now

	require.NoError(t, fresh.Refresh(context.Background()))
	e, ok := fresh.Get("Deliberate")
	require.True(t, ok)
	assert.Equal(t, "Generalist", e.Description)
}

func TestCache_NoCatalog(t *testing.T) {
	f := newFixture(t)
	f.server.set(http.StatusBadGateway, "")
	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 1})

	err := f.cache.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoCatalog)

	updated, _ := f.listener.reset()
	assert.Empty(t, updated)
}

func TestCache_AvailabilityErrorEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 1})
	require.NoError(t, f.cache.Refresh(context.Background()))
	f.listener.reset()

	f.source.set(errors.New("horde down"))
	require.Error(t, f.cache.Refresh(context.Background()))

	updated, removed := f.listener.reset()
	assert.Empty(t, updated)
	assert.Empty(t, removed)
	assert.Len(t, f.cache.Snapshot(), 1, "previous snapshot is kept")
}

func TestCache_Unsubscribe(t *testing.T) {
	f := newFixture(t)
	other := &recordingListener{}
	unsubscribe := f.cache.Subscribe(other)
	unsubscribe()

	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 1})
	require.NoError(t, f.cache.Refresh(context.Background()))

	updated, _ := other.reset()
	assert.Empty(t, updated)
	updated, _ = f.listener.reset()
	assert.Equal(t, []string{"Deliberate"}, updated)
}

func TestCache_StartRefreshesImmediately(t *testing.T) {
	f := newFixture(t)
	f.source.set(nil, horde.ModelStatus{Name: "Deliberate", Count: 3})

	f.cache.Start(context.Background())
	t.Cleanup(f.cache.Stop)

	require.Eventually(t, func() bool {
		f.listener.mu.Lock()
		defer f.listener.mu.Unlock()
		return len(f.listener.updated) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), f.server.requests.Load())
	require.Len(t, f.cache.Snapshot(), 1)
	assert.Equal(t, "Deliberate", f.cache.Snapshot()[0].Name)
}

func TestEntry_Info(t *testing.T) {
	e := Entry{
		Name:      "Deliberate",
		Triggers:  []string{"deliberate", "second"},
		Showcases: []string{"a.png"},
		Workers:   3,
		SortIndex: 1,
	}

	info := e.Info()
	assert.Equal(t, "deliberate", info.Trigger)
	assert.Equal(t, "a.png", info.Showcase)
	assert.Equal(t, 3, info.Workers)
	assert.Equal(t, 1, info.SortIndex)

	assert.Empty(t, Entry{Name: "x"}.Info().Trigger)
}
