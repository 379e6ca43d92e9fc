package horde

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stablehorde-proxy/internal/imagestore"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *imagestore.Store) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := imagestore.New(&imagestore.Config{
		Dir:       t.TempDir(),
		PublicURL: "http://proxy.local/images/",
	})
	require.NoError(t, err)

	client := NewClient(&Config{
		BaseURL:     server.URL + "/",
		ClientAgent: "test:1:test",
		CallTimeout: 2 * time.Second,
		Store:       store,
		Logger:      discardLogger(),
		Metrics:     metrics.New(),
	})
	return client, store
}

func TestClient_Submit(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantID  string
		wantErr error
	}{
		{name: "accepted", status: http.StatusAccepted, body: `{"id":"sub-1","kudos":10}`, wantID: "sub-1"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"bad"}`, wantErr: ErrNotAccepted},
		{name: "ok is not accepted", status: http.StatusOK, body: `{"id":"sub-1"}`, wantErr: ErrNotAccepted},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{}`, wantErr: ErrUnauthorized},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: ErrRateLimited},
		{name: "accepted without id", status: http.StatusAccepted, body: `{}`, wantErr: ErrDecode},
		{name: "accepted with garbage", status: http.StatusAccepted, body: `not json`, wantErr: ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v2/generate/async", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			id, err := client.Submit(context.Background(), "key", map[string]any{"prompt": "fox"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestClient_SubmitSendsHeadersAndBody(t *testing.T) {
	var (
		gotKey   string
		gotAgent string
		gotBody  map[string]any
	)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("apikey")
		gotAgent = r.Header.Get("Client-Agent")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))

	payload := map[string]any{
		"prompt": "fox",
		"models": []string{"Deliberate"},
		"params": map[string]any{"n": 1, "width": 512},
	}
	_, err := client.Submit(context.Background(), "0000000000", payload)
	require.NoError(t, err)

	assert.Equal(t, "0000000000", gotKey)
	assert.Equal(t, "test:1:test", gotAgent)
	assert.Equal(t, "fox", gotBody["prompt"])
	assert.Equal(t, []any{"Deliberate"}, gotBody["models"])
	assert.Equal(t, map[string]any{"n": float64(1), "width": float64(512)}, gotBody["params"])
}

func TestClient_SubmitTransportErrorIsRetryable(t *testing.T) {
	client := NewClient(&Config{
		BaseURL:     "http://127.0.0.1:1/",
		CallTimeout: time.Second,
		Logger:      discardLogger(),
	})

	_, err := client.Submit(context.Background(), "", map[string]any{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_CheckStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Status
	}{
		{name: "done", status: http.StatusOK, body: `{"done":true}`, want: StatusFinished},
		{name: "not done", status: http.StatusOK, body: `{"done":false,"waiting":1}`, want: StatusRunning},
		{name: "faulted", status: http.StatusOK, body: `{"done":false,"faulted":true}`, want: StatusError},
		{name: "not found", status: http.StatusNotFound, body: `{}`, want: StatusError},
		{name: "server error", status: http.StatusInternalServerError, body: ``, want: StatusRunning},
		{name: "unparsable", status: http.StatusOK, body: `<html>`, want: StatusRunning},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, want: StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v2/generate/check/sub-1", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			assert.Equal(t, tt.want, client.CheckStatus(context.Background(), "sub-1"))
		})
	}
}

func statusBody(images ...string) string {
	gens := make([]map[string]any, 0, len(images))
	for _, img := range images {
		gens = append(gens, map[string]any{"img": img, "worker_name": "w1", "model": "Deliberate"})
	}
	data, _ := json.Marshal(map[string]any{"done": true, "generations": gens})
	return string(data)
}

func TestClient_FetchImages(t *testing.T) {
	imageBytes := []byte("RIFF....WEBPVP8 fake image")
	encoded := base64.StdEncoding.EncodeToString(imageBytes)

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus Status
		wantImages int
	}{
		{name: "inline image", status: http.StatusOK, body: statusBody(encoded), wantStatus: StatusFinished, wantImages: 1},
		{name: "first decodable wins", status: http.StatusOK, body: statusBody("%%%not-base64", encoded), wantStatus: StatusFinished, wantImages: 1},
		{name: "undecodable stays running", status: http.StatusOK, body: statusBody("%%%not-base64"), wantStatus: StatusRunning},
		{name: "no generations", status: http.StatusOK, body: statusBody(), wantStatus: StatusRunning},
		{name: "unparsable", status: http.StatusOK, body: `{`, wantStatus: StatusRunning},
		{name: "not found", status: http.StatusNotFound, body: `{}`, wantStatus: StatusError},
		{name: "server error", status: http.StatusBadGateway, body: ``, wantStatus: StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v2/generate/status/sub-1", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			images, status := client.FetchImages(context.Background(), "sub-1")
			assert.Equal(t, tt.wantStatus, status)
			require.Len(t, images, tt.wantImages)

			if tt.wantImages > 0 {
				img := images[0]
				assert.Equal(t, "sub-1", img.ID)
				assert.Equal(t, store.Filename(imageBytes), img.Filename)
				assert.Equal(t, "http://proxy.local/images/"+img.Filename, img.URL)

				onDisk, err := os.ReadFile(filepath.Join(store.Dir(), img.Filename))
				require.NoError(t, err)
				assert.Equal(t, imageBytes, onDisk)
			}
		})
	}
}

func TestClient_FetchImagesIsContentAddressed(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("identical output"))

	client, store := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(statusBody(encoded)))
	}))

	first, status := client.FetchImages(context.Background(), "sub-1")
	require.Equal(t, StatusFinished, status)
	second, status := client.FetchImages(context.Background(), "sub-2")
	require.Equal(t, StatusFinished, status)

	assert.Equal(t, first[0].Filename, second[0].Filename)
	assert.Equal(t, "sub-2", second[0].ID)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestClient_FetchImagesDownloadsUploadedImage(t *testing.T) {
	imageBytes := []byte("uploaded image")

	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/r2/img.webp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(imageBytes)
	})
	mux.HandleFunc("/api/v2/generate/status/sub-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(statusBody(serverURL + "/r2/img.webp")))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	serverURL = server.URL

	store, err := imagestore.New(&imagestore.Config{Dir: t.TempDir()})
	require.NoError(t, err)

	client := NewClient(&Config{BaseURL: server.URL, Store: store, Logger: discardLogger()})

	images, status := client.FetchImages(context.Background(), "sub-1")
	require.Equal(t, StatusFinished, status)
	require.Len(t, images, 1)
	assert.Equal(t, store.Filename(imageBytes), images[0].Filename)
}

func TestClient_Cancel(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		path = r.URL.Path
		w.WriteHeader(http.StatusInternalServerError)
	}))

	assert.NotPanics(t, func() {
		client.Cancel(context.Background(), "sub-9")
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/api/v2/generate/status/sub-9", path)
}

func TestClient_CallTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	client := NewClient(&Config{
		BaseURL:     server.URL,
		CallTimeout: 50 * time.Millisecond,
		Logger:      discardLogger(),
	})

	start := time.Now()
	status := client.CheckStatus(context.Background(), "hung")

	assert.Equal(t, StatusRunning, status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_ListModels(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/status/models", r.URL.Path)
		assert.Equal(t, "image", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`[{"name":"Deliberate","count":4},{"name":"stable_diffusion","count":12}]`))
	}))

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ModelStatus{
		{Name: "Deliberate", Count: 4},
		{Name: "stable_diffusion", Count: 12},
	}, models)
}

func TestClient_ListModelsError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "finished", StatusFinished.String())
	assert.Equal(t, "error", StatusError.String())
	assert.Equal(t, "unknown", Status(42).String())
}
