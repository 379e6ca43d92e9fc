// Package server implements the WebSocket side of the proxy: connection
// lifecycle, command handling and the subscriber registries for model and
// debug-log broadcasts.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuongbtq/stablehorde-proxy/internal/command"
	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
	"github.com/cuongbtq/stablehorde-proxy/internal/models"
	"github.com/cuongbtq/stablehorde-proxy/internal/protocol"
	"github.com/cuongbtq/stablehorde-proxy/internal/scheduler"
)

const (
	DefaultPingInterval  = 5 * time.Second
	DefaultSendQueueSize = 256
	DefaultWriteTimeout  = 10 * time.Second

	maxMessageSize  = 64 * 1024
	observerTimeout = 10 * time.Second
)

// JobScheduler accepts new jobs
type JobScheduler interface {
	Add(t scheduler.Task)
}

// ModelSource provides the current model snapshot
type ModelSource interface {
	Snapshot() []models.Entry
}

// Config holds hub dependencies
type Config struct {
	Logger        *slog.Logger
	Scheduler     JobScheduler
	Generator     job.Generator
	Models        ModelSource
	Observer      job.Observer
	Metrics       *metrics.Metrics
	APIKey        string
	PingInterval  time.Duration
	SendQueueSize int
	WriteTimeout  time.Duration
	CancelTimeout time.Duration
	CheckOrigin   func(r *http.Request) bool
}

// Hub owns every client connection
type Hub struct {
	logger        *slog.Logger
	scheduler     JobScheduler
	generator     job.Generator
	models        ModelSource
	observer      job.Observer
	metrics       *metrics.Metrics
	apiKey        string
	pingInterval  time.Duration
	queueSize     int
	writeTimeout  time.Duration
	cancelTimeout time.Duration
	upgrader      websocket.Upgrader

	mu        sync.RWMutex
	conns     map[string]*Conn
	jobs      map[string]map[string]*job.Job
	debugSubs map[string]*Conn
	modelSubs map[string]*Conn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a new hub
func New(cfg *Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = job.NopObserver{}
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Hub{
		logger:        logger,
		scheduler:     cfg.Scheduler,
		generator:     cfg.Generator,
		models:        cfg.Models,
		observer:      observer,
		metrics:       cfg.Metrics,
		apiKey:        cfg.APIKey,
		pingInterval:  pingInterval,
		queueSize:     queueSize,
		writeTimeout:  writeTimeout,
		cancelTimeout: cfg.CancelTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		conns:     make(map[string]*Conn),
		jobs:      make(map[string]map[string]*job.Job),
		debugSubs: make(map[string]*Conn),
		modelSubs: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		return
	}

	conn := newConn(ws, h.queueSize, h.writeTimeout, h.logger)
	h.register(conn)
	go conn.writeLoop()

	conn.logger.Info("Client connected", slog.String("remote_addr", r.RemoteAddr))

	h.readLoop(conn)

	h.unregister(conn)
	<-conn.done
	conn.logger.Info("Client disconnected",
		slog.Duration("connected_for", time.Since(conn.connectedAt)),
	)
}

func (h *Hub) readLoop(conn *Conn) {
	conn.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug("Read failed", slog.Any("error", err))
			}
			return
		}
		h.handle(conn, string(data))
	}
}

func (h *Hub) handle(conn *Conn, raw string) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		conn.logger.Debug("Ignoring empty message")
		return
	}

	cmd, err := command.Decode(msg)
	if err != nil {
		conn.logger.Warn("Failed to decode command",
			slog.String("command", msg.Command),
			slog.Any("error", err),
		)
		_ = conn.Send(protocol.Error(err.Error()))
		return
	}

	if err := command.Dispatch[*Conn](h, conn, cmd); err != nil {
		conn.logger.Error("Failed to dispatch command",
			slog.String("command", cmd.Name()),
			slog.Any("error", err),
		)
		_ = conn.Send(protocol.Error(err.Error()))
	}
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
}

// unregister drops the connection from every registry and cancels its jobs
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.id)
	delete(h.debugSubs, conn.id)
	delete(h.modelSubs, conn.id)
	owned := h.jobs[conn.id]
	delete(h.jobs, conn.id)
	h.mu.Unlock()

	conn.close()
	h.metrics.ConnectionClosed()

	for _, j := range owned {
		j.Cancel()
	}
	if len(owned) > 0 {
		conn.logger.Info("Cancelled jobs of disconnected client", slog.Int("jobs", len(owned)))
	}
}

// StartJob creates a job for the connection and hands it to the scheduler
func (h *Hub) StartJob(conn *Conn, cmd command.StartJob) {
	if cmd.Dangling != "" {
		conn.logger.Warn("Ignoring parameter without value", slog.String("key", cmd.Dangling))
	}

	params := job.NewParams(h.apiKey, cmd.Overrides, conn.logger)
	j := job.New(&job.Config{
		ConnectionID:  conn.id,
		Params:        params,
		Sender:        conn,
		Generator:     h.generator,
		Observer:      h.observer,
		Logger:        h.logger,
		CancelTimeout: h.cancelTimeout,
	})

	h.mu.Lock()
	if _, ok := h.conns[conn.id]; !ok {
		h.mu.Unlock()
		j.Cancel()
		return
	}
	owned := h.jobs[conn.id]
	if owned == nil {
		owned = make(map[string]*job.Job)
		h.jobs[conn.id] = owned
	}
	owned[j.ID()] = j
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	h.observer.JobStarted(ctx, j.Summary())
	cancel()

	h.scheduler.Add(j)

	conn.logger.Info("Job started",
		slog.String("job_id", j.ID()),
		slog.Int("images", params.Images),
		slog.Any("models", params.Models),
	)
}

// CancelJobs cancels every live job of the connection
func (h *Hub) CancelJobs(conn *Conn) {
	h.mu.Lock()
	owned := h.jobs[conn.id]
	delete(h.jobs, conn.id)
	h.mu.Unlock()

	cancelled := 0
	for _, j := range owned {
		if j.Status() == job.StatusRunning {
			j.Cancel()
			cancelled++
		}
	}
	conn.logger.Info("Jobs cancelled by client", slog.Int("jobs", cancelled))
}

// ToggleDebug flips the connection's debug-log subscription
func (h *Hub) ToggleDebug(conn *Conn) {
	h.mu.Lock()
	_, on := h.debugSubs[conn.id]
	if on {
		delete(h.debugSubs, conn.id)
	} else {
		h.debugSubs[conn.id] = conn
	}
	remaining := len(h.debugSubs)
	h.mu.Unlock()

	conn.logger.Info("Debug subscription toggled",
		slog.Bool("subscribed", !on),
		slog.Int("debug_clients", remaining),
	)
}

// ToggleModels flips the connection's model subscription. A new subscriber
// receives the whole current snapshot.
func (h *Hub) ToggleModels(conn *Conn) {
	h.mu.Lock()
	_, on := h.modelSubs[conn.id]
	if on {
		delete(h.modelSubs, conn.id)
	} else {
		h.modelSubs[conn.id] = conn
	}
	h.mu.Unlock()

	conn.logger.Info("Model subscription toggled", slog.Bool("subscribed", !on))

	if on || h.models == nil {
		return
	}
	for _, e := range h.models.Snapshot() {
		_ = conn.Send(protocol.ModelUpdate(e.Info()))
	}
}

// ModelUpdated implements models.Listener
func (h *Hub) ModelUpdated(e models.Entry) {
	h.broadcast(h.modelSubscribers(), protocol.ModelUpdate(e.Info()))
}

// ModelRemoved implements models.Listener
func (h *Hub) ModelRemoved(name string) {
	h.broadcast(h.modelSubscribers(), protocol.ModelRemove(name))
}

// DebugLog forwards one log line to the debug subscribers
func (h *Hub) DebugLog(line string) {
	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.debugSubs))
	for _, c := range h.debugSubs {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	h.broadcast(subs, protocol.Debug(line))
}

func (h *Hub) modelSubscribers() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make([]*Conn, 0, len(h.modelSubs))
	for _, c := range h.modelSubs {
		subs = append(subs, c)
	}
	return subs
}

func (h *Hub) broadcast(conns []*Conn, msg protocol.Message) {
	for _, c := range conns {
		_ = c.Send(msg)
	}
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Start runs the ping loop
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.RLock()
				conns := make([]*Conn, 0, len(h.conns))
				for _, c := range h.conns {
					conns = append(conns, c)
				}
				h.mu.RUnlock()

				h.broadcast(conns, protocol.Ping())
				h.pruneJobs()
			}
		}
	}()
}

// pruneJobs forgets finished jobs of every connection. Done is checked
// outside the hub lock since a job may log while holding its own lock.
func (h *Hub) pruneJobs() {
	h.mu.RLock()
	tracked := make(map[string][]*job.Job, len(h.jobs))
	for connID, owned := range h.jobs {
		for _, j := range owned {
			tracked[connID] = append(tracked[connID], j)
		}
	}
	h.mu.RUnlock()

	done := make(map[string][]string)
	for connID, jobs := range tracked {
		for _, j := range jobs {
			if j.Done() {
				done[connID] = append(done[connID], j.ID())
			}
		}
	}
	if len(done) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for connID, ids := range done {
		owned := h.jobs[connID]
		for _, id := range ids {
			delete(owned, id)
		}
		if len(owned) == 0 {
			delete(h.jobs, connID)
		}
	}
}

// Stop ends the ping loop and closes every connection
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	h.logger.Info("Hub stopped", slog.Int("connections", len(conns)))
}
