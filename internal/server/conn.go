package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/stablehorde-proxy/internal/protocol"
)

var (
	// ErrConnectionClosed is returned by Send after the connection went away
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned by Send when the writer is not keeping up
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is one client WebSocket connection. Outbound messages go through a
// bounded queue drained by a single writer goroutine.
type Conn struct {
	id           string
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration
	connectedAt  time.Time

	mu     sync.RWMutex
	closed bool
	send   chan string

	done chan struct{}
}

func newConn(ws *websocket.Conn, queueSize int, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		ws:           ws,
		logger:       logger.With(slog.String("conn_id", id)),
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
		send:         make(chan string, queueSize),
		done:         make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Conn) ID() string {
	return c.id
}

// Send enqueues a message without blocking
func (c *Conn) Send(msg protocol.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.logger.Debug("Dropping message for closed connection",
			slog.String("command", msg.Command),
		)
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg.Encode():
		return nil
	default:
		c.logger.Debug("Dropping message, send queue full",
			slog.String("command", msg.Command),
			slog.Int("queue_size", cap(c.send)),
		)
		return ErrSendQueueFull
	}
}

// close stops accepting messages and lets the writer drain and exit
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writeLoop runs until the queue is closed
func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	broken := false
	for text := range c.send {
		if broken {
			continue
		}
		if c.writeTimeout > 0 {
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			c.logger.Debug("Write failed, closing connection", slog.Any("error", err))
			broken = true
			// Unblocks the read loop, which unregisters the connection
			_ = c.ws.Close()
		}
	}

	if !broken {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
}
