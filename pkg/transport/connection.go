package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for the next frame. Zero disables it.
	ReadTimeout time.Duration
	// SendBuffer is the number of outbound frames queued before Send
	// starts dropping.
	SendBuffer int
	// PingInterval keeps idle connections alive. Zero disables pings.
	PingInterval time.Duration
}

const defaultSendBuffer = 256

// ErrClosedByServer is the close reason of connections shut down with
// CloseWith.
var ErrClosedByServer = errors.New("closed by server")

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

// NewConnection wraps an accepted socket. wg, when set, is released once
// the connection is fully closed.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if wg != nil {
		wg.Add(1)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.read()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// read waits for one data frame. It returns nil, nil for control-only
// message types.
func (c *Connection) read() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Error("Failed to read frame", slog.Any("error", err))
		return nil, err
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for the client. It never blocks: when the buffer
// is full the message is dropped. It is safe for concurrent use.
func (c *Connection) Send(message []byte) {
	select {
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
		return
	default:
	}
	select {
	case c.send <- message:
	default:
		c.logger.Warn("Send buffer full, dropping frame", slog.Int("buffer", c.config.SendBuffer))
	}
}

// CloseWith closes the connection with an explicit status, e.g. when a
// newer connection replaces it.
func (c *Connection) CloseWith(code websocket.StatusCode, reason string) {
	c.shutdown(ErrClosedByServer, code, reason)
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.shutdown(err, websocket.StatusNormalClosure, "")
}

func (c *Connection) shutdown(err error, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		// The close handshake needs the read pump, so cancel afterwards.
		if c.conn != nil {
			c.conn.Close(code, reason)
		}
		c.cancel() // Signal goroutines to stop.
		c.logger.Info("Connection closed")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		if c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
