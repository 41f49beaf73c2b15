// Package transport owns the physical push connection to the
// automation engine: handshake, auth header injection, heartbeat,
// message validation and reconnection scheduling.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/flowbridge-io/flowbridge/pkg/backoff"
	"github.com/flowbridge-io/flowbridge/pkg/events"
)

// ErrNotConnected is returned by Send when the socket is not open.
var ErrNotConnected = errors.New("transport: not connected")

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// State is a point-in-time snapshot of the connection.
type State struct {
	Status            Status
	ReconnectAttempts int
	LastHeartbeat     time.Time
	LastMessage       time.Time
	ConnectedAt       time.Time
}

// HeaderProvider builds the handshake headers for the next connection
// attempt. Headers cannot be swapped into a live connection.
type HeaderProvider func() http.Header

type Config struct {
	URL               string
	Headers           HeaderProvider
	Backoff           backoff.Policy
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// Handlers receive connection lifecycle notifications and parsed
// events. All fields are optional. Handlers run on the client's read
// and timer goroutines and must not block.
type Handlers struct {
	OnConnected                   func()
	OnDisconnected                func(code int, reason string)
	OnEvent                       func(event events.Event, raw []byte)
	OnMessageError                func(err error)
	OnError                       func(err error)
	OnReconnecting                func(attempt int, delay time.Duration)
	OnMaxReconnectAttemptsReached func(attempts int)
}

const writeTimeout = 5 * time.Second

// Client maintains one push connection. State transitions:
// disconnected -> connecting -> connected -> {reconnecting ->
// connecting | failed, disconnected}.
type Client struct {
	cfg      Config
	handlers Handlers
	clock    clockwork.Clock
	logger   *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	status        Status
	conn          *websocket.Conn
	attempts      int
	lastHeartbeat time.Time
	lastMessage   time.Time
	connectedAt   time.Time
	closing       bool
	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
	stopReconnect chan struct{}
}

func NewClient(cfg Config, handlers Handlers, clock clockwork.Clock, logger *slog.Logger) *Client {
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}

	return &Client{
		cfg:      cfg,
		handlers: handlers,
		clock:    clock,
		logger:   logger.With("module", "transport"),
		status:   StatusDisconnected,
	}
}

// Connect opens the push connection. Calling it while connected or
// while a handshake is in flight is a no-op. A pending backoff timer
// is canceled, so an explicit Connect bypasses the reconnect delay.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()

		return nil
	}

	if c.stopReconnect != nil {
		close(c.stopReconnect)
		c.stopReconnect = nil
	}

	c.status = StatusConnecting
	c.closing = false
	c.mu.Unlock()

	headers := http.Header{}
	if c.cfg.Headers != nil {
		headers = c.cfg.Headers()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectionTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		wrapped := fmt.Errorf("handshake with %s failed: %w", c.cfg.URL, err)
		c.logger.ErrorContext(ctx, "Connection failed", "url", c.cfg.URL, "error", err)

		if c.handlers.OnError != nil {
			c.handlers.OnError(wrapped)
		}

		c.scheduleReconnect()

		return wrapped
	}

	now := c.clock.Now()

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.attempts = 0
	c.connectedAt = now
	c.lastHeartbeat = now
	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	c.stopHeartbeat = stopHeartbeat
	c.heartbeatDone = heartbeatDone
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastHeartbeat = c.clock.Now()
		c.mu.Unlock()

		return nil
	})

	go c.heartbeatLoop(conn, stopHeartbeat, heartbeatDone)
	go c.readLoop(conn)

	c.logger.InfoContext(ctx, "Connected", "url", c.cfg.URL)

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}

	return nil
}

// Disconnect closes the connection gracefully and cancels the
// heartbeat and any pending reconnect. Calling it while disconnected
// is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()

		return
	}

	c.closing = true
	c.status = StatusDisconnected

	if c.stopReconnect != nil {
		close(c.stopReconnect)
		c.stopReconnect = nil
	}

	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}

	heartbeatDone := c.heartbeatDone
	c.heartbeatDone = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	if heartbeatDone != nil {
		<-heartbeatDone
	}

	c.logger.Info("Disconnected")

	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(websocket.CloseNormalClosure, "client disconnect")
	}
}

// Send serializes the message to a text frame. Fails with
// ErrNotConnected unless the socket is open.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) SubscribeToWorkflow(workflowID string) error {
	return c.Send(events.SubscribeToWorkflow(workflowID))
}

func (c *Client) UnsubscribeFromWorkflow(workflowID string) error {
	return c.Send(events.UnsubscribeFromWorkflow(workflowID))
}

func (c *Client) SubscribeToExecutions() error {
	return c.Send(events.SubscribeToExecutions())
}

func (c *Client) UnsubscribeFromExecutions() error {
	return c.Send(events.UnsubscribeFromExecutions())
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		Status:            c.status,
		ReconnectAttempts: c.attempts,
		LastHeartbeat:     c.lastHeartbeat,
		LastMessage:       c.lastMessage,
		ConnectedAt:       c.connectedAt,
	}
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop, done chan struct{}) {
	defer close(done)

	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			last := c.lastHeartbeat
			c.mu.Unlock()

			// Dead-peer detection: a silent peer that misses two
			// heartbeat intervals gets force-closed so the normal
			// reconnect path takes over.
			if c.clock.Since(last) > 2*c.cfg.HeartbeatInterval {
				c.logger.Warn("Heartbeat missed, closing connection",
					"last_heartbeat", last)
				_ = conn.Close()

				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()

			if err != nil {
				c.logger.Warn("Heartbeat ping failed", "error", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)

			return
		}

		c.mu.Lock()
		c.lastMessage = c.clock.Now()
		c.mu.Unlock()

		event, parseErr := events.Parse(data)
		if parseErr != nil {
			// Protocol errors are isolated per message; the
			// connection stays open.
			c.logger.Warn("Dropping malformed message", "error", parseErr)

			if c.handlers.OnMessageError != nil {
				c.handlers.OnMessageError(parseErr)
			}

			continue
		}

		if _, ok := event.(events.Heartbeat); ok {
			c.mu.Lock()
			c.lastHeartbeat = c.clock.Now()
			c.mu.Unlock()
		}

		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(event, data)
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != nil && c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()

		return
	}

	closing := c.closing
	c.conn = nil

	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}

	heartbeatDone := c.heartbeatDone
	c.heartbeatDone = nil
	c.mu.Unlock()

	// The heartbeat owns its ticker; wait for it to wind down before
	// scheduling a reconnect so no timer fires on a torn-down
	// connection.
	if heartbeatDone != nil {
		<-heartbeatDone
	}

	if closing {
		return
	}

	code := websocket.CloseAbnormalClosure
	reason := err.Error()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	}

	normal := code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway

	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.logger.Warn("Connection closed", "code", code, "reason", reason)

	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(code, reason)
	}

	if !normal {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()

	if c.closing {
		c.mu.Unlock()

		return
	}

	next := c.attempts + 1
	if c.cfg.Backoff.Exhausted(next) {
		attempts := c.attempts
		c.status = StatusFailed
		c.mu.Unlock()

		c.logger.Error("Reconnect attempts exhausted", "attempts", attempts)

		if c.handlers.OnMaxReconnectAttemptsReached != nil {
			c.handlers.OnMaxReconnectAttemptsReached(attempts)
		}

		return
	}

	c.attempts = next
	c.status = StatusReconnecting
	delay := c.cfg.Backoff.Delay(next)
	stop := make(chan struct{})
	c.stopReconnect = stop
	c.mu.Unlock()

	c.logger.Info("Scheduling reconnect", "attempt", next, "delay", delay)

	if c.handlers.OnReconnecting != nil {
		c.handlers.OnReconnecting(next, delay)
	}

	go func() {
		select {
		case <-stop:
			return
		case <-c.clock.After(delay):
		}

		c.mu.Lock()
		if c.status != StatusReconnecting {
			c.mu.Unlock()

			return
		}

		c.status = StatusDisconnected
		c.stopReconnect = nil
		c.mu.Unlock()

		// Failures re-enter the backoff schedule.
		_ = c.Connect(context.Background())
	}()
}
