// Package bridge orchestrates the full stack: it derives the push
// endpoint from the engine URL, authenticates, wires transport,
// streaming and progress monitoring together and republishes
// everything as typed bridge events.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flowbridge-io/flowbridge/pkg/auth"
	"github.com/flowbridge-io/flowbridge/pkg/backoff"
	"github.com/flowbridge-io/flowbridge/pkg/config"
	"github.com/flowbridge-io/flowbridge/pkg/eventbus"
	"github.com/flowbridge-io/flowbridge/pkg/events"
	"github.com/flowbridge-io/flowbridge/pkg/monitor"
	"github.com/flowbridge-io/flowbridge/pkg/streaming"
	"github.com/flowbridge-io/flowbridge/pkg/transport"
)

// ErrAuthentication marks a Start failure that will not resolve by
// retrying the connection.
var ErrAuthentication = errors.New("bridge: authentication failed")

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// ConnectionManager owns the component lifecycle and the periodic
// health-check and auth-refresh work.
type ConnectionManager struct {
	cfg     config.Config
	authMgr auth.Manager
	bus     eventbus.Publisher
	clock   clockwork.Clock
	logger  *slog.Logger

	streaming *streaming.Manager
	monitor   *monitor.Monitor
	pushURL   string

	mu            sync.Mutex
	status        Status
	started       bool
	authenticated bool
	attempts      int
	authCfg       auth.Config
	stopHealth    chan struct{}
	healthDone    chan struct{}
	stopAuth      chan struct{}
	authDone      chan struct{}
}

func NewConnectionManager(
	cfg config.Config,
	authCfg auth.Config,
	authMgr auth.Manager,
	bus eventbus.Publisher,
	clock clockwork.Clock,
	logger *slog.Logger,
) (*ConnectionManager, error) {
	pushURL, err := DerivePushURL(authCfg.BaseURL)
	if err != nil {
		return nil, err
	}

	m := &ConnectionManager{
		cfg:     cfg,
		authMgr: authMgr,
		bus:     bus,
		clock:   clock,
		logger:  logger.With("module", "bridge"),
		pushURL: pushURL,
		status:  StatusDisconnected,
		authCfg: authCfg,
	}

	transportCfg := transport.Config{
		URL: pushURL,
		// Refreshed credentials apply to the next dial, so the headers
		// are read per handshake rather than captured once.
		Headers: m.handshakeHeaders,
		Backoff: backoff.Policy{
			Base:        cfg.ReconnectInterval.Duration(),
			Multiplier:  2.0,
			Cap:         30 * time.Second,
			MaxAttempts: cfg.MaxReconnectAttempts,
		},
		HeartbeatInterval: cfg.HeartbeatInterval.Duration(),
		ConnectionTimeout: cfg.ConnectionTimeout.Duration(),
	}

	m.monitor = monitor.New(monitor.Config{
		ProgressUpdateInterval:  cfg.ProgressUpdateInterval.Duration(),
		SlowExecutionMultiplier: cfg.SlowExecutionMultiplier,
		HighFailureRate:         cfg.HighFailureRate,
		HistoryLimit:            cfg.HistoricalDataLimit,
	}, monitor.Hooks{
		OnProgressStarted:   m.handleProgressStarted,
		OnProgressUpdated:   m.handleProgressUpdated,
		OnProgressCompleted: m.handleProgressCompleted,
		OnProgressTick:      m.handleProgressTick,
		OnAlert:             m.handleAlert,
	}, clock, logger)

	m.streaming = streaming.NewManager(streaming.Config{
		BufferSize:   cfg.BufferSize,
		HistoryLimit: cfg.HistoricalDataLimit,
	}, transportCfg, streaming.Hooks{
		OnEvent:                       m.handleStreamEvent,
		OnConnected:                   m.handleConnected,
		OnDisconnected:                m.handleDisconnected,
		OnReconnecting:                m.handleReconnecting,
		OnMaxReconnectAttemptsReached: m.handleMaxReconnectAttemptsReached,
		OnMessageError:                m.handleMessageError,
		OnError:                       m.handleConnectionError,
	}, clock, logger)

	return m, nil
}

// Start authenticates, connects the transport and launches the
// periodic health-check and auth-refresh loops. A failed initial
// connect leaves the reconnect schedule running and is reported to the
// caller.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()

		return nil
	}

	m.started = true
	m.status = StatusConnecting
	authCfg := m.authCfg
	m.mu.Unlock()

	result, err := m.authMgr.Authenticate(ctx, authCfg)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.status = StatusDisconnected
		m.mu.Unlock()

		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	m.mu.Lock()
	m.authenticated = result.Success
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Authenticated", "user_id", result.UserID)

	m.monitor.Start()
	m.startTimers()

	if err := m.streaming.StartStreaming(ctx); err != nil {
		return fmt.Errorf("initial connect failed: %w", err)
	}

	return nil
}

// Stop halts the timers, the monitor and the streaming stack, in that
// order. Idempotent.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()

		return
	}

	m.started = false
	stopHealth, healthDone := m.stopHealth, m.healthDone
	stopAuth, authDone := m.stopAuth, m.authDone
	m.stopHealth, m.healthDone = nil, nil
	m.stopAuth, m.authDone = nil, nil
	m.mu.Unlock()

	if stopHealth != nil {
		close(stopHealth)
		<-healthDone
	}

	if stopAuth != nil {
		close(stopAuth)
		<-authDone
	}

	m.monitor.Stop()
	m.streaming.StopStreaming()

	m.mu.Lock()
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.logger.Info("Stopped")
}

// Reconnect re-authenticates, tears the connection down and dials
// again immediately, bypassing any pending backoff delay.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.attempts = 0
	m.status = StatusConnecting
	authCfg := m.authCfg
	m.mu.Unlock()

	result, err := m.authMgr.Authenticate(ctx, authCfg)
	if err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()

		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	m.mu.Lock()
	m.authenticated = result.Success
	m.mu.Unlock()

	m.streaming.StopStreaming()

	return m.streaming.StartStreaming(ctx)
}

func (m *ConnectionManager) SendCommand(command events.Command) error {
	return m.streaming.SendCommand(command)
}

func (m *ConnectionManager) SubscribeToWorkflow(workflowID string) error {
	return m.streaming.SubscribeToWorkflow(workflowID)
}

func (m *ConnectionManager) UnsubscribeFromWorkflow(workflowID string) error {
	return m.streaming.UnsubscribeFromWorkflow(workflowID)
}

func (m *ConnectionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// PushURL is the derived websocket endpoint.
func (m *ConnectionManager) PushURL() string {
	return m.pushURL
}

// ConnectionState exposes the transport snapshot.
func (m *ConnectionManager) ConnectionState() transport.State {
	return m.streaming.ConnectionStatus()
}

func (m *ConnectionManager) Streaming() *streaming.Manager {
	return m.streaming
}

func (m *ConnectionManager) Monitor() *monitor.Monitor {
	return m.monitor
}

func (m *ConnectionManager) handshakeHeaders() http.Header {
	m.mu.Lock()
	authCfg := m.authCfg
	m.mu.Unlock()

	return m.authMgr.GenerateAuthHeaders(authCfg)
}

func (m *ConnectionManager) startTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.HealthCheckEnabled {
		m.stopHealth = make(chan struct{})
		m.healthDone = make(chan struct{})

		go m.healthLoop(m.stopHealth, m.healthDone)
	}

	if m.cfg.AuthRefreshEnabled {
		m.stopAuth = make(chan struct{})
		m.authDone = make(chan struct{})

		go m.authLoop(m.stopAuth, m.authDone)
	}
}

func (m *ConnectionManager) healthLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cfg.HealthCheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			health := m.Health()
			m.publish(HealthChecked{Health: health})

			if health.Status != HealthHealthy {
				m.logger.Warn("Health degraded",
					"status", string(health.Status), "score", health.Score)
			}
		}
	}
}

func (m *ConnectionManager) authLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cfg.AuthRefreshInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.refreshAuth(context.Background())
		}
	}
}

func (m *ConnectionManager) refreshAuth(ctx context.Context) {
	m.mu.Lock()
	authCfg := m.authCfg
	m.mu.Unlock()

	if !m.authMgr.NeedsTokenRefresh(authCfg) {
		return
	}

	refreshed, err := m.authMgr.RefreshToken(ctx, authCfg)
	if err != nil {
		m.logger.ErrorContext(ctx, "Token refresh failed", "error", err)
		m.publish(AuthRefreshError{Message: err.Error(), Timestamp: m.clock.Now()})

		return
	}

	if refreshed == nil {
		m.logger.Warn("Token needs refresh but no refresh handler is configured")
		m.publish(AuthRefreshError{
			Message:   "credentials cannot be refreshed",
			Timestamp: m.clock.Now(),
		})

		return
	}

	m.mu.Lock()
	m.authCfg = *refreshed
	m.authenticated = true
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Token refreshed", "expires_at", refreshed.TokenExpiresAt)
	m.publish(AuthRefreshed{
		ExpiresAt: refreshed.TokenExpiresAt,
		Timestamp: m.clock.Now(),
	})
}

func (m *ConnectionManager) handleConnected() {
	m.mu.Lock()
	m.status = StatusConnected
	m.attempts = 0
	m.mu.Unlock()

	m.publish(Connected{URL: m.pushURL, Timestamp: m.clock.Now()})
}

func (m *ConnectionManager) handleDisconnected(code int, reason string) {
	m.mu.Lock()
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.status = StatusDisconnected
	}
	m.mu.Unlock()

	m.publish(Disconnected{Code: code, Reason: reason, Timestamp: m.clock.Now()})
}

func (m *ConnectionManager) handleReconnecting(attempt int, delay time.Duration) {
	m.mu.Lock()
	m.status = StatusReconnecting
	m.attempts = attempt
	m.mu.Unlock()

	m.publish(Reconnecting{Attempt: attempt, Delay: delay, Timestamp: m.clock.Now()})
}

func (m *ConnectionManager) handleMaxReconnectAttemptsReached(attempts int) {
	m.mu.Lock()
	m.status = StatusFailed
	m.mu.Unlock()

	m.publish(MaxReconnectAttemptsReached{Attempts: attempts, Timestamp: m.clock.Now()})
}

func (m *ConnectionManager) handleMessageError(err error) {
	m.publish(MessageError{Message: err.Error(), Timestamp: m.clock.Now()})
}

func (m *ConnectionManager) handleConnectionError(err error) {
	m.publish(ConnectionError{Message: err.Error(), Timestamp: m.clock.Now()})
}

// handleStreamEvent feeds the progress monitor and republishes the
// engine event under its bridge event type. Heartbeats stay internal
// to the transport.
func (m *ConnectionManager) handleStreamEvent(event events.Event) {
	m.monitor.HandleEvent(event)

	switch ev := event.(type) {
	case events.ExecutionStarted:
		m.publish(ExecutionStarted{EventData: ev.EventData})
	case events.ExecutionCompleted:
		m.publish(ExecutionCompleted{EventData: ev.EventData})
	case events.NodeStarted:
		m.publish(NodeExecutionStarted{EventData: ev.EventData})
	case events.NodeCompleted:
		m.publish(NodeExecutionCompleted{EventData: ev.EventData})
	case events.Heartbeat:
	case events.Unknown:
		m.publish(WorkflowEvent{
			EventType: string(ev.Type),
			Payload:   ev.Data,
			Timestamp: m.clock.Now(),
		})
	}
}

func (m *ConnectionManager) handleProgressStarted(progress monitor.WorkflowProgress) {
	m.publish(ProgressStarted{Progress: progress})
}

func (m *ConnectionManager) handleProgressUpdated(progress monitor.WorkflowProgress) {
	m.publish(ProgressUpdated{Progress: progress})
}

func (m *ConnectionManager) handleProgressCompleted(progress monitor.WorkflowProgress) {
	m.publish(ProgressCompleted{Progress: progress})
}

func (m *ConnectionManager) handleProgressTick(progress monitor.WorkflowProgress) {
	m.publish(ProgressTick{Progress: progress})
}

func (m *ConnectionManager) handleAlert(alert monitor.Alert) {
	m.publish(AlertRaised{Alert: alert})
}

func (m *ConnectionManager) publish(event eventbus.Event) {
	if err := m.bus.Publish(context.Background(), event); err != nil {
		m.logger.Error("Failed to publish bridge event",
			"event_type", string(event.GetType()), "error", err)
	}
}
