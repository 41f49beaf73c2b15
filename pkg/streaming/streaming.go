// Package streaming maintains the live view of engine activity: the
// subscription set, a bounded diagnostic buffer of raw events, the
// active/historical execution registry and coarse running metrics.
package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/flowbridge-io/flowbridge/pkg/events"
	"github.com/flowbridge-io/flowbridge/pkg/stats"
	"github.com/flowbridge-io/flowbridge/pkg/transport"
)

type Config struct {
	// BufferSize caps the raw-event diagnostic buffer.
	BufferSize int

	// HistoryLimit caps the completed-execution list. Once exceeded
	// the list is batch-trimmed to half the limit.
	HistoryLimit int
}

// Execution is the registry entry for one workflow run.
type Execution struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId,omitempty"`
	Status      events.ExecutionStatus `json:"status"`
	Progress    float64                `json:"progress"`
	CurrentNode string                 `json:"currentNode,omitempty"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	FinishedAt  time.Time              `json:"finishedAt,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Metrics are monotonically increasing totals plus an incremental mean
// of completed execution durations.
type Metrics struct {
	TotalStarted         int64            `json:"totalStarted"`
	TotalSucceeded       int64            `json:"totalSucceeded"`
	TotalFailed          int64            `json:"totalFailed"`
	CurrentlyActive      int64            `json:"currentlyActive"`
	AverageExecutionTime time.Duration    `json:"averageExecutionTime"`
	NodeInvocations      map[string]int64 `json:"nodeInvocations"`
}

// BufferedEvent is one raw wire event retained for diagnostics.
type BufferedEvent struct {
	Type       events.EventType `json:"type"`
	Raw        json.RawMessage  `json:"raw"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// Hooks forward transport and domain notifications upward after the
// registry has been updated, so consumers always observe consistent
// state.
type Hooks struct {
	OnEvent                       func(event events.Event)
	OnConnected                   func()
	OnDisconnected                func(code int, reason string)
	OnReconnecting                func(attempt int, delay time.Duration)
	OnMaxReconnectAttemptsReached func(attempts int)
	OnMessageError                func(err error)
	OnError                       func(err error)
}

// Manager wraps the transport client and owns the execution registry.
type Manager struct {
	cfg    Config
	hooks  Hooks
	clock  clockwork.Clock
	logger *slog.Logger
	client *transport.Client

	mu              sync.Mutex
	streaming       bool
	buffer          []BufferedEvent
	active          map[string]*Execution
	history         []Execution
	subscriptions   map[string]struct{}
	durations       stats.Running
	nodeInvocations map[string]int64
	totalStarted    int64
	totalSucceeded  int64
	totalFailed     int64
}

func NewManager(
	cfg Config,
	transportCfg transport.Config,
	hooks Hooks,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		cfg:             cfg,
		hooks:           hooks,
		clock:           clock,
		logger:          logger.With("module", "streaming"),
		active:          make(map[string]*Execution),
		subscriptions:   make(map[string]struct{}),
		nodeInvocations: make(map[string]int64),
	}

	m.client = transport.NewClient(transportCfg, transport.Handlers{
		OnConnected:                   m.handleConnected,
		OnDisconnected:                hooks.OnDisconnected,
		OnEvent:                       m.handleEvent,
		OnMessageError:                hooks.OnMessageError,
		OnError:                       hooks.OnError,
		OnReconnecting:                hooks.OnReconnecting,
		OnMaxReconnectAttemptsReached: hooks.OnMaxReconnectAttemptsReached,
	}, clock, logger)

	return m
}

// StartStreaming connects the transport and registers the global
// executions subscription.
func (m *Manager) StartStreaming(ctx context.Context) error {
	m.mu.Lock()
	m.streaming = true
	m.mu.Unlock()

	return m.client.Connect(ctx)
}

// StopStreaming deregisters the executions subscription and closes the
// transport.
func (m *Manager) StopStreaming() {
	m.mu.Lock()
	m.streaming = false
	m.mu.Unlock()

	// Best effort; the connection is going away anyway.
	_ = m.client.UnsubscribeFromExecutions()

	m.client.Disconnect()
}

func (m *Manager) SubscribeToWorkflow(workflowID string) error {
	m.mu.Lock()
	m.subscriptions[workflowID] = struct{}{}
	m.mu.Unlock()

	return m.client.SubscribeToWorkflow(workflowID)
}

func (m *Manager) UnsubscribeFromWorkflow(workflowID string) error {
	m.mu.Lock()
	delete(m.subscriptions, workflowID)
	m.mu.Unlock()

	return m.client.UnsubscribeFromWorkflow(workflowID)
}

// SendCommand passes an arbitrary command envelope to the transport.
func (m *Manager) SendCommand(command events.Command) error {
	return m.client.Send(command)
}

func (m *Manager) IsStreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.streaming
}

// ConnectionStatus exposes the transport snapshot read-only.
func (m *Manager) ConnectionStatus() transport.State {
	return m.client.State()
}

func (m *Manager) ExecutionStatus(executionID string) (Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if execution, ok := m.active[executionID]; ok {
		return *execution, true
	}

	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ExecutionID == executionID {
			return m.history[i], true
		}
	}

	return Execution{}, false
}

func (m *Manager) ActiveExecutions() []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Execution, 0, len(m.active))
	for _, execution := range m.active {
		out = append(out, *execution)
	}

	return out
}

func (m *Manager) ExecutionHistory() []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Execution, len(m.history))
	copy(out, m.history)

	return out
}

func (m *Manager) RecentEvents() []BufferedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BufferedEvent, len(m.buffer))
	copy(out, m.buffer)

	return out
}

func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	invocations := make(map[string]int64, len(m.nodeInvocations))
	for name, count := range m.nodeInvocations {
		invocations[name] = count
	}

	return Metrics{
		TotalStarted:         m.totalStarted,
		TotalSucceeded:       m.totalSucceeded,
		TotalFailed:          m.totalFailed,
		CurrentlyActive:      int64(len(m.active)),
		AverageExecutionTime: time.Duration(m.durations.Mean()),
		NodeInvocations:      invocations,
	}
}

// handleConnected re-registers subscriptions after every successful
// open, including reconnects.
func (m *Manager) handleConnected() {
	m.mu.Lock()
	streaming := m.streaming
	workflows := make([]string, 0, len(m.subscriptions))

	for workflowID := range m.subscriptions {
		workflows = append(workflows, workflowID)
	}
	m.mu.Unlock()

	if streaming {
		if err := m.client.SubscribeToExecutions(); err != nil {
			m.logger.Error("Failed to subscribe to executions", "error", err)
		}
	}

	for _, workflowID := range workflows {
		if err := m.client.SubscribeToWorkflow(workflowID); err != nil {
			m.logger.Error("Failed to resubscribe to workflow",
				"workflow_id", workflowID, "error", err)
		}
	}

	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
}

func (m *Manager) handleEvent(event events.Event, raw []byte) {
	m.mu.Lock()

	m.bufferEvent(event, raw)

	switch ev := event.(type) {
	case events.ExecutionStarted:
		m.handleExecutionStarted(ev)
	case events.ExecutionCompleted:
		m.handleExecutionCompleted(ev)
	case events.NodeStarted:
		m.handleNodeStarted(ev)
	case events.NodeCompleted:
		m.handleNodeCompleted(ev)
	}

	m.mu.Unlock()

	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(event)
	}
}

func (m *Manager) bufferEvent(event events.Event, raw []byte) {
	buffered := BufferedEvent{
		Type:       event.GetType(),
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: m.clock.Now(),
	}

	m.buffer = append(m.buffer, buffered)
	if len(m.buffer) > m.cfg.BufferSize {
		m.buffer = m.buffer[len(m.buffer)-m.cfg.BufferSize:]
	}
}

func (m *Manager) handleExecutionStarted(ev events.ExecutionStarted) {
	m.active[ev.ExecutionID] = &Execution{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Status:      events.ExecutionStatusRunning,
		StartedAt:   ev.Timestamp,
	}
	m.totalStarted++
}

func (m *Manager) handleExecutionCompleted(ev events.ExecutionCompleted) {
	execution, known := m.active[ev.ExecutionID]
	if !known {
		// Completion for a run we never saw start: record reactively,
		// but without a duration sample.
		execution = &Execution{
			ExecutionID: ev.ExecutionID,
			WorkflowID:  ev.WorkflowID,
		}
	}

	execution.Status = completionStatus(ev)
	execution.Progress = 100
	execution.FinishedAt = ev.Timestamp
	execution.Error = ev.Error

	if execution.Status == events.ExecutionStatusError {
		m.totalFailed++
	} else {
		m.totalSucceeded++
	}

	if known && !execution.StartedAt.IsZero() {
		m.durations.Add(float64(ev.Timestamp.Sub(execution.StartedAt)))
	}

	delete(m.active, ev.ExecutionID)

	m.history = append(m.history, *execution)
	if len(m.history) > m.cfg.HistoryLimit {
		keep := m.cfg.HistoryLimit / 2
		m.history = append([]Execution(nil), m.history[len(m.history)-keep:]...)
	}
}

func (m *Manager) handleNodeStarted(ev events.NodeStarted) {
	name := nodeName(ev.EventData)
	m.nodeInvocations[name]++

	if execution, ok := m.active[ev.ExecutionID]; ok {
		execution.CurrentNode = name
	}
}

func (m *Manager) handleNodeCompleted(ev events.NodeCompleted) {
	if execution, ok := m.active[ev.ExecutionID]; ok {
		if execution.CurrentNode == nodeName(ev.EventData) {
			execution.CurrentNode = ""
		}
	}
}

func completionStatus(ev events.ExecutionCompleted) events.ExecutionStatus {
	if ev.Status != "" {
		return ev.Status
	}

	if ev.Error != "" {
		return events.ExecutionStatusError
	}

	return events.ExecutionStatusSuccess
}

func nodeName(data events.EventData) string {
	if data.NodeName != "" {
		return data.NodeName
	}

	return data.NodeID
}
