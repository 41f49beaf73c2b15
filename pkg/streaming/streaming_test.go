package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbridge-io/flowbridge/pkg/backoff"
	"github.com/flowbridge-io/flowbridge/pkg/events"
	"github.com/flowbridge-io/flowbridge/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestManager(hooks Hooks) *Manager {
	cfg := Config{BufferSize: 100, HistoryLimit: 1000}
	transportCfg := transport.Config{
		URL:               "ws://127.0.0.1:1",
		Backoff:           backoff.Default(),
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: time.Second,
	}

	return NewManager(cfg, transportCfg, hooks, clockwork.NewFakeClock(), testLogger())
}

func startedEvent(executionID, workflowID string, at time.Time) events.ExecutionStarted {
	return events.ExecutionStarted{EventData: events.EventData{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Timestamp:   at,
	}}
}

func completedEvent(executionID string, at time.Time, status events.ExecutionStatus) events.ExecutionCompleted {
	return events.ExecutionCompleted{EventData: events.EventData{
		ExecutionID: executionID,
		Timestamp:   at,
		Status:      status,
	}}
}

func TestExecutionLifecycleMovesToHistory(t *testing.T) {
	manager := newTestManager(Hooks{})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	manager.handleEvent(startedEvent("e1", "w1", start), nil)

	execution, ok := manager.ExecutionStatus("e1")
	require.True(t, ok)
	assert.Equal(t, events.ExecutionStatusRunning, execution.Status)
	assert.Len(t, manager.ActiveExecutions(), 1)

	manager.handleEvent(completedEvent("e1", start.Add(time.Second), events.ExecutionStatusSuccess), nil)

	assert.Empty(t, manager.ActiveExecutions())

	history := manager.ExecutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "e1", history[0].ExecutionID)
	assert.Equal(t, events.ExecutionStatusSuccess, history[0].Status)
	assert.InDelta(t, 100.0, history[0].Progress, 0.001)

	// Still resolvable after archiving.
	archived, ok := manager.ExecutionStatus("e1")
	require.True(t, ok)
	assert.Equal(t, events.ExecutionStatusSuccess, archived.Status)
}

func TestMetricsTotalsAndAverage(t *testing.T) {
	manager := newTestManager(Hooks{})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	durations := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 600 * time.Millisecond}
	for i, d := range durations {
		id := fmt.Sprintf("e%d", i)
		manager.handleEvent(startedEvent(id, "w1", start), nil)

		status := events.ExecutionStatusSuccess
		if i == 2 {
			status = events.ExecutionStatusError
		}

		manager.handleEvent(completedEvent(id, start.Add(d), status), nil)
	}

	metrics := manager.Metrics()
	assert.Equal(t, int64(3), metrics.TotalStarted)
	assert.Equal(t, int64(2), metrics.TotalSucceeded)
	assert.Equal(t, int64(1), metrics.TotalFailed)
	assert.Equal(t, int64(0), metrics.CurrentlyActive)
	assert.Equal(t, 300*time.Millisecond, metrics.AverageExecutionTime)
}

func TestNodeInvocationCounter(t *testing.T) {
	manager := newTestManager(Hooks{})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	manager.handleEvent(startedEvent("e1", "w1", at), nil)

	node := events.NodeStarted{EventData: events.EventData{
		ExecutionID: "e1",
		NodeID:      "n1",
		NodeName:    "HTTP Request",
		Timestamp:   at,
	}}
	manager.handleEvent(node, nil)
	manager.handleEvent(node, nil)

	metrics := manager.Metrics()
	assert.Equal(t, int64(2), metrics.NodeInvocations["HTTP Request"])

	execution, ok := manager.ExecutionStatus("e1")
	require.True(t, ok)
	assert.Equal(t, "HTTP Request", execution.CurrentNode)
}

func TestCompletionWithoutStartIsRecordedWithoutDuration(t *testing.T) {
	manager := newTestManager(Hooks{})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	manager.handleEvent(completedEvent("ghost", at, events.ExecutionStatusSuccess), nil)

	history := manager.ExecutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "ghost", history[0].ExecutionID)

	metrics := manager.Metrics()
	assert.Equal(t, int64(1), metrics.TotalSucceeded)
	assert.Zero(t, metrics.AverageExecutionTime)
}

func TestHistoryBatchTrim(t *testing.T) {
	manager := newTestManager(Hooks{})
	manager.cfg.HistoryLimit = 10

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 11 {
		id := fmt.Sprintf("e%d", i)
		manager.handleEvent(startedEvent(id, "w1", at), nil)
		manager.handleEvent(completedEvent(id, at.Add(time.Millisecond), events.ExecutionStatusSuccess), nil)
	}

	history := manager.ExecutionHistory()
	require.Len(t, history, 5)
	// Oldest entries were dropped first.
	assert.Equal(t, "e6", history[0].ExecutionID)
	assert.Equal(t, "e10", history[len(history)-1].ExecutionID)
}

func TestBufferCapsAtConfiguredSize(t *testing.T) {
	manager := newTestManager(Hooks{})
	manager.cfg.BufferSize = 5

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 8 {
		raw := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		manager.handleEvent(startedEvent(fmt.Sprintf("e%d", i), "w1", at), raw)
	}

	buffer := manager.RecentEvents()
	require.Len(t, buffer, 5)
	assert.JSONEq(t, `{"seq":3}`, string(buffer[0].Raw))
	assert.JSONEq(t, `{"seq":7}`, string(buffer[4].Raw))
}

func TestHooksFireAfterRegistryUpdate(t *testing.T) {
	var observed []events.EventType

	var manager *Manager

	manager = newTestManager(Hooks{
		OnEvent: func(event events.Event) {
			// The registry must already reflect the event.
			if event.GetType() == events.ExecutionStartedEvent {
				_, ok := manager.ExecutionStatus("e1")
				assert.True(t, ok)
			}

			observed = append(observed, event.GetType())
		},
	})

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	manager.handleEvent(startedEvent("e1", "w1", at), nil)
	manager.handleEvent(completedEvent("e1", at.Add(time.Second), events.ExecutionStatusSuccess), nil)

	assert.Equal(t, []events.EventType{
		events.ExecutionStartedEvent,
		events.ExecutionCompletedEvent,
	}, observed)
}

func TestStartStreamingSubscribesToExecutions(t *testing.T) {
	commands := make(chan events.Command, 10)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var command events.Command
			if json.Unmarshal(data, &command) == nil {
				commands <- command
			}
		}
	}))
	defer server.Close()

	cfg := Config{BufferSize: 100, HistoryLimit: 1000}
	transportCfg := transport.Config{
		URL:               "ws" + strings.TrimPrefix(server.URL, "http"),
		Backoff:           backoff.Default(),
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 2 * time.Second,
	}

	manager := NewManager(cfg, transportCfg, Hooks{}, clockwork.NewFakeClock(), testLogger())

	require.NoError(t, manager.StartStreaming(context.Background()))
	defer manager.StopStreaming()

	assert.True(t, manager.IsStreaming())

	select {
	case command := <-commands:
		assert.Equal(t, events.CommandSubscribe, command.Type)
		assert.Equal(t, events.ResourceExecutions, command.Resource)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for executions subscription")
	}

	require.NoError(t, manager.SubscribeToWorkflow("w1"))

	select {
	case command := <-commands:
		assert.Equal(t, events.ResourceWorkflow, command.Resource)
		assert.Equal(t, "w1", command.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for workflow subscription")
	}
}
