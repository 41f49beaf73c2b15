package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbridge-io/flowbridge/pkg/backoff"
	"github.com/flowbridge-io/flowbridge/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// pushServer is an in-process engine endpoint for transport tests.
type pushServer struct {
	server *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	headers []http.Header
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()

	ps := &pushServer{}
	upgrader := websocket.Upgrader{}

	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ps.mu.Lock()
		ps.conns = append(ps.conns, conn)
		ps.headers = append(ps.headers, r.Header.Clone())
		ps.mu.Unlock()
	}))
	t.Cleanup(ps.server.Close)

	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *pushServer) waitForConn(t *testing.T) *websocket.Conn {
	t.Helper()

	var conn *websocket.Conn

	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()

		if len(ps.conns) == 0 {
			return false
		}

		conn = ps.conns[len(ps.conns)-1]

		return true
	}, 2*time.Second, 10*time.Millisecond)

	return conn
}

func (ps *pushServer) lastHeaders() http.Header {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.headers) == 0 {
		return http.Header{}
	}

	return ps.headers[len(ps.headers)-1]
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		Backoff:           backoff.Policy{Base: time.Second, Multiplier: 2, Cap: 30 * time.Second, MaxAttempts: 3},
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 2 * time.Second,
	}
}

func TestConnectDeliversEvents(t *testing.T) {
	server := newPushServer(t)
	clock := clockwork.NewFakeClock()

	received := make(chan events.Event, 10)
	connected := make(chan struct{}, 1)

	client := NewClient(testConfig(server.url()), Handlers{
		OnConnected: func() { connected <- struct{}{} },
		OnEvent:     func(event events.Event, _ []byte) { received <- event },
	}, clock, testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	<-connected

	assert.Equal(t, StatusConnected, client.Status())

	serverConn := server.waitForConn(t)
	payload := `{"type":"workflowExecutionStarted","data":{"executionId":"e1","workflowId":"w1","timestamp":"2024-01-01T00:00:00Z"}}`
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case event := <-received:
		started, ok := event.(events.ExecutionStarted)
		require.True(t, ok)
		assert.Equal(t, "e1", started.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestConnectInjectsAuthHeaders(t *testing.T) {
	server := newPushServer(t)

	cfg := testConfig(server.url())
	cfg.Headers = func() http.Header {
		headers := http.Header{}
		headers.Set("Authorization", "Bearer tok-1")

		return headers
	}

	client := NewClient(cfg, Handlers{}, clockwork.NewFakeClock(), testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	server.waitForConn(t)

	assert.Equal(t, "Bearer tok-1", server.lastHeaders().Get("Authorization"))
}

func TestConnectIsIdempotent(t *testing.T) {
	server := newPushServer(t)

	var connects int

	client := NewClient(testConfig(server.url()), Handlers{
		OnConnected: func() { connects++ },
	}, clockwork.NewFakeClock(), testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))

	assert.Equal(t, 1, connects)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	server := newPushServer(t)

	var disconnects int

	client := NewClient(testConfig(server.url()), Handlers{
		OnDisconnected: func(int, string) { disconnects++ },
	}, clockwork.NewFakeClock(), testLogger())

	require.NoError(t, client.Connect(context.Background()))
	client.Disconnect()
	client.Disconnect()

	assert.Equal(t, 1, disconnects)
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestSendWhileDisconnected(t *testing.T) {
	client := NewClient(testConfig("ws://127.0.0.1:1"), Handlers{}, clockwork.NewFakeClock(), testLogger())

	err := client.Send(events.SubscribeToExecutions())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscriptionCommandsReachServer(t *testing.T) {
	server := newPushServer(t)

	client := NewClient(testConfig(server.url()), Handlers{}, clockwork.NewFakeClock(), testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	serverConn := server.waitForConn(t)

	require.NoError(t, client.SubscribeToWorkflow("w1"))

	_, data, err := serverConn.ReadMessage()
	require.NoError(t, err)

	var command events.Command
	require.NoError(t, json.Unmarshal(data, &command))
	assert.Equal(t, events.CommandSubscribe, command.Type)
	assert.Equal(t, events.ResourceWorkflow, command.Resource)
	assert.Equal(t, "w1", command.ID)
}

func TestMalformedMessageDoesNotCloseConnection(t *testing.T) {
	server := newPushServer(t)

	received := make(chan events.Event, 10)
	messageErrors := make(chan error, 10)

	client := NewClient(testConfig(server.url()), Handlers{
		OnEvent:        func(event events.Event, _ []byte) { received <- event },
		OnMessageError: func(err error) { messageErrors <- err },
	}, clockwork.NewFakeClock(), testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	serverConn := server.waitForConn(t)

	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("{garbage")))

	heartbeat := `{"type":"heartbeat","data":{"timestamp":"2024-01-01T00:00:00Z"}}`
	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte(heartbeat)))

	select {
	case err := <-messageErrors:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message error")
	}

	select {
	case event := <-received:
		assert.Equal(t, events.HeartbeatEvent, event.GetType())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat after malformed message")
	}

	assert.Equal(t, StatusConnected, client.Status())
}

func TestAbnormalCloseExhaustsReconnectAttempts(t *testing.T) {
	server := newPushServer(t)
	clock := clockwork.NewFakeClock()

	type reconnectNotice struct {
		attempt int
		delay   time.Duration
	}

	reconnects := make(chan reconnectNotice, 10)
	exhausted := make(chan int, 1)

	client := NewClient(testConfig(server.url()), Handlers{
		OnReconnecting: func(attempt int, delay time.Duration) {
			reconnects <- reconnectNotice{attempt: attempt, delay: delay}
		},
		OnMaxReconnectAttemptsReached: func(attempts int) { exhausted <- attempts },
	}, clock, testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	serverConn := server.waitForConn(t)

	// Kill the server, then drop the connection without a close
	// handshake: every redial from now on fails.
	server.server.Close()
	require.NoError(t, serverConn.UnderlyingConn().Close())

	expectedDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

	for i, wantDelay := range expectedDelays {
		select {
		case notice := <-reconnects:
			assert.Equal(t, i+1, notice.attempt)
			assert.Equal(t, wantDelay, notice.delay)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reconnect attempt %d", i+1)
		}

		clock.BlockUntil(1)
		clock.Advance(wantDelay)
	}

	select {
	case attempts := <-exhausted:
		assert.Equal(t, 3, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attempts to exhaust")
	}

	assert.Equal(t, StatusFailed, client.Status())
}

func TestManualConnectAfterFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()

	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Backoff.MaxAttempts = 1

	exhausted := make(chan int, 1)

	client := NewClient(cfg, Handlers{
		OnMaxReconnectAttemptsReached: func(attempts int) { exhausted <- attempts },
	}, clock, testLogger())

	require.Error(t, client.Connect(context.Background()))

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for attempts to exhaust")
	}

	require.Equal(t, StatusFailed, client.Status())

	// A fresh server comes up; an explicit Connect resumes service
	// and resets the attempt counter.
	server := newPushServer(t)
	client.cfg.URL = server.url()

	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()

	assert.Equal(t, StatusConnected, client.Status())
	assert.Zero(t, client.State().ReconnectAttempts)
}

func TestHeartbeatDeadPeerDetection(t *testing.T) {
	server := newPushServer(t)
	clock := clockwork.NewFakeClock()

	cfg := testConfig(server.url())
	cfg.HeartbeatInterval = 10 * time.Second

	reconnecting := make(chan int, 1)

	client := NewClient(cfg, Handlers{
		OnReconnecting: func(attempt int, _ time.Duration) { reconnecting <- attempt },
	}, clock, testLogger())
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	server.waitForConn(t)

	// The server never reads, so pings are never answered. After the
	// pong gap passes two intervals the client force-closes and
	// schedules a reconnect.
	for range 3 {
		clock.BlockUntil(1)
		clock.Advance(cfg.HeartbeatInterval)
		// Let the heartbeat goroutine drain the tick before the next
		// advance so no tick is dropped on the buffered channel.
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case attempt := <-reconnecting:
		assert.Equal(t, 1, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead-peer reconnect")
	}
}
