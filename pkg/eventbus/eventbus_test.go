package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEventType EventType = "test"

type testEvent struct {
	Value string `json:"value"`
}

func (e *testEvent) GetType() EventType {
	return testEventType
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestDispatcherFanOut(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())

	var got []string

	dispatcher.Handle(testEventType, func(_ context.Context, event Event) error {
		got = append(got, "typed:"+event.(*testEvent).Value)

		return nil
	})
	dispatcher.HandleAll(func(_ context.Context, event Event) error {
		got = append(got, "all:"+event.(*testEvent).Value)

		return nil
	})

	require.NoError(t, dispatcher.Publish(context.Background(), &testEvent{Value: "a"}))
	require.NoError(t, dispatcher.Publish(context.Background(), &testEvent{Value: "b"}))

	assert.Equal(t, []string{"typed:a", "all:a", "typed:b", "all:b"}, got)
}

func TestDispatcherHandlerErrorDoesNotStopFanOut(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())

	var calls int

	dispatcher.Handle(testEventType, func(context.Context, Event) error {
		calls++

		return errors.New("boom")
	})
	dispatcher.Handle(testEventType, func(context.Context, Event) error {
		calls++

		return nil
	})

	require.NoError(t, dispatcher.Publish(context.Background(), &testEvent{Value: "x"}))
	assert.Equal(t, 2, calls)
}

func TestDispatcherIgnoresUnhandledTypes(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())

	assert.NoError(t, dispatcher.Publish(context.Background(), &testEvent{Value: "ignored"}))
}

func TestWatermillBusRoundTrip(t *testing.T) {
	decoders := map[EventType]Decoder{
		testEventType: func() Event { return &testEvent{} },
	}

	bus := NewGoChannelBus(decoders, testLogger())
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
	)

	bus.Handle(testEventType, func(_ context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, event.(*testEvent).Value)

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))
	require.NoError(t, bus.Publish(ctx, &testEvent{Value: "hello"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 1 && got[0] == "hello"
	}, time.Second, 10*time.Millisecond)
}

func TestWatermillBusDropsUnknownTypes(t *testing.T) {
	bus := NewGoChannelBus(map[EventType]Decoder{}, testLogger())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))
	assert.NoError(t, bus.Publish(ctx, &testEvent{Value: "dropped"}))
}
