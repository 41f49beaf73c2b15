package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher is the in-process bus: handlers run synchronously on the
// publishing goroutine, so events for one connection are observed in
// the order they were produced. Handler errors are logged and do not
// stop fan-out.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	catchAll []Handler
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger.With("module", "eventbus"),
		handlers: make(map[EventType][]Handler),
	}
}

func (d *Dispatcher) Handle(eventType EventType, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

func (d *Dispatcher) HandleAll(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.catchAll = append(d.catchAll, handler)
}

func (d *Dispatcher) Publish(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[event.GetType()])+len(d.catchAll))
	handlers = append(handlers, d.handlers[event.GetType()]...)
	handlers = append(handlers, d.catchAll...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			d.logger.ErrorContext(ctx, "Event handler failed",
				"event_type", string(event.GetType()), "error", err)
		}
	}

	return nil
}

func (d *Dispatcher) Close() error {
	return nil
}
