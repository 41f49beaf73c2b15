package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topic carries every bridge event published through the watermill bus.
const Topic = "flowbridge.events"

const eventTypeMetadataKey = "event_type"

// Decoder allocates the concrete event struct for a wire event type so
// the subscriber can unmarshal it.
type Decoder func() Event

// WatermillBus publishes bridge events as JSON messages on a watermill
// topic. Consumers outside the process boundary subscribe the same way
// they would on any watermill transport; the default backing is an
// in-process gochannel.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	decoders   map[EventType]Decoder
	logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
	catchAll []Handler
}

func NewWatermillBus(
	publisher message.Publisher,
	subscriber message.Subscriber,
	decoders map[EventType]Decoder,
	logger *slog.Logger,
) *WatermillBus {
	return &WatermillBus{
		publisher:  publisher,
		subscriber: subscriber,
		decoders:   decoders,
		logger:     logger.With("module", "eventbus"),
		handlers:   make(map[EventType][]Handler),
	}
}

// NewGoChannelBus builds a WatermillBus backed by an in-process
// gochannel pub/sub, suitable for wiring external consumers inside the
// same binary.
func NewGoChannelBus(decoders map[EventType]Decoder, logger *slog.Logger) *WatermillBus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          false,
		},
		watermill.NewSlogLogger(logger),
	)

	return NewWatermillBus(pubSub, pubSub, decoders, logger)
}

func (b *WatermillBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, string(event.GetType()))
	msg.SetContext(ctx)

	return b.publisher.Publish(Topic, msg)
}

func (b *WatermillBus) Handle(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *WatermillBus) HandleAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.catchAll = append(b.catchAll, handler)
}

// Subscribe starts consuming the bridge topic and dispatching decoded
// events to registered handlers. It returns once the subscription is
// established; dispatch happens on a background goroutine until the
// context is canceled.
func (b *WatermillBus) Subscribe(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", Topic, err)
	}

	go func() {
		for msg := range messages {
			b.dispatch(ctx, msg)
		}
	}()

	return nil
}

func (b *WatermillBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := EventType(msg.Metadata.Get(eventTypeMetadataKey))

	decoder, known := b.decoders[eventType]
	if !known {
		msg.Ack()

		return
	}

	event := decoder()
	if err := json.Unmarshal(msg.Payload, event); err != nil {
		b.logger.ErrorContext(ctx, "Failed to decode bus event",
			"event_type", string(eventType), "error", err)
		msg.Nack()

		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.catchAll))
	handlers = append(handlers, b.handlers[eventType]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.ErrorContext(ctx, "Event handler failed",
				"event_type", string(eventType), "error", err)
		}
	}

	msg.Ack()
}

func (b *WatermillBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
