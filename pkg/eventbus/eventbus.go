// Package eventbus provides the typed publish/subscribe surface for
// bridge lifecycle events.
package eventbus

import (
	"context"
)

type EventType string

// Event is a tagged bridge event published to external consumers.
type Event interface {
	GetType() EventType
}

type Handler func(ctx context.Context, event Event) error

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Bus interface {
	Publisher
	Handle(eventType EventType, handler Handler)
	HandleAll(handler Handler)
	Close() error
}
