package bridge

import (
	"encoding/json"
	"time"

	"github.com/flowbridge-io/flowbridge/pkg/eventbus"
	"github.com/flowbridge-io/flowbridge/pkg/events"
	"github.com/flowbridge-io/flowbridge/pkg/monitor"
)

// Bridge event types published to the bus.
const (
	ConnectedEvent                   eventbus.EventType = "connected"
	DisconnectedEvent                eventbus.EventType = "disconnected"
	ErrorEvent                       eventbus.EventType = "error"
	ReconnectingEvent                eventbus.EventType = "reconnecting"
	MaxReconnectAttemptsReachedEvent eventbus.EventType = "maxReconnectAttemptsReached"
	MessageErrorEvent                eventbus.EventType = "messageError"
	WorkflowEventEvent               eventbus.EventType = "workflowEvent"
	ExecutionStartedEvent            eventbus.EventType = "executionStarted"
	ExecutionCompletedEvent          eventbus.EventType = "executionCompleted"
	NodeExecutionStartedEvent        eventbus.EventType = "nodeExecutionStarted"
	NodeExecutionCompletedEvent      eventbus.EventType = "nodeExecutionCompleted"
	ProgressStartedEvent             eventbus.EventType = "progressStarted"
	ProgressUpdatedEvent             eventbus.EventType = "progressUpdated"
	ProgressCompletedEvent           eventbus.EventType = "progressCompleted"
	ProgressTickEvent                eventbus.EventType = "progressTick"
	AlertEvent                       eventbus.EventType = "alert"
	HealthCheckEvent                 eventbus.EventType = "healthCheck"
	AuthRefreshedEvent               eventbus.EventType = "authRefreshed"
	AuthRefreshErrorEvent            eventbus.EventType = "authRefreshError"
)

type Connected struct {
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

func (Connected) GetType() eventbus.EventType { return ConnectedEvent }

type Disconnected struct {
	Code      int       `json:"code"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (Disconnected) GetType() eventbus.EventType { return DisconnectedEvent }

type ConnectionError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (ConnectionError) GetType() eventbus.EventType { return ErrorEvent }

type Reconnecting struct {
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Timestamp time.Time     `json:"timestamp"`
}

func (Reconnecting) GetType() eventbus.EventType { return ReconnectingEvent }

type MaxReconnectAttemptsReached struct {
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

func (MaxReconnectAttemptsReached) GetType() eventbus.EventType {
	return MaxReconnectAttemptsReachedEvent
}

type MessageError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (MessageError) GetType() eventbus.EventType { return MessageErrorEvent }

// WorkflowEvent is the passthrough for engine events that have no
// dedicated bridge event type, unrecognized push message types
// included.
type WorkflowEvent struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (WorkflowEvent) GetType() eventbus.EventType { return WorkflowEventEvent }

type ExecutionStarted struct {
	events.EventData
}

func (ExecutionStarted) GetType() eventbus.EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	events.EventData
}

func (ExecutionCompleted) GetType() eventbus.EventType { return ExecutionCompletedEvent }

type NodeExecutionStarted struct {
	events.EventData
}

func (NodeExecutionStarted) GetType() eventbus.EventType { return NodeExecutionStartedEvent }

type NodeExecutionCompleted struct {
	events.EventData
}

func (NodeExecutionCompleted) GetType() eventbus.EventType { return NodeExecutionCompletedEvent }

type ProgressStarted struct {
	Progress monitor.WorkflowProgress `json:"progress"`
}

func (ProgressStarted) GetType() eventbus.EventType { return ProgressStartedEvent }

type ProgressUpdated struct {
	Progress monitor.WorkflowProgress `json:"progress"`
}

func (ProgressUpdated) GetType() eventbus.EventType { return ProgressUpdatedEvent }

type ProgressCompleted struct {
	Progress monitor.WorkflowProgress `json:"progress"`
}

func (ProgressCompleted) GetType() eventbus.EventType { return ProgressCompletedEvent }

type ProgressTick struct {
	Progress monitor.WorkflowProgress `json:"progress"`
}

func (ProgressTick) GetType() eventbus.EventType { return ProgressTickEvent }

type AlertRaised struct {
	Alert monitor.Alert `json:"alert"`
}

func (AlertRaised) GetType() eventbus.EventType { return AlertEvent }

type HealthChecked struct {
	Health Health `json:"health"`
}

func (HealthChecked) GetType() eventbus.EventType { return HealthCheckEvent }

type AuthRefreshed struct {
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (AuthRefreshed) GetType() eventbus.EventType { return AuthRefreshedEvent }

type AuthRefreshError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (AuthRefreshError) GetType() eventbus.EventType { return AuthRefreshErrorEvent }

// Decoders maps every bridge event type to its concrete struct, for
// consumers subscribing through the watermill bus.
func Decoders() map[eventbus.EventType]eventbus.Decoder {
	return map[eventbus.EventType]eventbus.Decoder{
		ConnectedEvent:                   func() eventbus.Event { return &Connected{} },
		DisconnectedEvent:                func() eventbus.Event { return &Disconnected{} },
		ErrorEvent:                       func() eventbus.Event { return &ConnectionError{} },
		ReconnectingEvent:                func() eventbus.Event { return &Reconnecting{} },
		MaxReconnectAttemptsReachedEvent: func() eventbus.Event { return &MaxReconnectAttemptsReached{} },
		MessageErrorEvent:                func() eventbus.Event { return &MessageError{} },
		WorkflowEventEvent:               func() eventbus.Event { return &WorkflowEvent{} },
		ExecutionStartedEvent:            func() eventbus.Event { return &ExecutionStarted{} },
		ExecutionCompletedEvent:          func() eventbus.Event { return &ExecutionCompleted{} },
		NodeExecutionStartedEvent:        func() eventbus.Event { return &NodeExecutionStarted{} },
		NodeExecutionCompletedEvent:      func() eventbus.Event { return &NodeExecutionCompleted{} },
		ProgressStartedEvent:             func() eventbus.Event { return &ProgressStarted{} },
		ProgressUpdatedEvent:             func() eventbus.Event { return &ProgressUpdated{} },
		ProgressCompletedEvent:           func() eventbus.Event { return &ProgressCompleted{} },
		ProgressTickEvent:                func() eventbus.Event { return &ProgressTick{} },
		AlertEvent:                       func() eventbus.Event { return &AlertRaised{} },
		HealthCheckEvent:                 func() eventbus.Event { return &HealthChecked{} },
		AuthRefreshedEvent:               func() eventbus.Event { return &AuthRefreshed{} },
		AuthRefreshErrorEvent:            func() eventbus.Event { return &AuthRefreshError{} },
	}
}
