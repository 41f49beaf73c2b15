// Package events defines the push protocol spoken by the automation
// engine: inbound execution lifecycle events and outbound subscription
// commands.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type EventType string

const (
	// Inbound event discriminators.
	ExecutionStartedEvent   EventType = "workflowExecutionStarted"
	ExecutionCompletedEvent EventType = "workflowExecutionCompleted"
	NodeStartedEvent        EventType = "nodeExecutionStarted"
	NodeCompletedEvent      EventType = "nodeExecutionCompleted"
	HeartbeatEvent          EventType = "heartbeat"
)

// ExecutionStatus is the engine-reported state of a workflow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusError    ExecutionStatus = "error"
	ExecutionStatusWaiting  ExecutionStatus = "waiting"
	ExecutionStatusCanceled ExecutionStatus = "canceled"
)

// PushMessage is the raw wire envelope before validation.
type PushMessage struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

// EventData carries the payload shared by all execution lifecycle
// events. Field names follow the engine's camelCase convention.
type EventData struct {
	ExecutionID string          `json:"executionId"          validate:"required"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	NodeID      string          `json:"nodeId,omitempty"`
	NodeName    string          `json:"nodeName,omitempty"`
	Timestamp   time.Time       `json:"timestamp"            validate:"required"`
	Status      ExecutionStatus `json:"status,omitempty"     validate:"omitempty,oneof=running success error waiting canceled"`
	Error       string          `json:"error,omitempty"`
}

// Event is a structurally validated, typed representation of a raw
// inbound wire message.
type Event interface {
	GetType() EventType
}

type ExecutionStarted struct {
	EventData
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	EventData
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type NodeStarted struct {
	EventData
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeCompleted struct {
	EventData
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type Heartbeat struct {
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func (e Heartbeat) GetType() EventType {
	return HeartbeatEvent
}

// Unknown is the open passthrough for event types the bridge does not
// interpret. The raw payload is retained for consumers.
type Unknown struct {
	Type EventType
	Data json.RawMessage
}

func (e Unknown) GetType() EventType {
	return e.Type
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a raw push message into a typed event.
// Unrecognized event types pass through as Unknown; malformed or
// non-conformant payloads of known types return an error and must be
// dropped by the caller without tearing down the connection.
func Parse(raw []byte) (Event, error) {
	var msg PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed push message: %w", err)
	}

	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid push message: %w", err)
	}

	switch EventType(msg.Type) {
	case ExecutionStartedEvent:
		data, err := parseEventData(msg)
		if err != nil {
			return nil, err
		}

		return ExecutionStarted{EventData: data}, nil
	case ExecutionCompletedEvent:
		data, err := parseEventData(msg)
		if err != nil {
			return nil, err
		}

		return ExecutionCompleted{EventData: data}, nil
	case NodeStartedEvent:
		data, err := parseEventData(msg)
		if err != nil {
			return nil, err
		}

		return NodeStarted{EventData: data}, nil
	case NodeCompletedEvent:
		data, err := parseEventData(msg)
		if err != nil {
			return nil, err
		}

		return NodeCompleted{EventData: data}, nil
	case HeartbeatEvent:
		var hb Heartbeat
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &hb); err != nil {
				return nil, fmt.Errorf("malformed heartbeat payload: %w", err)
			}
		}

		return hb, nil
	default:
		return Unknown{Type: EventType(msg.Type), Data: msg.Data}, nil
	}
}

func parseEventData(msg PushMessage) (EventData, error) {
	var data EventData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return EventData{}, fmt.Errorf("malformed %s payload: %w", msg.Type, err)
	}

	if err := validate.Struct(data); err != nil {
		return EventData{}, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}

	return data, nil
}
