package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of domain event carried by an EventWrapper.
type EventType string

const (
	// EventTypeAll subscribes a handler to every event type.
	EventTypeAll EventType = "*"

	EventHandlerException   EventType = "agent.handler_exception"
	EventStateChanged       EventType = "agent.state_changed"
	EventClientDisconnected EventType = "session.disconnected"
	EventServerHeartbeat    EventType = "server.heartbeat"
	EventServerTerminated   EventType = "server.terminated"
	EventDeliveryFailed     EventType = "delivery.failed"
)

// EventWrapper is the envelope for cross-agent domain events. It lives only
// on the stream transport and is never written to an event log.
type EventWrapper struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	PublisherID   AgentID         `json:"publisher_id"`
	Type          EventType       `json:"type"`
	PublishedAt   time.Time       `json:"published_at"`
	Hops          int             `json:"hops"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the wrapped payload into v.
func (w EventWrapper) Decode(v any) error {
	if len(w.Payload) == 0 {
		return fmt.Errorf("event %s has no payload: %w", w.EventID, ErrInvalidEvent)
	}
	if err := json.Unmarshal(w.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}
	return nil
}

// Forwarded returns a copy of w one hop further from its publisher.
func (w EventWrapper) Forwarded() EventWrapper {
	w.Hops++
	return w
}

// HandlerException reports a handler that returned an error or panicked.
type HandlerException struct {
	AgentID       AgentID   `json:"agent_id"`
	CorrelationID string    `json:"correlation_id"`
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	Message       string    `json:"message"`
}

// StateNotice is published on an agent's state channel after a confirm.
type StateNotice struct {
	AgentID AgentID         `json:"agent_id"`
	Kind    string          `json:"kind"`
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state,omitempty"`
}

// DisconnectNotice is published on a session's client-lifecycle channel.
type DisconnectNotice struct {
	SessionID string    `json:"session_id"`
	ServerID  string    `json:"server_id,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// ServerNotice is published on a server's liveness channel.
type ServerNotice struct {
	ServerID string    `json:"server_id"`
	Type     EventType `json:"type"`
	At       time.Time `json:"at"`
}

// DeliveryStatus is published on a delivery agent's status channel when a
// message is dropped after exhausting its attempts.
type DeliveryStatus struct {
	AgentID       AgentID `json:"agent_id"`
	MessageID     string  `json:"message_id"`
	CorrelationID string  `json:"correlation_id"`
	SessionID     string  `json:"session_id,omitempty"`
	Attempts      int     `json:"attempts"`
	Error         string  `json:"error"`
}

// NewWrapper builds an EventWrapper with a fresh event ID and JSON payload.
func NewWrapper(publisher AgentID, correlationID string, typ EventType, payload any, now time.Time) (EventWrapper, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventWrapper{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return EventWrapper{
		EventID:       NewID(),
		CorrelationID: correlationID,
		PublisherID:   publisher,
		Type:          typ,
		PublishedAt:   now,
		Payload:       raw,
	}, nil
}
