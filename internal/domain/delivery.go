package domain

import (
	"encoding/json"
	"time"
)

// OutboundMessage is a response queued for delivery to a client session.
type OutboundMessage struct {
	ID            string          `json:"id" cbor:"id"`
	CorrelationID string          `json:"correlation_id" cbor:"correlation_id"`
	Method        string          `json:"method,omitempty" cbor:"method,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at" cbor:"enqueued_at"`
}

// Route maps a correlation ID to the session that should receive responses.
type Route struct {
	SessionID     string `json:"session_id" cbor:"session_id"`
	FireAndForget bool   `json:"fire_and_forget,omitempty" cbor:"fire_and_forget,omitempty"`
}

// ForwardEnvelope is what a session router puts on a server channel.
type ForwardEnvelope struct {
	SessionID string          `json:"session_id"`
	Message   OutboundMessage `json:"message"`
}
