package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Event frame methods sent by the server outside of a response.
const (
	MethodWelcome = "session.welcome"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation
	Method  string          `json:"method,omitempty"`  // RPC method or event type
	Payload json.RawMessage `json:"payload,omitempty"` // params, result or event body
	Error   string          `json:"error,omitempty"`   // response only
	Code    string          `json:"code,omitempty"`    // machine-readable error code
}

// Welcome is the payload of the first frame on every connection.
type Welcome struct {
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
}
