package session

import (
	"fmt"
	"time"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/journal"
)

// Kind is the agent kind of session routers.
const Kind = "session"

// Disconnect reasons.
const (
	ReasonClient          = "client-disconnected"
	ReasonServerLost      = "server-disconnected"
	ReasonAttemptsReached = "attempts-limit-reached"
)

// State is the persisted binding of one client session.
type State struct {
	ServerID    string                    `json:"server_id,omitempty" cbor:"server_id,omitempty"`
	Liveness    domain.SubscriptionHandle `json:"liveness" cbor:"liveness"`
	ConnectedAt time.Time                 `json:"connected_at" cbor:"connected_at"`
	Failures    int                       `json:"failures" cbor:"failures"`
	LastReason  string                    `json:"last_reason,omitempty" cbor:"last_reason,omitempty"`
}

// Connected reports whether the session is bound to a server.
func (s State) Connected() bool { return s.ServerID != "" }

// Connected binds the session to ServerID.
type Connected struct {
	ServerID string                    `json:"server_id" cbor:"server_id"`
	Liveness domain.SubscriptionHandle `json:"liveness" cbor:"liveness"`
	At       time.Time                 `json:"at" cbor:"at"`
}

func (Connected) EventKind() string { return "session.connected" }

func (e Connected) Validate() error {
	if e.ServerID == "" {
		return fmt.Errorf("server id is required: %w", domain.ErrInvalidEvent)
	}
	return nil
}

// Disconnected clears the binding.
type Disconnected struct {
	Reason string    `json:"reason" cbor:"reason"`
	At     time.Time `json:"at" cbor:"at"`
}

func (Disconnected) EventKind() string { return "session.disconnected" }

// SendFailed counts one undeliverable message.
type SendFailed struct {
	MessageID string `json:"message_id" cbor:"message_id"`
}

func (SendFailed) EventKind() string { return "session.send_failed" }

// FailuresReset zeroes the failure counter after a successful send.
type FailuresReset struct{}

func (FailuresReset) EventKind() string { return "session.failures_reset" }

func definition() journal.Definition[State] {
	reg := journal.NewRegistry()
	journal.Register[Connected](reg)
	journal.Register[Disconnected](reg)
	journal.Register[SendFailed](reg)
	journal.Register[FailuresReset](reg)
	return journal.Definition[State]{
		Kind:     Kind,
		Apply:    apply,
		Payloads: reg,
	}
}

func apply(s *State, ev domain.StateLogEvent) {
	switch p := ev.Payload.(type) {
	case Connected:
		s.ServerID = p.ServerID
		s.Liveness = p.Liveness
		s.ConnectedAt = p.At
		s.Failures = 0
		s.LastReason = ""
	case Disconnected:
		*s = State{LastReason: p.Reason}
	case SendFailed:
		s.Failures++
	case FailuresReset:
		s.Failures = 0
	default:
	}
}
