package delivery

import (
	"fmt"
	"maps"
	"slices"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/journal"
)

// Kind is the agent kind of delivery backplanes.
const Kind = "delivery"

// State is a delivery agent's durable outbox and its correlation map.
type State struct {
	Queue  []domain.OutboundMessage `json:"queue" cbor:"queue"`
	Routes map[string]domain.Route  `json:"routes" cbor:"routes"`
}

// Sessions returns the sessions that have at least one route, sorted.
func (s State) Sessions() []string {
	seen := make(map[string]struct{}, len(s.Routes))
	for _, r := range s.Routes {
		seen[r.SessionID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

func (s State) routesTo(sessionID string) int {
	n := 0
	for _, r := range s.Routes {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n
}

// MessageEnqueued appends Message to the outbox.
type MessageEnqueued struct {
	Message domain.OutboundMessage `json:"message" cbor:"message"`
}

func (MessageEnqueued) EventKind() string { return "delivery.message_enqueued" }

func (e MessageEnqueued) Validate() error {
	if e.Message.ID == "" || e.Message.CorrelationID == "" {
		return fmt.Errorf("message id and correlation id are required: %w", domain.ErrInvalidEvent)
	}
	return nil
}

// MessagesDequeued removes the head of the outbox. IDs lists the removed
// messages in queue order; a repeated ID removes only one entry.
type MessagesDequeued struct {
	IDs []string `json:"ids" cbor:"ids"`
}

func (MessagesDequeued) EventKind() string { return "delivery.messages_dequeued" }

// RouteAdded maps CorrelationID to a session.
type RouteAdded struct {
	CorrelationID string       `json:"correlation_id" cbor:"correlation_id"`
	Route         domain.Route `json:"route" cbor:"route"`
}

func (RouteAdded) EventKind() string { return "delivery.route_added" }

func (e RouteAdded) Validate() error {
	if e.CorrelationID == "" || e.Route.SessionID == "" {
		return fmt.Errorf("correlation id and session id are required: %w", domain.ErrInvalidEvent)
	}
	return nil
}

// RouteRemoved drops one correlation.
type RouteRemoved struct {
	CorrelationID string `json:"correlation_id" cbor:"correlation_id"`
}

func (RouteRemoved) EventKind() string { return "delivery.route_removed" }

// SessionRoutesCleared drops every correlation routed to SessionID.
type SessionRoutesCleared struct {
	SessionID string `json:"session_id" cbor:"session_id"`
}

func (SessionRoutesCleared) EventKind() string { return "delivery.session_routes_cleared" }

func definition() journal.Definition[State] {
	reg := journal.NewRegistry()
	journal.Register[MessageEnqueued](reg)
	journal.Register[MessagesDequeued](reg)
	journal.Register[RouteAdded](reg)
	journal.Register[RouteRemoved](reg)
	journal.Register[SessionRoutesCleared](reg)
	return journal.Definition[State]{
		Kind:  Kind,
		Apply: apply,
		Clone: func(s State) State {
			return State{Queue: slices.Clone(s.Queue), Routes: maps.Clone(s.Routes)}
		},
		Payloads: reg,
	}
}

func apply(s *State, ev domain.StateLogEvent) {
	switch p := ev.Payload.(type) {
	case MessageEnqueued:
		s.Queue = append(s.Queue, p.Message)
	case MessagesDequeued:
		n := min(len(p.IDs), len(s.Queue))
		s.Queue = slices.Clone(s.Queue[n:])
	case RouteAdded:
		if s.Routes == nil {
			s.Routes = make(map[string]domain.Route)
		}
		s.Routes[p.CorrelationID] = p.Route
	case RouteRemoved:
		delete(s.Routes, p.CorrelationID)
	case SessionRoutesCleared:
		maps.DeleteFunc(s.Routes, func(_ string, r domain.Route) bool {
			return r.SessionID == p.SessionID
		})
	default:
	}
}
