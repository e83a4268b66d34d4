// Package hub is the client-facing RPC surface of a grid node. A client
// publishes an event to a target agent and receives the correlated
// responses through a delivery agent placed in the target's family.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/delivery"
)

// Ticket tells a client where its responses will come from.
type Ticket struct {
	DeliveryAgent domain.AgentID `json:"delivery_agent"`
	CorrelationID string         `json:"correlation_id"`
	EventID       string         `json:"event_id"`
}

// Request is one client publish.
type Request struct {
	SessionID string
	Target    domain.AgentID
	EventType domain.EventType
	Payload   json.RawMessage
	// Subscribe keeps the route after the first delivered response.
	Subscribe bool
}

// Hub routes client requests into the agent graph.
type Hub struct {
	svc       *agent.Services
	backplane *delivery.Backplane
	logger    *slog.Logger
}

// New creates a Hub over svc and backplane.
func New(svc *agent.Services, backplane *delivery.Backplane, logger *slog.Logger) *Hub {
	return &Hub{svc: svc, backplane: backplane, logger: logger.With("component", "hub")}
}

// Publish routes responses correlated with the request back to the
// session, then publishes the event from the delivery agent so it reaches
// the target through the graph.
func (h *Hub) Publish(ctx context.Context, req Request) (Ticket, error) {
	if req.SessionID == "" || req.Target.IsZero() || req.EventType == "" {
		return Ticket{}, domain.NewSubSystemError("hub", "Hub.Publish", domain.ErrInvalidInput, "session, target and event type are required")
	}
	if req.EventType == domain.EventTypeAll {
		return Ticket{}, domain.NewSubSystemError("hub", "Hub.Publish", domain.ErrInvalidInput, "cannot publish the wildcard type")
	}

	parent, deliveryID, err := h.family(ctx, req.Target)
	if err != nil {
		return Ticket{}, domain.WrapOp("Hub.Publish", err)
	}
	if parent != deliveryID {
		if err := h.svc.Graph.Register(ctx, parent, deliveryID); err != nil {
			return Ticket{}, domain.WrapOp("Hub.Publish", err)
		}
	}

	ctx, corr := domain.EnsureCorrelationID(ctx)
	route := domain.Route{SessionID: req.SessionID, FireAndForget: !req.Subscribe}
	if err := h.backplane.AddRoute(ctx, deliveryID, corr, route); err != nil {
		return Ticket{}, domain.WrapOp("Hub.Publish", err)
	}

	w, err := h.svc.Fabric.PublishRaw(ctx, deliveryID, req.EventType, req.Payload)
	if err != nil {
		return Ticket{}, domain.WrapOp("Hub.Publish", err)
	}
	h.logger.Debug("client event published",
		"session", req.SessionID, "target", string(req.Target), "delivery", string(deliveryID),
		"type", req.EventType, "correlation_id", corr)
	return Ticket{DeliveryAgent: deliveryID, CorrelationID: corr, EventID: w.EventID}, nil
}

// Unsubscribe stops every route from deliveryID to sessionID.
func (h *Hub) Unsubscribe(ctx context.Context, sessionID string, deliveryID domain.AgentID) error {
	if sessionID == "" || deliveryID.Kind() != delivery.Kind {
		return domain.NewSubSystemError("hub", "Hub.Unsubscribe", domain.ErrInvalidInput, "session and delivery agent are required")
	}
	return h.backplane.RemoveSession(ctx, deliveryID, sessionID)
}

// family returns the agent that owns target's group and the delivery agent
// serving it. A target without a parent gets a new delivery agent as its
// parent. Otherwise an existing delivery sibling is reused.
func (h *Hub) family(ctx context.Context, target domain.AgentID) (parent, deliveryID domain.AgentID, err error) {
	if target.Kind() == delivery.Kind {
		return target, target, nil
	}
	parent, err = h.svc.Graph.GetParent(ctx, target)
	if err != nil {
		return "", "", err
	}
	if parent.IsZero() {
		deliveryID = delivery.AgentID(domain.NewID())
		if err := h.svc.Graph.Register(ctx, deliveryID, target); err != nil {
			return "", "", err
		}
		return deliveryID, deliveryID, nil
	}
	if parent.Kind() == delivery.Kind {
		return parent, parent, nil
	}
	siblings, err := h.svc.Graph.GetChildren(ctx, parent)
	if err != nil {
		return "", "", err
	}
	for _, s := range siblings {
		if s.Kind() == delivery.Kind {
			return parent, s, nil
		}
	}
	return parent, delivery.AgentID(domain.NewID()), nil
}
