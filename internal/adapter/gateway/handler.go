package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/hub"
)

// Hub RPC methods.
const (
	MethodPublish     = "agent.publish"
	MethodSubscribe   = "agent.subscribe"
	MethodUnsubscribe = "agent.unsubscribe"
)

// Hub is the client surface of the agent graph. *hub.Hub satisfies it.
type Hub interface {
	Publish(ctx context.Context, req hub.Request) (hub.Ticket, error)
	Unsubscribe(ctx context.Context, sessionID string, deliveryID domain.AgentID) error
}

// PublishParams is the payload of agent.publish and agent.subscribe.
type PublishParams struct {
	AgentID   string           `json:"agent_id"`
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// UnsubscribeParams is the payload of agent.unsubscribe.
type UnsubscribeParams struct {
	DeliveryAgent string `json:"delivery_agent"`
}

// requirePerm wraps an RPCHandler with a role check.
func requirePerm(perm domain.Permission, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !domain.Allowed(client.Roles, perm) {
			return nil, fmt.Errorf("%s: %w", perm, domain.ErrForbidden)
		}
		return handler(ctx, client, payload)
	}
}

// RegisterHubHandlers registers the agent.* RPC methods on s.
func RegisterHubHandlers(s *Server, h Hub) {
	s.RegisterHandler(MethodPublish, requirePerm(domain.PermEventPublish, publishHandler(h, false)))
	s.RegisterHandler(MethodSubscribe, requirePerm(domain.PermEventSubscribe, publishHandler(h, true)))
	s.RegisterHandler(MethodUnsubscribe, requirePerm(domain.PermEventSubscribe, unsubscribeHandler(h)))
}

func publishHandler(h Hub, subscribe bool) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var p PublishParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		target, err := domain.ParseAgentID(p.AgentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
		}
		ticket, err := h.Publish(ctx, hub.Request{
			SessionID: client.SessionID,
			Target:    target,
			EventType: p.EventType,
			Payload:   p.Payload,
			Subscribe: subscribe,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(ticket)
	}
}

func unsubscribeHandler(h Hub) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var p UnsubscribeParams
		if err := decodeParams(payload, &p); err != nil {
			return nil, err
		}
		id, err := domain.ParseAgentID(p.DeliveryAgent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
		}
		if err := h.Unsubscribe(ctx, client.SessionID, id); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
}

func decodeParams(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing params", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}
