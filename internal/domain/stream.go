package domain

import (
	"context"
	"strings"
)

// ChannelKey names a stream on the transport.
type ChannelKey string

// HandlerErrorChannel receives every HandlerException in the process.
const HandlerErrorChannel ChannelKey = "errors/handler"

// AgentChannel is where events addressed to an agent are delivered.
func AgentChannel(id AgentID) ChannelKey { return ChannelKey("agent/" + string(id)) }

// StateChannel carries StateNotices for an agent as state/<kind>/<key>.
func StateChannel(id AgentID) ChannelKey { return ChannelKey("state/" + string(id)) }

// ServerChannel carries messages forwarded to a gateway server.
func ServerChannel(serverID string) ChannelKey { return ChannelKey("server/" + serverID) }

// ServerLivenessChannel carries heartbeats and the termination notice of a server.
func ServerLivenessChannel(serverID string) ChannelKey {
	return ChannelKey("server-liveness/" + serverID)
}

// ClientLifecycleChannel carries DisconnectNotices for a session.
func ClientLifecycleChannel(sessionID string) ChannelKey {
	return ChannelKey("client-lifecycle/" + sessionID)
}

// DeliveryStatusChannel carries DeliveryStatus notices for a delivery agent.
func DeliveryStatusChannel(id AgentID) ChannelKey {
	return ChannelKey("delivery-status/" + string(id))
}

// HasPrefix reports whether the key belongs to the given channel family,
// e.g. "client-lifecycle".
func (k ChannelKey) HasPrefix(family string) bool {
	return strings.HasPrefix(string(k), family+"/")
}

// StreamHandler receives one message from a subscribed channel. Messages on a
// subscription are delivered one at a time, in publish order.
type StreamHandler func(ctx context.Context, payload []byte)

// SubscriptionHandle identifies a subscription so it can be cancelled or resumed.
type SubscriptionHandle struct {
	Key ChannelKey `json:"key"`
	ID  string     `json:"id"`
}

// IsZero reports whether the handle is unset.
func (h SubscriptionHandle) IsZero() bool { return h.ID == "" }

// StreamTransport is the channel-keyed publish/subscribe transport that
// connects agents, gateway servers and clients.
type StreamTransport interface {
	Publish(ctx context.Context, key ChannelKey, payload []byte) error
	Subscribe(ctx context.Context, key ChannelKey, handler StreamHandler) (SubscriptionHandle, error)
	Unsubscribe(ctx context.Context, handle SubscriptionHandle) error
	// Resume reattaches handler to a subscription, creating it under the
	// same handle when it no longer exists.
	Resume(ctx context.Context, handle SubscriptionHandle, handler StreamHandler) (SubscriptionHandle, error)
}
