// Package session routes outbound messages to the gateway server a client
// session is connected to. Each session is an agent whose log holds its
// server binding and its consecutive send failures.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/actor"
	"agentgrid/internal/usecase/agent"
)

const defaultFailureThreshold = 3

// Config holds router tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failed sends that
	// force a disconnect (default: 3).
	FailureThreshold int `yaml:"failure_threshold"`
}

// Router owns the session agents of one process.
type Router struct {
	svc     *agent.Services
	servers domain.ServerDirectory
	forward *Forwarder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// AgentID returns the id of sessionID's router agent.
func AgentID(sessionID string) domain.AgentID {
	return domain.NewAgentID(Kind, sessionID)
}

// NewRouter registers the session kind on svc.
func NewRouter(svc *agent.Services, servers domain.ServerDirectory, forward *Forwarder, cfg Config, logger *slog.Logger) (*Router, error) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	r := &Router{
		svc:     svc,
		servers: servers,
		forward: forward,
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
	err := agent.RegisterKind(svc, agent.Kind[State]{
		Definition: definition(),
		Setup:      r.setup,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// setup re-attaches the liveness subscription of a connected session.
func (r *Router) setup(ctx context.Context, h *agent.Host[State]) error {
	st := h.State()
	if !st.Connected() || st.Liveness.IsZero() {
		return nil
	}
	sessionID := h.ID().Key()
	if _, err := r.svc.Transport.Resume(ctx, st.Liveness, r.onLiveness(sessionID, st.ServerID)); err != nil {
		return fmt.Errorf("resume liveness of %s: %w", st.ServerID, err)
	}
	r.logger.Debug("session resumed", "session", sessionID, "server", st.ServerID)
	return nil
}

// OnConnect binds sessionID to serverID and watches the server's liveness
// channel.
func (r *Router) OnConnect(ctx context.Context, sessionID, serverID string) error {
	if sessionID == "" || serverID == "" {
		return domain.NewSubSystemError("session", "Router.OnConnect", domain.ErrInvalidInput, "session and server ids are required")
	}
	return r.call(ctx, sessionID, func(ctx context.Context, h *agent.Host[State]) error {
		prev := h.State()
		if !prev.Liveness.IsZero() {
			if err := r.svc.Transport.Unsubscribe(ctx, prev.Liveness); err != nil {
				r.logger.Warn("drop previous liveness subscription", "session", sessionID, "error", err)
			}
		}
		handle, err := r.svc.Transport.Subscribe(ctx, domain.ServerLivenessChannel(serverID), r.onLiveness(sessionID, serverID))
		if err != nil {
			return domain.WrapOp("session.OnConnect", err)
		}
		if _, err := h.Commit(ctx, Connected{ServerID: serverID, Liveness: handle, At: r.now()}); err != nil {
			_ = r.svc.Transport.Unsubscribe(ctx, handle)
			return domain.WrapOp("session.OnConnect", err)
		}
		if !prev.Connected() {
			r.svc.Metrics.SessionConnected()
		}
		r.logger.Debug("session connected", "session", sessionID, "server", serverID)
		return nil
	})
}

// OnDisconnect clears the binding of sessionID and announces it on the
// client-lifecycle channel. Disconnecting an unbound session is a no-op.
func (r *Router) OnDisconnect(ctx context.Context, sessionID, reason string) error {
	return r.disconnect(ctx, sessionID, "", reason)
}

// Release is OnDisconnect for a server closing its own connection. It is a
// no-op once the session has moved to another server.
func (r *Router) Release(ctx context.Context, sessionID, serverID, reason string) error {
	if serverID == "" {
		return domain.NewSubSystemError("session", "Router.Release", domain.ErrInvalidInput, "server id is required")
	}
	return r.disconnect(ctx, sessionID, serverID, reason)
}

// disconnect clears the binding if it still points at serverID, or at any
// server when serverID is empty.
func (r *Router) disconnect(ctx context.Context, sessionID, serverID, reason string) error {
	return r.call(ctx, sessionID, func(ctx context.Context, h *agent.Host[State]) error {
		st := h.State()
		if !st.Connected() {
			return nil
		}
		if serverID != "" && st.ServerID != serverID {
			return nil
		}
		return r.clear(ctx, h, reason)
	})
}

// clear runs inside the session's exclusive turn.
func (r *Router) clear(ctx context.Context, h *agent.Host[State], reason string) error {
	st := h.State()
	sessionID := h.ID().Key()
	var errs []error

	if !st.Liveness.IsZero() {
		if err := r.svc.Transport.Unsubscribe(ctx, st.Liveness); err != nil {
			errs = append(errs, err)
		}
	}
	notice, err := json.Marshal(domain.DisconnectNotice{
		SessionID: sessionID,
		ServerID:  st.ServerID,
		Reason:    reason,
		At:        r.now(),
	})
	if err == nil {
		err = r.svc.Transport.Publish(ctx, domain.ClientLifecycleChannel(sessionID), notice)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("publish disconnect notice: %w", err))
	}
	if _, err := h.Commit(ctx, Disconnected{Reason: reason, At: r.now()}); err != nil {
		errs = append(errs, err)
	}
	if st.Connected() {
		r.svc.Metrics.SessionDisconnected(reason)
	}
	r.logger.Info("session disconnected", "session", sessionID, "server", st.ServerID, "reason", reason)
	return errors.Join(errs...)
}

// Send forwards msg to the server sessionID is bound to. Every failure is
// counted; reaching the threshold forces a disconnect. Failures return
// domain.ErrSessionUnreachable.
func (r *Router) Send(ctx context.Context, sessionID string, msg domain.OutboundMessage) error {
	if sessionID == "" {
		return domain.NewSubSystemError("session", "Router.Send", domain.ErrInvalidInput, "empty session id")
	}
	return r.call(ctx, sessionID, func(ctx context.Context, h *agent.Host[State]) error {
		st := h.State()
		cause := r.deliver(ctx, st, sessionID, msg)
		if cause == nil {
			if st.Failures > 0 {
				if _, err := h.Commit(ctx, FailuresReset{}); err != nil {
					r.logger.Warn("reset failure counter", "session", sessionID, "error", err)
				}
			}
			return nil
		}

		r.logger.Info("session unreachable", "session", sessionID, "message", msg.ID, "error", cause)
		unreachable := domain.NewSubSystemError("session", "Router.Send", domain.ErrSessionUnreachable,
			fmt.Sprintf("%s: %v", sessionID, cause))
		if _, err := h.Commit(ctx, SendFailed{MessageID: msg.ID}); err != nil {
			return errors.Join(unreachable, err)
		}
		if h.State().Failures >= r.cfg.FailureThreshold {
			r.logger.Warn("forcing disconnect after exceeding attempts limit",
				"session", sessionID, "failures", h.State().Failures)
			if err := r.clear(ctx, h, ReasonAttemptsReached); err != nil {
				return errors.Join(unreachable, err)
			}
		}
		return unreachable
	})
}

func (r *Router) deliver(ctx context.Context, st State, sessionID string, msg domain.OutboundMessage) error {
	if !st.Connected() {
		return errors.New("not connected")
	}
	alive, err := r.servers.Alive(ctx, st.ServerID)
	if err != nil {
		return fmt.Errorf("check server %s: %w", st.ServerID, err)
	}
	if !alive {
		return fmt.Errorf("server %s is not alive", st.ServerID)
	}
	return r.forward.Forward(ctx, st.ServerID, sessionID, msg)
}

// Binding returns the persisted state of sessionID.
func (r *Router) Binding(ctx context.Context, sessionID string) (State, error) {
	var st State
	err := agent.Call(ctx, r.svc.Runtime, AgentID(sessionID), actor.Shared, func(_ context.Context, h *agent.Host[State]) error {
		st = h.State()
		return nil
	})
	return st, err
}

func (r *Router) onLiveness(sessionID, serverID string) domain.StreamHandler {
	return func(ctx context.Context, payload []byte) {
		var n domain.ServerNotice
		if err := json.Unmarshal(payload, &n); err != nil {
			r.logger.Warn("malformed liveness notice", "session", sessionID, "error", err)
			return
		}
		if n.Type != domain.EventServerTerminated {
			return
		}
		if err := r.disconnect(ctx, sessionID, serverID, ReasonServerLost); err != nil {
			r.logger.Warn("disconnect after server termination", "session", sessionID, "server", serverID, "error", err)
		}
	}
}

func (r *Router) call(ctx context.Context, sessionID string, fn func(ctx context.Context, h *agent.Host[State]) error) error {
	return agent.Call(ctx, r.svc.Runtime, AgentID(sessionID), actor.Exclusive, fn)
}
