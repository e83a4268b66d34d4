// Package agent is the surface business agents are written against. A
// Host couples an agent's journal with the subscription graph, the event
// fabric and the mailbox gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/codec"
	"agentgrid/internal/infra/metrics"
	"agentgrid/internal/usecase/actor"
	"agentgrid/internal/usecase/dispatch"
	"agentgrid/internal/usecase/graph"
	"agentgrid/internal/usecase/journal"
)

// Services are the shared collaborators every Host uses.
type Services struct {
	Transport domain.StreamTransport
	Runtime   *actor.Runtime
	Fabric    *dispatch.Fabric
	Graph     *graph.Graph
	Store     domain.EventLogStore
	Snapshots domain.SnapshotStore // optional
	Codec     codec.Codec          // default: CBOR
	Journal   journal.Config
	Metrics   *metrics.Metrics // optional
	Logger    *slog.Logger
}

// Config selects the optional parts of NewServices.
type Config struct {
	Journal   journal.Config
	Dispatch  dispatch.Config
	Snapshots domain.SnapshotStore // nil disables snapshots
	Codec     codec.Codec          // nil selects CBOR
}

// NewServices wires a runtime, an event fabric and a subscription graph
// over transport and store. m may be nil.
func NewServices(transport domain.StreamTransport, store domain.EventLogStore, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Services {
	rt := actor.NewRuntime(logger, m)
	return &Services{
		Transport: transport,
		Runtime:   rt,
		Fabric:    dispatch.New(transport, rt.Gate(), LineageOf(rt), cfg.Dispatch, logger, m,
			dispatch.WithActivator(ActivatorOf(rt))),
		Graph:     graph.New(rt, logger),
		Store:     store,
		Snapshots: cfg.Snapshots,
		Codec:     cfg.Codec,
		Journal:   cfg.Journal,
		Metrics:   m,
		Logger:    logger,
	}
}

// Kind describes how to host one agent kind.
type Kind[S any] struct {
	Definition journal.Definition[S]
	// Setup runs once per activation, after replay, to register handlers
	// and resume subscriptions. It must not address its own agent through
	// the runtime: the activation is not complete yet.
	Setup func(ctx context.Context, h *Host[S]) error
}

// Host is one live agent.
type Host[S any] struct {
	id      domain.AgentID
	svc     *Services
	journal *journal.Journal[S]
	logger  *slog.Logger

	mu          sync.Mutex
	subs        []dispatch.Subscription
	teardown    []func(ctx context.Context) error
	deactivated bool
}

// RegisterKind installs an activator for kind on svc.Runtime.
func RegisterKind[S any](svc *Services, kind Kind[S]) error {
	if kind.Definition.Kind == "" {
		return domain.NewSubSystemError("actor", "agent.RegisterKind", domain.ErrInvalidInput, "kind name is required")
	}
	return svc.Runtime.RegisterKind(kind.Definition.Kind, func(ctx context.Context, id domain.AgentID) (actor.Activation, error) {
		return activate(ctx, svc, kind, id)
	})
}

func activate[S any](ctx context.Context, svc *Services, kind Kind[S], id domain.AgentID) (*Host[S], error) {
	opts := []journal.Option{journal.WithObserver(svc.Metrics)}
	if svc.Codec != nil {
		opts = append(opts, journal.WithCodec(svc.Codec))
	}
	if svc.Snapshots != nil {
		opts = append(opts, journal.WithSnapshots(svc.Snapshots))
	}
	h := &Host[S]{
		id:      id,
		svc:     svc,
		journal: journal.New(id, kind.Definition, svc.Store, svc.Journal, svc.Logger, opts...),
		logger:  svc.Logger.With("agent", string(id)),
	}
	if err := h.journal.Activate(ctx); err != nil {
		return nil, err
	}
	h.journal.OnConfirmed(h.publishState)

	if err := svc.Fabric.Attach(ctx, id); err != nil {
		return nil, err
	}
	if kind.Setup != nil {
		if err := kind.Setup(ctx, h); err != nil {
			_ = h.Deactivate(ctx)
			return nil, fmt.Errorf("setup %s: %w", id, err)
		}
	}
	return h, nil
}

func (h *Host[S]) publishState(ctx context.Context, c journal.Confirmed[S]) {
	if err := h.svc.Fabric.PublishState(ctx, h.id, c.Version, c.State); err != nil {
		h.logger.Warn("state notification failed", "version", c.Version, "error", err)
	}
}

// ID returns the agent's id.
func (h *Host[S]) ID() domain.AgentID { return h.id }

// Logger returns a logger tagged with the agent id.
func (h *Host[S]) Logger() *slog.Logger { return h.logger }

// Services returns the collaborators the agent was activated with.
func (h *Host[S]) Services() *Services { return h.svc }

// RaiseEvent buffers a state log event. See journal.Journal.RaiseEvent.
func (h *Host[S]) RaiseEvent(ctx context.Context, p domain.StateLogPayload) error {
	return h.journal.RaiseEvent(ctx, p)
}

// ConfirmEvents persists and applies buffered events.
func (h *Host[S]) ConfirmEvents(ctx context.Context) (int64, error) {
	return h.journal.ConfirmEvents(ctx)
}

// Commit raises every payload and confirms them as one batch. On failure
// the buffer is discarded so the caller can Refresh and retry.
func (h *Host[S]) Commit(ctx context.Context, payloads ...domain.StateLogPayload) (int64, error) {
	for _, p := range payloads {
		if err := h.journal.RaiseEvent(ctx, p); err != nil {
			h.journal.DiscardPending()
			return h.journal.Version(), err
		}
	}
	v, err := h.journal.ConfirmEvents(ctx)
	if err != nil {
		h.journal.DiscardPending()
	}
	return v, err
}

// Refresh catches up with events other writers persisted.
func (h *Host[S]) Refresh(ctx context.Context) error { return h.journal.Refresh(ctx) }

// DiscardPending drops buffered events.
func (h *Host[S]) DiscardPending() int { return h.journal.DiscardPending() }

// State returns a copy of the confirmed state.
func (h *Host[S]) State() S { return h.journal.State() }

// Version returns the confirmed version.
func (h *Host[S]) Version() int64 { return h.journal.Version() }

// Lineage returns the agent's parent and children.
func (h *Host[S]) Lineage() domain.Lineage { return h.journal.Lineage() }

// AppendLineage confirms a lineage event. On a version conflict the buffer
// is dropped and the journal refreshed before the error is returned.
func (h *Host[S]) AppendLineage(ctx context.Context, p domain.StateLogPayload) error {
	if err := h.journal.RaiseEvent(ctx, p); err != nil {
		return err
	}
	_, err := h.journal.ConfirmEvents(ctx)
	if err == nil {
		return nil
	}
	h.journal.DiscardPending()
	if errors.Is(err, domain.ErrVersionConflict) {
		if rerr := h.journal.Refresh(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// Register makes child a child of this agent.
func (h *Host[S]) Register(ctx context.Context, child domain.AgentID) error {
	return h.svc.Graph.Register(ctx, h.id, child)
}

// RegisterMany registers every child.
func (h *Host[S]) RegisterMany(ctx context.Context, children []domain.AgentID) error {
	return h.svc.Graph.RegisterMany(ctx, h.id, children)
}

// Unregister removes child from this agent.
func (h *Host[S]) Unregister(ctx context.Context, child domain.AgentID) error {
	return h.svc.Graph.Unregister(ctx, h.id, child)
}

// GetChildren returns this agent's children.
func (h *Host[S]) GetChildren() []domain.AgentID { return h.journal.Lineage().Children }

// GetParent returns this agent's parent, or "".
func (h *Host[S]) GetParent() domain.AgentID { return h.journal.Lineage().Parent }

// Publish sends a domain event from this agent.
func (h *Host[S]) Publish(ctx context.Context, eventType domain.EventType, payload any) (domain.EventWrapper, error) {
	return h.svc.Fabric.Publish(ctx, h.id, eventType, payload)
}

// On registers a handler for eventType. It is removed on deactivation.
func (h *Host[S]) On(ctx context.Context, eventType domain.EventType, handler dispatch.Handler, opts ...dispatch.SubscribeOption) (dispatch.Subscription, error) {
	sub, err := h.svc.Fabric.Subscribe(ctx, h.id, eventType, handler, opts...)
	if err != nil {
		return dispatch.Subscription{}, err
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub, nil
}

// Off removes a handler registered with On.
func (h *Host[S]) Off(sub dispatch.Subscription) {
	h.svc.Fabric.Unsubscribe(sub)
	h.mu.Lock()
	h.subs = slices.DeleteFunc(h.subs, func(s dispatch.Subscription) bool { return s == sub })
	h.mu.Unlock()
}

// SubscribedEvents lists the event types this agent handles.
func (h *Host[S]) SubscribedEvents() []domain.EventType {
	return h.svc.Fabric.SubscribedEvents(h.id)
}

// OnDeactivate registers fn to run when the agent is deactivated.
func (h *Host[S]) OnDeactivate(fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardown = append(h.teardown, fn)
}

// Deactivate detaches the agent from the fabric and runs teardown hooks in
// reverse registration order.
func (h *Host[S]) Deactivate(ctx context.Context) error {
	h.mu.Lock()
	if h.deactivated {
		h.mu.Unlock()
		return nil
	}
	h.deactivated = true
	teardown := slices.Clone(h.teardown)
	h.subs = nil
	h.mu.Unlock()

	var errs []error
	for i := len(teardown) - 1; i >= 0; i-- {
		if err := teardown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.svc.Fabric.Detach(ctx, h.id); err != nil {
		errs = append(errs, err)
	}
	if n := h.journal.DiscardPending(); n > 0 {
		h.logger.Warn("deactivated with unconfirmed events", "dropped", n)
	}
	return errors.Join(errs...)
}

// Exclusive runs fn as an exclusive turn of this agent.
func (h *Host[S]) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return h.svc.Runtime.Gate().Do(ctx, h.id, actor.Exclusive, fn)
}

// Shared runs fn as a shared, read-only turn of this agent.
func (h *Host[S]) Shared(ctx context.Context, fn func(ctx context.Context) error) error {
	return h.svc.Runtime.Gate().Do(ctx, h.id, actor.Shared, fn)
}

var _ graph.Node = (*Host[struct{}])(nil)
