// Package dispatch routes domain events between agents over a
// domain.StreamTransport. A published event travels to the publisher's
// parent, or to the publisher itself when it has none. Every receiving agent
// runs its matching handlers inside its exclusive mailbox and then forwards
// the event one hop further to each of its children.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/tracer"
	"agentgrid/internal/usecase/actor"
)

// DefaultHopLimit bounds forwarding through cyclic graphs.
const DefaultHopLimit = 16

// Handler reacts to one event. A returned error or a panic is reported as a
// HandlerException and never reaches the publisher directly.
type Handler func(ctx context.Context, ev domain.EventWrapper) error

// LineageReader returns an agent's current parent and children.
type LineageReader func(ctx context.Context, id domain.AgentID) (domain.Lineage, error)

// Activator makes sure id is activated so its channel has a listener.
type Activator func(ctx context.Context, id domain.AgentID) error

// Option configures a Fabric.
type Option func(*Fabric)

// WithActivator activates targets before events are sent to them. Without
// it, events for agents that are not active are dropped by the transport.
func WithActivator(a Activator) Option {
	return func(f *Fabric) { f.activate = a }
}

// Observer is told about publishes and handler failures. *metrics.Metrics
// satisfies it.
type Observer interface {
	EventPublished(eventType string)
	HandlerException(eventType string)
}

// Config holds fabric tuning.
type Config struct {
	HopLimit int // max forwards before an event is dropped (default: 16)
}

// SubscribeOption configures a handler registration.
type SubscribeOption func(*handlerEntry)

// AllowSelf lets the handler see events its own agent published.
func AllowSelf() SubscribeOption {
	return func(h *handlerEntry) { h.allowSelf = true }
}

// Subscription identifies a registered handler.
type Subscription struct {
	AgentID   domain.AgentID
	EventType domain.EventType
	id        uint64
}

type handlerEntry struct {
	id        uint64
	eventType domain.EventType
	handler   Handler
	allowSelf bool
}

type inbox struct {
	handle   domain.SubscriptionHandle
	handlers []*handlerEntry
}

// Fabric is the event dispatch fabric.
type Fabric struct {
	transport domain.StreamTransport
	gate      *actor.Gate
	lineage   LineageReader
	activate  Activator
	cfg       Config
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time

	mu      sync.RWMutex
	inboxes map[domain.AgentID]*inbox
	nextID  atomic.Uint64
}

// New creates a Fabric. observer may be nil.
func New(transport domain.StreamTransport, gate *actor.Gate, lineage LineageReader, cfg Config, logger *slog.Logger, observer Observer, opts ...Option) *Fabric {
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = DefaultHopLimit
	}
	f := &Fabric{
		transport: transport,
		gate:      gate,
		lineage:   lineage,
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
		observer:  observer,
		now:       time.Now,
		inboxes:   make(map[domain.AgentID]*inbox),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ensure activates id when an Activator is configured.
func (f *Fabric) ensure(ctx context.Context, id domain.AgentID) error {
	if f.activate == nil {
		return nil
	}
	if err := f.activate(ctx, id); err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	return nil
}

// Attach starts receiving events on id's channel. Agents are attached on
// activation even without handlers so they can forward to their children.
func (f *Fabric) Attach(ctx context.Context, id domain.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachLocked(ctx, id)
}

func (f *Fabric) attachLocked(ctx context.Context, id domain.AgentID) error {
	if _, ok := f.inboxes[id]; ok {
		return nil
	}
	handle, err := f.transport.Subscribe(ctx, domain.AgentChannel(id), func(ctx context.Context, msg []byte) {
		f.receive(ctx, id, msg)
	})
	if err != nil {
		return fmt.Errorf("attach %s: %w", id, err)
	}
	f.inboxes[id] = &inbox{handle: handle}
	return nil
}

// Detach stops receiving events for id and drops its handlers.
func (f *Fabric) Detach(ctx context.Context, id domain.AgentID) error {
	f.mu.Lock()
	ib, ok := f.inboxes[id]
	delete(f.inboxes, id)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.transport.Unsubscribe(ctx, ib.handle)
}

// Subscribe registers handler for eventType on id. EventTypeAll matches
// every type. The agent is attached if it was not already.
func (f *Fabric) Subscribe(ctx context.Context, id domain.AgentID, eventType domain.EventType, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if handler == nil || eventType == "" {
		return Subscription{}, domain.NewSubSystemError("dispatch", "Fabric.Subscribe", domain.ErrInvalidInput, "event type and handler are required")
	}
	entry := &handlerEntry{id: f.nextID.Add(1), eventType: eventType, handler: handler}
	for _, opt := range opts {
		opt(entry)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.attachLocked(ctx, id); err != nil {
		return Subscription{}, err
	}
	ib := f.inboxes[id]
	ib.handlers = append(ib.handlers, entry)
	return Subscription{AgentID: id, EventType: eventType, id: entry.id}, nil
}

// Unsubscribe removes a handler. The agent stays attached.
func (f *Fabric) Unsubscribe(sub Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ib, ok := f.inboxes[sub.AgentID]
	if !ok {
		return
	}
	ib.handlers = slices.DeleteFunc(ib.handlers, func(h *handlerEntry) bool { return h.id == sub.id })
}

// SubscribedEvents lists the event types id has handlers for.
func (f *Fabric) SubscribedEvents(id domain.AgentID) []domain.EventType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ib, ok := f.inboxes[id]
	if !ok {
		return nil
	}
	var types []domain.EventType
	for _, h := range ib.handlers {
		if !slices.Contains(types, h.eventType) {
			types = append(types, h.eventType)
		}
	}
	return types
}

// Publish wraps payload and sends it upward: to the publisher's parent, or
// to the publisher's own channel when it has none. The correlation ID comes
// from ctx or is generated.
func (f *Fabric) Publish(ctx context.Context, from domain.AgentID, eventType domain.EventType, payload any) (domain.EventWrapper, error) {
	ctx, corr := domain.EnsureCorrelationID(ctx)
	w, err := domain.NewWrapper(from, corr, eventType, payload, f.now().UTC())
	if err != nil {
		return domain.EventWrapper{}, domain.NewSubSystemError("dispatch", "Fabric.Publish", domain.ErrInvalidEvent, err.Error())
	}
	return w, f.PublishWrapper(ctx, w)
}

// PublishRaw is Publish for a payload that is already JSON.
func (f *Fabric) PublishRaw(ctx context.Context, from domain.AgentID, eventType domain.EventType, payload json.RawMessage) (domain.EventWrapper, error) {
	ctx, corr := domain.EnsureCorrelationID(ctx)
	w := domain.EventWrapper{
		EventID:       domain.NewID(),
		CorrelationID: corr,
		PublisherID:   from,
		Type:          eventType,
		PublishedAt:   f.now().UTC(),
		Payload:       payload,
	}
	return w, f.PublishWrapper(ctx, w)
}

// PublishWrapper sends a prepared wrapper upward from its publisher.
func (f *Fabric) PublishWrapper(ctx context.Context, w domain.EventWrapper) error {
	ctx, span := tracer.StartSpan(ctx, "dispatch.publish")
	defer span.End()
	span.SetAttributes(tracer.AgentAttr(w.PublisherID), tracer.CorrelationAttr(w.CorrelationID),
		tracer.StringAttr("event.type", string(w.Type)))

	target := w.PublisherID
	lin, err := f.lineage(ctx, w.PublisherID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Fabric.Publish", err)
	}
	if lin.HasParent() {
		target = lin.Parent
	}
	if err := f.ensure(ctx, target); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Fabric.Publish", err)
	}
	if err := f.send(ctx, domain.AgentChannel(target), w); err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Fabric.Publish", err)
	}
	if f.observer != nil {
		f.observer.EventPublished(string(w.Type))
	}
	tracer.SetOK(span)
	return nil
}

// SendTo delivers w straight to id's channel, bypassing the graph.
func (f *Fabric) SendTo(ctx context.Context, id domain.AgentID, w domain.EventWrapper) error {
	if err := f.ensure(ctx, id); err != nil {
		return domain.WrapOp("Fabric.SendTo", err)
	}
	return domain.WrapOp("Fabric.SendTo", f.send(ctx, domain.AgentChannel(id), w))
}

// PublishState announces a confirmed state on id's state channel.
func (f *Fabric) PublishState(ctx context.Context, id domain.AgentID, version int64, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return domain.NewSubSystemError("dispatch", "Fabric.PublishState", domain.ErrInvalidInput, err.Error())
	}
	msg, err := json.Marshal(domain.StateNotice{AgentID: id, Kind: id.Kind(), Version: version, State: raw})
	if err != nil {
		return fmt.Errorf("encode state notice: %w", err)
	}
	return domain.WrapOp("Fabric.PublishState", f.transport.Publish(ctx, domain.StateChannel(id), msg))
}

func (f *Fabric) send(ctx context.Context, key domain.ChannelKey, w domain.EventWrapper) error {
	msg, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", w.EventID, err)
	}
	return f.transport.Publish(ctx, key, msg)
}

// receive handles one wrapper arriving on id's channel.
func (f *Fabric) receive(ctx context.Context, id domain.AgentID, msg []byte) {
	var w domain.EventWrapper
	if err := json.Unmarshal(msg, &w); err != nil {
		f.logger.Warn("dropping undecodable event", "agent", id, "error", err)
		return
	}
	if w.Hops > f.cfg.HopLimit {
		f.logger.Warn("dropping event past hop limit",
			"agent", id, "event_id", w.EventID, "type", w.Type, "hops", w.Hops, "error", domain.ErrHopLimit)
		return
	}

	ctx = domain.ContextWithCorrelationID(ctx, w.CorrelationID)
	err := f.gate.Do(ctx, id, actor.Exclusive, func(ctx context.Context) error {
		f.runHandlers(ctx, id, w)
		if w.Type == domain.EventHandlerException {
			return nil
		}
		return f.forward(ctx, id, w)
	})
	if err != nil {
		f.logger.Warn("event dispatch failed", "agent", id, "event_id", w.EventID, "error", err)
	}
}

func (f *Fabric) runHandlers(ctx context.Context, id domain.AgentID, w domain.EventWrapper) {
	f.mu.RLock()
	var matched []*handlerEntry
	if ib, ok := f.inboxes[id]; ok {
		for _, h := range ib.handlers {
			if h.eventType != w.Type && h.eventType != domain.EventTypeAll {
				continue
			}
			if w.PublisherID == id && !h.allowSelf {
				continue
			}
			matched = append(matched, h)
		}
	}
	f.mu.RUnlock()

	for _, h := range matched {
		if err := f.invoke(ctx, id, h, w); err != nil {
			f.reportException(ctx, id, w, err)
		}
	}
}

func (f *Fabric) invoke(ctx context.Context, id domain.AgentID, h *handlerEntry, w domain.EventWrapper) (err error) {
	ctx, span := tracer.StartSpan(ctx, "dispatch.handle")
	defer span.End()
	span.SetAttributes(tracer.AgentAttr(id), tracer.StringAttr("event.type", string(w.Type)))

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("event handler panicked",
				"agent", id, "event_id", w.EventID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			tracer.RecordError(span, err)
		}
	}()
	return h.handler(ctx, w)
}

// reportException publishes a HandlerException to the original publisher
// and to the global handler-error channel. A failure while handling an
// exception is only logged.
func (f *Fabric) reportException(ctx context.Context, id domain.AgentID, w domain.EventWrapper, cause error) {
	if f.observer != nil {
		f.observer.HandlerException(string(w.Type))
	}
	if w.Type == domain.EventHandlerException {
		f.logger.Error("handler failed while handling an exception",
			"agent", id, "event_id", w.EventID, "error", cause)
		return
	}
	f.logger.Warn("event handler failed",
		"agent", id, "event_id", w.EventID, "type", w.Type, "correlation_id", w.CorrelationID, "error", cause)

	exc := domain.HandlerException{
		AgentID:       id,
		CorrelationID: w.CorrelationID,
		EventID:       w.EventID,
		EventType:     w.Type,
		Message:       fmt.Errorf("%w: %w", domain.ErrHandlerFailed, cause).Error(),
	}
	ew, err := domain.NewWrapper(id, w.CorrelationID, domain.EventHandlerException, exc, f.now().UTC())
	if err != nil {
		f.logger.Error("encode handler exception", "error", err)
		return
	}
	if err := f.ensure(ctx, w.PublisherID); err != nil {
		f.logger.Error("send handler exception to publisher", "publisher", w.PublisherID, "error", err)
	} else if err := f.send(ctx, domain.AgentChannel(w.PublisherID), ew); err != nil {
		f.logger.Error("send handler exception to publisher", "publisher", w.PublisherID, "error", err)
	}
	if err := f.send(ctx, domain.HandlerErrorChannel, ew); err != nil {
		f.logger.Error("send handler exception to error channel", "error", err)
	}
}

func (f *Fabric) forward(ctx context.Context, id domain.AgentID, w domain.EventWrapper) error {
	lin, err := f.lineage(ctx, id)
	if err != nil {
		return fmt.Errorf("read lineage: %w", err)
	}
	if len(lin.Children) == 0 {
		return nil
	}
	next := w.Forwarded()
	var g errgroup.Group
	for _, child := range lin.Children {
		g.Go(func() error {
			if err := f.ensure(ctx, child); err != nil {
				return err
			}
			return f.send(ctx, domain.AgentChannel(child), next)
		})
	}
	return g.Wait()
}
