// Package delivery is the outbound half of the session gateway. A delivery
// agent keeps a durable outbox of responses and a correlation map from
// correlation ids to client sessions, and drains the outbox through the
// session router on a schedule.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/tracer"
	"agentgrid/internal/usecase/actor"
	"agentgrid/internal/usecase/agent"
)

// Defaults for Config.
const (
	DefaultInterval    = time.Second
	DefaultBatchSize   = 20
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
	DefaultLeaseTTL    = 5 * time.Second
)

// Config holds drain tuning.
type Config struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Backoff is multiplied by the attempt number between retries.
	Backoff  time.Duration `yaml:"backoff"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Sender hands one message to a client session. *session.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, sessionID string, msg domain.OutboundMessage) error
}

// Ticker runs recurring work. *scheduling.Scheduler satisfies it.
type Ticker interface {
	Every(id string, interval time.Duration, fn func(ctx context.Context) error) error
	Remove(id string)
}

// Option configures a Backplane.
type Option func(*Backplane)

// WithTicker drains every active delivery agent on cfg.Interval.
func WithTicker(t Ticker) Option {
	return func(b *Backplane) { b.ticker = t }
}

// WithLeaser takes a lease per drain so only one node drains an agent per
// cycle.
func WithLeaser(l domain.Leaser) Option {
	return func(b *Backplane) { b.leaser = l }
}

// Backplane owns the delivery agents of one process.
type Backplane struct {
	svc    *agent.Services
	sender Sender
	ticker Ticker
	leaser domain.Leaser
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	draining map[domain.AgentID]*atomic.Bool
	watches  map[domain.AgentID]map[string]domain.SubscriptionHandle
}

// AgentID returns the id of the delivery agent keyed key.
func AgentID(key string) domain.AgentID {
	return domain.NewAgentID(Kind, key)
}

// New registers the delivery kind on svc.
func New(svc *agent.Services, sender Sender, cfg Config, logger *slog.Logger, opts ...Option) (*Backplane, error) {
	b := &Backplane{
		svc:      svc,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "delivery"),
		now:      time.Now,
		sleep:    sleepCtx,
		draining: make(map[domain.AgentID]*atomic.Bool),
		watches:  make(map[domain.AgentID]map[string]domain.SubscriptionHandle),
	}
	for _, o := range opts {
		o(b)
	}
	err := agent.RegisterKind(svc, agent.Kind[State]{
		Definition: definition(),
		Setup:      b.setup,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backplane) setup(ctx context.Context, h *agent.Host[State]) error {
	id := h.ID()
	h.OnDeactivate(func(ctx context.Context) error {
		b.releaseFlag(id)
		return b.unwatchAll(ctx, id)
	})
	for _, sessionID := range h.State().Sessions() {
		if err := b.watch(ctx, id, sessionID); err != nil {
			return err
		}
	}

	_, err := h.On(ctx, domain.EventTypeAll, func(ctx context.Context, ev domain.EventWrapper) error {
		return b.collect(ctx, h, ev)
	})
	if err != nil {
		return err
	}

	if b.ticker != nil {
		task := "drain:" + string(id)
		err := b.ticker.Every(task, b.cfg.Interval, func(ctx context.Context) error {
			_, err := b.DrainOnce(ctx, id)
			return err
		})
		if err != nil {
			return err
		}
		h.OnDeactivate(func(context.Context) error {
			b.ticker.Remove(task)
			return nil
		})
	}
	return nil
}

// collect queues every event whose correlation id has a route. The whole
// wrapper becomes the message payload.
func (b *Backplane) collect(ctx context.Context, h *agent.Host[State], ev domain.EventWrapper) error {
	if _, ok := h.State().Routes[ev.CorrelationID]; !ok {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.Enqueue(ctx, h.ID(), domain.OutboundMessage{
		ID:            ev.EventID,
		CorrelationID: ev.CorrelationID,
		Method:        string(ev.Type),
		Payload:       raw,
	})
	return err
}

// AddRoute sends responses correlated by correlationID to route.SessionID.
func (b *Backplane) AddRoute(ctx context.Context, id domain.AgentID, correlationID string, route domain.Route) error {
	return b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		if existing, ok := h.State().Routes[correlationID]; ok && existing == route {
			return nil
		}
		if _, err := h.Commit(ctx, RouteAdded{CorrelationID: correlationID, Route: route}); err != nil {
			return domain.WrapOp("delivery.AddRoute", err)
		}
		return b.watch(ctx, id, route.SessionID)
	})
}

// RemoveSession drops every route to sessionID.
func (b *Backplane) RemoveSession(ctx context.Context, id domain.AgentID, sessionID string) error {
	return b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		return b.clearSession(ctx, h, sessionID)
	})
}

func (b *Backplane) clearSession(ctx context.Context, h *agent.Host[State], sessionID string) error {
	if h.State().routesTo(sessionID) > 0 {
		if _, err := h.Commit(ctx, SessionRoutesCleared{SessionID: sessionID}); err != nil {
			return domain.WrapOp("delivery.RemoveSession", err)
		}
	}
	return b.unwatch(ctx, h.ID(), sessionID)
}

// Enqueue durably appends msg to the outbox of id. A missing ID is
// generated and a missing correlation id is taken from ctx.
func (b *Backplane) Enqueue(ctx context.Context, id domain.AgentID, msg domain.OutboundMessage) (domain.OutboundMessage, error) {
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = domain.CorrelationIDFromContext(ctx)
	}
	if msg.CorrelationID == "" {
		return msg, domain.NewSubSystemError("delivery", "Backplane.Enqueue", domain.ErrInvalidInput, "message has no correlation id")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now()
	}
	err := b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		if _, err := h.Commit(ctx, MessageEnqueued{Message: msg}); err != nil {
			return domain.WrapOp("delivery.Enqueue", err)
		}
		b.svc.Metrics.QueueDepth(string(id), len(h.State().Queue))
		return nil
	})
	return msg, err
}

// Inspect returns the confirmed state of id.
func (b *Backplane) Inspect(ctx context.Context, id domain.AgentID) (State, error) {
	var st State
	err := agent.Call(ctx, b.svc.Runtime, id, actor.Shared, func(_ context.Context, h *agent.Host[State]) error {
		st = h.State()
		return nil
	})
	return st, err
}

// Sweep deactivates delivery agents that hold no routes and no queued
// messages. They come back from the log on the next AddRoute or Enqueue.
func (b *Backplane) Sweep(ctx context.Context) (int, error) {
	n := 0
	var errs []error
	for _, id := range b.svc.Runtime.Active() {
		if id.Kind() != Kind {
			continue
		}
		st, err := b.Inspect(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(st.Routes) > 0 || len(st.Queue) > 0 {
			continue
		}
		if err := b.svc.Runtime.Deactivate(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		b.logger.Debug("swept idle delivery agents", "count", n)
	}
	return n, errors.Join(errs...)
}

// Recover activates every stored delivery agent that still has queued
// messages so its drain resumes, and returns how many it found. Agents it
// activated that turn out idle are deactivated again. A store that cannot
// list agents makes Recover a no-op.
func (b *Backplane) Recover(ctx context.Context) (int, error) {
	lister, ok := b.svc.Store.(domain.AgentLister)
	if !ok {
		return 0, nil
	}
	ids, err := lister.ListAgents(ctx, Kind)
	if err != nil {
		return 0, domain.WrapOp("delivery.Recover", err)
	}

	n := 0
	var errs []error
	for _, id := range ids {
		_, wasActive := b.svc.Runtime.Lookup(id)
		st, err := b.Inspect(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(st.Queue) > 0 {
			n++
			continue
		}
		if !wasActive {
			if err := b.svc.Runtime.Deactivate(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if n > 0 {
		b.logger.Info("recovered delivery agents with queued messages", "count", n)
	}
	return n, errors.Join(errs...)
}

// DrainOnce dequeues one batch from id and delivers it. A drain of the same
// agent that is already running makes it return 0 immediately. It returns
// the number of messages handed to a session.
func (b *Backplane) DrainOnce(ctx context.Context, id domain.AgentID) (int, error) {
	flag := b.flag(id)
	if !flag.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer flag.Store(false)

	if b.leaser != nil {
		key := "drain:" + string(id)
		ok, err := b.leaser.Acquire(ctx, key, b.cfg.LeaseTTL)
		if err != nil {
			return 0, domain.WrapOp("delivery.DrainOnce", err)
		}
		if !ok {
			b.logger.Debug("drain lease held elsewhere", "agent", string(id))
			return 0, nil
		}
		defer func() {
			if err := b.leaser.Release(context.WithoutCancel(ctx), key); err != nil {
				b.logger.Warn("release drain lease", "agent", string(id), "error", err)
			}
		}()
	}

	batch, routes, err := b.dequeue(ctx, id)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	ctx, span := tracer.StartSpan(ctx, "delivery.drain")
	defer span.End()
	span.SetAttributes(tracer.AgentAttr(id), tracer.IntAttr("batch", len(batch)))

	start := b.now()
	delivered := 0
	for _, msg := range batch {
		if b.deliver(ctx, id, msg, routes) {
			delivered++
		}
	}
	b.svc.Metrics.DrainObserved(b.now().Sub(start))
	span.SetAttributes(tracer.IntAttr("delivered", delivered))
	tracer.SetOK(span)
	return delivered, nil
}

func (b *Backplane) dequeue(ctx context.Context, id domain.AgentID) ([]domain.OutboundMessage, map[string]domain.Route, error) {
	var (
		batch  []domain.OutboundMessage
		routes map[string]domain.Route
	)
	err := b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		st := h.State()
		if len(st.Queue) == 0 {
			return nil
		}
		n := min(len(st.Queue), b.cfg.BatchSize)
		taken := slices.Clone(st.Queue[:n])
		ids := make([]string, n)
		for i, m := range taken {
			ids[i] = m.ID
		}
		if _, err := h.Commit(ctx, MessagesDequeued{IDs: ids}); err != nil {
			return domain.WrapOp("delivery.DrainOnce", err)
		}
		batch, routes = taken, maps.Clone(st.Routes)
		b.svc.Metrics.QueueDepth(string(id), len(h.State().Queue))
		return nil
	})
	return batch, routes, err
}

// deliver makes up to MaxAttempts sends of msg and reports whether one
// succeeded.
func (b *Backplane) deliver(ctx context.Context, id domain.AgentID, msg domain.OutboundMessage, routes map[string]domain.Route) bool {
	route, ok := routes[msg.CorrelationID]
	if !ok {
		b.logger.Warn("dropping message without route",
			"agent", string(id), "message", msg.ID, "correlation", msg.CorrelationID)
		b.dropped(ctx, id, msg, "", 0, errors.New("no route for correlation id"))
		return false
	}

	var lastErr error
	attempts := 0
	for attempts < b.cfg.MaxAttempts {
		attempts++
		b.svc.Metrics.DeliveryAttempt()
		lastErr = b.sender.Send(ctx, route.SessionID, msg)
		if lastErr == nil {
			b.svc.Metrics.DeliverySucceeded()
			if route.FireAndForget {
				b.removeRoute(ctx, id, msg.CorrelationID)
			}
			return true
		}
		b.logger.Debug("delivery attempt failed",
			"agent", string(id), "message", msg.ID, "attempt", attempts, "error", lastErr)
		if attempts < b.cfg.MaxAttempts {
			if err := b.sleep(ctx, b.cfg.Backoff*time.Duration(attempts)); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
	}

	b.logger.Warn("dropping message after exhausting attempts",
		"agent", string(id), "message", msg.ID, "session", route.SessionID,
		"attempts", attempts, "error", lastErr)
	b.dropped(ctx, id, msg, route.SessionID, attempts, lastErr)
	return false
}

func (b *Backplane) removeRoute(ctx context.Context, id domain.AgentID, correlationID string) {
	err := b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		route, ok := h.State().Routes[correlationID]
		if !ok || !route.FireAndForget {
			return nil
		}
		if _, err := h.Commit(ctx, RouteRemoved{CorrelationID: correlationID}); err != nil {
			return err
		}
		if h.State().routesTo(route.SessionID) == 0 {
			return b.unwatch(ctx, id, route.SessionID)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("remove fire-and-forget route", "agent", string(id), "correlation", correlationID, "error", err)
	}
}

// dropped emits a best-effort DeliveryFailed status notice.
func (b *Backplane) dropped(ctx context.Context, id domain.AgentID, msg domain.OutboundMessage, sessionID string, attempts int, cause error) {
	b.svc.Metrics.DeliveryDropped()
	status := domain.DeliveryStatus{
		AgentID:       id,
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		SessionID:     sessionID,
		Attempts:      attempts,
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	w, err := domain.NewWrapper(id, msg.CorrelationID, domain.EventDeliveryFailed, status, b.now())
	if err == nil {
		var raw []byte
		if raw, err = json.Marshal(w); err == nil {
			err = b.svc.Transport.Publish(ctx, domain.DeliveryStatusChannel(id), raw)
		}
	}
	if err != nil {
		b.logger.Warn("publish delivery status", "agent", string(id), "message", msg.ID, "error", err)
	}
}

// watch subscribes id to sessionID's client-lifecycle channel once.
func (b *Backplane) watch(ctx context.Context, id domain.AgentID, sessionID string) error {
	b.mu.Lock()
	_, ok := b.watches[id][sessionID]
	b.mu.Unlock()
	if ok {
		return nil
	}

	handle, err := b.svc.Transport.Subscribe(ctx, domain.ClientLifecycleChannel(sessionID), func(ctx context.Context, payload []byte) {
		b.onDisconnect(ctx, id, payload)
	})
	if err != nil {
		return fmt.Errorf("watch session %s: %w", sessionID, err)
	}

	b.mu.Lock()
	if b.watches[id] == nil {
		b.watches[id] = make(map[string]domain.SubscriptionHandle)
	}
	b.watches[id][sessionID] = handle
	b.mu.Unlock()
	return nil
}

func (b *Backplane) unwatch(ctx context.Context, id domain.AgentID, sessionID string) error {
	b.mu.Lock()
	handle, ok := b.watches[id][sessionID]
	delete(b.watches[id], sessionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.svc.Transport.Unsubscribe(ctx, handle)
}

func (b *Backplane) unwatchAll(ctx context.Context, id domain.AgentID) error {
	b.mu.Lock()
	handles := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := b.svc.Transport.Unsubscribe(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backplane) onDisconnect(ctx context.Context, id domain.AgentID, payload []byte) {
	var n domain.DisconnectNotice
	if err := json.Unmarshal(payload, &n); err != nil || n.SessionID == "" {
		b.logger.Warn("malformed disconnect notice", "agent", string(id), "error", err)
		return
	}
	err := b.call(ctx, id, func(ctx context.Context, h *agent.Host[State]) error {
		return b.clearSession(ctx, h, n.SessionID)
	})
	if err != nil {
		b.logger.Warn("clear routes of disconnected session", "agent", string(id), "session", n.SessionID, "error", err)
		return
	}
	b.logger.Debug("routes cleared", "agent", string(id), "session", n.SessionID, "reason", n.Reason)
}

func (b *Backplane) flag(id domain.AgentID) *atomic.Bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.draining[id]
	if !ok {
		f = new(atomic.Bool)
		b.draining[id] = f
	}
	return f
}

// releaseFlag forgets id's drain flag unless a drain still holds it.
func (b *Backplane) releaseFlag(id domain.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.draining[id]; ok && !f.Load() {
		delete(b.draining, id)
	}
}

func (b *Backplane) call(ctx context.Context, id domain.AgentID, fn func(ctx context.Context, h *agent.Host[State]) error) error {
	return agent.Call(ctx, b.svc.Runtime, id, actor.Exclusive, fn)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
