// Package actor hosts virtual agents: a directory that activates an agent
// on first use and a Gate that gives each agent one logical thread.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentgrid/internal/domain"
)

// Activation is a live agent held by the Runtime.
type Activation interface {
	ID() domain.AgentID
	// Deactivate releases subscriptions and timers. State stays in the log.
	Deactivate(ctx context.Context) error
}

// Activator rebuilds the agent named by id, replaying its log.
type Activator func(ctx context.Context, id domain.AgentID) (Activation, error)

// Observer is told about activations. *metrics.Metrics satisfies it.
type Observer interface {
	AgentActivated()
	AgentDeactivated()
}

// Runtime is the activation directory. Get activates an agent at most once
// per process; concurrent callers wait for the same activation.
type Runtime struct {
	gate     *Gate
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	kinds  map[string]Activator
	active map[domain.AgentID]*entry
	closed bool
}

type entry struct {
	ready chan struct{}
	act   Activation
	err   error
}

// NewRuntime creates a Runtime. observer may be nil.
func NewRuntime(logger *slog.Logger, observer Observer) *Runtime {
	return &Runtime{
		gate:     NewGate(),
		logger:   logger.With("component", "actor_runtime"),
		observer: observer,
		kinds:    make(map[string]Activator),
		active:   make(map[domain.AgentID]*entry),
	}
}

// Gate returns the mailbox gate shared by every agent of this runtime.
func (r *Runtime) Gate() *Gate { return r.gate }

// RegisterKind installs the activator for kind.
func (r *Runtime) RegisterKind(kind string, activate Activator) error {
	if kind == "" || activate == nil {
		return domain.NewSubSystemError("actor", "Runtime.RegisterKind", domain.ErrInvalidInput, "kind and activator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return domain.NewSubSystemError("actor", "Runtime.RegisterKind", domain.ErrDuplicate, kind)
	}
	r.kinds[kind] = activate
	return nil
}

// Get returns the activation for id, activating it if needed.
func (r *Runtime) Get(ctx context.Context, id domain.AgentID) (Activation, error) {
	if _, err := domain.ParseAgentID(string(id)); err != nil {
		return nil, domain.WrapOp("Runtime.Get", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.NewSubSystemError("actor", "Runtime.Get", domain.ErrClosed, string(id))
	}
	if e, ok := r.active[id]; ok {
		r.mu.Unlock()
		return r.wait(ctx, e)
	}
	activate, ok := r.kinds[id.Kind()]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NewSubSystemError("actor", "Runtime.Get", domain.ErrUnknownKind, id.Kind())
	}
	e := &entry{ready: make(chan struct{})}
	r.active[id] = e
	r.mu.Unlock()

	// Activation outlives the first caller's context.
	act, err := activate(context.WithoutCancel(ctx), id)
	e.act, e.err = act, err
	close(e.ready)

	if err != nil {
		r.mu.Lock()
		if r.active[id] == e {
			delete(r.active, id)
		}
		r.mu.Unlock()
		r.logger.Warn("activation failed", "agent", id, "error", err)
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}
	if r.observer != nil {
		r.observer.AgentActivated()
	}
	r.logger.Debug("agent activated", "agent", id)
	return act, nil
}

func (r *Runtime) wait(ctx context.Context, e *entry) (Activation, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.act, nil
}

// Lookup returns the activation for id without activating it.
func (r *Runtime) Lookup(id domain.AgentID) (Activation, bool) {
	r.mu.Lock()
	e, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.act, e.err == nil
	default:
		return nil, false
	}
}

// Active lists the ids of completed activations.
func (r *Runtime) Active() []domain.AgentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.AgentID, 0, len(r.active))
	for id, e := range r.active {
		select {
		case <-e.ready:
			if e.err == nil {
				ids = append(ids, id)
			}
		default:
		}
	}
	slices.Sort(ids)
	return ids
}

// Deactivate removes id from the directory and releases it. A later Get
// reactivates it from the log.
func (r *Runtime) Deactivate(ctx context.Context, id domain.AgentID) error {
	r.mu.Lock()
	e, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	act, err := r.wait(ctx, e)
	if err != nil {
		return nil
	}
	return r.release(ctx, act)
}

func (r *Runtime) release(ctx context.Context, act Activation) error {
	err := r.gate.Do(ctx, act.ID(), Exclusive, act.Deactivate)
	if r.observer != nil {
		r.observer.AgentDeactivated()
	}
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", act.ID(), err)
	}
	return nil
}

// Close deactivates every agent in parallel and refuses new activations.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.active))
	for _, e := range r.active {
		entries = append(entries, e)
	}
	r.active = make(map[domain.AgentID]*entry)
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			act, err := r.wait(ctx, e)
			if err != nil {
				return nil
			}
			return r.release(ctx, act)
		})
	}
	return g.Wait()
}
