// Package graph maintains parent/child subscription edges between agents.
// Each edge is stored twice, as a ChildRegistered event on the parent and a
// ParentSet event on the child, and each side is written inside its own
// agent's mailbox. The two writes are never nested.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/actor"
)

// maxAttempts bounds retries of a lineage write that loses an optimistic
// concurrency race.
const maxAttempts = 3

// Node is an agent that can record lineage events.
type Node interface {
	ID() domain.AgentID
	Lineage() domain.Lineage
	// AppendLineage raises and confirms p. On a version conflict the node
	// has already refreshed itself when the error is returned.
	AppendLineage(ctx context.Context, p domain.StateLogPayload) error
}

// Directory resolves agent ids to live activations.
type Directory interface {
	Get(ctx context.Context, id domain.AgentID) (actor.Activation, error)
	Gate() *actor.Gate
}

// Graph edits and reads subscription edges.
type Graph struct {
	dir    Directory
	logger *slog.Logger
}

// New creates a Graph over dir.
func New(dir Directory, logger *slog.Logger) *Graph {
	return &Graph{dir: dir, logger: logger.With("component", "graph")}
}

func (g *Graph) node(ctx context.Context, id domain.AgentID) (Node, error) {
	act, err := g.dir.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n, ok := act.(Node)
	if !ok {
		return nil, domain.NewSubSystemError("graph", "Graph.node", domain.ErrInvalidInput,
			fmt.Sprintf("%s does not keep lineage", id))
	}
	return n, nil
}

// Register makes child a child of parent. It is idempotent. A child that
// already has a different parent is moved; the old parent keeps its edge
// until it is unregistered explicitly.
func (g *Graph) Register(ctx context.Context, parent, child domain.AgentID) error {
	if parent == child {
		return domain.NewSubSystemError("graph", "Graph.Register", domain.ErrInvalidInput,
			fmt.Sprintf("%s cannot register itself", parent))
	}
	if parent.IsZero() || child.IsZero() {
		return domain.NewSubSystemError("graph", "Graph.Register", domain.ErrInvalidInput, "parent and child are required")
	}

	err := g.update(ctx, parent, func(l domain.Lineage) domain.StateLogPayload {
		if l.HasChild(child) {
			return nil
		}
		return domain.ChildRegistered{Child: child}
	})
	if err != nil {
		return domain.WrapOp("Graph.Register", err)
	}

	err = g.update(ctx, child, func(l domain.Lineage) domain.StateLogPayload {
		if l.Parent == parent {
			return nil
		}
		if l.HasParent() {
			g.logger.Warn("agent moved to a new parent",
				"agent", child, "old_parent", l.Parent, "new_parent", parent)
		}
		return domain.ParentSet{Parent: parent}
	})
	return domain.WrapOp("Graph.Register", err)
}

// RegisterMany registers every child under parent and reports all failures.
func (g *Graph) RegisterMany(ctx context.Context, parent domain.AgentID, children []domain.AgentID) error {
	var errs []error
	for _, child := range children {
		if err := g.Register(ctx, parent, child); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes the edge between parent and child. Missing edges are
// a no-op on either side.
func (g *Graph) Unregister(ctx context.Context, parent, child domain.AgentID) error {
	err := g.update(ctx, parent, func(l domain.Lineage) domain.StateLogPayload {
		if !l.HasChild(child) {
			return nil
		}
		return domain.ChildUnregistered{Child: child}
	})
	if err != nil {
		return domain.WrapOp("Graph.Unregister", err)
	}

	err = g.update(ctx, child, func(l domain.Lineage) domain.StateLogPayload {
		if l.Parent != parent {
			return nil
		}
		return domain.ParentCleared{Parent: parent}
	})
	return domain.WrapOp("Graph.Unregister", err)
}

// GetChildren returns id's children in registration order.
func (g *Graph) GetChildren(ctx context.Context, id domain.AgentID) ([]domain.AgentID, error) {
	lin, err := g.read(ctx, id)
	if err != nil {
		return nil, domain.WrapOp("Graph.GetChildren", err)
	}
	return lin.Children, nil
}

// GetParent returns id's parent, or "" when it has none.
func (g *Graph) GetParent(ctx context.Context, id domain.AgentID) (domain.AgentID, error) {
	lin, err := g.read(ctx, id)
	if err != nil {
		return "", domain.WrapOp("Graph.GetParent", err)
	}
	return lin.Parent, nil
}

func (g *Graph) read(ctx context.Context, id domain.AgentID) (domain.Lineage, error) {
	n, err := g.node(ctx, id)
	if err != nil {
		return domain.Lineage{}, err
	}
	var lin domain.Lineage
	err = g.dir.Gate().Do(ctx, id, actor.Shared, func(context.Context) error {
		lin = n.Lineage()
		return nil
	})
	return lin, err
}

// update runs decide against id's current lineage inside id's exclusive
// mailbox and appends the payload it returns, if any.
func (g *Graph) update(ctx context.Context, id domain.AgentID, decide func(domain.Lineage) domain.StateLogPayload) error {
	n, err := g.node(ctx, id)
	if err != nil {
		return err
	}
	return g.dir.Gate().Do(ctx, id, actor.Exclusive, func(ctx context.Context) error {
		var err error
		for range maxAttempts {
			p := decide(n.Lineage())
			if p == nil {
				return nil
			}
			err = n.AppendLineage(ctx, p)
			if !errors.Is(err, domain.ErrVersionConflict) {
				return err
			}
			g.logger.Debug("lineage write conflicted, retrying", "agent", id, "event", p.EventKind())
		}
		return err
	})
}
