package agent

import (
	"context"
	"fmt"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/actor"
	"agentgrid/internal/usecase/dispatch"
	"agentgrid/internal/usecase/graph"
)

// Get activates id and returns it as a Host of state S.
func Get[S any](ctx context.Context, rt *actor.Runtime, id domain.AgentID) (*Host[S], error) {
	act, err := rt.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h, ok := act.(*Host[S])
	if !ok {
		return nil, domain.NewSubSystemError("actor", "agent.Get", domain.ErrInvalidInput,
			fmt.Sprintf("%s is a %T", id, act))
	}
	return h, nil
}

// Call runs fn as one turn of id in the given mode.
func Call[S any](ctx context.Context, rt *actor.Runtime, id domain.AgentID, mode actor.Mode, fn func(ctx context.Context, h *Host[S]) error) error {
	h, err := Get[S](ctx, rt, id)
	if err != nil {
		return err
	}
	return rt.Gate().Do(ctx, id, mode, func(ctx context.Context) error { return fn(ctx, h) })
}

// LineageOf reads lineage through rt, for dispatch.New.
func LineageOf(rt *actor.Runtime) dispatch.LineageReader {
	return func(ctx context.Context, id domain.AgentID) (domain.Lineage, error) {
		act, ok := rt.Lookup(id)
		if !ok {
			var err error
			if act, err = rt.Get(ctx, id); err != nil {
				return domain.Lineage{}, err
			}
		}
		node, ok := act.(graph.Node)
		if !ok {
			return domain.Lineage{}, nil
		}
		return node.Lineage(), nil
	}
}

// ActivatorOf activates agents through rt, for dispatch.WithActivator.
func ActivatorOf(rt *actor.Runtime) dispatch.Activator {
	return func(ctx context.Context, id domain.AgentID) error {
		if _, ok := rt.Lookup(id); ok {
			return nil
		}
		_, err := rt.Get(ctx, id)
		return err
	}
}
