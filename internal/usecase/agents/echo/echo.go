// Package echo is a small demonstration agent. It keeps a name and a count
// of the requests it has answered and replies to every echo request.
package echo

import (
	"context"
	"errors"
	"strings"

	"agentgrid/internal/domain"
	"agentgrid/internal/usecase/actor"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/journal"
)

// Kind is the agent kind served by this package.
const Kind = "echo"

// Domain events.
const (
	EventRequest domain.EventType = "echo.request"
	EventReply   domain.EventType = "echo.reply"
)

// Request asks an echo agent to repeat Text.
type Request struct {
	Text string `json:"text"`
}

// Reply is published for every answered Request.
type Reply struct {
	Agent domain.AgentID `json:"agent"`
	Name  string         `json:"name,omitempty"`
	Text  string         `json:"text"`
	Count int            `json:"count"`
}

// State is the confirmed state of an echo agent.
type State struct {
	Name  string `json:"name" cbor:"name"`
	Count int    `json:"count" cbor:"count"`
	Last  string `json:"last,omitempty" cbor:"last,omitempty"`
}

// Created names a new echo agent.
type Created struct {
	Name string `json:"name" cbor:"name"`
}

func (Created) EventKind() string { return "echo.created" }

func (e Created) Validate() error { return requireName(e.Name) }

// Renamed changes the name.
type Renamed struct {
	Name string `json:"name" cbor:"name"`
}

func (Renamed) EventKind() string { return "echo.renamed" }

func (e Renamed) Validate() error { return requireName(e.Name) }

// Echoed records one answered request.
type Echoed struct {
	Text string `json:"text" cbor:"text"`
}

func (Echoed) EventKind() string { return "echo.echoed" }

var errEmptyText = errors.New("echo request has no text")

func requireName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	return nil
}

// AgentID returns the id of the echo agent keyed key.
func AgentID(key string) domain.AgentID {
	return domain.NewAgentID(Kind, key)
}

func definition() journal.Definition[State] {
	reg := journal.NewRegistry()
	journal.Register[Created](reg)
	journal.Register[Renamed](reg)
	journal.Register[Echoed](reg)
	return journal.Definition[State]{
		Kind:     Kind,
		Apply:    apply,
		Payloads: reg,
	}
}

func apply(s *State, ev domain.StateLogEvent) {
	switch p := ev.Payload.(type) {
	case Created:
		s.Name = p.Name
	case Renamed:
		s.Name = p.Name
	case Echoed:
		s.Count++
		s.Last = p.Text
	default:
	}
}

// Register installs the echo kind on svc.
func Register(svc *agent.Services) error {
	return agent.RegisterKind(svc, agent.Kind[State]{
		Definition: definition(),
		Setup:      setup,
	})
}

func setup(ctx context.Context, h *agent.Host[State]) error {
	_, err := h.On(ctx, EventRequest, func(ctx context.Context, ev domain.EventWrapper) error {
		var req Request
		if err := ev.Decode(&req); err != nil {
			return err
		}
		if req.Text == "" {
			return errEmptyText
		}
		if _, err := h.Commit(ctx, Echoed{Text: req.Text}); err != nil {
			return err
		}
		st := h.State()
		_, err := h.Publish(ctx, EventReply, Reply{Agent: h.ID(), Name: st.Name, Text: req.Text, Count: st.Count})
		return err
	})
	return err
}

// Create names the agent keyed key. Creating an already named agent
// renames it.
func Create(ctx context.Context, svc *agent.Services, key, name string) error {
	return agent.Call(ctx, svc.Runtime, AgentID(key), actor.Exclusive, func(ctx context.Context, h *agent.Host[State]) error {
		switch cur := h.State().Name; {
		case cur == name:
			return nil
		case cur == "":
			_, err := h.Commit(ctx, Created{Name: name})
			return err
		default:
			_, err := h.Commit(ctx, Renamed{Name: name})
			return err
		}
	})
}

// Inspect returns the confirmed state of the agent keyed key.
func Inspect(ctx context.Context, svc *agent.Services, key string) (State, error) {
	var st State
	err := agent.Call(ctx, svc.Runtime, AgentID(key), actor.Shared, func(_ context.Context, h *agent.Host[State]) error {
		st = h.State()
		return nil
	})
	return st, err
}
