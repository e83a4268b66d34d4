package actor

import (
	"context"
	"fmt"
	"sync"

	"agentgrid/internal/domain"
)

// Mode is the call class of a mailbox turn.
type Mode int

const (
	// Exclusive turns run alone: no other turn for the same agent overlaps.
	Exclusive Mode = iota
	// Shared turns are read-only and may overlap each other.
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// Gate provides the per-agent mailbox discipline: exclusive turns serialize,
// shared turns interleave with each other but never with an exclusive turn.
// A call made from inside a running turn for the same agent, identified by
// the context, runs inline.
type Gate struct {
	mu    sync.Mutex
	locks map[domain.AgentID]*agentLock
}

type agentLock struct {
	mu       sync.RWMutex
	refCount int
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	return &Gate{locks: make(map[domain.AgentID]*agentLock)}
}

type heldKey struct{}

// held is the chain of turns the current call is running inside.
type held struct {
	id     domain.AgentID
	mode   Mode
	parent *held
}

func heldMode(ctx context.Context, id domain.AgentID) (Mode, bool) {
	h, _ := ctx.Value(heldKey{}).(*held)
	for ; h != nil; h = h.parent {
		if h.id == id {
			return h.mode, true
		}
	}
	return 0, false
}

// Holds reports whether ctx is running inside a turn of id.
func Holds(ctx context.Context, id domain.AgentID) bool {
	_, ok := heldMode(ctx, id)
	return ok
}

// Enter starts a turn for id. It blocks until the turn may run or ctx is
// done. The returned context marks the turn for reentrancy and unlock MUST
// be called when the turn ends.
func (g *Gate) Enter(ctx context.Context, id domain.AgentID, mode Mode) (context.Context, func(), error) {
	if cur, ok := heldMode(ctx, id); ok {
		if cur == Shared && mode == Exclusive {
			return nil, nil, domain.NewSubSystemError("actor", "Gate.Enter", domain.ErrInvalidInput,
				fmt.Sprintf("exclusive call on %s from inside a shared call", id))
		}
		return ctx, func() {}, nil
	}

	g.mu.Lock()
	al, ok := g.locks[id]
	if !ok {
		al = &agentLock{}
		g.locks[id] = al
	}
	al.refCount++
	g.mu.Unlock()

	lock, unlock := al.mu.Lock, al.mu.Unlock
	if mode == Shared {
		lock, unlock = al.mu.RLock, al.mu.RUnlock
	}
	release := func() {
		unlock()
		g.mu.Lock()
		al.refCount--
		if al.refCount == 0 {
			delete(g.locks, id)
		}
		g.mu.Unlock()
	}

	// Acquire with context cancellation support.
	acquired := make(chan struct{})
	go func() {
		lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		turn := context.WithValue(ctx, heldKey{}, &held{id: id, mode: mode, parent: heldChain(ctx)})
		return turn, release, nil
	case <-ctx.Done():
		// The goroutine will still acquire; release right after it does.
		go func() {
			<-acquired
			release()
		}()
		return nil, nil, fmt.Errorf("mailbox %s: %w", id, ctx.Err())
	}
}

func heldChain(ctx context.Context) *held {
	h, _ := ctx.Value(heldKey{}).(*held)
	return h
}

// Do runs fn as one turn of id.
func (g *Gate) Do(ctx context.Context, id domain.AgentID, mode Mode, fn func(ctx context.Context) error) error {
	turn, unlock, err := g.Enter(ctx, id, mode)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(turn)
}

// ActiveCount returns the number of agents with running or waiting turns.
// Intended for testing.
func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
