// Package eventbus is the in-process domain.StreamTransport. Every
// subscription owns an unbounded FIFO and a worker goroutine, so messages on
// one subscription are handled one at a time in publish order and a handler
// may publish to its own channel without deadlocking.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentgrid/internal/domain"
)

type subscription struct {
	id  string
	key domain.ChannelKey

	mu      sync.Mutex
	handler domain.StreamHandler
	queue   [][]byte
	signal  chan struct{}
	done    chan struct{}
}

// Bus is an in-process, goroutine-safe stream transport.
type Bus struct {
	mu       sync.RWMutex
	subs     map[domain.ChannelKey][]*subscription
	byID     map[string]*subscription
	logger   *slog.Logger
	wg       sync.WaitGroup
	inflight atomic.Int64
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[domain.ChannelKey][]*subscription),
		byID:   make(map[string]*subscription),
		logger: logger.With("component", "eventbus"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish queues payload for every subscription on key. Handlers run on the
// subscription's worker, never on the caller's goroutine, and receive the
// bus context rather than the caller's.
func (b *Bus) Publish(_ context.Context, key domain.ChannelKey, payload []byte) error {
	if b.closed.Load() {
		return domain.NewSubSystemError("eventbus", "Bus.Publish", domain.ErrClosed, string(key))
	}

	b.mu.RLock()
	subs := slices.Clone(b.subs[key])
	b.mu.RUnlock()

	for _, sub := range subs {
		msg := slices.Clone(payload)
		sub.mu.Lock()
		select {
		case <-sub.done:
			sub.mu.Unlock()
			continue
		default:
		}
		b.inflight.Add(1)
		sub.queue = append(sub.queue, msg)
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers handler on key.
func (b *Bus) Subscribe(_ context.Context, key domain.ChannelKey, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	return b.subscribe(key, domain.NewID(), handler)
}

func (b *Bus) subscribe(key domain.ChannelKey, id string, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	if handler == nil {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("eventbus", "Bus.Subscribe", domain.ErrInvalidInput, "nil handler")
	}
	if b.closed.Load() {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("eventbus", "Bus.Subscribe", domain.ErrClosed, string(key))
	}
	sub := &subscription{
		id:      id,
		key:     key,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], sub)
	b.byID[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(sub)
	return domain.SubscriptionHandle{Key: key, ID: id}, nil
}

// Unsubscribe removes the subscription and drops anything still queued for
// it. Unknown handles are ignored.
func (b *Bus) Unsubscribe(_ context.Context, handle domain.SubscriptionHandle) error {
	b.mu.Lock()
	sub, ok := b.byID[handle.ID]
	if ok {
		delete(b.byID, handle.ID)
		b.subs[sub.key] = slices.DeleteFunc(b.subs[sub.key], func(s *subscription) bool { return s == sub })
		if len(b.subs[sub.key]) == 0 {
			delete(b.subs, sub.key)
		}
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	sub.mu.Lock()
	dropped := len(sub.queue)
	sub.queue = nil
	close(sub.done)
	sub.mu.Unlock()
	b.inflight.Add(-int64(dropped))
	return nil
}

// Resume swaps the handler of a live subscription, or recreates it under
// the same handle.
func (b *Bus) Resume(_ context.Context, handle domain.SubscriptionHandle, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	if handle.IsZero() {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("eventbus", "Bus.Resume", domain.ErrInvalidInput, "empty handle")
	}
	b.mu.RLock()
	sub, ok := b.byID[handle.ID]
	b.mu.RUnlock()
	if ok {
		sub.mu.Lock()
		sub.handler = handler
		sub.mu.Unlock()
		return handle, nil
	}
	return b.subscribe(handle.Key, handle.ID, handler)
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.signal:
				continue
			case <-sub.done:
				return
			}
		}
		msg := sub.queue[0]
		sub.queue[0] = nil
		sub.queue = sub.queue[1:]
		handler := sub.handler
		sub.mu.Unlock()

		b.invoke(sub, handler, msg)
		b.inflight.Add(-1)
	}
}

func (b *Bus) invoke(sub *subscription, handler domain.StreamHandler, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("stream handler panicked",
				"channel", string(sub.key),
				"subscription", sub.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	handler(b.ctx, msg)
}

// WaitIdle blocks until every queued message has been handled, including
// messages published by the handlers themselves, or ctx is done.
func (b *Bus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for b.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting publishes, lets queued messages finish, then stops
// every worker. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	_ = b.WaitIdle(context.Background())

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.subs = make(map[domain.ChannelKey][]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	}
	b.cancel()
	b.wg.Wait()
}

var _ domain.StreamTransport = (*Bus)(nil)
