package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agentgrid/internal/domain"
)

type remoteSub struct {
	handle domain.SubscriptionHandle
	cancel context.CancelFunc

	mu      sync.Mutex
	handler domain.StreamHandler
}

func (s *remoteSub) current() domain.StreamHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Transport is a domain.StreamTransport over Redis pub/sub. Messages on one
// subscription are handled in order on that subscription's goroutine.
// Delivery is at-most-once: a node that is not subscribed misses messages.
type Transport struct {
	client RedisClient
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*remoteSub
	wg   sync.WaitGroup
}

// NewTransport creates a transport over client.
func NewTransport(client RedisClient, logger *slog.Logger) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client: client,
		logger: logger.With("component", "cluster.transport"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*remoteSub),
	}
}

// Publish sends payload to every node subscribed to key.
func (t *Transport) Publish(ctx context.Context, key domain.ChannelKey, payload []byte) error {
	if t.ctx.Err() != nil {
		return domain.NewSubSystemError("cluster", "Transport.Publish", domain.ErrClosed, string(key))
	}
	if err := t.client.Publish(ctx, prefixStream+string(key), string(payload)); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Subscribe listens on key until Unsubscribe or Close.
func (t *Transport) Subscribe(_ context.Context, key domain.ChannelKey, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	return t.subscribe(domain.SubscriptionHandle{Key: key, ID: domain.NewID()}, handler)
}

// subscribe ties the subscription to the transport's lifetime rather than
// to a caller's context.
func (t *Transport) subscribe(handle domain.SubscriptionHandle, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	if handler == nil {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("cluster", "Transport.Subscribe", domain.ErrInvalidInput, "nil handler")
	}
	if t.ctx.Err() != nil {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("cluster", "Transport.Subscribe", domain.ErrClosed, string(handle.Key))
	}

	sctx, cancel := context.WithCancel(t.ctx)
	ch, err := t.client.Subscribe(sctx, prefixStream+string(handle.Key))
	if err != nil {
		cancel()
		return domain.SubscriptionHandle{}, fmt.Errorf("subscribe %s: %w", handle.Key, err)
	}

	sub := &remoteSub{handle: handle, cancel: cancel, handler: handler}
	t.mu.Lock()
	t.subs[handle.ID] = sub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(sctx, sub, ch)
	return handle, nil
}

func (t *Transport) run(ctx context.Context, sub *remoteSub, ch <-chan string) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.invoke(sub, []byte(msg))
		}
	}
}

// invoke hands the transport context to the handler so a handler that
// unsubscribes itself keeps a live context.
func (t *Transport) invoke(sub *remoteSub, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("stream handler panicked",
				"channel", string(sub.handle.Key),
				"subscription", sub.handle.ID,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.current()(t.ctx, msg)
}

// Unsubscribe stops the subscription. Unknown handles are ignored.
func (t *Transport) Unsubscribe(_ context.Context, handle domain.SubscriptionHandle) error {
	t.mu.Lock()
	sub, ok := t.subs[handle.ID]
	delete(t.subs, handle.ID)
	t.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return nil
}

// Resume swaps the handler of a live subscription, or subscribes again
// under the same handle.
func (t *Transport) Resume(_ context.Context, handle domain.SubscriptionHandle, handler domain.StreamHandler) (domain.SubscriptionHandle, error) {
	if handle.IsZero() {
		return domain.SubscriptionHandle{}, domain.NewSubSystemError("cluster", "Transport.Resume", domain.ErrInvalidInput, "empty handle")
	}
	t.mu.Lock()
	sub, ok := t.subs[handle.ID]
	t.mu.Unlock()
	if ok {
		sub.mu.Lock()
		sub.handler = handler
		sub.mu.Unlock()
		return handle, nil
	}
	return t.subscribe(handle, handler)
}

// Close cancels every subscription and waits for their goroutines.
func (t *Transport) Close() {
	t.cancel()
	t.mu.Lock()
	t.subs = make(map[string]*remoteSub)
	t.mu.Unlock()
	t.wg.Wait()
}

var _ domain.StreamTransport = (*Transport)(nil)
