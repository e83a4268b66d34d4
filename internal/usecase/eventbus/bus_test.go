package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/domain"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(bus.Close)
	return bus
}

func waitIdle(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.WaitIdle(ctx))
}

const key = domain.ChannelKey("agent/test/a")

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got atomic.Int32
	_, err := bus.Subscribe(ctx, key, func(_ context.Context, msg []byte) {
		if string(msg) == "hello" {
			got.Add(1)
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, key, []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "agent/test/other", []byte("hello")))
	waitIdle(t, bus)
	assert.Equal(t, int32(1), got.Load())
}

func TestDeliveryIsOrderedPerSubscription(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe(ctx, key, func(_ context.Context, msg []byte) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, string(msg))
		mu.Unlock()
	})
	require.NoError(t, err)

	var want []string
	for i := range 20 {
		m := fmt.Sprintf("m%d", i)
		want = append(want, m)
		require.NoError(t, bus.Publish(ctx, key, []byte(m)))
	}
	waitIdle(t, bus)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestHandlerCanPublishToOwnChannel(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var count atomic.Int32
	_, err := bus.Subscribe(ctx, key, func(ctx context.Context, msg []byte) {
		if count.Add(1) < 5 {
			_ = bus.Publish(ctx, key, msg)
		}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, key, []byte("loop")))
	waitIdle(t, bus)
	assert.Equal(t, int32(5), count.Load())
}

func TestPublishCopiesPayload(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	got := make(chan string, 1)
	_, err := bus.Subscribe(ctx, key, func(_ context.Context, msg []byte) { got <- string(msg) })
	require.NoError(t, err)

	buf := []byte("abc")
	require.NoError(t, bus.Publish(ctx, key, buf))
	buf[0] = 'z'
	assert.Equal(t, "abc", <-got)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got atomic.Int32
	h, err := bus.Subscribe(ctx, key, func(context.Context, []byte) { got.Add(1) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, key, []byte("1")))
	waitIdle(t, bus)
	require.NoError(t, bus.Unsubscribe(ctx, h))
	require.NoError(t, bus.Publish(ctx, key, []byte("2")))
	waitIdle(t, bus)

	assert.Equal(t, int32(1), got.Load())
	assert.NoError(t, bus.Unsubscribe(ctx, h), "second unsubscribe is a no-op")
}

func TestResumeSwapsHandler(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var first, second atomic.Int32
	h, err := bus.Subscribe(ctx, key, func(context.Context, []byte) { first.Add(1) })
	require.NoError(t, err)

	resumed, err := bus.Resume(ctx, h, func(context.Context, []byte) { second.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, h, resumed)

	require.NoError(t, bus.Publish(ctx, key, []byte("x")))
	waitIdle(t, bus)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestResumeRecreatesSubscription(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got atomic.Int32
	handle := domain.SubscriptionHandle{Key: key, ID: "persisted"}
	resumed, err := bus.Resume(ctx, handle, func(context.Context, []byte) { got.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, handle, resumed)

	require.NoError(t, bus.Publish(ctx, key, []byte("x")))
	waitIdle(t, bus)
	assert.Equal(t, int32(1), got.Load())

	_, err = bus.Resume(ctx, domain.SubscriptionHandle{}, func(context.Context, []byte) {})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	var got atomic.Int32
	_, err := bus.Subscribe(ctx, key, func(_ context.Context, msg []byte) {
		if string(msg) == "boom" {
			panic("boom")
		}
		got.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, key, []byte("boom")))
	require.NoError(t, bus.Publish(ctx, key, []byte("ok")))
	waitIdle(t, bus)
	assert.Equal(t, int32(1), got.Load(), "subscription keeps running after a panic")
}

func TestCloseDrainsAndRejects(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	var got atomic.Int32
	_, err := bus.Subscribe(ctx, key, func(context.Context, []byte) {
		time.Sleep(2 * time.Millisecond)
		got.Add(1)
	})
	require.NoError(t, err)
	for range 5 {
		require.NoError(t, bus.Publish(ctx, key, []byte("x")))
	}

	bus.Close()
	assert.Equal(t, int32(5), got.Load())

	err = bus.Publish(ctx, key, []byte("late"))
	assert.True(t, errors.Is(err, domain.ErrClosed))
	bus.Close()
}
