package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/domain"
)

type failingTransport struct {
	calls int
}

func (f *failingTransport) Publish(context.Context, domain.ChannelKey, []byte) error {
	f.calls++
	return errors.New("broker unavailable")
}

func (f *failingTransport) Subscribe(context.Context, domain.ChannelKey, domain.StreamHandler) (domain.SubscriptionHandle, error) {
	return domain.SubscriptionHandle{}, nil
}

func (f *failingTransport) Unsubscribe(context.Context, domain.SubscriptionHandle) error { return nil }

func (f *failingTransport) Resume(_ context.Context, h domain.SubscriptionHandle, _ domain.StreamHandler) (domain.SubscriptionHandle, error) {
	return h, nil
}

func TestForwarderOpensCircuitPerServer(t *testing.T) {
	transport := &failingTransport{}
	fwd := NewForwarder(transport, BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for range 2 {
		require.Error(t, fwd.Forward(ctx, "srv-a", "s1", msg("m")))
	}
	assert.Equal(t, gobreaker.StateOpen, fwd.State("srv-a"))

	err := fwd.Forward(ctx, "srv-a", "s1", msg("m"))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, transport.calls, "open circuit does not reach the transport")

	assert.Equal(t, gobreaker.StateClosed, fwd.State("srv-b"))
}

func TestMemoryDirectoryExpires(t *testing.T) {
	dir := NewMemoryDirectory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, dir.Heartbeat(ctx, "srv-a", 10*time.Second))
	alive, err := dir.Alive(ctx, "srv-a")
	require.NoError(t, err)
	assert.True(t, alive)

	now = now.Add(10 * time.Second)
	alive, err = dir.Alive(ctx, "srv-a")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, dir.Heartbeat(ctx, "srv-b", 0))
	now = now.Add(time.Hour)
	alive, _ = dir.Alive(ctx, "srv-b")
	assert.True(t, alive)
	require.NoError(t, dir.Remove(ctx, "srv-b"))
	alive, _ = dir.Alive(ctx, "srv-b")
	assert.False(t, alive)

	assert.ErrorIs(t, dir.Heartbeat(ctx, "", time.Second), domain.ErrInvalidInput)
}
