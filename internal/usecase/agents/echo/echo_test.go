package echo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgrid/internal/adapter/eventlog"
	"agentgrid/internal/domain"
	"agentgrid/internal/infra/metrics"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/eventbus"
)

type fixture struct {
	bus *eventbus.Bus
	svc *agent.Services
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	svc := agent.NewServices(bus, eventlog.NewMemoryStore(), agent.Config{}, logger, metrics.New())
	require.NoError(t, Register(svc))
	t.Cleanup(func() {
		_ = svc.Runtime.Close(context.Background())
		bus.Close()
	})
	return &fixture{bus: bus, svc: svc}
}

func (fx *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.bus.WaitIdle(ctx))
}

// watch records every wrapper of typ seen on channel.
func (fx *fixture) watch(t *testing.T, channel domain.ChannelKey, typ domain.EventType) func() []domain.EventWrapper {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []domain.EventWrapper
	)
	_, err := fx.bus.Subscribe(context.Background(), channel, func(_ context.Context, msg []byte) {
		var w domain.EventWrapper
		if json.Unmarshal(msg, &w) == nil && w.Type == typ {
			mu.Lock()
			seen = append(seen, w)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	return func() []domain.EventWrapper {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.EventWrapper(nil), seen...)
	}
}

func request(t *testing.T, text, correlationID string) domain.EventWrapper {
	t.Helper()
	w, err := domain.NewWrapper(domain.NewAgentID("client", "c"), correlationID, EventRequest, Request{Text: text}, time.Now().UTC())
	require.NoError(t, err)
	return w
}

func TestCreateThenRename(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, Create(ctx, fx.svc, "e1", "first"))
	require.NoError(t, Create(ctx, fx.svc, "e1", "first"))
	require.NoError(t, Create(ctx, fx.svc, "e1", "second"))

	require.NoError(t, fx.svc.Runtime.Deactivate(ctx, AgentID("e1")))
	st, err := Inspect(ctx, fx.svc, "e1")
	require.NoError(t, err)
	assert.Equal(t, "second", st.Name)

	events, err := fx.svc.Store.Read(ctx, AgentID("e1"), 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCreateRejectsBlankName(t *testing.T) {
	fx := newFixture(t)
	err := Create(context.Background(), fx.svc, "e1", "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestRequestIsAnswered(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := AgentID("e1")
	require.NoError(t, Create(ctx, fx.svc, "e1", "bob"))
	replies := fx.watch(t, domain.AgentChannel(id), EventReply)

	require.NoError(t, fx.svc.Fabric.SendTo(ctx, id, request(t, "hello", "corr-1")))
	fx.settle(t)

	got := replies()
	require.Len(t, got, 1)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, id, got[0].PublisherID)
	var reply Reply
	require.NoError(t, got[0].Decode(&reply))
	assert.Equal(t, Reply{Agent: id, Name: "bob", Text: "hello", Count: 1}, reply)

	st, err := Inspect(ctx, fx.svc, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, "hello", st.Last)
}

func TestEmptyRequestRaisesHandlerException(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := AgentID("e1")
	require.NoError(t, Create(ctx, fx.svc, "e1", "bob"))
	exceptions := fx.watch(t, domain.HandlerErrorChannel, domain.EventHandlerException)

	require.NoError(t, fx.svc.Fabric.SendTo(ctx, id, request(t, "", "corr-2")))
	fx.settle(t)

	got := exceptions()
	require.Len(t, got, 1)
	var exc domain.HandlerException
	require.NoError(t, got[0].Decode(&exc))
	assert.Equal(t, id, exc.AgentID)
	assert.Contains(t, exc.Message, errEmptyText.Error())

	st, err := Inspect(ctx, fx.svc, "e1")
	require.NoError(t, err)
	assert.Zero(t, st.Count)
}
