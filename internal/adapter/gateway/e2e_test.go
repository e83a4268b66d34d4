package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"agentgrid/internal/adapter/eventlog"
	"agentgrid/internal/domain"
	"agentgrid/internal/infra/metrics"
	"agentgrid/internal/usecase/agent"
	"agentgrid/internal/usecase/agents/echo"
	"agentgrid/internal/usecase/delivery"
	"agentgrid/internal/usecase/eventbus"
	"agentgrid/internal/usecase/hub"
	"agentgrid/internal/usecase/session"
)

type stack struct {
	bus    *eventbus.Bus
	router *session.Router
	bp     *delivery.Backplane
	srv    *Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := testLogger()
	bus := eventbus.New(logger)
	m := metrics.New()
	svc := agent.NewServices(bus, eventlog.NewMemoryStore(), agent.Config{}, logger, m)
	t.Cleanup(func() {
		_ = svc.Runtime.Close(context.Background())
		bus.Close()
	})
	require.NoError(t, echo.Register(svc))

	servers := session.NewMemoryDirectory()
	router, err := session.NewRouter(svc, servers, session.NewForwarder(bus, session.BreakerConfig{}, logger), session.Config{}, logger)
	require.NoError(t, err)
	bp, err := delivery.New(svc, router, delivery.Config{}, logger)
	require.NoError(t, err)

	srv := startServerOn(t, Config{}, bus, servers, router)
	RegisterHubHandlers(srv, hub.New(svc, bp, logger))
	return &stack{bus: bus, router: router, bp: bp, srv: srv}
}

func (s *stack) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.bus.WaitIdle(ctx))
}

func TestClientPublishReceivesReply(t *testing.T) {
	s := newStack(t)
	ws, welcome := connect(t, s.srv, "token=test-token&session_id=s1")

	bound, err := s.router.Binding(context.Background(), welcome.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "srv-test", bound.ServerID)

	resp := call(t, ws, 1, MethodPublish, `{"agent_id":"echo/e1","event_type":"echo.request","payload":{"text":"hi"}}`)
	require.Empty(t, resp.Error)
	var ticket hub.Ticket
	require.NoError(t, json.Unmarshal(resp.Payload, &ticket))

	s.settle(t)
	n, err := s.bp.DrainOnce(context.Background(), ticket.DeliveryAgent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f := readFrame(t, ws)
	require.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, string(echo.EventReply), f.Method)

	var msg domain.OutboundMessage
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	assert.Equal(t, ticket.CorrelationID, msg.CorrelationID)
	var w domain.EventWrapper
	require.NoError(t, json.Unmarshal(msg.Payload, &w))
	var reply echo.Reply
	require.NoError(t, w.Decode(&reply))
	assert.Equal(t, echo.Reply{Agent: echo.AgentID("e1"), Text: "hi", Count: 1}, reply)
}

func TestClientDisconnectClearsRoutes(t *testing.T) {
	s := newStack(t)
	ws, _ := connect(t, s.srv, "token=test-token&session_id=s1")

	resp := call(t, ws, 1, MethodSubscribe, `{"agent_id":"echo/e1","event_type":"echo.request","payload":{"text":"hi"}}`)
	require.Empty(t, resp.Error)
	var ticket hub.Ticket
	require.NoError(t, json.Unmarshal(resp.Payload, &ticket))
	s.settle(t)

	st, err := s.bp.Inspect(context.Background(), ticket.DeliveryAgent)
	require.NoError(t, err)
	require.Contains(t, st.Routes, ticket.CorrelationID)

	ws.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool {
		b, err := s.router.Binding(context.Background(), "s1")
		return err == nil && !b.Connected()
	})
	s.settle(t)

	st, err = s.bp.Inspect(context.Background(), ticket.DeliveryAgent)
	require.NoError(t, err)
	assert.Empty(t, st.Routes)
}

func TestSubscriberCannotPublish(t *testing.T) {
	s := newStack(t)
	ws, _ := connect(t, s.srv, "token=sub-token")

	resp := call(t, ws, 1, MethodPublish, `{"agent_id":"echo/e1","event_type":"echo.request"}`)
	assert.Equal(t, string(domain.CodeForbidden), resp.Code)
}
