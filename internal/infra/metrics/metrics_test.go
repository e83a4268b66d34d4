package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventsConfirmed("echo", 2)
		m.VersionConflict("echo")
		m.EventPublished("x")
		m.HandlerException("x")
		m.DeliveryAttempt()
		m.DeliverySucceeded()
		m.DeliveryDropped()
		m.QueueDepth("delivery/1", 3)
		m.SessionConnected()
		m.SessionDisconnected("client")
		m.DrainObserved(time.Millisecond)
		m.AgentActivated()
		m.AgentDeactivated()
		m.ClientConnected()
		m.ClientDisconnected()
		m.RPCHandled("agent.publish", "OK")
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventsConfirmed("echo", 2)
	m.EventsConfirmed("echo", 1)
	m.VersionConflict("echo")
	m.DeliveryAttempt()
	m.DeliveryAttempt()
	m.DeliveryDropped()
	m.QueueDepth("delivery/1", 4)
	m.SessionConnected()
	m.SessionConnected()
	m.SessionDisconnected("attempts-limit-reached")
	m.ClientConnected()
	m.RPCHandled("agent.publish", "OK")
	m.RPCHandled("agent.publish", "INVALID_INPUT")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.eventsConfirmed.WithLabelValues("echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.versionConflicts.WithLabelValues("echo")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveryAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryDropped))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("delivery/1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forcedDisconnects.WithLabelValues("attempts-limit-reached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCalls.WithLabelValues("agent.publish", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcCalls.WithLabelValues("agent.publish", "INVALID_INPUT")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.EventPublished("echo.requested")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `agentgrid_events_published_total{type="echo.requested"} 1`))
}
