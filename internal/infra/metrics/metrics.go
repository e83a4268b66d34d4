// Package metrics exposes the runtime's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentgrid"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsConfirmed   *prometheus.CounterVec
	versionConflicts  *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	handlerExceptions *prometheus.CounterVec
	deliveryAttempts  prometheus.Counter
	deliverySucceeded prometheus.Counter
	deliveryDropped   prometheus.Counter
	queueDepth        *prometheus.GaugeVec
	sessionsConnected prometheus.Gauge
	forcedDisconnects *prometheus.CounterVec
	drainDuration     prometheus.Histogram
	activeAgents      prometheus.Gauge
	gatewayClients    prometheus.Gauge
	rpcCalls          *prometheus.CounterVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_confirmed_total",
			Help: "State log events durably confirmed, by agent kind.",
		}, []string{"kind"}),
		versionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "version_conflicts_total",
			Help: "Confirms rejected by optimistic concurrency, by agent kind.",
		}, []string{"kind"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total",
			Help: "Domain events published on the fabric, by event type.",
		}, []string{"type"}),
		handlerExceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_exceptions_total",
			Help: "Event handlers that failed or panicked, by event type.",
		}, []string{"type"}),
		deliveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Outbound delivery attempts.",
		}),
		deliverySucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_succeeded_total",
			Help: "Outbound messages handed to a session.",
		}),
		deliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_dropped_total",
			Help: "Outbound messages dropped after exhausting their attempts.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "delivery_queue_depth",
			Help: "Messages waiting in a delivery agent's queue.",
		}, []string{"agent"}),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_connected",
			Help: "Client sessions currently bound to a server.",
		}),
		forcedDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_disconnects_total",
			Help: "Session disconnects, by reason.",
		}, []string{"reason"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "drain_duration_seconds",
			Help:    "Duration of delivery drain cycles that did work.",
			Buckets: prometheus.DefBuckets,
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_agents",
			Help: "Agents currently activated in this process.",
		}),
		gatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gateway_clients",
			Help: "WebSocket clients connected to this gateway.",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_rpc_total",
			Help: "Gateway RPC calls, by method and result code.",
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsConfirmed, m.versionConflicts, m.eventsPublished, m.handlerExceptions,
		m.deliveryAttempts, m.deliverySucceeded, m.deliveryDropped, m.queueDepth,
		m.sessionsConnected, m.forcedDisconnects, m.drainDuration, m.activeAgents,
		m.gatewayClients, m.rpcCalls,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventsConfirmed(kind string, n int) {
	if m == nil {
		return
	}
	m.eventsConfirmed.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) VersionConflict(kind string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) HandlerException(eventType string) {
	if m == nil {
		return
	}
	m.handlerExceptions.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeliveryAttempt() {
	if m == nil {
		return
	}
	m.deliveryAttempts.Inc()
}

func (m *Metrics) DeliverySucceeded() {
	if m == nil {
		return
	}
	m.deliverySucceeded.Inc()
}

func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveryDropped.Inc()
}

func (m *Metrics) QueueDepth(agent string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(agent).Set(float64(depth))
}

func (m *Metrics) SessionConnected() {
	if m == nil {
		return
	}
	m.sessionsConnected.Inc()
}

func (m *Metrics) SessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.sessionsConnected.Dec()
	m.forcedDisconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) DrainObserved(d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
}

func (m *Metrics) AgentActivated() {
	if m == nil {
		return
	}
	m.activeAgents.Inc()
}

func (m *Metrics) AgentDeactivated() {
	if m == nil {
		return
	}
	m.activeAgents.Dec()
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.gatewayClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.gatewayClients.Dec()
}

// RPCHandled counts one RPC call. code is "OK" for a successful call.
func (m *Metrics) RPCHandled(method, code string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, code).Inc()
}
