// Package observability builds the logger and Prometheus collectors shared by
// the server and client. Nothing here is global: callers own the registerer.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	queueDepth    *prometheus.GaugeVec
	queueItems    *prometheus.CounterVec
	queueDuration *prometheus.HistogramVec

	sessionsActive prometheus.Gauge
	sessionEvents  *prometheus.CounterVec

	routerRequests *prometheus.CounterVec
	routerDuration *prometheus.HistogramVec

	messages       *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
	connRejected   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mup",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items held by a delivery queue, including in-flight and scheduled retries.",
		}, []string{"queue"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "queue",
			Name:      "items_total",
			Help:      "Delivery queue outcomes.",
		}, []string{"queue", "outcome"}),
		queueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mup",
			Subsystem: "queue",
			Name:      "process_duration_seconds",
			Help:      "Processor call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mup",
			Subsystem: "session",
			Name:      "active",
			Help:      "Registered sessions.",
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
		routerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Routed requests by route pattern and outcome.",
		}, []string{"route", "outcome"}),
		routerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mup",
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Routed request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "hub",
			Name:      "messages_total",
			Help:      "Protocol messages by direction and kind.",
		}, []string{"direction", "kind"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "hub",
			Name:      "errors_total",
			Help:      "Error messages sent to peers by code.",
		}, []string{"code"}),
		connRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mup",
			Subsystem: "hub",
			Name:      "connections_rejected_total",
			Help:      "Connections refused by the admission limiter.",
		}),
	}
	collectors := []prometheus.Collector{
		m.queueDepth, m.queueItems, m.queueDuration,
		m.sessionsActive, m.sessionEvents,
		m.routerRequests, m.routerDuration,
		m.messages, m.protocolErrors, m.connRejected,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) QueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) QueueOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) QueueDuration(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.queueDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) SessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RouterRequest(route, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.routerRequests.WithLabelValues(route, outcome).Inc()
	m.routerDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) ProtocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connRejected.Inc()
}
