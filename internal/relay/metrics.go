package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records relay activity. A nil *Metrics is a no-op.
type Metrics struct {
	events     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	identities prometheus.Counter
	boundary   *prometheus.CounterVec
}

// NewMetrics registers relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events handled, by kind.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Event handling errors by code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_latency_seconds",
			Help:    "Latency for handling inbound events.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		identities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_identities_created_total",
			Help: "Anonymous identities created on first contact.",
		}),
		boundary: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_boundary_hits_total",
			Help: "Navigation attempts past a list edge.",
		}, []string{"list"}),
	}

	reg.MustRegister(m.events, m.errors, m.latency, m.identities, m.boundary)
	return m
}

func (m *Metrics) recordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil || op == "" {
		return
	}
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if code := errorCode(err); code != "" {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) recordIdentity() {
	if m == nil {
		return
	}
	m.identities.Inc()
}

func (m *Metrics) recordBoundary(list string) {
	if m == nil {
		return
	}
	if list == "" {
		list = "unknown"
	}
	m.boundary.WithLabelValues(list).Inc()
}
