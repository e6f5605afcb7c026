package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type nodeMetrics struct {
	ready        prometheus.Gauge
	healthChecks *prometheus.CounterVec
}

func newNodeMetrics(reg prometheus.Registerer) *nodeMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &nodeMetrics{
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ready",
			Help: "1 when the bus is connected and the store answers.",
		}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_health_checks_total",
			Help: "Dependency probes by component and result.",
		}, []string{"component", "result"}),
	}

	reg.MustRegister(m.ready, m.healthChecks)
	return m
}

func (m *nodeMetrics) recordCheck(component string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "fail"
	}
	m.healthChecks.WithLabelValues(component, result).Inc()
}

func (m *nodeMetrics) setReady(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}
