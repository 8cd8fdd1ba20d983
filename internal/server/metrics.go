package server

import "github.com/prometheus/client_golang/prometheus"

// metricSet is the Prometheus surface named in SPEC_FULL.md §6, grounded
// on the client_golang dependency carried by the rcproxy and dittofs
// repos in the retrieval pack. Each Server owns its own registered
// instance; cmd/socks5d starts one Server per configured listener and
// registers each instance under its own "port" label, so several proxy
// entries in one process do not collide on metric registration.
type metricSet struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	teardownTotal     *prometheus.CounterVec
	handoffsTotal     prometheus.Counter
}

func newMetricSet() *metricSet {
	return &metricSet{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socks5_connections_total",
			Help: "Total TCP connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "socks5_connections_active",
			Help: "Connections currently tracked by the protocol core.",
		}),
		teardownTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socks5_teardown_total",
			Help: "Connection teardowns, labeled by reason.",
		}, []string{"reason"}),
		handoffsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socks5_handoffs_total",
			Help: "Connections handed off to the request handler after a successful request parse.",
		}),
	}
}

// Register adds every collector to reg. Safe to call once per Server.
func (m *metricSet) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.connectionsTotal, m.connectionsActive, m.teardownTotal, m.handoffsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metricSet) accepted() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// acceptFailed records a teardown that happened before the connection was
// ever counted as active (registry collision, failed poller subscribe).
func (m *metricSet) acceptFailed(reason string) {
	m.teardownTotal.WithLabelValues(reason).Inc()
}

func (m *metricSet) teardown(reason string) {
	m.connectionsActive.Dec()
	m.teardownTotal.WithLabelValues(reason).Inc()
}

func (m *metricSet) handoff() {
	m.connectionsActive.Dec()
	m.handoffsTotal.Inc()
}
