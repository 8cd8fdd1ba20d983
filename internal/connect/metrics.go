package connect

import "github.com/prometheus/client_golang/prometheus"

// relayMetrics tracks bytes relayed per direction, the
// socks5_bytes_relayed_total{direction} surface SPEC_FULL.md §6 adds on
// top of the teacher's unmeasured relay loop.
type relayMetrics struct {
	bytesTotal *prometheus.CounterVec
}

func newRelayMetrics() *relayMetrics {
	return &relayMetrics{
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socks5_bytes_relayed_total",
			Help: "Bytes relayed between client and remote, labeled by direction.",
		}, []string{"direction"}),
	}
}

// Register adds the collector to reg. Safe to call once per process;
// cmd/socks5d registers the single package-level metrics set.
func (m *relayMetrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.bytesTotal)
}

func (m *relayMetrics) add(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// metrics is the package-level relay metrics set. NewHandler does not
// own it so that multiple Handlers (one per listener) share one
// Prometheus registration instead of colliding on duplicate collectors.
var metrics = newRelayMetrics()

// Metrics exposes the shared relay metrics set so cmd/socks5d can
// register it alongside internal/server's metricSet.
func Metrics() interface {
	Register(prometheus.Registerer) error
} {
	return metrics
}
