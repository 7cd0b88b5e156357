package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "analytics"
	metricsSubsystem = "bridge"
	outcomeSuccess   = "success"
	outcomeError     = "error"
)

type (
	// metrics records the outcome and latency of bridge operations served by the host.
	metrics struct {
		requests *prometheus.CounterVec
		latency  *prometheus.HistogramVec
	}
)

// newMetrics creates the host metrics and registers them with reg.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "Total bridge operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for bridge operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observe records a completed operation.
func (m *metrics) observe(operation string, err error, elapsed time.Duration) {
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}
