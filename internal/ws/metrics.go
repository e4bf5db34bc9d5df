package ws

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/shipyard/pkg/metrics"
)

// Metrics counts hub deliveries and evictions.
type Metrics struct {
	deliveries prometheus.Counter
	evictions  prometheus.Counter
}

// NewMetrics registers the hub collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		deliveries: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Payloads accepted by subscribers",
		})),
		evictions: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "hub",
			Name:      "evictions_total",
			Help:      "Subscribers dropped for failing or slow writes",
		})),
	}
}

func (m *Metrics) observeBroadcast(delivered int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(delivered))
}

func (m *Metrics) observeEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
