package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/shipyard/pkg/metrics"
)

const (
	outcomeProcessed      = "processed"
	outcomeMalformed      = "malformed"
	outcomeRetried        = "retried"
	outcomeDeadLettered   = "dead_lettered"
	outcomeStatusRejected = "status_rejected"
)

// Metrics counts consumer outcomes.
type Metrics struct {
	messages *prometheus.CounterVec
	fatal    prometheus.Counter
}

// NewMetrics registers consumer collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		messages: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Log messages by processing outcome",
		}, []string{"outcome"})),
		fatal: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "consumer",
			Name:      "broker_fatal_total",
			Help:      "Consumer loops terminated by broker failures",
		})),
	}
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeFatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}
