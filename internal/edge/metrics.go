package edge

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/shipyard/pkg/metrics"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics instruments the edge router.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cache    *prometheus.CounterVec
}

// NewMetrics registers the edge collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "edge",
			Name:      "requests_total",
			Help:      "Edge requests by routing outcome and status",
		}, []string{"outcome", "status"})),
		latency: metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "edge",
			Name:      "request_duration_seconds",
			Help:      "Edge request latency including the origin round trip",
			Buckets:   histogramBuckets,
		}, []string{"outcome"})),
		cache: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "edge",
			Name:      "resolver_cache_total",
			Help:      "Resolver cache lookups",
		}, []string{"result"})),
	}
}

func (m *Metrics) observe(outcome string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}
