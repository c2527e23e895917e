package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder on top of client_golang counters
// and a histogram, so an adapter can expose /metrics without the core
// taking a dependency on any particular HTTP framework. Each metric name
// Metrics reports gets its own named collector (ratethrottle_total_requests,
// ratethrottle_allowed_requests, ratethrottle_blocked_requests,
// ratethrottle_backend_errors, ratethrottle_check_duration_seconds) rather
// than a single counter fanned out by a "metric" label, matching the
// distinct series a Prometheus consumer expects to alert on individually.
type PrometheusRecorder struct {
	totalRequests   prometheus.Counter
	allowedRequests prometheus.Counter
	blockedRequests prometheus.Counter
	backendErrors   prometheus.Counter
	checkDuration   prometheus.Histogram
}

// NewPrometheusRecorder registers its collectors against reg (pass
// prometheus.DefaultRegisterer for the global registry).
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = "ratethrottle"
	}

	p := &PrometheusRecorder{
		totalRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_requests",
			Help:      "Total Check calls handled.",
		}),
		allowedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowed_requests",
			Help:      "Check calls that resulted in an allow verdict.",
		}),
		blockedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_requests",
			Help:      "Check calls that resulted in a deny verdict.",
		}),
		backendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors",
			Help:      "Backend operations that returned an error during Check.",
		}),
		checkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Latency of Check calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(p.totalRequests, p.allowedRequests, p.blockedRequests, p.backendErrors, p.checkDuration)

	return p
}

// Add routes a named counter increment to its collector. Unrecognized names
// are dropped rather than accumulated under a catch-all series.
func (p *PrometheusRecorder) Add(name string, value float64, _ map[string]string) {
	switch name {
	case "ratethrottle.total_requests":
		p.totalRequests.Add(value)
	case "ratethrottle.allowed_requests":
		p.allowedRequests.Add(value)
	case "ratethrottle.blocked_requests":
		p.blockedRequests.Add(value)
	case "ratethrottle.backend_errors":
		p.backendErrors.Add(value)
	}
}

func (p *PrometheusRecorder) Observe(name string, value float64, _ map[string]string) {
	if name == "ratethrottle.check_duration_seconds" {
		p.checkDuration.Observe(value)
	}
}
