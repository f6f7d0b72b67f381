package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keelframework/keel/metric"
)

type limiterMetrics struct {
	allowed prometheus.Counter
	denied  prometheus.Counter
}

func newLimiterMetrics(registry *metric.Registry, prefix string) (*limiterMetrics, error) {
	m := &limiterMetrics{
		allowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keel",
			Subsystem:   "ratelimit",
			Name:        "allowed_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of admitted requests",
		}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keel",
			Subsystem:   "ratelimit",
			Name:        "denied_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Total number of denied requests",
		}),
	}

	if err := registry.RegisterCounter(prefix, "ratelimit_allowed", m.allowed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "ratelimit_denied", m.denied); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *limiterMetrics) recordAllowed() { m.allowed.Inc() }
func (m *limiterMetrics) recordDenied()  { m.denied.Inc() }
