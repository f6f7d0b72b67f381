package pool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keelframework/keel/metric"
)

type poolMetrics struct {
	acquires       prometheus.Counter
	releases       prometheus.Counter
	discards       prometheus.Counter
	creates        prometheus.Counter
	exhaustions    prometheus.Counter
	healthFailures prometheus.Counter
	idle           prometheus.Gauge
	leased         prometheus.Gauge
}

func newPoolMetrics(registry *metric.Registry, prefix string) (*poolMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "keel",
			Subsystem:   "pool",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "keel",
			Subsystem:   "pool",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &poolMetrics{
		acquires:       counter("acquires_total", "Total number of successful acquisitions"),
		releases:       counter("releases_total", "Total number of lease releases"),
		discards:       counter("discards_total", "Total number of lease discards"),
		creates:        counter("creates_total", "Total number of resources created"),
		exhaustions:    counter("exhaustions_total", "Total number of acquisitions that timed out"),
		healthFailures: counter("health_failures_total", "Total number of idle resources failing the health check"),
		idle:           gauge("idle", "Current number of idle resources"),
		leased:         gauge("leased", "Current number of leased resources"),
	}

	registrations := []struct {
		name string
		c    prometheus.Counter
	}{
		{"pool_acquires", m.acquires},
		{"pool_releases", m.releases},
		{"pool_discards", m.discards},
		{"pool_creates", m.creates},
		{"pool_exhaustions", m.exhaustions},
		{"pool_health_failures", m.healthFailures},
	}
	for _, r := range registrations {
		if err := registry.RegisterCounter(prefix, r.name, r.c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "pool_idle", m.idle); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "pool_leased", m.leased); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *poolMetrics) recordAcquire()       { m.acquires.Inc() }
func (m *poolMetrics) recordRelease()       { m.releases.Inc() }
func (m *poolMetrics) recordDiscard()       { m.discards.Inc() }
func (m *poolMetrics) recordCreate()        { m.creates.Inc() }
func (m *poolMetrics) recordExhaustion()    { m.exhaustions.Inc() }
func (m *poolMetrics) recordHealthFailure() { m.healthFailures.Inc() }

func (m *poolMetrics) updateGauges(idle, leased int) {
	m.idle.Set(float64(idle))
	m.leased.Set(float64(leased))
}
