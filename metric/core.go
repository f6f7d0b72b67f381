package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains the lifecycle-level metrics every deployment exports
// regardless of which services are configured.
type CoreMetrics struct {
	ServiceState    *prometheus.GaugeVec
	StartupDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	HealthStatus    *prometheus.GaugeVec

	TasksActive    prometheus.Gauge
	TasksCompleted *prometheus.CounterVec

	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
}

// NewCoreMetrics creates the core lifecycle metrics.
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ServiceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "keel",
				Subsystem: "service",
				Name:      "state",
				Help:      "Service state (0=uninitialized, 1=initializing, 2=ready, 3=degraded, 4=failed, 5=shutdown)",
			},
			[]string{"service"},
		),

		StartupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "keel",
				Subsystem: "service",
				Name:      "startup_duration_seconds",
				Help:      "Time spent initializing each service",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keel",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "keel",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		TasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "keel",
				Subsystem: "tasks",
				Name:      "active",
				Help:      "Number of background tasks currently running",
			},
		),

		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "keel",
				Subsystem: "tasks",
				Name:      "completed_total",
				Help:      "Total number of background tasks by outcome",
			},
			[]string{"outcome"},
		),

		EventsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keel",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of events accepted by the bus",
			},
		),

		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "keel",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total number of per-subscriber event deliveries dropped",
			},
		),
	}
}

func (c *CoreMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.ServiceState,
		c.StartupDuration,
		c.ErrorsTotal,
		c.HealthStatus,
		c.TasksActive,
		c.TasksCompleted,
		c.EventsPublished,
		c.EventsDropped,
	)
}

// RecordServiceState updates the state gauge for a service.
func (c *CoreMetrics) RecordServiceState(service string, state int) {
	c.ServiceState.WithLabelValues(service).Set(float64(state))
}

// RecordStartupDuration records how long a service took to initialize.
func (c *CoreMetrics) RecordStartupDuration(service string, d time.Duration) {
	c.StartupDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordError increments the error counter for a component.
func (c *CoreMetrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates the health gauge for a service.
func (c *CoreMetrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthStatus.WithLabelValues(service).Set(value)
}

// RecordTaskStarted increments the active task gauge.
func (c *CoreMetrics) RecordTaskStarted() {
	c.TasksActive.Inc()
}

// RecordTaskFinished decrements the active gauge and counts the outcome
// (completed, failed, or cancelled).
func (c *CoreMetrics) RecordTaskFinished(outcome string) {
	c.TasksActive.Dec()
	c.TasksCompleted.WithLabelValues(outcome).Inc()
}

// RecordEventPublished increments the bus publish counter.
func (c *CoreMetrics) RecordEventPublished() {
	c.EventsPublished.Inc()
}

// RecordEventDropped increments the bus drop counter.
func (c *CoreMetrics) RecordEventDropped() {
	c.EventsDropped.Inc()
}
