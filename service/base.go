package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/keelframework/keel/health"
	"github.com/keelframework/keel/metric"
)

// HealthCheckFunc is a custom health check run when Health is called.
type HealthCheckFunc func() error

// BaseOption is a functional option for configuring BaseService.
type BaseOption func(*BaseService)

// WithBaseLogger sets a custom logger for the service.
func WithBaseLogger(logger *slog.Logger) BaseOption {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBaseHealthCheck sets a custom health check function.
func WithBaseHealthCheck(fn HealthCheckFunc) BaseOption {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// BaseService provides the common plumbing services embed: a named logger,
// start/stop bookkeeping, and default health reporting. Embedders override
// Start, Stop, and Health as needed and call the Mark helpers from their own
// implementations.
type BaseService struct {
	name   string
	logger *slog.Logger

	running   atomic.Bool
	startTime atomic.Value // time.Time

	healthCheckFunc HealthCheckFunc
}

// NewBaseService creates the embedded base for a service.
func NewBaseService(name string, opts ...BaseOption) *BaseService {
	s := &BaseService{
		name:   name,
		logger: slog.Default().With("service", name),
	}
	s.startTime.Store(time.Time{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name.
func (s *BaseService) Name() string {
	return s.name
}

// Logger returns the service's logger.
func (s *BaseService) Logger() *slog.Logger {
	return s.logger
}

// Start marks the service running. Embedders with real startup work shadow
// this method and call MarkStarted themselves.
func (s *BaseService) Start(_ context.Context) error {
	s.MarkStarted()
	return nil
}

// Stop marks the service stopped.
func (s *BaseService) Stop(_ time.Duration) error {
	s.MarkStopped()
	return nil
}

// MarkStarted records that the service is running.
func (s *BaseService) MarkStarted() {
	s.running.Store(true)
	s.startTime.Store(time.Now())
}

// MarkStopped records that the service has stopped.
func (s *BaseService) MarkStopped() {
	s.running.Store(false)
}

// IsRunning reports whether the service is between Start and Stop.
func (s *BaseService) IsRunning() bool {
	return s.running.Load()
}

// Uptime returns how long the service has been running, or zero.
func (s *BaseService) Uptime() time.Duration {
	if !s.running.Load() {
		return 0
	}
	start, _ := s.startTime.Load().(time.Time)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Health reports default health: healthy while running, unhealthy
// otherwise. A configured health check can downgrade a running service.
func (s *BaseService) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy(s.name, "service not running")
	}
	if s.healthCheckFunc != nil {
		if err := s.healthCheckFunc(); err != nil {
			return health.FromError(s.name, err)
		}
	}
	return health.NewHealthy(s.name, "service running").WithMetrics(&health.Metrics{
		Uptime: s.Uptime(),
	})
}

// RegisterMetrics is a no-op by default; services with their own collectors
// shadow it.
func (s *BaseService) RegisterMetrics(_ metric.Registrar) error {
	return nil
}
