// Package service provides registration and phased lifecycle management for
// the long-running services of the runtime. Services declare a startup phase
// and their dependencies; the manager initializes each phase in parallel,
// caches failures until an explicit reset, and shuts everything down in
// reverse order.
package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keelframework/keel/health"
	"github.com/keelframework/keel/metric"
)

// State represents where a service is in its lifecycle.
type State int

const (
	// StateUninitialized means no initialization attempt has started.
	StateUninitialized State = iota
	// StateInitializing means construction or startup is in flight.
	StateInitializing
	// StateReady means the service started and is usable.
	StateReady
	// StateDegraded means the service is running but impaired.
	StateDegraded
	// StateFailed means initialization failed; the failure is cached until
	// the service is reset.
	StateFailed
	// StateShutdown means the service was stopped during shutdown.
	StateShutdown
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Service is the interface every managed service implements.
type Service interface {
	// Name returns the service's unique name.
	Name() string

	// Start brings the service up. It is called once per initialization
	// attempt, after construction.
	Start(ctx context.Context) error

	// Stop brings the service down, finishing in-flight work within the
	// timeout.
	Stop(timeout time.Duration) error

	// Health reports the service's current health.
	Health() health.Status

	// RegisterMetrics lets the service register its own collectors.
	RegisterMetrics(registrar metric.Registrar) error
}

// Descriptor declares a service to the manager: what to build, when, and
// what it needs.
type Descriptor struct {
	// Name is the unique service name.
	Name string

	// Phase is the startup phase. Phases start in ascending order; services
	// within a phase start in parallel.
	Phase int

	// Requires names services this one depends on. They must live in
	// earlier phases.
	Requires []string

	// Optional marks a service whose failure does not abort startup.
	Optional bool

	// Config is the raw configuration block handed to the constructor.
	Config json.RawMessage

	// Construct builds the service.
	Construct Constructor
}

// Info is a point-in-time snapshot of a managed service.
type Info struct {
	Name      string        `json:"name"`
	Phase     int           `json:"phase"`
	Optional  bool          `json:"optional"`
	State     State         `json:"state"`
	StateName string        `json:"state_name"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Err       string        `json:"error,omitempty"`
}
