package service

import (
	"encoding/json"
	"log/slog"

	"github.com/keelframework/keel/config"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/health"
	"github.com/keelframework/keel/metric"
	"github.com/keelframework/keel/task"
)

// Dependencies provides the standard dependencies every service receives.
// Services reach other services through Manager, which applies the same
// lazy-initialization and failure-caching rules regardless of who asks.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.Registry
	Bus     *event.Bus
	Health  *health.Monitor
	Tasks   *task.Supervisor
	Config  config.Config
	Manager *Manager
}

// Constructor is the standard constructor signature for all services. The
// constructor receives its raw JSON config block and must handle its own
// parsing.
type Constructor func(rawConfig json.RawMessage, deps *Dependencies) (Service, error)
