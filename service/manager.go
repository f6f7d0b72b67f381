package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keelframework/keel/config"
	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/event"
	"github.com/keelframework/keel/health"
	"github.com/keelframework/keel/metric"
	"github.com/keelframework/keel/pkg/lazy"
	"github.com/keelframework/keel/pkg/retry"
	"github.com/keelframework/keel/task"
)

// registration tracks one declared service and its lazy cell.
type registration struct {
	desc Descriptor
	cell *lazy.Value[Service]

	mu        sync.Mutex
	state     State
	err       error
	startedAt time.Time
}

func (r *registration) snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		Name:      r.desc.Name,
		Phase:     r.desc.Phase,
		Optional:  r.desc.Optional,
		State:     r.state,
		StateName: r.state.String(),
	}
	if r.state == StateReady && !r.startedAt.IsZero() {
		info.Uptime = time.Since(r.startedAt)
	}
	if r.err != nil {
		info.Err = r.err.Error()
	}
	return info
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics attaches a metrics registry. Service states and startup
// durations are recorded in its core metrics, and services get the chance to
// register their own collectors.
func WithMetrics(registry *metric.Registry) ManagerOption {
	return func(m *Manager) {
		m.metrics = registry
	}
}

// WithBus sets the event bus. Without one a private bus is created.
func WithBus(bus *event.Bus) ManagerOption {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithSupervisor sets the background task supervisor shared with services.
func WithSupervisor(sup *task.Supervisor) ManagerOption {
	return func(m *Manager) {
		if sup != nil {
			m.tasks = sup
		}
	}
}

// Manager owns the lifecycle of all registered services: phased parallel
// startup, lazy on-demand initialization, failure caching with explicit
// reset, and reverse-order shutdown.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Registry
	bus     *event.Bus
	monitor *health.Monitor
	tasks   *task.Supervisor
	cfg     config.Config
	deps    *Dependencies

	mu           sync.RWMutex
	regs         map[string]*registration
	order        []string
	started      bool
	shuttingDown bool
}

// NewManager creates a lifecycle manager for the given configuration.
func NewManager(cfg config.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		cfg:     cfg,
		regs:    make(map[string]*registration),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = event.NewBus(event.WithLogger(m.logger))
	}
	if m.tasks == nil {
		m.tasks = task.NewSupervisor(
			task.WithLogger(m.logger),
			task.WithEvents(m.bus, "tasks"),
			task.WithMetrics(m.metrics),
		)
	}

	m.deps = &Dependencies{
		Logger:  m.logger,
		Metrics: m.metrics,
		Bus:     m.bus,
		Health:  m.monitor,
		Tasks:   m.tasks,
		Config:  cfg,
		Manager: m,
	}
	return m
}

// Bus returns the event bus shared with services.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Monitor returns the health monitor.
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// Supervisor returns the background task supervisor.
func (m *Manager) Supervisor() *task.Supervisor { return m.tasks }

// Dependencies returns the dependency bundle handed to constructors.
func (m *Manager) Dependencies() *Dependencies { return m.deps }

// Register declares a service. Registration closes once startup begins.
func (m *Manager) Register(desc Descriptor) error {
	if desc.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Register", "service name cannot be empty")
	}
	if desc.Construct == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Register", "constructor cannot be nil for "+desc.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.WrapInvalid(errors.ErrRegistryLocked, "Manager", "Register", desc.Name)
	}
	if _, exists := m.regs[desc.Name]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyRegistered, "Manager", "Register", desc.Name)
	}

	reg := &registration{desc: desc, state: StateUninitialized}
	reg.cell = lazy.New(m.initializer(reg))
	m.regs[desc.Name] = reg
	m.order = append(m.order, desc.Name)
	return nil
}

// initializer builds the lazy constructor for a registration. It runs at
// most once per attempt: dependencies are resolved first, then the service
// is constructed and started with quick retries.
func (m *Manager) initializer(reg *registration) func(ctx context.Context) (Service, error) {
	name := reg.desc.Name
	return func(ctx context.Context) (Service, error) {
		m.transition(reg, StateInitializing, nil)
		m.logger.Info("initializing service", "service", name, "phase", reg.desc.Phase)
		start := time.Now()

		for _, dep := range reg.desc.Requires {
			if _, err := m.Get(ctx, dep); err != nil {
				err = errors.Wrap(err, "Manager", "initialize", "dependency "+dep+" of "+name)
				m.recordFailure(reg, err)
				return nil, err
			}
		}

		svc, err := reg.desc.Construct(reg.desc.Config, m.deps)
		if err != nil {
			err = errors.Wrap(err, "Manager", "initialize", "constructing "+name)
			m.recordFailure(reg, err)
			return nil, err
		}

		if m.metrics != nil {
			if err := svc.RegisterMetrics(m.metrics); err != nil {
				err = errors.Wrap(err, "Manager", "initialize", "registering metrics for "+name)
				m.recordFailure(reg, err)
				return nil, err
			}
		}

		if err := retry.Do(ctx, retry.Quick(), func() error { return svc.Start(ctx) }); err != nil {
			err = errors.Wrap(err, "Manager", "initialize", "starting "+name)
			m.recordFailure(reg, err)
			return nil, err
		}

		reg.mu.Lock()
		reg.startedAt = time.Now()
		reg.mu.Unlock()
		m.transition(reg, StateReady, nil)
		m.monitor.Update(name, svc.Health())
		if m.metrics != nil {
			m.metrics.Core.RecordStartupDuration(name, time.Since(start))
		}
		m.bus.Publish(event.Event{Kind: event.KindServiceReady, Source: "manager", Key: name})
		m.logger.Info("service ready", "service", name, "took", time.Since(start))
		return svc, nil
	}
}

// Start brings all registered services up phase by phase. Services within a
// phase initialize in parallel; a later phase begins only when every
// required service of the current phase is ready. A required service
// failing aborts startup and leaves later phases untouched.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "startup")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.validateGraph(); err != nil {
		return err
	}

	for _, phase := range m.phases() {
		regs := m.phaseRegistrations(phase)
		m.logger.Info("starting phase", "phase", phase, "services", len(regs))

		phaseCtx, cancel := context.WithTimeout(ctx, m.cfg.Lifecycle.PhaseTimeout)
		g, gctx := errgroup.WithContext(phaseCtx)
		for _, reg := range regs {
			g.Go(func() error {
				_, err := reg.cell.Get(gctx)
				if err == nil {
					return nil
				}
				if reg.desc.Optional {
					m.logger.Warn("optional service failed, continuing",
						"service", reg.desc.Name, "error", err)
					return nil
				}
				return err
			})
		}
		err := g.Wait()
		cancel()
		if err != nil {
			return errors.WrapFatal(err, "Manager", "Start", fmt.Sprintf("phase %d", phase))
		}
	}

	m.logger.Info("all phases complete")
	return nil
}

// Get returns a ready service by name, initializing it on first use.
// Concurrent callers share a single initialization attempt; a cached failure
// is returned as-is until Reset.
func (m *Manager) Get(ctx context.Context, name string) (Service, error) {
	m.mu.RLock()
	if m.shuttingDown {
		m.mu.RUnlock()
		return nil, errors.WrapTransient(errors.ErrShutdownInProgress, "Manager", "Get", name)
	}
	reg, ok := m.regs[name]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Manager", "Get", name)
	}
	return reg.cell.Get(ctx)
}

// Status returns a snapshot of one service.
func (m *Manager) Status(name string) (Info, error) {
	m.mu.RLock()
	reg, ok := m.regs[name]
	m.mu.RUnlock()

	if !ok {
		return Info{}, errors.WrapInvalid(errors.ErrNotFound, "Manager", "Status", name)
	}
	return reg.snapshot(), nil
}

// List returns snapshots of all services ordered by phase, then by
// registration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		infos = append(infos, m.regs[name].snapshot())
	}
	m.mu.RUnlock()

	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Phase < infos[j].Phase })
	return infos
}

// States returns the current state of every registered service.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]State, len(m.regs))
	for name, reg := range m.regs {
		reg.mu.Lock()
		states[name] = reg.state
		reg.mu.Unlock()
	}
	return states
}

// Reset clears a service's cached outcome so the next Get re-initializes
// it. A running service is stopped first.
func (m *Manager) Reset(name string) error {
	m.mu.RLock()
	if m.shuttingDown {
		m.mu.RUnlock()
		return errors.WrapTransient(errors.ErrShutdownInProgress, "Manager", "Reset", name)
	}
	reg, ok := m.regs[name]
	m.mu.RUnlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "Manager", "Reset", name)
	}

	if svc, ready := reg.cell.Peek(); ready {
		if err := svc.Stop(5 * time.Second); err != nil {
			m.logger.Warn("stop during reset failed", "service", name, "error", err)
		}
	}

	if !reg.cell.Reset() {
		return errors.WrapTransient(errors.ErrWaitTimeout, "Manager", "Reset",
			"initialization in flight for "+name)
	}

	m.transition(reg, StateUninitialized, nil)
	m.monitor.Remove(name)
	m.logger.Info("service reset", "service", name)
	return nil
}

// ShutdownAll stops every ready service in reverse phase order, then shuts
// down the background task supervisor and closes the event bus. Further
// Gets fail with a shutdown error.
func (m *Manager) ShutdownAll(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShutdownInProgress, "Manager", "ShutdownAll", "already shutting down")
	}
	m.shuttingDown = true
	m.mu.Unlock()

	m.bus.Publish(event.Event{Kind: event.KindShutdown, Source: "manager"})

	var firstErr error
	for _, reg := range m.reverseOrder() {
		svc, ready := reg.cell.Peek()
		if !ready {
			continue
		}

		m.logger.Info("stopping service", "service", reg.desc.Name)
		if err := svc.Stop(stopTimeout); err != nil {
			m.logger.Error("service stop failed", "service", reg.desc.Name, "error", err)
			if firstErr == nil {
				firstErr = errors.Wrap(err, "Manager", "ShutdownAll", "stopping "+reg.desc.Name)
			}
		}
		m.transition(reg, StateShutdown, nil)
		m.monitor.UpdateUnhealthy(reg.desc.Name, "service stopped")
		m.bus.Publish(event.Event{Kind: event.KindServiceStopped, Source: "manager", Key: reg.desc.Name})
	}

	if err := m.tasks.Shutdown(ctx, m.cfg.Tasks.ShutdownGrace); err != nil {
		m.logger.Warn("task supervisor shutdown incomplete", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	m.bus.Close()
	m.logger.Info("shutdown complete")
	return firstErr
}

// validateGraph checks that every dependency is registered and lives in a
// strictly earlier phase.
func (m *Manager) validateGraph() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, reg := range m.regs {
		for _, dep := range reg.desc.Requires {
			depReg, ok := m.regs[dep]
			if !ok {
				return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "Start",
					fmt.Sprintf("service %s requires unregistered service %s", reg.desc.Name, dep))
			}
			if depReg.desc.Phase >= reg.desc.Phase {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Start",
					fmt.Sprintf("service %s (phase %d) requires %s (phase %d); dependencies must start earlier",
						reg.desc.Name, reg.desc.Phase, dep, depReg.desc.Phase))
			}
		}
	}
	return nil
}

// phases returns the distinct startup phases in ascending order.
func (m *Manager) phases() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int]bool)
	var phases []int
	for _, reg := range m.regs {
		if !seen[reg.desc.Phase] {
			seen[reg.desc.Phase] = true
			phases = append(phases, reg.desc.Phase)
		}
	}
	sort.Ints(phases)
	return phases
}

func (m *Manager) phaseRegistrations(phase int) []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var regs []*registration
	for _, name := range m.order {
		if reg := m.regs[name]; reg.desc.Phase == phase {
			regs = append(regs, reg)
		}
	}
	return regs
}

// reverseOrder returns registrations in reverse phase order, and within a
// phase in reverse registration order.
func (m *Manager) reverseOrder() []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := make([]*registration, 0, len(m.order))
	for _, name := range m.order {
		ordered = append(ordered, m.regs[name])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].desc.Phase < ordered[j].desc.Phase
	})
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

func (m *Manager) transition(reg *registration, state State, err error) {
	reg.mu.Lock()
	reg.state = state
	reg.err = err
	reg.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Core.RecordServiceState(reg.desc.Name, int(state))
	}
}

func (m *Manager) recordFailure(reg *registration, err error) {
	m.transition(reg, StateFailed, err)
	m.monitor.Update(reg.desc.Name, health.FromError(reg.desc.Name, err))
	if m.metrics != nil {
		m.metrics.Core.RecordError(reg.desc.Name, errors.Classify(err).String())
	}
	m.bus.Publish(event.Event{
		Kind:   event.KindServiceFailed,
		Source: "manager",
		Key:    reg.desc.Name,
		Detail: map[string]any{"error": err.Error()},
	})
	m.logger.Error("service initialization failed", "service", reg.desc.Name, "error", err)
}
