// Package controller runs periodic reconciliation loops. The scheduler and the
// failsafe monitor are both controllers; every worker process runs them and
// the distributed locks they take keep the work single-instance.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Controller is one reconciliation loop.
type Controller interface {
	// Name returns the unique name of this controller.
	Name() string

	// Interval returns how often this controller should run.
	Interval() time.Duration

	// Reconcile performs one pass and returns the number of items processed.
	// It must be idempotent.
	Reconcile(ctx context.Context) (int, error)
}

// Metrics collects controller run statistics.
type Metrics interface {
	RecordReconcile(controller string, itemsProcessed int, duration time.Duration, err error)
	SetControllerRunning(controller string, running bool)
	SetLastReconcileTime(controller string, t time.Time)
}

// Manager runs registered controllers, each in its own goroutine.
type Manager struct {
	controllers []Controller
	metrics     Metrics
	logger      logrus.FieldLogger
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// ManagerConfig configures the controller manager.
type ManagerConfig struct {
	// Metrics collector (optional)
	Metrics Metrics

	// Logger (required)
	Logger logrus.FieldLogger
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a controller. It fails once the manager is running.
func (m *Manager) Register(c Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.Errorf("cannot register controller %s while the manager is running", c.Name())
	}
	m.controllers = append(m.controllers, c)
	m.logger.WithFields(logrus.Fields{
		"controller": c.Name(),
		"interval":   c.Interval().String(),
	}).Info("Controller registered")
	return nil
}

// Start launches every registered controller. Controllers stop when ctx is
// done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("controller manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	controllers := append([]Controller(nil), m.controllers...)
	m.mu.Unlock()

	m.logger.WithField("controller_count", len(controllers)).Info("Starting controller manager")
	for _, c := range controllers {
		m.wg.Add(1)
		go m.runController(ctx, c)
	}
	return nil
}

// Stop signals every controller and waits for in-progress passes to end.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Controller manager stopped")
}

func (m *Manager) runController(ctx context.Context, c Controller) {
	defer m.wg.Done()

	name := c.Name()
	log := m.logger.WithField("controller", name)
	if m.metrics != nil {
		m.metrics.SetControllerRunning(name, true)
		defer m.metrics.SetControllerRunning(name, false)
	}

	// Run immediately on start
	m.reconcileOnce(ctx, c)

	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Controller stopping (context canceled)")
			return
		case <-m.stopCh:
			log.Info("Controller stopping (manager stopped)")
			return
		case <-ticker.C:
			m.reconcileOnce(ctx, c)
		}
	}
}

// reconcileOnce runs one pass bounded by the controller interval.
func (m *Manager) reconcileOnce(ctx context.Context, c Controller) {
	name := c.Name()
	start := time.Now()

	reconcileCtx, cancel := context.WithTimeout(ctx, c.Interval())
	defer cancel()

	count, err := c.Reconcile(reconcileCtx)
	duration := time.Since(start)

	log := m.logger.WithFields(logrus.Fields{
		"controller": name,
		"duration":   duration,
	})
	switch {
	case err != nil:
		log.WithError(err).Error("Controller reconcile failed")
	case count > 0:
		log.WithField("items_processed", count).Info("Controller reconcile completed")
	default:
		log.Debug("Controller reconcile completed (no items)")
	}

	if m.metrics != nil {
		m.metrics.RecordReconcile(name, count, duration, err)
		m.metrics.SetLastReconcileTime(name, time.Now())
	}
}

// IsRunning reports whether the manager has been started and not stopped.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ControllerNames returns the names of all registered controllers.
func (m *Manager) ControllerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.controllers))
	for i, c := range m.controllers {
		names[i] = c.Name()
	}
	return names
}
