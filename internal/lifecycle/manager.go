package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Manager owns the lifecycle of registered services. It guarantees
// deterministic start/stop ordering and guards against duplicate invocations.
type Manager struct {
	mu        sync.Mutex
	services  []Service
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{services: make([]Service, 0)}
}

// Register appends svc to the start queue. Registration must happen before
// Start; registering after Start returns an error.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("lifecycle: cannot register a nil service")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("lifecycle: service %q registered after manager start", svc.Name())
	}

	m.services = append(m.services, svc)
	return nil
}

// Start runs Start on all registered services in registration order. If any
// service fails, already-started services are stopped in reverse order
// before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		m.mu.Lock()
		m.started = true
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		for idx, svc := range services {
			if err := svc.Start(ctx); err != nil {
				startErr = fmt.Errorf("lifecycle: start %s: %w", svc.Name(), err)
				for i := idx - 1; i >= 0; i-- {
					_ = services[i].Stop(ctx)
				}
				break
			}
		}
	})
	return startErr
}

// Stop invokes Stop on all registered services in reverse order. It is
// idempotent and aggregates every error encountered via go-multierror,
// rather than reporting only the first.
func (m *Manager) Stop(ctx context.Context) error {
	var stopErr error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		services := append([]Service(nil), m.services...)
		m.mu.Unlock()

		var merr *multierror.Error
		for i := len(services) - 1; i >= 0; i-- {
			if err := services[i].Stop(ctx); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("stop %s: %w", services[i].Name(), err))
			}
		}
		if merr != nil {
			stopErr = merr.ErrorOrNil()
		}
	})
	return stopErr
}

// Ready reports the first readiness failure among registered services, or
// nil if all are ready.
func (m *Manager) Ready(ctx context.Context) error {
	m.mu.Lock()
	services := append([]Service(nil), m.services...)
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Ready(ctx); err != nil {
			return fmt.Errorf("lifecycle: %s not ready: %w", svc.Name(), err)
		}
	}
	return nil
}
