// Package lifecycle provides the common start/stop/readiness contract shared
// by every long-running component (bus server, agent outbox, fusion engine,
// their background schedulers) and a Manager that sequences them.
package lifecycle

import "context"

// Service is a lifecycle-managed component. Every long-running piece of the
// system implements this so the manager can start and stop it deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Ready(ctx context.Context) error
}

// Base implements Service with no-op defaults; embed it and override only
// the methods a concrete service needs.
type Base struct {
	ServiceName string
}

func (b Base) Name() string { return b.ServiceName }

func (Base) Start(ctx context.Context) error { return nil }

func (Base) Stop(ctx context.Context) error { return nil }

func (Base) Ready(ctx context.Context) error { return nil }
