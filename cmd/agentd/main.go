// Command agentd runs the Agent Outbox: the durable, at-least-once,
// backing-off publisher that drains a local queue into the Event Bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/infraspectre/amoskys/internal/config"
	"github.com/infraspectre/amoskys/internal/lifecycle"
	"github.com/infraspectre/amoskys/internal/logging"
	"github.com/infraspectre/amoskys/internal/outbox"
	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config(cfg.Logging))
	log.WithField("version", version.FullVersion()).Info("starting agentd")

	q, err := queue.Open(cfg.Agent.Queue.Path, queue.Limits{
		MaxRecords: cfg.Agent.Queue.MaxRecords,
		MaxBytes:   cfg.Agent.Queue.MaxBytes,
	})
	if err != nil {
		return fmt.Errorf("open agent outbox queue: %w", err)
	}
	defer q.Close()

	client, err := outbox.NewClient(outbox.ClientConfig{
		BusAddr:    cfg.Agent.BusAddr,
		CertFile:   cfg.Agent.TLS.CertFile,
		KeyFile:    cfg.Agent.TLS.KeyFile,
		CAFile:     cfg.Agent.TLS.ClientCA,
		ServerName: cfg.Agent.TLS.ServerName,
	})
	if err != nil {
		return fmt.Errorf("build bus client: %w", err)
	}

	breaker := outbox.NewCircuitBreaker(outbox.CircuitConfig{
		MaxFailures: cfg.Agent.CircuitBreaker.MaxFailures,
		Timeout:     time.Duration(cfg.Agent.CircuitBreaker.TimeoutSecs) * time.Second,
		HalfOpenMax: cfg.Agent.CircuitBreaker.HalfOpenMax,
	})

	sender := outbox.NewSender(q, client, breaker, outbox.DefaultBackoffConfig(), logrus.NewEntry(log.Logger))
	httpSrv := outbox.NewHTTPServer(cfg.Agent.ObserveAddr, q, breaker)

	mgr := lifecycle.NewManager()
	senderSvc := newSenderService(sender, q)
	if err := mgr.Register(senderSvc); err != nil {
		return err
	}
	if err := mgr.Register(newAgentHTTPService(httpSrv)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	log.WithField("bus_addr", cfg.Agent.BusAddr).Info("agentd started")

	<-ctx.Done()
	log.Info("agentd shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return mgr.Stop(stopCtx)
}

// senderService runs outbox.Sender.RunOnce on a fixed interval in the
// background, per the lifecycle contract.
type senderService struct {
	lifecycle.Base
	sender *outbox.Sender
	q      *queue.SQLiteQueue
	cancel context.CancelFunc
	done   chan struct{}
}

func newSenderService(sender *outbox.Sender, q *queue.SQLiteQueue) *senderService {
	return &senderService{Base: lifecycle.Base{ServiceName: "agent-outbox-sender"}, sender: sender, q: q, done: make(chan struct{})}
}

func (s *senderService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				nowNs := time.Now().UnixNano()
				if _, err := s.sender.RunOnce(runCtx, nowNs); err != nil {
					continue
				}
				outbox.RefreshGauges(runCtx, s.q, 0)
			}
		}
	}()
	return nil
}

func (s *senderService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func (s *senderService) Ready(ctx context.Context) error {
	_, err := s.q.Size(ctx)
	return err
}

type agentHTTPService struct {
	lifecycle.Base
	srv *outbox.HTTPServer
}

func newAgentHTTPService(srv *outbox.HTTPServer) *agentHTTPService {
	return &agentHTTPService{Base: lifecycle.Base{ServiceName: "agent-observability-http"}, srv: srv}
}

func (a *agentHTTPService) Start(ctx context.Context) error {
	go func() {
		_ = a.srv.Start()
	}()
	return nil
}

func (a *agentHTTPService) Stop(ctx context.Context) error {
	return a.srv.Stop(ctx)
}
