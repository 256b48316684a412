// Command eventbusd runs the Event Bus Server: the mutually-authenticated
// ingest endpoint agents publish telemetry envelopes to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/infraspectre/amoskys/internal/bus"
	"github.com/infraspectre/amoskys/internal/bus/auditsink"
	"github.com/infraspectre/amoskys/internal/config"
	"github.com/infraspectre/amoskys/internal/crypto"
	"github.com/infraspectre/amoskys/internal/lifecycle"
	"github.com/infraspectre/amoskys/internal/logging"
	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eventbusd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config(cfg.Logging))
	log.WithField("version", version.FullVersion()).Info("starting eventbusd")

	registry, err := crypto.LoadRegistry(cfg.Bus.RegistryPath)
	if err != nil {
		return fmt.Errorf("load signer registry: %w", err)
	}

	q, err := queue.Open(cfg.Bus.Queue.Path, queue.Limits{
		MaxRecords: cfg.Bus.Queue.MaxRecords,
		MaxBytes:   cfg.Bus.Queue.MaxBytes,
	})
	if err != nil {
		return fmt.Errorf("open bus queue: %w", err)
	}
	defer q.Close()

	dedupe := buildDedupe(cfg)
	if closer, ok := dedupe.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	audit, err := buildAuditSink(cfg)
	if err != nil {
		return fmt.Errorf("build audit sink: %w", err)
	}
	defer audit.Close()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build zap logger: %w", err)
	}
	defer zapLogger.Sync()

	srv, err := bus.NewServer(bus.ServerConfig{
		ListenAddr: cfg.Bus.ListenAddr,
		TLS: bus.TLSConfig{
			CertFile: cfg.Bus.TLS.CertFile,
			KeyFile:  cfg.Bus.TLS.KeyFile,
			ClientCA: cfg.Bus.TLS.ClientCA,
		},
		DedupeWindow: time.Duration(cfg.Bus.DedupeWindowSecs) * time.Second,
		MaxSkewAhead: time.Duration(cfg.Bus.MaxSkewAheadSecs) * time.Second,
		MaxSkewBack:  time.Duration(cfg.Bus.MaxSkewBackSecs) * time.Second,
		Admission: bus.AdmissionConfig{
			RequestsPerSecond: cfg.Bus.AdmissionRPS,
			Burst:             cfg.Bus.AdmissionBurst,
			Concurrency:       cfg.Bus.AdmissionBurst,
		},
	}, q, registry, dedupe, audit, zapLogger.Sugar())
	if err != nil {
		return fmt.Errorf("build bus server: %w", err)
	}

	mgr := lifecycle.NewManager()
	if err := mgr.Register(newBusService(srv)); err != nil {
		return err
	}
	if err := mgr.Register(newGCService(q, log)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	log.WithField("listen_addr", cfg.Bus.ListenAddr).Info("eventbusd started")

	<-ctx.Done()
	log.Info("eventbusd shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return mgr.Stop(stopCtx)
}

func buildDedupe(cfg *config.Config) bus.DedupeCache {
	if cfg.Bus.Redis.Addr == "" {
		return bus.NewNoopDedupeCache()
	}
	return bus.NewRedisDedupeCache(
		cfg.Bus.Redis.Addr,
		cfg.Bus.Redis.DB,
		time.Duration(cfg.Bus.Redis.WindowSecs)*time.Second,
	)
}

func buildAuditSink(cfg *config.Config) (auditsink.Sink, error) {
	if cfg.Bus.AuditSink.DSN == "" {
		return auditsink.NoopSink(), nil
	}
	return auditsink.OpenPostgresSink(cfg.Bus.AuditSink.DSN, cfg.Bus.AuditSink.MigrateOnStart)
}

// busService adapts bus.Server's blocking Start/Stop into the lifecycle
// contract: Start runs the listener in a background goroutine and returns
// immediately once it's been launched.
type busService struct {
	lifecycle.Base
	srv *bus.Server
}

func newBusService(srv *bus.Server) *busService {
	return &busService{Base: lifecycle.Base{ServiceName: "event-bus-server"}, srv: srv}
}

func (b *busService) Start(ctx context.Context) error {
	go func() {
		_ = b.srv.Start()
	}()
	return nil
}

func (b *busService) Stop(ctx context.Context) error {
	return b.srv.Stop(ctx)
}

// gcService periodically sweeps DONE queue records on a simple ticker
// rather than pulling in a second cron dependency for one job on this
// binary.
type gcService struct {
	lifecycle.Base
	q      *queue.SQLiteQueue
	log    *logging.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func newGCService(q *queue.SQLiteQueue, log *logging.Logger) *gcService {
	return &gcService{Base: lifecycle.Base{ServiceName: "bus-queue-gc"}, q: q, log: log, done: make(chan struct{})}
}

func (g *gcService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := g.q.GC(runCtx); err != nil {
					g.log.WithField("error", err).Warn("bus queue GC failed")
				} else if n > 0 {
					g.log.WithField("reclaimed", n).Info("bus queue GC reclaimed DONE records")
				}
			}
		}
	}()
	return nil
}

func (g *gcService) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	select {
	case <-g.done:
	case <-ctx.Done():
	}
	return nil
}
