// Command fusiond runs the Fusion Engine: the streaming correlator that
// consumes admitted telemetry and emits incidents and device risk scores.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/infraspectre/amoskys/internal/config"
	"github.com/infraspectre/amoskys/internal/fusion"
	"github.com/infraspectre/amoskys/internal/lifecycle"
	"github.com/infraspectre/amoskys/internal/queue"
	"github.com/infraspectre/amoskys/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fusiond:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "fusion").Logger()
	log.Info().Str("version", version.FullVersion()).Msg("starting fusiond")

	rules, err := fusion.LoadRules(cfg.Fusion.RulesPath)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	log.Info().Int("rule_count", len(rules)).Msg("rules loaded")

	busQueue, err := queue.Open(cfg.Fusion.BusQueuePath, queue.Limits{})
	if err != nil {
		return fmt.Errorf("open bus queue: %w", err)
	}
	defer busQueue.Close()

	store, err := fusion.OpenStore(cfg.Fusion.IncidentStorePath)
	if err != nil {
		return fmt.Errorf("open incident store: %w", err)
	}
	defer store.Close()

	halfLife := time.Duration(cfg.Fusion.RiskHalfLifeSecs) * time.Second
	eng, err := fusion.NewEngine(busQueue, store, rules, cfg.Fusion.GroupStateCap, halfLife, log)
	if err != nil {
		return fmt.Errorf("build fusion engine: %w", err)
	}

	scheduler, err := fusion.NewScheduler(eng, cfg.Fusion.MaintenanceCron, func() int64 { return time.Now().UnixNano() }, log)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	httpSrv := fusion.NewHTTPServer(cfg.Fusion.HTTPAddr, store, halfLife)

	mgr := lifecycle.NewManager()
	if err := mgr.Register(newEngineService(eng, busQueue)); err != nil {
		return err
	}
	if err := mgr.Register(newSchedulerService(scheduler)); err != nil {
		return err
	}
	if err := mgr.Register(newFusionHTTPService(httpSrv)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	log.Info().Str("http_addr", cfg.Fusion.HTTPAddr).Msg("fusiond started")

	<-ctx.Done()
	log.Info().Msg("fusiond shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	// Graceful stop drains whatever the engine has peeked before the
	// listener and scheduler are torn down, per the streaming correlator's
	// lifecycle contract.
	if err := eng.Drain(stopCtx, time.Now().UnixNano()); err != nil {
		log.Warn().Err(err).Msg("fusion engine drain failed")
	}

	return mgr.Stop(stopCtx)
}

type engineService struct {
	lifecycle.Base
	eng    *fusion.Engine
	q      *queue.SQLiteQueue
	cancel context.CancelFunc
	done   chan struct{}
}

func newEngineService(eng *fusion.Engine, q *queue.SQLiteQueue) *engineService {
	return &engineService{Base: lifecycle.Base{ServiceName: "fusion-engine"}, eng: eng, q: q, done: make(chan struct{})}
}

func (e *engineService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				_, _ = e.eng.RunOnce(runCtx, time.Now().UnixNano())
			}
		}
	}()
	return nil
}

func (e *engineService) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	return nil
}

func (e *engineService) Ready(ctx context.Context) error {
	_, err := e.q.Size(ctx)
	return err
}

type schedulerService struct {
	lifecycle.Base
	scheduler *fusion.Scheduler
}

func newSchedulerService(s *fusion.Scheduler) *schedulerService {
	return &schedulerService{Base: lifecycle.Base{ServiceName: "fusion-maintenance-scheduler"}, scheduler: s}
}

func (s *schedulerService) Start(ctx context.Context) error {
	s.scheduler.Start()
	return nil
}

func (s *schedulerService) Stop(ctx context.Context) error {
	s.scheduler.Stop()
	return nil
}

type fusionHTTPService struct {
	lifecycle.Base
	srv *fusion.HTTPServer
}

func newFusionHTTPService(srv *fusion.HTTPServer) *fusionHTTPService {
	return &fusionHTTPService{Base: lifecycle.Base{ServiceName: "fusion-observability-http"}, srv: srv}
}

func (f *fusionHTTPService) Start(ctx context.Context) error {
	return f.srv.Start()
}

func (f *fusionHTTPService) Stop(ctx context.Context) error {
	return f.srv.Stop(ctx)
}
