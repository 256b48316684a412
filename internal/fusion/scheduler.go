package fusion

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs periodic maintenance for a running Engine: sweeping every
// tracked device's in-memory risk score through its decay function and
// persisting the result, so a device's risk reflects elapsed time even
// between incidents.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler builds a Scheduler that runs riskSweepSpec (a standard cron
// expression) against eng, using nowNs to compute decay at each tick.
func NewScheduler(eng *Engine, riskSweepSpec string, nowNs func() int64, log zerolog.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(riskSweepSpec, func() {
		sweepRisk(eng, nowNs(), log)
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

func sweepRisk(eng *Engine, nowNs int64, log zerolog.Logger) {
	ctx := context.Background()
	for _, deviceID := range eng.risk.Devices() {
		score := eng.risk.Snapshot(deviceID, nowNs)
		if err := eng.store.UpsertDeviceRisk(ctx, deviceID, score, nowNs); err != nil {
			log.Warn().Str("device_id", deviceID).Err(err).Msg("risk decay sweep: persist failed")
		}
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for any running job to finish, then stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
