// Package health implements the Health Monitor: a stuck-job reaper and an
// aggregate health probe, each run on their own cron schedule.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/store"
)

// Monitor runs the stuck-job reaper and the periodic health probe.
type Monitor struct {
	store  *store.Store
	router *modelrouter.Router
	hub    *broadcast.Hub
	cfg    *common.HealthConfig
	logger arbor.ILogger
	cron   *cron.Cron

	startedAt time.Time

	mu          sync.Mutex
	monthlyCost float64
	lastProbe   Probe
}

// New builds a Monitor. store, router, and hub are shared with the rest of
// the process (C1, C4, C3 respectively).
func New(jobStore *store.Store, router *modelrouter.Router, hub *broadcast.Hub, cfg *common.HealthConfig, logger arbor.ILogger) *Monitor {
	return &Monitor{
		store:     jobStore,
		router:    router,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		cron:      cron.New(),
		startedAt: time.Now(),
	}
}

// Start registers the reaper and probe jobs on their configured schedules
// and starts the underlying cron scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cfg.ReaperSchedule == "" || m.cfg.ProbeSchedule == "" {
		return fmt.Errorf("health monitor: reaper_schedule and probe_schedule must both be set")
	}

	if _, err := m.cron.AddFunc(m.cfg.ReaperSchedule, func() {
		m.reapStuckJobs(ctx)
	}); err != nil {
		return fmt.Errorf("health monitor: invalid reaper schedule %q: %w", m.cfg.ReaperSchedule, err)
	}

	if _, err := m.cron.AddFunc(m.cfg.ProbeSchedule, func() {
		probe := m.runProbe(ctx)
		m.mu.Lock()
		m.lastProbe = probe
		m.mu.Unlock()
		if probe.Degraded {
			m.logger.Warn().
				Bool("store_ok", probe.StoreOK).
				Float64("monthly_cost", probe.MonthlyCost).
				Msg("health probe reports degraded status")
		}
	}); err != nil {
		return fmt.Errorf("health monitor: invalid probe schedule %q: %w", m.cfg.ProbeSchedule, err)
	}

	m.cron.Start()
	m.logger.Info().
		Str("reaper_schedule", m.cfg.ReaperSchedule).
		Str("probe_schedule", m.cfg.ProbeSchedule).
		Msg("health monitor started")
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight run to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// LastProbe returns the most recently completed health probe, for the
// /health HTTP endpoint.
func (m *Monitor) LastProbe() Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe
}
