// Package app wires together the store, queue, broadcast hub, model
// router, fetcher, agent pool, synthesizer, orchestration loop,
// dispatcher, lifecycle manager, and health monitor into one running
// process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/agentpool"
	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/fetcher"
	"github.com/ternarybob/atlascodex/internal/health"
	"github.com/ternarybob/atlascodex/internal/lifecycle"
	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/orchestrator"
	"github.com/ternarybob/atlascodex/internal/queue"
	"github.com/ternarybob/atlascodex/internal/store"
	"github.com/ternarybob/atlascodex/internal/synthesizer"
)

// subscriptionTTL bounds how long a WebSocket subscriber may go silent
// before the registry's sweep drops it.
const subscriptionTTL = 5 * time.Minute

// App holds every long-lived component for the process's lifetime and is
// the single place that knows how they depend on one another.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store       *store.Store
	Queue       *queue.Queue
	Hub         *broadcast.Hub
	Subscribers *broadcast.SubscriptionRegistry
	Router      *modelrouter.Router
	Fetcher     *fetcher.Fetcher
	Agents      *agentpool.Pool
	Synth       *synthesizer.Synthesizer
	Loop        *orchestrator.Loop
	Dispatcher  *orchestrator.Dispatcher
	Lifecycle   *lifecycle.Manager
	Health      *health.Monitor

	dispatcherWorkers int
}

// New constructs every component in dependency order: storage first
// (nothing depends on anything but config), then broadcast, then the model
// router and fetcher (independent of storage), then the agent pool and
// synthesizer (need the router and fetcher), then the orchestration loop
// (needs all of the above), then the dispatcher and lifecycle manager,
// then the health monitor.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.initStorage(); err != nil {
		return nil, err
	}
	a.initBroadcast()
	a.initDomain()
	a.initOrchestration()

	return a, nil
}

func (a *App) initStorage() error {
	s, err := store.Open(a.Logger, &a.Config.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Store = s

	q, err := queue.Open(s.DB(), a.Logger, &a.Config.Queue)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	a.Queue = q

	return nil
}

func (a *App) initBroadcast() {
	a.Hub = broadcast.NewHub(a.Logger)
	a.Subscribers = broadcast.NewSubscriptionRegistry(a.Hub, subscriptionTTL, a.Logger)
}

func (a *App) initDomain() {
	a.Router = modelrouter.New(&a.Config.ModelRouter, a.Logger)
	a.Fetcher = fetcher.New(&a.Config.Fetcher, a.Logger)
	a.Agents = agentpool.New(a.Fetcher, a.Router, a.Config.Orchestrator.AgentConcurrency, a.Logger)
	a.Synth = synthesizer.New(a.Router, a.Logger)
}

func (a *App) initOrchestration() {
	a.Loop = orchestrator.New(a.Router, a.Fetcher, a.Agents, a.Synth, &a.Config.Orchestrator, a.Logger)
	a.Lifecycle = lifecycle.New(a.Store, a.Queue, a.Hub, a.Logger)
	a.dispatcherWorkers = a.Config.Queue.Concurrency
	if a.dispatcherWorkers <= 0 {
		a.dispatcherWorkers = 1
	}
	a.Dispatcher = orchestrator.NewDispatcher(a.Lifecycle, a.Loop, &a.Config.Orchestrator, a.dispatcherWorkers, a.Logger)
	a.Health = health.New(a.Store, a.Router, a.Hub, &a.Config.Health, a.Logger)
}

// Start launches the background workers: the dispatcher's worker pool and
// the health monitor's cron schedules. It returns immediately.
func (a *App) Start(ctx context.Context) error {
	a.Dispatcher.Start(ctx)
	if err := a.Health.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	a.Logger.Info().
		Int("dispatcher_workers", a.dispatcherWorkers).
		Msg("orchestration started")
	return nil
}

// Close winds down every component in the reverse of its start order:
// dispatcher workers first (so no new job processing begins), then the
// health monitor, then storage.
func (a *App) Close() error {
	a.Dispatcher.Stop()
	a.Health.Stop()
	a.Fetcher.Close()
	a.Hub.Close()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
