package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/lifecycle"
	"github.com/ternarybob/atlascodex/internal/models"
)

// Dispatcher pulls jobs off the queue and drives each through a Loop run,
// one worker goroutine at a time per job, reporting the outcome back to
// the lifecycle manager.
type Dispatcher struct {
	lifecycle  *lifecycle.Manager
	loop       *Loop
	cfg        *common.OrchestratorConfig
	logger     arbor.ILogger
	numWorkers int
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewDispatcher builds a Dispatcher with numWorkers concurrent job
// processors, each pulling from the shared queue via lifecycleMgr.
func NewDispatcher(lifecycleMgr *lifecycle.Manager, loop *Loop, cfg *common.OrchestratorConfig, numWorkers int, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{lifecycle: lifecycleMgr, loop: loop, cfg: cfg, numWorkers: numWorkers, logger: logger}
}

// Start launches the worker goroutines. It returns immediately; call Stop
// to wind them down.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}
}

// Stop signals every worker to finish its current job and return, then
// blocks until they have.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, workerID int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			d.processNext(ctx, workerID)
		}
	}
}

// processNext pulls one job off the queue, if any is visible, and runs it
// to completion. A missing or already-terminal job is a tolerated race
// against a concurrent delete/retry and is simply dropped from the queue.
func (d *Dispatcher) processNext(ctx context.Context, workerID int) {
	jobID, _, deleteFn, err := d.lifecycle.Queue().Receive(ctx)
	if err != nil {
		return
	}
	defer func() {
		if err := deleteFn(); err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: failed to remove message from queue")
		}
	}()

	startTime := time.Now()
	job, err := d.lifecycle.StartProcessing(ctx, jobID)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("orchestrator: could not start processing, dropping from queue")
		return
	}

	d.logger.Info().Int("worker_id", workerID).Str("job_id", jobID).Msg("orchestrator: processing job")

	jobDeadline := startTime.Add(jobBudget(job.Params.Timeout, d.cfg))
	jobCtx, jobCancel := context.WithDeadline(ctx, jobDeadline)
	defer jobCancel()

	heartbeat := d.startHeartbeat(jobCtx, jobID)
	defer close(heartbeat)

	outcome := d.loop.Run(jobCtx, job, jobDeadline)

	switch outcome.Status {
	case models.JobStatusFailed:
		if err := d.lifecycle.FailJob(ctx, jobID, *outcome.Err); err != nil {
			d.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: failed to record job failure")
		}
	default:
		if err := d.lifecycle.CompleteJob(ctx, jobID, outcome.Result); err != nil {
			d.logger.Error().Err(err).Str("job_id", jobID).Msg("orchestrator: failed to record job completion")
		}
	}
}

// jobBudget resolves the job's wall-clock allowance: the job's own
// requested timeout, capped by the process-wide per-job ceiling less the
// reserve held back for a guaranteed final status write.
func jobBudget(requested time.Duration, cfg *common.OrchestratorConfig) time.Duration {
	ceiling := cfg.JobTimeout - cfg.CleanupReserve
	if requested <= 0 || requested > ceiling {
		return ceiling
	}
	return requested
}

// startHeartbeat launches a ticker that refreshes the job's liveness
// timestamp at cfg.HeartbeatEvery until the returned channel is closed.
// Heartbeat failures are logged and otherwise ignored, per the
// non-fatal-heartbeat contract.
func (d *Dispatcher) startHeartbeat(ctx context.Context, jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := d.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.lifecycle.Heartbeat(ctx, jobID); err != nil {
					d.logger.Debug().Err(err).Str("job_id", jobID).Msg("orchestrator: heartbeat failed")
				}
			}
		}
	}()
	return stop
}
