package health

import (
	"context"
	"fmt"

	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/models"
)

// reapStuckJobs finds processing jobs stuck per the three-way
// classification (stale updatedAt, stale heartbeat, or stale createdAt) and
// recovers each: a job with partial results is promoted to completed with
// an error note, one with none is failed and dead-lettered. It also fails
// pending jobs old enough to be orphaned (never picked up by a worker).
// This is the only write path outside the owning worker permitted to
// mutate a job.
func (m *Monitor) reapStuckJobs(ctx context.Context) {
	m.reapStuckProcessing(ctx)
	m.reapOrphanedPending(ctx)
}

func (m *Monitor) reapStuckProcessing(ctx context.Context) {
	stale, err := m.store.GetStale(ctx, m.cfg.UpdatedThreshold, m.cfg.StaleThreshold, m.cfg.CreatedThreshold)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stuck-job reaper: failed to list stale jobs")
		return
	}
	if len(stale) == 0 {
		return
	}

	m.logger.Info().Int("count", len(stale)).Msg("stuck-job reaper: recovering stale processing jobs")

	for _, job := range stale {
		if hasPartialResult(job) {
			job.Status = models.JobStatusCompleted
			job.Error = &models.JobError{
				Kind:    "recovered",
				Message: "recovered by monitor",
			}
			ttl := job.UpdatedAt.Add(models.DefaultTTL)
			job.TTL = &ttl
			job.AppendLog("warn", "recovered by health monitor reaper with partial results")

			if err := m.store.Update(ctx, job); err != nil {
				m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("stuck-job reaper: failed to recover job")
				continue
			}

			m.hub.Publish(ctx, broadcast.Event{
				Type:    broadcast.EventJobCompleted,
				JobID:   job.ID,
				Payload: map[string]interface{}{"reason": "stuck_job_reaper_recovered"},
			})
			continue
		}

		job.Status = models.JobStatusFailed
		job.Error = &models.JobError{
			Kind:    "stuck",
			Message: fmt.Sprintf("job made no progress past stale thresholds (updated=%s heartbeat=%s created=%s)", m.cfg.UpdatedThreshold, m.cfg.StaleThreshold, m.cfg.CreatedThreshold),
		}
		job.AppendLog("warn", "force-failed by health monitor reaper")

		if err := m.store.Update(ctx, job); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("stuck-job reaper: failed to update job")
			continue
		}

		m.hub.Publish(ctx, broadcast.Event{
			Type:    broadcast.EventJobFailed,
			JobID:   job.ID,
			Payload: map[string]interface{}{"reason": "stuck_job_reaper_dead_letter"},
		})
	}
}

func (m *Monitor) reapOrphanedPending(ctx context.Context) {
	orphaned, err := m.store.GetOrphanedPending(ctx, m.cfg.OrphanThreshold)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stuck-job reaper: failed to list orphaned pending jobs")
		return
	}
	if len(orphaned) == 0 {
		return
	}

	m.logger.Info().Int("count", len(orphaned)).Msg("stuck-job reaper: failing orphaned pending jobs")

	for _, job := range orphaned {
		job.Status = models.JobStatusFailed
		job.Error = &models.JobError{
			Kind:    "orphaned",
			Message: fmt.Sprintf("job remained pending past orphan threshold of %s", m.cfg.OrphanThreshold),
		}
		job.AppendLog("warn", "failed as orphaned by health monitor reaper")

		if err := m.store.Update(ctx, job); err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("stuck-job reaper: failed to update orphaned job")
			continue
		}

		m.hub.Publish(ctx, broadcast.Event{
			Type:    broadcast.EventJobFailed,
			JobID:   job.ID,
			Payload: map[string]interface{}{"reason": "orphaned_pending"},
		})
	}
}

// hasPartialResult reports whether job carries any extraction output worth
// preserving rather than discarding on recovery.
func hasPartialResult(job *models.Job) bool {
	if job.Result == nil {
		return false
	}
	if len(job.Result.Pages) > 0 {
		return true
	}
	switch job.Result.ExtractedData.Kind {
	case "", models.ValueKindNull:
		return false
	case models.ValueKindArray:
		return len(job.Result.ExtractedData.Array) > 0
	case models.ValueKindObject:
		return len(job.Result.ExtractedData.Object) > 0
	default:
		return true
	}
}
