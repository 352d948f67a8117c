// Package lifecycle implements the Job Lifecycle Manager: the only
// component permitted to drive a job's status-transition graph on behalf
// of a caller (the HTTP API, the orchestration loop, the health monitor's
// reaper uses C1 directly for its narrower force-terminate case).
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/models"
	"github.com/ternarybob/atlascodex/internal/queue"
	"github.com/ternarybob/atlascodex/internal/store"
)

// CreateRequest is the inbound DTO for SubmitJob, validated before a
// models.Job is ever constructed.
type CreateRequest struct {
	URL          string              `validate:"required,url"`
	Type         models.JobType      `validate:"required"`
	Instructions string              `validate:"required"`
	OutputSchema []byte              `validate:"omitempty"`
	MaxPages     int                 `validate:"gte=0"`
	MaxLinks     int                 `validate:"gte=0"`
	MaxDepth     int                 `validate:"gte=0"`
	Timeout      time.Duration       `validate:"gte=0"`
	StopPatterns []string            `validate:"omitempty"`
	LinkInclude  []string            `validate:"omitempty"`
	LinkExclude  []string            `validate:"omitempty"`
	TierPref     string              `validate:"omitempty"`
	Autonomous   bool
	FeatureFlags map[string]bool
}

// Manager is a façade over the store, queue, and broadcast hub that
// enforces the status-transition graph and emits an event on every
// successful write.
type Manager struct {
	store    *store.Store
	queue    *queue.Queue
	hub      *broadcast.Hub
	validate *validator.Validate
	logger   arbor.ILogger
}

// New builds a Manager sharing the process's store, queue, and broadcast
// hub instances.
func New(s *store.Store, q *queue.Queue, hub *broadcast.Hub, logger arbor.ILogger) *Manager {
	return &Manager{store: s, queue: q, hub: hub, validate: validator.New(), logger: logger}
}

// SubmitJob validates req, builds the canonical job record with a fresh
// id and correlation id, persists it, and enqueues it for processing.
func (m *Manager) SubmitJob(ctx context.Context, req CreateRequest) (*models.Job, error) {
	start := time.Now()

	if err := m.validate.Struct(req); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid job submission", err)
	}

	now := time.Now()
	job := &models.Job{
		ID:            common.NewJobID(),
		Type:          req.Type,
		Status:        models.JobStatusPending,
		URL:           req.URL,
		CorrelationID: common.NewCorrelationID(),
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: models.CurrentSchemaVersion,
		Params: models.JobParams{
			Instructions:        req.Instructions,
			OutputSchema:        req.OutputSchema,
			MaxPages:            req.MaxPages,
			MaxLinks:            req.MaxLinks,
			MaxDepth:            req.MaxDepth,
			Timeout:             req.Timeout,
			StopPatterns:        req.StopPatterns,
			LinkIncludePatterns: req.LinkInclude,
			LinkExcludePatterns: req.LinkExclude,
			ModelTierPreference: req.TierPref,
			Autonomous:          req.Autonomous,
			FeatureFlags:        req.FeatureFlags,
		},
	}

	if err := m.store.Put(ctx, job); err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(ctx, job.ID); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job persisted but failed to enqueue")
		return nil, apperr.Wrap(apperr.KindInternal, "failed to enqueue job", err)
	}

	m.publish(ctx, broadcast.EventJobCreated, job.ID, nil)
	m.logger.Info().Str("job_id", job.ID).Dur("elapsed", time.Since(start)).Msg("job submitted")
	return job, nil
}

// Queue returns the underlying queue so the orchestrator dispatcher can
// pull jobs from the same queue instance lifecycle enqueues onto.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// GetJob returns the job record for id, or nil if it does not exist.
func (m *Manager) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return m.store.Get(ctx, id)
}

// ListJobs lists jobs per opts.
func (m *Manager) ListJobs(ctx context.Context, opts store.ListOptions) (*store.ListResult, error) {
	return m.store.List(ctx, opts)
}

// StartProcessing transitions a job from pending (or a terminal retry
// state) to processing, called by the worker that dequeued it.
func (m *Manager) StartProcessing(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now()
	job.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		return nil, err
	}
	m.publish(ctx, broadcast.EventJobStarted, id, nil)
	return job, nil
}

// Heartbeat refreshes job's liveness timestamp without changing status,
// called periodically by the owning worker so the health monitor's reaper
// doesn't mistake active work for a stuck job.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return err
	}
	job.Heartbeat = time.Now()
	return m.store.Update(ctx, job)
}

// CompleteJob transitions a job to completed with the given result.
func (m *Manager) CompleteJob(ctx context.Context, id string, result models.JobResult) error {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return err
	}
	job.Status = models.JobStatusCompleted
	job.Result = &result
	job.UpdatedAt = time.Now()
	ttl := job.UpdatedAt.Add(models.DefaultTTL)
	job.TTL = &ttl
	if err := m.store.Update(ctx, job); err != nil {
		return err
	}
	m.publish(ctx, broadcast.EventJobCompleted, id, nil)
	return nil
}

// FailJob transitions a job to failed with the given error.
func (m *Manager) FailJob(ctx context.Context, id string, jobErr models.JobError) error {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return err
	}
	job.Status = models.JobStatusFailed
	job.Error = &jobErr
	job.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		return err
	}
	m.publish(ctx, broadcast.EventJobFailed, id, map[string]interface{}{"kind": jobErr.Kind})
	return nil
}

// CancelJob transitions a job to cancelled.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return err
	}
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		return err
	}
	m.publish(ctx, broadcast.EventJobCancelled, id, nil)
	return nil
}

// RetryJob re-enqueues a job currently in a terminal retry-eligible state
// (failed, cancelled, timeout). The graph has no pending edge out of those
// states, so the job's status is left as-is here; the dispatcher's
// StartProcessing performs the legal failed/cancelled/timeout -> processing
// edge once the job is dequeued again.
func (m *Manager) RetryJob(ctx context.Context, id string) error {
	job, err := m.requireJob(ctx, id)
	if err != nil {
		return err
	}
	if !models.ValidTransition(job.Status, models.JobStatusProcessing) {
		return apperr.New(apperr.KindValidation, fmt.Sprintf("job %s in status %s is not retryable", id, job.Status))
	}
	job.Error = nil
	job.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, job); err != nil {
		return err
	}
	if err := m.queue.Enqueue(ctx, id); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to re-enqueue retried job", err)
	}
	m.publish(ctx, broadcast.EventJobRetrying, id, nil)
	return nil
}

// DeleteJob removes a job record permanently.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

func (m *Manager) requireJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("job %s not found", id))
	}
	return job, nil
}

func (m *Manager) publish(ctx context.Context, eventType broadcast.EventType, jobID string, extra map[string]interface{}) {
	m.hub.Publish(ctx, broadcast.Event{Type: eventType, JobID: jobID, Payload: extra})
}
