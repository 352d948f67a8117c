// Package store is the Job Store Gateway: an embedded, transactional
// key/value store that persists job records and serves the list/filter
// queries the lifecycle manager and API need.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/models"
)

// Store persists models.Job records in an embedded badgerhold database.
type Store struct {
	db          *badgerhold.Store
	logger      arbor.ILogger
	maxItemSize int
}

// Open opens (or creates) the job store at the configured path.
func Open(logger arbor.ILogger, cfg *common.StoreConfig) (*Store, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("deleting existing store (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("failed to delete store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	maxItemSize := cfg.MaxItemSize
	if maxItemSize <= 0 {
		maxItemSize = 1 * 1024 * 1024
	}

	logger.Info().Str("path", cfg.Path).Msg("job store opened")

	return &Store{db: db, logger: logger, maxItemSize: maxItemSize}, nil
}

// DB returns the underlying badgerhold handle so the queue gateway can
// share the same embedded database instead of opening a second one.
func (s *Store) DB() *badgerhold.Store {
	return s.db
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts a brand new job record. It fails with apperr.ErrAlreadyExists
// if the ID is already present.
func (s *Store) Put(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return apperr.New(apperr.KindValidation, "job ID is required")
	}
	job.SchemaVersion = models.CurrentSchemaVersion
	s.sanitizeOversizeResult(job)

	if err := s.db.Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return apperr.New(apperr.KindAlreadyExists, job.ID)
		}
		return apperr.Wrap(apperr.KindInternal, "failed to insert job", err)
	}
	return nil
}

// Get returns the job with the given ID, or (nil, nil) if it does not
// exist — absence is not an error condition for this gateway.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to get job", err)
	}
	s.migrate(&job)
	return &job, nil
}

// Update validates the requested status transition (when Status differs
// from the stored record) and writes the new record in place. Passing a
// job whose Status equals the currently stored Status is treated as an
// idempotent field update (heartbeat, logs, progress), not a transition.
func (s *Store) Update(ctx context.Context, job *models.Job) error {
	var existing models.Job
	if err := s.db.Get(job.ID, &existing); err != nil {
		if err == badgerhold.ErrNotFound {
			return apperr.New(apperr.KindNotFound, job.ID)
		}
		return apperr.Wrap(apperr.KindInternal, "failed to read job for update", err)
	}

	if job.Status != existing.Status && !models.ValidTransition(existing.Status, job.Status) {
		return apperr.New(apperr.KindInvalidTransition, fmt.Sprintf("%s -> %s", existing.Status, job.Status))
	}

	job.UpdatedAt = time.Now()
	s.sanitizeOversizeResult(job)

	if err := s.db.Update(job.ID, job); err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to update job", err)
	}
	return nil
}

// AppendLog is best-effort: it logs failures locally and never surfaces an
// error to the caller, since losing a log line must never block the job.
func (s *Store) AppendLog(ctx context.Context, id string, level, message string) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("append log: failed to read job")
		return
	}
	job.AppendLog(level, message)
	if err := s.db.Update(id, &job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("append log: failed to write job")
	}
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Status    models.JobStatus
	Type      models.JobType
	Limit     int
	Offset    int
	OrderDesc bool
}

// ListResult is one page of List results.
type ListResult struct {
	Jobs    []*models.Job
	HasMore bool
}

// List returns jobs matching opts, sorted by CreatedAt.
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts.Status != "" {
		query = query.And("Status").Eq(opts.Status)
	}
	if opts.Type != "" {
		query = query.And("Type").Eq(opts.Type)
	}
	if opts.OrderDesc {
		query = query.SortBy("CreatedAt").Reverse()
	} else {
		query = query.SortBy("CreatedAt")
	}
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}

	limit := opts.Limit
	fetch := limit
	if fetch > 0 {
		fetch++ // ask for one extra to compute HasMore
		query = query.Limit(fetch)
	}

	var jobs []models.Job
	if err := s.db.Find(&jobs, query); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list jobs", err)
	}

	hasMore := false
	if limit > 0 && len(jobs) > limit {
		hasMore = true
		jobs = jobs[:limit]
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		s.migrate(&jobs[i])
		result[i] = &jobs[i]
	}
	return &ListResult{Jobs: result, HasMore: hasMore}, nil
}

// GetStale returns processing jobs stuck per the reaper's three-way
// classification: now-updatedAt exceeds updatedThreshold, or a nonzero
// heartbeat is older than heartbeatThreshold, or the job is older than
// createdThreshold regardless of its other timestamps. Each threshold is
// independent (any one hit marks the job stuck), which badgerhold cannot
// express as a single indexed query, so the Status=processing set is
// fetched and classified in Go.
func (s *Store) GetStale(ctx context.Context, updatedThreshold, heartbeatThreshold, createdThreshold time.Duration) ([]*models.Job, error) {
	var jobs []models.Job
	err := s.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to query stale jobs", err)
	}

	now := time.Now()
	var result []*models.Job
	for i := range jobs {
		job := &jobs[i]
		stuck := now.Sub(job.UpdatedAt) > updatedThreshold ||
			(!job.Heartbeat.IsZero() && now.Sub(job.Heartbeat) > heartbeatThreshold) ||
			now.Sub(job.CreatedAt) > createdThreshold
		if stuck {
			result = append(result, job)
		}
	}
	return result, nil
}

// GetOrphanedPending returns pending jobs older than threshold, used by the
// health monitor's reaper to fail jobs that were never picked up.
func (s *Store) GetOrphanedPending(ctx context.Context, threshold time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().Add(-threshold)
	var jobs []models.Job
	err := s.db.Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusPending).And("CreatedAt").Lt(cutoff))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to query orphaned pending jobs", err)
	}
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Delete removes a job record. Deleting an absent job is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return apperr.Wrap(apperr.KindInternal, "failed to delete job", err)
	}
	return nil
}

// CountByStatus returns how many jobs currently sit in status.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "failed to count jobs", err)
	}
	return int(count), nil
}

// migrate upgrades a record read from disk to the current schema version,
// writing the migrated form back asynchronously so callers never block on
// a migration.
func (s *Store) migrate(job *models.Job) {
	if job.SchemaVersion >= models.CurrentSchemaVersion {
		return
	}
	job.SchemaVersion = models.CurrentSchemaVersion
	id := job.ID
	snapshot := *job
	go func() {
		if err := s.db.Update(id, &snapshot); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("failed to persist schema migration")
		}
	}()
}

// sanitizeOversizeResult replaces an oversized Result with a truncated
// marker before the record is written, so a single pathological extraction
// can never blow past the store's per-item size budget.
func (s *Store) sanitizeOversizeResult(job *models.Job) {
	if job.Result == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil || len(data) <= s.maxItemSize {
		return
	}
	job.Result = &models.JobResult{
		URL:             job.Result.URL,
		Truncated:       true,
		TruncatedReason: "result exceeded store item size budget",
	}
}
