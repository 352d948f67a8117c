package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir() + "/store"
	s, err := Open(arbor.NewLogger(), &common.StoreConfig{Path: dir, MaxItemSize: 1024 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(id string) *models.Job {
	now := time.Now()
	return &models.Job{
		ID:        id,
		Type:      models.JobTypeScrape,
		Status:    models.JobStatusPending,
		URL:       "https://example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("job-1")
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, models.JobStatusPending, got.Status)
}

func TestGetMissingReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPutDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("job-dup")
	require.NoError(t, s.Put(ctx, job))
	err := s.Put(ctx, newTestJob("job-dup"))
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindAlreadyExists, kind)
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("job-2")
	require.NoError(t, s.Put(ctx, job))

	job.Status = models.JobStatusCompleted
	err := s.Update(ctx, job)
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindInvalidTransition, kind)
}

func TestUpdateAllowsValidTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("job-3")
	require.NoError(t, s.Put(ctx, job))

	job.Status = models.JobStatusProcessing
	require.NoError(t, s.Update(ctx, job))

	got, err := s.Get(ctx, "job-3")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, got.Status)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, newTestJob("a")))
	b := newTestJob("b")
	b.Status = models.JobStatusProcessing
	require.NoError(t, s.Put(ctx, b))

	res, err := s.List(ctx, ListOptions{Status: models.JobStatusProcessing})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	require.Equal(t, "b", res.Jobs[0].ID)
}

func TestGetStaleFindsOldHeartbeats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("stale-1")
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now().Add(-10 * time.Minute)
	require.NoError(t, s.Put(ctx, job))

	stale, err := s.GetStale(ctx, time.Hour, 2*time.Minute, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale-1", stale[0].ID)
}

func TestGetStaleIgnoresFreshJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("fresh-1")
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now()
	require.NoError(t, s.Put(ctx, job))

	stale, err := s.GetStale(ctx, time.Hour, 2*time.Minute, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestGetStaleCatchesStaleUpdatedAtWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("stale-2")
	job.Status = models.JobStatusProcessing
	job.CreatedAt = time.Now().Add(-20 * time.Minute)
	job.UpdatedAt = time.Now().Add(-20 * time.Minute)
	require.NoError(t, s.Put(ctx, job))

	stale, err := s.GetStale(ctx, 5*time.Minute, time.Hour, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "stale-2", stale[0].ID)
}

func TestGetOrphanedPendingFindsOldPendingJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	job := newTestJob("pending-1")
	job.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Put(ctx, job))

	orphaned, err := s.GetOrphanedPending(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "pending-1", orphaned[0].ID)
}

func TestAppendLogNeverErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, newTestJob("log-1")))

	s.AppendLog(ctx, "log-1", "info", "hello")
	s.AppendLog(ctx, "missing-job", "info", "should not panic")

	got, err := s.Get(ctx, "log-1")
	require.NoError(t, err)
	require.Len(t, got.Logs, 1)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Delete(ctx, "never-existed"))
}
