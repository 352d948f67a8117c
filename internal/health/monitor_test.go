package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/models"
	"github.com/ternarybob/atlascodex/internal/store"
)

// rawWrite bypasses Store.Update's transition validation and UpdatedAt
// auto-stamp to seed a backdated record directly, simulating a job whose
// timestamps drifted into the past rather than one just transitioned.
func rawWrite(t *testing.T, s *store.Store, job *models.Job) {
	t.Helper()
	require.NoError(t, s.DB().Update(job.ID, job))
}

func newTestMonitor(t *testing.T) (*Monitor, *store.Store) {
	t.Helper()
	s, err := store.Open(arbor.NewLogger(), &common.StoreConfig{Path: t.TempDir() + "/store", MaxItemSize: 1024 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hub := broadcast.NewHub(arbor.NewLogger())
	cfg := &common.HealthConfig{
		ReaperSchedule:     "@every 1m",
		ProbeSchedule:      "@every 1m",
		UpdatedThreshold:   5 * time.Minute,
		StaleThreshold:     time.Minute,
		CreatedThreshold:   10 * time.Minute,
		OrphanThreshold:    10 * time.Minute,
		MonthlyBudgetLimit: 10,
	}
	m := New(s, nil, hub, cfg, arbor.NewLogger())
	return m, s
}

func TestReapStuckJobsFailsStaleHeartbeatWithNoResult(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMonitor(t)

	job := &models.Job{ID: "job-1", Type: models.JobTypeScrape, Status: models.JobStatusPending, URL: "https://example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, job))
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, s.Update(ctx, job))

	m.reapStuckJobs(ctx)

	reloaded, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Error)
	require.Equal(t, "stuck", reloaded.Error.Kind)
}

func TestReapStuckJobsRecoversStaleHeartbeatWithPartialResult(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMonitor(t)

	job := &models.Job{ID: "job-1b", Type: models.JobTypeScrape, Status: models.JobStatusPending, URL: "https://example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, job))
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now().Add(-time.Hour)
	job.Result = &models.JobResult{
		URL:   job.URL,
		Pages: []models.PageResult{{URL: job.URL}},
	}
	require.NoError(t, s.Update(ctx, job))

	m.reapStuckJobs(ctx)

	reloaded, err := s.Get(ctx, "job-1b")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.Error)
	require.Equal(t, "recovered by monitor", reloaded.Error.Message)
}

func TestReapStuckJobsLeavesFreshHeartbeatsAlone(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMonitor(t)

	job := &models.Job{ID: "job-2", Type: models.JobTypeScrape, Status: models.JobStatusPending, URL: "https://example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, job))
	job.Status = models.JobStatusProcessing
	job.Heartbeat = time.Now()
	require.NoError(t, s.Update(ctx, job))

	m.reapStuckJobs(ctx)

	reloaded, err := s.Get(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, reloaded.Status)
}

func TestReapStuckJobsCatchesStaleUpdatedAtWithNoHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMonitor(t)

	job := &models.Job{ID: "job-3", Type: models.JobTypeScrape, Status: models.JobStatusPending, URL: "https://example.com"}
	require.NoError(t, s.Put(ctx, job))
	job.Status = models.JobStatusProcessing
	require.NoError(t, s.Update(ctx, job))

	// Simulate a job whose heartbeat was never set but whose record hasn't
	// been touched in 10 minutes, past both UpdatedThreshold and
	// CreatedThreshold — scenario the heartbeat-only query used to miss.
	stale := time.Now().Add(-10 * time.Minute)
	job.CreatedAt = stale
	job.UpdatedAt = stale
	rawWrite(t, s, job)

	m.reapStuckJobs(ctx)

	reloaded, err := s.Get(ctx, "job-3")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, reloaded.Status)
}

func TestReapOrphanedPendingFailsOldPendingJobs(t *testing.T) {
	ctx := context.Background()
	m, s := newTestMonitor(t)

	job := &models.Job{ID: "job-4", Type: models.JobTypeScrape, Status: models.JobStatusPending, URL: "https://example.com"}
	require.NoError(t, s.Put(ctx, job))
	job.CreatedAt = time.Now().Add(-time.Hour)
	rawWrite(t, s, job)

	m.reapStuckJobs(ctx)

	reloaded, err := s.Get(ctx, "job-4")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Error)
	require.Equal(t, "orphaned", reloaded.Error.Kind)
}

func TestRecordCostAndResetMonthlyCost(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.RecordCost(1.5)
	m.RecordCost(2.0)
	require.InDelta(t, 3.5, m.monthlyCost, 0.0001)

	m.ResetMonthlyCost()
	require.Zero(t, m.monthlyCost)
}

func TestProbeStoreOKFalseReportsStoreDown(t *testing.T) {
	p := Probe{StoreOK: false}
	require.True(t, !p.StoreOK)
}

func TestProbeAnyTierDownDetectsFailure(t *testing.T) {
	p := Probe{Tiers: []TierProbeResult{{OK: true}, {OK: false}}}
	require.True(t, p.anyTierDown())
}

func TestProbeAnyTierDownAllHealthy(t *testing.T) {
	p := Probe{Tiers: []TierProbeResult{{OK: true}, {OK: true}}}
	require.False(t, p.anyTierDown())
}
