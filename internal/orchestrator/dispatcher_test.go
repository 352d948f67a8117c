package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/agentpool"
	"github.com/ternarybob/atlascodex/internal/broadcast"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/fetcher"
	"github.com/ternarybob/atlascodex/internal/lifecycle"
	"github.com/ternarybob/atlascodex/internal/models"
	"github.com/ternarybob/atlascodex/internal/queue"
	"github.com/ternarybob/atlascodex/internal/store"
	"github.com/ternarybob/atlascodex/internal/synthesizer"
)

func newTestLifecycle(t *testing.T) *lifecycle.Manager {
	t.Helper()
	s, err := store.Open(arbor.NewLogger(), &common.StoreConfig{Path: t.TempDir() + "/store", MaxItemSize: 1024 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q, err := queue.Open(s.DB(), arbor.NewLogger(), &common.QueueConfig{
		QueueName:         "test",
		VisibilityTimeout: "5s",
		PollInterval:      "10ms",
		MaxReceive:        3,
	})
	require.NoError(t, err)

	return lifecycle.New(s, q, broadcast.NewHub(arbor.NewLogger()), arbor.NewLogger())
}

func TestDispatcherProcessesQueuedJobToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := strings.Repeat("content ", 60)
		w.Write([]byte("<html><head><title>t</title></head><body>" + body + "</body></html>"))
	}))
	defer srv.Close()

	lc := newTestLifecycle(t)

	f := fetcher.New(&common.FetcherConfig{
		UserAgent:       "test-agent",
		RequestTimeout:  2 * time.Second,
		MaxBodySize:     1 << 20,
		DomainRateLimit: time.Millisecond,
		CacheSize:       10,
		CacheTTL:        time.Minute,
		RetryAttempts:   1,
	}, arbor.NewLogger())
	defer f.Close()

	decide := &fakeDecideGenerator{responses: []string{stopDecisionNoExtraction}}
	agents := agentpool.New(f, fakeExtractGenerator{}, 2, arbor.NewLogger())
	synth := synthesizer.New(fakeSynthGenerator{}, arbor.NewLogger())
	cfg := &common.OrchestratorConfig{
		JobTimeout:       120 * time.Second,
		HeartbeatEvery:   50 * time.Millisecond,
		CleanupReserve:   5 * time.Second,
		MaxIterations:    50,
		AgentConcurrency: 2,
	}
	loop := New(decide, f, agents, synth, cfg, arbor.NewLogger())

	dispatcher := NewDispatcher(lc, loop, cfg, 1, arbor.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	job, err := lc.SubmitJob(context.Background(), lifecycle.CreateRequest{
		URL:          srv.URL,
		Type:         models.JobTypeScrape,
		Instructions: "extract the title",
		Timeout:      90 * time.Second,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := lc.GetJob(context.Background(), job.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	final, err := lc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	require.Equal(t, 1, final.Result.OrchestratorSummary.PagesVisited)
}

func TestJobBudgetCapsAtCeilingWhenRequestedExceedsIt(t *testing.T) {
	cfg := &common.OrchestratorConfig{JobTimeout: time.Minute, CleanupReserve: 10 * time.Second}
	require.Equal(t, 50*time.Second, jobBudget(2*time.Minute, cfg))
	require.Equal(t, 30*time.Second, jobBudget(30*time.Second, cfg))
	require.Equal(t, 50*time.Second, jobBudget(0, cfg))
}
