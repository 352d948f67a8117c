package agentpool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/fetcher"
	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/models"
)

type fakeGenerator struct {
	calls     int32
	responses []string
}

func (g *fakeGenerator) BoundTier(tier modelrouter.Tier, format modelrouter.OutputFormat) modelrouter.TierConfig {
	return modelrouter.TierConfig{Tier: tier, ResponseFormat: format}
}

func (g *fakeGenerator) Generate(ctx context.Context, req modelrouter.Request) (*modelrouter.Response, error) {
	idx := atomic.AddInt32(&g.calls, 1) - 1
	text := `[]`
	if int(idx) < len(g.responses) {
		text = g.responses[idx]
	}
	return &modelrouter.Response{Text: text, Tier: req.Tier.Tier}, nil
}

func longHTML(title string) string {
	return fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>", title, strings.Repeat("content ", 60))
}

func testFetcher(t *testing.T, handler http.HandlerFunc) (*fetcher.Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := fetcher.New(&common.FetcherConfig{
		UserAgent:       "test-agent",
		RequestTimeout:  2 * time.Second,
		MaxBodySize:     1 << 20,
		DomainRateLimit: time.Millisecond,
		CacheSize:       10,
		CacheTTL:        time.Minute,
		RetryAttempts:   1,
	}, arbor.NewLogger())
	t.Cleanup(f.Close)
	return f, srv
}

func TestRunReturnsResultsInSortedOrder(t *testing.T) {
	f, srv := testFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(longHTML("page")))
	})

	gen := &fakeGenerator{responses: []string{`[]`, `[]`, `[]`}}
	pool := &Pool{fetcher: f, router: gen, concurrency: 2, logger: arbor.NewLogger()}

	targets := []models.ExtractionTarget{
		{AgentID: "b", URL: srv.URL, Priority: 1},
		{AgentID: "a", URL: srv.URL, Priority: 5},
		{AgentID: "c", URL: srv.URL, Priority: 5},
	}

	results := pool.Run(context.Background(), targets, Request{Instructions: "extract"}, time.Now().Add(10*time.Second))
	require.Len(t, results, 3)
	require.Equal(t, "a", results[0].Target.AgentID)
	require.Equal(t, "c", results[1].Target.AgentID)
	require.Equal(t, "b", results[2].Target.AgentID)
	for _, r := range results {
		require.Nil(t, r.Err)
		require.NotNil(t, r.Page)
	}
}

func TestRunRecordsErrorOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := fetcher.New(&common.FetcherConfig{
		UserAgent:       "test-agent",
		RequestTimeout:  time.Second,
		MaxBodySize:     1 << 20,
		DomainRateLimit: time.Millisecond,
		CacheSize:       10,
		CacheTTL:        time.Minute,
		RetryAttempts:   1,
	}, arbor.NewLogger())
	defer f.Close()

	gen := &fakeGenerator{}
	pool := &Pool{fetcher: f, router: gen, concurrency: 1, logger: arbor.NewLogger()}

	targets := []models.ExtractionTarget{{AgentID: "a", URL: srv.URL, Priority: 1}}
	results := pool.Run(context.Background(), targets, Request{Instructions: "extract"}, time.Now().Add(2*time.Second))
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Nil(t, results[0].Page)
}

func TestNeedsExhaustiveRetryTriggersOnThinArrayAndAllKeyword(t *testing.T) {
	data := models.NewArray(models.NewString("one"))
	require.True(t, needsExhaustiveRetry("list all the products on this page", data))
}

func TestNeedsExhaustiveRetrySkipsNonArrayResults(t *testing.T) {
	data := models.NewString("single value")
	require.False(t, needsExhaustiveRetry("list all the products", data))
}

func TestNeedsExhaustiveRetrySkipsWhenAlreadyAboveThreshold(t *testing.T) {
	data := models.NewArray(models.NewString("a"), models.NewString("b"), models.NewString("c"), models.NewString("d"))
	require.False(t, needsExhaustiveRetry("list all the products", data))
}

func TestRunEmptyTargetsReturnsNil(t *testing.T) {
	pool := &Pool{fetcher: nil, router: &fakeGenerator{}, concurrency: 1, logger: arbor.NewLogger()}
	require.Nil(t, pool.Run(context.Background(), nil, Request{}, time.Now()))
}
