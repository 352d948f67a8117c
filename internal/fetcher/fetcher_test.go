package fetcher

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/common"
)

func testConfig() *common.FetcherConfig {
	return &common.FetcherConfig{
		UserAgent:       "atlascodex-test/1.0",
		RequestTimeout:  2 * time.Second,
		BrowserTimeout:  2 * time.Second,
		MaxBodySize:     1 << 20,
		DomainRateLimit: time.Millisecond,
		CacheTTL:        time.Minute,
		CacheSize:       16,
		RetryAttempts:   2,
	}
}

func longHTML(title string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>" + title + "</title></head><body>")
	for i := 0; i < 50; i++ {
		b.WriteString("<p>filler paragraph content to clear the non-trivial threshold</p>")
	}
	b.WriteString(`<a href="/next">next</a></body></html>`)
	return b.String()
}

func TestFetchAcceptsPlainHTTPResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(longHTML("hello")))
	}))
	defer srv.Close()

	f := New(testConfig(), arbor.NewLogger())
	defer f.Close()

	result, err := f.Fetch(t.Context(), srv.URL, Options{}, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, MethodHTTP, result.Method)
	require.Contains(t, result.HTML, "hello")
	require.Contains(t, result.Links, srv.URL+"/next")
}

func TestFetchCachesResult(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(longHTML("cached")))
	}))
	defer srv.Close()

	f := New(testConfig(), arbor.NewLogger())
	defer f.Close()

	_, err := f.Fetch(t.Context(), srv.URL, Options{}, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	_, err = f.Fetch(t.Context(), srv.URL, Options{}, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	// The first Fetch sends the HEAD probe and one GET; the second is
	// served from the cache without reaching the server.
	require.Equal(t, 2, hits)
}

func TestFetchFailsWhenDeadlineAlreadyPassed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(longHTML("late")))
	}))
	defer srv.Close()

	f := New(testConfig(), arbor.NewLogger())
	defer f.Close()

	_, err := f.Fetch(t.Context(), srv.URL, Options{}, time.Now().Add(-time.Second))
	require.Error(t, err)
}

func TestFetchRejectsTrivialBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	f := New(testConfig(), arbor.NewLogger())
	defer f.Close()

	_, err := f.Fetch(t.Context(), srv.URL, Options{}, time.Now().Add(3*time.Second))
	require.Error(t, err)
}

func TestIsNonTrivialRejectsJavaScriptGate(t *testing.T) {
	require.False(t, isNonTrivial(strings.Repeat("x", 500)+" Please enable JavaScript to continue"))
}

func TestRateLimiterSerializesSameDomainRequests(t *testing.T) {
	rl := newDomainRateLimiter(50 * time.Millisecond)
	start := time.Now()
	require.NoError(t, rl.wait(t.Context(), "https://example.com/a"))
	require.NoError(t, rl.wait(t.Context(), "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLinkExtractorResolvesRelativeLinks(t *testing.T) {
	le := newLinkExtractor(arbor.NewLogger())
	links, err := le.extractLinks(`<a href="/a">a</a><a href="https://other.com/b">b</a><a href="#frag">skip</a>`, "https://example.com/page")
	require.NoError(t, err)
	require.Contains(t, links, "https://example.com/a")
	require.Contains(t, links, "https://other.com/b")
	require.Len(t, links, 2)
}

func TestLinkExtractorFiltersByPattern(t *testing.T) {
	le := newLinkExtractor(arbor.NewLogger())
	result := le.filterLinks(
		[]string{"https://example.com/blog/1", "https://example.com/admin/2"},
		[]string{`/blog/`},
		nil,
	)
	require.Equal(t, 1, result.Filtered)
	require.Equal(t, []string{"https://example.com/blog/1"}, result.Links)
}
