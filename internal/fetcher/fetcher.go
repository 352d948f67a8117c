package fetcher

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/common"
)

// rungBudgetFraction bounds each rung's sub-deadline to a fraction of
// whatever time remains on the caller's deadline, so a slow rung can never
// eat into the budget reserved for the rungs after it.
const rungBudgetFraction = 0.35

// rung is one step of the escalation ladder. It returns a Result and true
// when it produced an acceptable page, or ok=false to fall through to the
// next rung.
type rung func(ctx context.Context, rawURL string, opts Options) (result Result, ok bool, err error)

// Fetcher implements the page-fetch escalation ladder: HEAD probe, plain
// GET, headless browser render, rotated-header retry, fixed-delay retry.
type Fetcher struct {
	cfg         *common.FetcherConfig
	logger      arbor.ILogger
	client      *http.Client
	rateLimiter *domainRateLimiter
	retry       *retryPolicy
	links       *linkExtractor
	cache       *resultCache
	browser     *browserPool
	converter   *md.Converter
	rungs       []rung
}

// New builds a Fetcher. The headless browser allocator is created lazily
// on first use of the browser rung, so a process that never needs it never
// pays for a Chrome instance.
func New(cfg *common.FetcherConfig, logger arbor.ILogger) *Fetcher {
	f := &Fetcher{
		cfg:         cfg,
		logger:      logger,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		rateLimiter: newDomainRateLimiter(cfg.DomainRateLimit),
		retry:       newRetryPolicy(cfg.RetryAttempts),
		links:       newLinkExtractor(logger),
		cache:       newResultCache(cfg.CacheSize, cfg.CacheTTL),
		converter:   md.NewConverter("", true, nil),
	}
	f.rungs = []rung{f.headRung, f.httpRung, f.browserRung, f.rotatedHeaderRung, f.fixedDelayRung}
	return f
}

// Close releases the headless browser allocator, if one was started.
func (f *Fetcher) Close() {
	if f.browser != nil {
		f.browser.close()
	}
}

// Fetch runs the escalation ladder against rawURL, stopping at the first
// rung whose output passes isNonTrivial, and returns a cached Result if one
// is still fresh.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options, deadline time.Time) (*Result, error) {
	key := cacheKey(rawURL, opts)
	if cached, ok := f.cache.get(key); ok {
		f.logger.Debug().Str("url", rawURL).Msg("fetch cache hit")
		return &cached, nil
	}

	if err := f.rateLimiter.wait(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var lastErr error
	for _, r := range f.rungs {
		if time.Until(deadline) <= 0 {
			return nil, fmt.Errorf("fetch deadline exceeded for %s", rawURL)
		}

		rungDeadline := time.Now().Add(time.Duration(float64(time.Until(deadline)) * rungBudgetFraction))
		rungCtx, cancel := context.WithDeadline(ctx, rungDeadline)
		result, ok, err := r(rungCtx, rawURL, opts)
		cancel()

		if err != nil {
			lastErr = err
			f.logger.Debug().Err(err).Str("url", rawURL).Msg("fetch rung failed, escalating")
			continue
		}
		if !ok {
			continue
		}

		result.URL = rawURL
		result.FetchedAt = time.Now()
		result.Links, _ = f.links.extractLinks(result.HTML, rawURL)
		f.cache.put(key, result)
		return &result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all fetch rungs exhausted for %s: %w", rawURL, lastErr)
	}
	return nil, fmt.Errorf("all fetch rungs exhausted for %s without yielding non-trivial content", rawURL)
}

// headRung sends a HEAD request as a cheap reachability probe. It never
// yields a result on its own: the response's content type is not inspected,
// so JSON endpoints are not told apart from HTML pages, and the ladder
// always goes on to the GET rungs.
func (f *Fetcher) headRung(ctx context.Context, rawURL string, opts Options) (Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return Result{}, false, err
	}
	f.applyHeaders(req, opts, false)

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, false, nil // HEAD not supported by every server; fall through quietly
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{}, false, nil
	}

	return Result{Method: MethodHead, HTTPStatus: resp.StatusCode}, false, nil
}

// httpRung performs a plain GET and accepts the response iff its body is
// non-trivial per isNonTrivial.
func (f *Fetcher) httpRung(ctx context.Context, rawURL string, opts Options) (Result, bool, error) {
	return f.doGet(ctx, rawURL, opts, false)
}

// rotatedHeaderRung retries the GET with a rotated user-agent and a random
// 1-3s jitter, for servers that reject the default client fingerprint.
func (f *Fetcher) rotatedHeaderRung(ctx context.Context, rawURL string, opts Options) (Result, bool, error) {
	jitter := time.Duration(1000+rand.Intn(2000)) * time.Millisecond
	select {
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	case <-time.After(jitter):
	}
	result, ok, err := f.doGet(ctx, rawURL, opts, true)
	result.Method = MethodRotatedHeaders
	return result, ok, err
}

// fixedDelayRung is the last-resort retry: a fixed pause, then one more GET.
func (f *Fetcher) fixedDelayRung(ctx context.Context, rawURL string, opts Options) (Result, bool, error) {
	select {
	case <-ctx.Done():
		return Result{}, false, ctx.Err()
	case <-time.After(3 * time.Second):
	}
	result, ok, err := f.doGet(ctx, rawURL, opts, false)
	result.Method = MethodFixedDelayRetry
	return result, ok, err
}

func (f *Fetcher) doGet(ctx context.Context, rawURL string, opts Options, rotateUA bool) (Result, bool, error) {
	var statusCode int
	var body string

	_, err := f.retry.executeWithRetry(ctx, f.logger, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return 0, err
		}
		f.applyHeaders(req, opts, rotateUA)

		resp, err := f.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		limited := io.LimitReader(resp.Body, int64(f.cfg.MaxBodySize))
		data, err := io.ReadAll(limited)
		if err != nil {
			return resp.StatusCode, err
		}

		statusCode = resp.StatusCode
		body = string(data)
		return resp.StatusCode, nil
	})
	if err != nil {
		return Result{}, false, err
	}

	if statusCode >= 400 || !isNonTrivial(body) {
		return Result{}, false, nil
	}

	markdown, convErr := f.converter.ConvertString(body)
	if convErr != nil {
		f.logger.Warn().Err(convErr).Str("url", rawURL).Msg("markdown conversion failed, keeping html only")
	}

	return Result{
		HTML:       body,
		Markdown:   markdown,
		Method:     MethodHTTP,
		HTTPStatus: statusCode,
	}, true, nil
}

// browserRung renders the page through a shared headless Chrome instance,
// started lazily on first use.
func (f *Fetcher) browserRung(ctx context.Context, rawURL string, opts Options) (Result, bool, error) {
	if f.browser == nil {
		f.browser = newBrowserPool(f.logger)
	}

	html, err := f.browser.render(ctx, rawURL, opts.WaitForSelector)
	if err != nil {
		return Result{}, false, err
	}
	if !isNonTrivial(html) {
		return Result{}, false, nil
	}

	markdown, convErr := f.converter.ConvertString(html)
	if convErr != nil {
		f.logger.Warn().Err(convErr).Str("url", rawURL).Msg("markdown conversion failed, keeping html only")
	}

	return Result{HTML: html, Markdown: markdown, Method: MethodBrowser, HTTPStatus: http.StatusOK}, true, nil
}

func (f *Fetcher) applyHeaders(req *http.Request, opts Options, rotateUA bool) {
	ua := f.cfg.UserAgent
	switch {
	case opts.UserAgent != "":
		ua = opts.UserAgent
	case rotateUA:
		ua = userAgents[rand.Intn(len(userAgents))]
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
}
