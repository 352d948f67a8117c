package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// userAgents is the short rotation list the browser rung and the
// rotated-header retry rung both draw from.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// blockedHostSubstrings are starved at the network layer to keep the
// browser rung fast: known ad/analytics hosts never need to load for text
// extraction.
var blockedHostSubstrings = []string{
	"doubleclick.net", "google-analytics.com", "googletagmanager.com",
	"facebook.net", "googlesyndication.com", "adsystem.com",
}

// cookieConsentSelectors is tried, in order, as a best-effort dismissal of
// common cookie-consent overlays that would otherwise obscure content.
var cookieConsentSelectors = []string{
	`#onetrust-accept-btn-handler`,
	`button[aria-label="Accept all"]`,
	`button[id*="accept"]`,
	`.cookie-consent button`,
}

// browserPool renders a page through a single shared headless Chrome
// instance, reused across calls rather than spun up per fetch.
type browserPool struct {
	allocCtx   context.Context
	allocCancel context.CancelFunc
	logger     arbor.ILogger
}

func newBrowserPool(logger arbor.ILogger) *browserPool {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &browserPool{allocCtx: allocCtx, allocCancel: allocCancel, logger: logger}
}

func (b *browserPool) close() {
	b.allocCancel()
}

// render navigates to rawURL under ctx's deadline, blocking non-essential
// resources, dismissing cookie banners, and waiting for waitSelector (or a
// short fixed delay if empty), then returns the rendered HTML.
func (b *browserPool) render(ctx context.Context, rawURL string, waitSelector string) (string, error) {
	tabCtx, cancel := chromedp.NewContext(b.allocCtx)
	defer cancel()

	ua := userAgents[rand.Intn(len(userAgents))]

	var html string
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetBlockedURLs(blockedPatterns()).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetUserAgentOverride(ua).Do(ctx)
		}),
		chromedp.Navigate(rawURL),
	}

	for _, sel := range cookieConsentSelectors {
		sel := sel
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_ = chromedp.Click(sel, chromedp.ByQuery).Do(ctx)
			return nil
		}))
	}

	if waitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Sleep(1500*time.Millisecond))
	}
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return "", fmt.Errorf("browser render failed for %s: %w", rawURL, err)
	}
	return html, nil
}

func blockedPatterns() []string {
	patterns := make([]string, 0, len(blockedHostSubstrings))
	for _, host := range blockedHostSubstrings {
		patterns = append(patterns, "*"+host+"*")
	}
	return patterns
}
