package fetcher

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// domainRateLimiter enforces a per-domain request rate using a token bucket
// per host, so one slow or aggressively-limited domain never starves
// fetches against other domains sharing the same fetcher.
type domainRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

// newDomainRateLimiter builds a limiter allowing one request per `every`
// duration per domain, with a burst of 1.
func newDomainRateLimiter(every time.Duration) *domainRateLimiter {
	if every <= 0 {
		every = time.Second
	}
	return &domainRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
	}
}

// wait blocks until rawURL's domain is allowed to proceed, or ctx is done.
func (d *domainRateLimiter) wait(ctx context.Context, rawURL string) error {
	domain := extractDomain(rawURL)
	if domain == "" {
		return nil
	}
	return d.limiterFor(domain).Wait(ctx)
}

func (d *domainRateLimiter) limiterFor(domain string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.every), 1)
		d.limiters[domain] = l
	}
	return l
}

// setDomainInterval overrides the request interval for one domain. Nothing
// in the package calls it: robots.txt and 429 responses do not change a
// domain's pace.
func (d *domainRateLimiter) setDomainInterval(domain string, every time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters[domain] = rate.NewLimiter(rate.Every(every), 1)
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
