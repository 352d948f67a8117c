package modelrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/common"
)

// tierBinding pairs one Tier with the provider and model that currently
// back it, plus a circuit breaker so a vendor outage is shed quickly
// instead of retried into the ground.
type tierBinding struct {
	config  TierConfig
	provider Provider
	breaker *gobreaker.CircuitBreaker
}

// Router implements the Model Router: tier selection, fallback chaining,
// circuit-broken dispatch and cost estimation.
type Router struct {
	bindings map[Tier]*tierBinding
	cfg      *common.ModelRouterConfig
	logger   arbor.ILogger
}

// New builds a Router wired to Claude (mid/highest) and Gemini (lowest)
// providers per cfg.
func New(cfg *common.ModelRouterConfig, logger arbor.ILogger) *Router {
	claude := newClaudeProvider(&cfg.Claude)
	gemini := newGeminiProvider(&cfg.Gemini)

	r := &Router{bindings: make(map[Tier]*tierBinding), cfg: cfg, logger: logger}

	r.bind(TierHighest, TierConfig{
		Tier: TierHighest, ProviderName: "claude", Model: cfg.Claude.HighModel,
		MaxOutputTokens: 8192, Temperature: cfg.Claude.Temperature,
	}, claude)
	r.bind(TierMid, TierConfig{
		Tier: TierMid, ProviderName: "claude", Model: cfg.Claude.MidModel,
		MaxOutputTokens: 4096, Temperature: cfg.Claude.Temperature,
	}, claude)
	r.bind(TierLowest, TierConfig{
		Tier: TierLowest, ProviderName: "gemini", Model: cfg.Gemini.LowModel,
		MaxOutputTokens: 2048, Temperature: cfg.Gemini.Temperature,
	}, gemini)

	return r
}

func (r *Router) bind(tier Tier, config TierConfig, provider Provider) {
	settings := gobreaker.Settings{
		Name:        string(tier),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	r.bindings[tier] = &tierBinding{
		config:   config,
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// SelectTier resolves a TierRequest to a concrete TierConfig following the
// complexity/accuracy/budget thresholds: a request needing high accuracy or
// explicit reasoning, or whose complexity exceeds the configured cutoff,
// escalates to the highest tier; a request with a tight budget and low
// complexity stays on the lowest tier; everything else lands on mid.
func (r *Router) SelectTier(req TierRequest) TierConfig {
	complexity := req.Complexity
	if req.Advisory != nil {
		complexity = (complexity + *req.Advisory) / 2
	}

	switch {
	case req.AccuracyTarget >= r.cfg.AccuracyCutoff || req.ReasoningRequired || complexity >= r.cfg.ComplexityCutoff:
		return r.withFormat(r.bindings[TierHighest].config, req.OutputFormat)
	case req.Budget > 0 && req.Budget <= r.cfg.BudgetCutoff && complexity < r.cfg.ComplexityCutoff/2:
		return r.withFormat(r.bindings[TierLowest].config, req.OutputFormat)
	default:
		return r.withFormat(r.bindings[TierMid].config, req.OutputFormat)
	}
}

// BoundTier returns the configuration currently bound to tier, with its
// response format overridden to format. Used by callers whose tier choice
// is driven by something other than SelectTier's complexity/budget
// heuristics, such as the synthesizer's input-size-based policy.
func (r *Router) BoundTier(tier Tier, format OutputFormat) TierConfig {
	binding, ok := r.bindings[tier]
	if !ok {
		return TierConfig{Tier: tier, ResponseFormat: format}
	}
	return r.withFormat(binding.config, format)
}

func (r *Router) withFormat(cfg TierConfig, format OutputFormat) TierConfig {
	if format != "" {
		cfg.ResponseFormat = format
	}
	return cfg
}

// fallbackOrder is the static escalation table consulted when a tier's
// call fails: try the next most capable tier, then fall back further.
var fallbackOrder = map[Tier][]Tier{
	TierHighest: {TierMid, TierLowest},
	TierMid:     {TierHighest, TierLowest},
	TierLowest:  {TierMid, TierHighest},
}

// FallbackChain returns the ordered list of tiers to retry on after tier
// fails a call.
func (r *Router) FallbackChain(tier Tier) []Tier {
	return fallbackOrder[tier]
}

// Generate dispatches req.Tier through its circuit breaker. Callers that
// want fallback behavior should consult FallbackChain and retry with a
// different TierConfig themselves; this method never cross-tier retries on
// its own, and no caller in this module consults FallbackChain.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	binding, ok := r.bindings[req.Tier.Tier]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown tier %q", req.Tier.Tier))
	}

	result, err := binding.breaker.Execute(func() (interface{}, error) {
		return binding.provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindModelCallFailed, fmt.Sprintf("tier %s call failed", req.Tier.Tier), err)
	}
	return result.(*Response), nil
}

// costPerMillionTokens is a rough linear cost model, input/output per
// million tokens, used only by EstimateCost — not for billing.
var costPerMillionTokens = map[Tier]struct{ In, Out float64 }{
	TierHighest: {In: 15.0, Out: 75.0},
	TierMid:     {In: 3.0, Out: 15.0},
	TierLowest:  {In: 0.10, Out: 0.40},
}

// EstimateCost returns the dollar cost of a call given its tier and token
// counts.
func EstimateCost(tier Tier, inputTokens, outputTokens int) float64 {
	rate, ok := costPerMillionTokens[tier]
	if !ok {
		return 0
	}
	return (float64(inputTokens)/1_000_000)*rate.In + (float64(outputTokens)/1_000_000)*rate.Out
}

// Close releases every bound provider's resources.
func (r *Router) Close() error {
	seen := make(map[Provider]bool)
	for _, b := range r.bindings {
		if seen[b.provider] {
			continue
		}
		seen[b.provider] = true
		if err := b.provider.Close(); err != nil {
			r.logger.Warn().Err(err).Str("provider", b.provider.Name()).Msg("failed to close model provider")
		}
	}
	return nil
}
