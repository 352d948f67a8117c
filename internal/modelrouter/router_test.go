package modelrouter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/common"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	cfg := &common.ModelRouterConfig{
		Claude: common.ClaudeConfig{HighModel: "claude-high", MidModel: "claude-mid", Temperature: 0.2},
		Gemini: common.GeminiConfig{LowModel: "gemini-low", MidModel: "gemini-mid", Temperature: 0.2},
		ComplexityCutoff: 0.7,
		AccuracyCutoff:   0.9,
		BudgetCutoff:     0.05,
	}
	return New(cfg, arbor.NewLogger())
}

func TestSelectTierEscalatesOnHighComplexity(t *testing.T) {
	r := testRouter(t)
	cfg := r.SelectTier(TierRequest{Complexity: 0.95})
	require.Equal(t, TierHighest, cfg.Tier)
}

func TestSelectTierEscalatesOnReasoningRequired(t *testing.T) {
	r := testRouter(t)
	cfg := r.SelectTier(TierRequest{Complexity: 0.1, ReasoningRequired: true})
	require.Equal(t, TierHighest, cfg.Tier)
}

func TestSelectTierPicksLowestForCheapSimpleRequests(t *testing.T) {
	r := testRouter(t)
	cfg := r.SelectTier(TierRequest{Complexity: 0.1, Budget: 0.01})
	require.Equal(t, TierLowest, cfg.Tier)
}

func TestSelectTierDefaultsToMid(t *testing.T) {
	r := testRouter(t)
	cfg := r.SelectTier(TierRequest{Complexity: 0.5, Budget: 1.0})
	require.Equal(t, TierMid, cfg.Tier)
}

func TestFallbackChainOrdering(t *testing.T) {
	r := testRouter(t)
	require.Equal(t, []Tier{TierMid, TierLowest}, r.FallbackChain(TierHighest))
	require.Equal(t, []Tier{TierHighest, TierLowest}, r.FallbackChain(TierMid))
	require.Equal(t, []Tier{TierMid, TierHighest}, r.FallbackChain(TierLowest))
}

func TestEstimateCostScalesWithTokens(t *testing.T) {
	cheap := EstimateCost(TierLowest, 1000, 1000)
	expensive := EstimateCost(TierHighest, 1000, 1000)
	require.Greater(t, expensive, cheap)
}

func TestEstimateCostUnknownTierIsZero(t *testing.T) {
	require.Equal(t, 0.0, EstimateCost(Tier("bogus"), 1000, 1000))
}
