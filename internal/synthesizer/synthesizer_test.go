package synthesizer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/models"
)

type fakeGenerator struct {
	calls []modelrouter.Tier
	fail  map[int]bool
}

func (g *fakeGenerator) BoundTier(tier modelrouter.Tier, format modelrouter.OutputFormat) modelrouter.TierConfig {
	return modelrouter.TierConfig{Tier: tier, ResponseFormat: format}
}

func (g *fakeGenerator) Generate(ctx context.Context, req modelrouter.Request) (*modelrouter.Response, error) {
	idx := len(g.calls)
	g.calls = append(g.calls, req.Tier.Tier)
	if g.fail[idx] {
		return nil, context.DeadlineExceeded
	}
	return &modelrouter.Response{Text: "summary " + string(req.Tier.Tier), Tier: req.Tier.Tier}, nil
}

func newSynth(gen *fakeGenerator) *Synthesizer {
	return &Synthesizer{router: gen, logger: arbor.NewLogger()}
}

func TestSynthesizeSkipsWhenBudgetTooLow(t *testing.T) {
	gen := &fakeGenerator{}
	s := newSynth(gen)

	text, err := s.Synthesize(context.Background(), []models.Value{models.NewString("x")}, "summarize", time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, skippedSentinel, text)
	require.Empty(t, gen.calls)
}

func TestSynthesizeSingleCallForSmallInput(t *testing.T) {
	gen := &fakeGenerator{}
	s := newSynth(gen)

	data := []models.Value{models.NewString("short")}
	text, err := s.Synthesize(context.Background(), data, "summarize", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Contains(t, text, "summary")
	require.Len(t, gen.calls, 1)
	require.Equal(t, modelrouter.TierLowest, gen.calls[0])
}

func TestSynthesizeChunksLargeInputAtMidTier(t *testing.T) {
	gen := &fakeGenerator{}
	s := newSynth(gen)

	big := strings.Repeat("a", 250*1024)
	data := []models.Value{models.NewString(big)}
	text, err := s.Synthesize(context.Background(), data, "summarize", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Greater(t, len(gen.calls), 1)
	for _, tier := range gen.calls {
		require.Equal(t, modelrouter.TierMid, tier)
	}
	require.Contains(t, text, "---")
}

func TestSynthesizeTreatsChunkFailureAsTolerable(t *testing.T) {
	gen := &fakeGenerator{fail: map[int]bool{0: true}}
	s := newSynth(gen)

	big := strings.Repeat("b", 250*1024)
	data := []models.Value{models.NewString(big)}
	text, err := s.Synthesize(context.Background(), data, "summarize", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Contains(t, text, "Chunk 1: synthesis failed")
}

func TestTierForSizeScalesWithInputSize(t *testing.T) {
	require.Equal(t, modelrouter.TierLowest, tierForSize(1024))
	require.Equal(t, modelrouter.TierMid, tierForSize(30*1024))
	require.Equal(t, modelrouter.TierHighest, tierForSize(60*1024))
}
