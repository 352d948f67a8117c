// Package synthesizer implements the Synthesizer: it turns a job's
// accumulated extracted data into a final prose summary, chunking and
// picking a model tier according to how much data there is to describe.
package synthesizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/models"
)

// skippedSentinel is returned verbatim when there isn't enough remaining
// budget to attempt synthesis at all; the caller still reports the job
// completed.
const skippedSentinel = "synthesis skipped due to time constraints"

const (
	minSynthesisBudget  = 30 * time.Second
	singleCallThreshold = 100 * 1024
	lowTierCutoff       = 20 * 1024
	midTierCutoff       = 50 * 1024
	chunkDeadline       = 20 * time.Second
)

// generator is the subset of modelrouter.Router the synthesizer depends
// on. A *modelrouter.Router satisfies it directly; tests supply a fake.
type generator interface {
	BoundTier(tier modelrouter.Tier, format modelrouter.OutputFormat) modelrouter.TierConfig
	Generate(ctx context.Context, req modelrouter.Request) (*modelrouter.Response, error)
}

// Synthesizer produces the final synthesis text for a job.
type Synthesizer struct {
	router generator
	logger arbor.ILogger
}

// New builds a Synthesizer. router only needs to satisfy generator; a
// *modelrouter.Router does so directly, and tests may supply a fake.
func New(router generator, logger arbor.ILogger) *Synthesizer {
	return &Synthesizer{router: router, logger: logger}
}

// Synthesize produces a prose summary of extractedData per params, bounded
// by deadline. It never returns an error that should fail the overall job:
// chunk failures are tolerated and folded into the returned text instead.
func (s *Synthesizer) Synthesize(ctx context.Context, extractedData []models.Value, instructions string, deadline time.Time) (string, error) {
	remaining := time.Until(deadline)
	if remaining < minSynthesisBudget {
		return skippedSentinel, nil
	}

	serialized, err := marshalAll(extractedData)
	if err != nil {
		return "", fmt.Errorf("synthesizer: failed to serialize extracted data: %w", err)
	}

	if len(serialized) <= singleCallThreshold {
		tier := tierForSize(len(serialized))
		text, err := s.callTier(ctx, tier, instructions, string(serialized), deadline)
		if err != nil {
			return "", fmt.Errorf("synthesizer: single-call synthesis failed: %w", err)
		}
		return text, nil
	}

	chunks := chunkBySize(serialized, singleCallThreshold)
	summaries := make([]string, len(chunks))
	for i, chunk := range chunks {
		perChunkDeadline := time.Now().Add(chunkDeadline)
		if perChunkDeadline.After(deadline) {
			perChunkDeadline = deadline
		}
		text, err := s.callTier(ctx, modelrouter.TierMid, instructions, string(chunk), perChunkDeadline)
		if err != nil {
			summaries[i] = fmt.Sprintf("Chunk %d: synthesis failed — %s", i+1, err)
			continue
		}
		summaries[i] = text
	}
	return strings.Join(summaries, "\n\n---\n\n"), nil
}

func (s *Synthesizer) callTier(ctx context.Context, tier modelrouter.Tier, instructions, data string, deadline time.Time) (string, error) {
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	cfg := s.router.BoundTier(tier, modelrouter.OutputFormatText)
	resp, err := s.router.Generate(callCtx, modelrouter.Request{
		SystemPrompt: "Summarize the extracted data into a clear, complete prose report addressing the user's instructions.",
		UserPrompt:   fmt.Sprintf("Instructions: %s\n\nExtracted data:\n%s", instructions, data),
		Tier:         cfg,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func tierForSize(size int) modelrouter.Tier {
	switch {
	case size < lowTierCutoff:
		return modelrouter.TierLowest
	case size < midTierCutoff:
		return modelrouter.TierMid
	default:
		return modelrouter.TierHighest
	}
}

func marshalAll(values []models.Value) ([]byte, error) {
	return json.Marshal(values)
}

// chunkBySize splits data on UTF-8-safe boundaries into pieces no larger
// than maxSize.
func chunkBySize(data []byte, maxSize int) [][]byte {
	if len(data) <= maxSize {
		return [][]byte{data}
	}
	var chunks [][]byte
	for len(data) > 0 {
		end := maxSize
		if end > len(data) {
			end = len(data)
		}
		for end < len(data) && !isUTF8Boundary(data[end]) {
			end++
		}
		chunks = append(chunks, data[:end])
		data = data[end:]
	}
	return chunks
}

func isUTF8Boundary(b byte) bool {
	return b&0xC0 != 0x80
}
