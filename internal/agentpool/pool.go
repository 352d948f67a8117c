// Package agentpool implements the Agent Pool: bounded-concurrency workers
// that each fetch one extraction target and run a single model call
// against it, escalating to a higher tier once when the result looks too
// thin for a prompt that asked for exhaustive coverage.
package agentpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/fetcher"
	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/models"
)

// defaultAgentDeadline bounds one agent's work, strictly inside the batch
// deadline the caller supplies.
const defaultAgentDeadline = 20 * time.Second

// thinResultThreshold is how few array items a first-pass extraction must
// produce, against a prompt asking for "all"/"every" item, before the
// agent pool pays for a second call at a higher tier.
const thinResultThreshold = 3

// generator is the subset of modelrouter.Router the pool depends on. A
// *modelrouter.Router satisfies it directly; tests supply a fake.
type generator interface {
	BoundTier(tier modelrouter.Tier, format modelrouter.OutputFormat) modelrouter.TierConfig
	Generate(ctx context.Context, req modelrouter.Request) (*modelrouter.Response, error)
}

// Request carries the job-level extraction instructions shared by every
// agent in one batch.
type Request struct {
	Instructions string
	OutputSchema map[string]interface{}
}

// Pool runs extraction targets through C5 (fetch) and C4 (extract) with
// bounded concurrency.
type Pool struct {
	fetcher     *fetcher.Fetcher
	router      generator
	concurrency int
	logger      arbor.ILogger
}

// New builds a Pool. concurrency <= 0 means "no cap" (all targets run
// concurrently). router only needs to satisfy generator; a *modelrouter.Router
// does so directly, and tests may supply a fake.
func New(f *fetcher.Fetcher, router generator, concurrency int, logger arbor.ILogger) *Pool {
	return &Pool{fetcher: f, router: router, concurrency: concurrency, logger: logger}
}

// Run processes targets, sorted by priority descending (agentId breaking
// ties), up to p.concurrency at once; the rest drain the same worker pool
// FIFO as slots free up. Results are returned in the same sorted order
// regardless of completion order, so the caller can merge deterministically.
func (p *Pool) Run(ctx context.Context, targets []models.ExtractionTarget, req Request, batchDeadline time.Time) []models.AgentResult {
	if len(targets) == 0 {
		return nil
	}

	sorted := make([]models.ExtractionTarget, len(targets))
	copy(sorted, targets)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].AgentID < sorted[j].AgentID
	})

	concurrency := p.concurrency
	if concurrency <= 0 || concurrency > len(sorted) {
		concurrency = len(sorted)
	}

	results := make([]models.AgentResult, len(sorted))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = p.runOne(ctx, sorted[idx], req, batchDeadline)
			}
		}()
	}
	for idx := range sorted {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	return results
}

func (p *Pool) runOne(ctx context.Context, target models.ExtractionTarget, req Request, batchDeadline time.Time) models.AgentResult {
	deadline := time.Now().Add(defaultAgentDeadline)
	if deadline.After(batchDeadline) {
		deadline = batchDeadline
	}
	agentCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	page, err := p.extract(agentCtx, target, req, deadline, modelrouter.TierMid)
	if err != nil {
		p.logger.Warn().Err(err).Str("agent_id", target.AgentID).Str("url", target.URL).Msg("agent pool: extraction failed")
		return models.AgentResult{Target: target, Err: err, ErrMsg: err.Error()}
	}

	if needsExhaustiveRetry(req.Instructions, page.Data) {
		retried, rerr := p.extract(agentCtx, target, req, deadline, modelrouter.TierHighest)
		if rerr == nil {
			page = retried
		} else {
			p.logger.Debug().Err(rerr).Str("agent_id", target.AgentID).Msg("agent pool: exhaustive retry failed, keeping first pass")
		}
	}

	return models.AgentResult{Target: target, Page: page}
}

func (p *Pool) extract(ctx context.Context, target models.ExtractionTarget, req Request, deadline time.Time, tier modelrouter.Tier) (*models.PageResult, error) {
	fetched, err := p.fetcher.Fetch(ctx, target.URL, fetcher.Options{}, deadline)
	if err != nil {
		return nil, fmt.Errorf("agent %s: fetch failed: %w", target.AgentID, err)
	}

	tierCfg := p.router.BoundTier(tier, outputFormat(req.OutputSchema))
	resp, err := p.router.Generate(ctx, modelrouter.Request{
		SystemPrompt: extractionSystemPrompt(tier == modelrouter.TierHighest),
		UserPrompt:   extractionUserPrompt(fetched, req),
		Tier:         tierCfg,
		OutputSchema: req.OutputSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: model call failed: %w", target.AgentID, err)
	}

	var value models.Value
	if err := json.Unmarshal([]byte(resp.Text), &value); err != nil {
		return nil, fmt.Errorf("agent %s: model returned non-JSON response: %w", target.AgentID, err)
	}

	return &models.PageResult{
		URL:        target.URL,
		Data:       value,
		FetchedAt:  fetched.FetchedAt,
		StatusCode: fetched.HTTPStatus,
	}, nil
}

func outputFormat(schema map[string]interface{}) modelrouter.OutputFormat {
	if len(schema) > 0 {
		return modelrouter.OutputFormatSchema
	}
	return modelrouter.OutputFormatJSON
}

// needsExhaustiveRetry reports whether a first-pass result looks too thin
// for a prompt that asked for exhaustive coverage ("all"/"every").
func needsExhaustiveRetry(instructions string, data models.Value) bool {
	if data.Kind != models.ValueKindArray {
		return false
	}
	if data.LengthHint() >= thinResultThreshold {
		return false
	}
	lower := strings.ToLower(instructions)
	return strings.Contains(lower, "all ") || strings.Contains(lower, "every ") ||
		strings.HasSuffix(lower, "all") || strings.HasSuffix(lower, "every")
}

func extractionSystemPrompt(exhaustive bool) string {
	if exhaustive {
		return "Extract structured data from the page content. Be exhaustive: " +
			"the previous pass under-counted, so return every matching item, " +
			"not a representative sample. Respond with JSON only."
	}
	return "Extract structured data from the page content per the user's instructions. Respond with JSON only."
}

func extractionUserPrompt(fetched *fetcher.Result, req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instructions: %s\n\n", req.Instructions)
	if fetched.Metadata.Title != "" {
		fmt.Fprintf(&b, "Page title: %s\n", fetched.Metadata.Title)
	}
	b.WriteString("Page content (markdown):\n")
	b.WriteString(fetched.Markdown)
	return b.String()
}
