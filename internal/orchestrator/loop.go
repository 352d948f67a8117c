// Package orchestrator implements the Orchestration Loop: the per-job
// decide -> fetch -> extract -> paginate -> synthesize state machine, plus
// the worker-pool dispatcher that pulls jobs off the queue to drive it.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atlascodex/internal/agentpool"
	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/common"
	"github.com/ternarybob/atlascodex/internal/fetcher"
	"github.com/ternarybob/atlascodex/internal/modelrouter"
	"github.com/ternarybob/atlascodex/internal/models"
	"github.com/ternarybob/atlascodex/internal/synthesizer"
)

// gracefulShutdownGuard stops the loop well before jobDeadline so the
// final status write and any cleanup always have room to run.
const gracefulShutdownGuard = 60 * time.Second

// politenessDelay is paused between loop iterations against the same job.
const politenessDelay = 1500 * time.Millisecond

const defaultMaxLinksPerPage = 50

// generator is the subset of modelrouter.Router the decide step depends
// on. A *modelrouter.Router satisfies it directly; tests supply a fake.
type generator interface {
	BoundTier(tier modelrouter.Tier, format modelrouter.OutputFormat) modelrouter.TierConfig
	Generate(ctx context.Context, req modelrouter.Request) (*modelrouter.Response, error)
}

// Outcome is what Run reports once the loop exits: Status is completed or
// failed, never timeout.
type Outcome struct {
	Status models.JobStatus
	Result models.JobResult
	Err    *models.JobError
}

// Loop drives one job through the decide/fetch/extract/paginate/synthesize
// state machine.
type Loop struct {
	router  generator
	fetcher *fetcher.Fetcher
	agents  *agentpool.Pool
	synth   *synthesizer.Synthesizer
	cfg     *common.OrchestratorConfig
	logger  arbor.ILogger
}

// New builds a Loop sharing the process's model router, fetcher, agent
// pool, and synthesizer. router only needs to satisfy generator; a
// *modelrouter.Router does so directly, and tests may supply a fake.
func New(router generator, f *fetcher.Fetcher, agents *agentpool.Pool, synth *synthesizer.Synthesizer, cfg *common.OrchestratorConfig, logger arbor.ILogger) *Loop {
	return &Loop{router: router, fetcher: f, agents: agents, synth: synth, cfg: cfg, logger: logger}
}

// Run executes the orchestration loop for job until it stops, the job
// deadline is hit, or the loop's max-iterations guard trips. It never
// returns an error: every failure mode resolves to an Outcome whose Status
// is completed (possibly with TimeoutFallback set), failed, or carries a
// partial result, per the documented failure semantics.
func (l *Loop) Run(ctx context.Context, job *models.Job, jobDeadline time.Time) Outcome {
	state := models.NewOrchestratorState(job.ID)
	params := job.Params

	pageQueue := []string{job.URL}
	var pages []models.PageResult
	var extracted []models.Value
	currentPage := 1
	totalLinksFound := 0
	var loopErr error

	for len(pageQueue) > 0 {
		if time.Until(jobDeadline) < gracefulShutdownGuard {
			state.RecordDecision(models.PhaseTimeout, "graceful shutdown guard: deadline approaching")
			break
		}
		if params.MaxPages > 0 && len(pages) >= params.MaxPages {
			state.RecordDecision(models.PhaseDone, "max pages reached")
			break
		}
		if params.MaxLinks > 0 && totalLinksFound >= params.MaxLinks {
			state.RecordDecision(models.PhaseDone, "max links reached")
			break
		}
		if params.MaxDepth > 0 && currentPage > params.MaxDepth {
			state.RecordDecision(models.PhaseDone, "max depth reached")
			break
		}
		if l.cfg.MaxIterations > 0 && state.Iteration >= l.cfg.MaxIterations {
			state.RecordDecision(models.PhaseDone, "max iterations reached")
			break
		}

		currentURL := pageQueue[0]
		pageQueue = pageQueue[1:]
		if state.Seen(currentURL) {
			continue
		}
		state.MarkSeen(currentURL)
		state.Iteration++

		func() {
			defer func() {
				if r := recover(); r != nil {
					loopErr = fmt.Errorf("iteration %d panicked: %v", state.Iteration, r)
					l.logger.Warn().Interface("panic", r).Str("job_id", job.ID).Msg("orchestrator: iteration panicked, continuing with remaining pagination")
				}
			}()

			iterationDeadline := jobDeadline
			if remaining := time.Until(jobDeadline); remaining > 90*time.Second {
				iterationDeadline = time.Now().Add(remaining / 2)
			}

			state.Phase = models.PhaseFetching
			fetched, err := l.fetcher.Fetch(ctx, currentURL, fetcher.Options{}, iterationDeadline)
			if err != nil {
				l.logger.Warn().Err(err).Str("url", currentURL).Msg("orchestrator: fetch failed, advancing to next queued page")
				return
			}

			links := filterLinks(fetched.Links, currentURL, params.LinkIncludePatterns, params.LinkExcludePatterns)
			if params.MaxLinks > 0 && len(links) > params.MaxLinks-totalLinksFound {
				links = links[:max(0, params.MaxLinks-totalLinksFound)]
			}
			totalLinksFound += len(links)

			state.Phase = models.PhaseDeciding
			d := l.decide(ctx, job, state, currentURL, links, preview(fetched.Markdown), iterationDeadline)
			state.RecordDecision(models.PhaseDeciding, d.Reasoning)

			if d.Strategy == strategyStop {
				if len(extracted) > 0 {
					state.Phase = models.PhaseDone
					pageQueue = nil
					return
				}
				d = fallbackDecision(currentURL)
			}

			targets := d.ExtractionTargets
			if len(targets) == 0 {
				targets = []models.ExtractionTarget{{AgentID: "seed-0", URL: currentURL, Priority: 1}}
			}

			state.Phase = models.PhaseExtracting
			results := l.agents.Run(ctx, targets, agentpool.Request{
				Instructions: params.Instructions,
				OutputSchema: schemaAsMap(params.OutputSchema),
			}, iterationDeadline)

			for _, r := range results {
				if r.Err != nil || r.Page == nil {
					continue
				}
				pages = append(pages, *r.Page)
				extracted = append(extracted, r.Page.Data)
			}

			state.Phase = models.PhasePaginating
			if d.Pagination.HasNext && d.Pagination.NextPageURL != "" && !state.Seen(d.Pagination.NextPageURL) {
				pageQueue = append(pageQueue, d.Pagination.NextPageURL)
				currentPage++
			}
		}()

		if len(pageQueue) > 0 {
			select {
			case <-ctx.Done():
				pageQueue = nil
			case <-time.After(politenessDelay):
			}
		}
	}

	summary := models.OrchestratorSummary{
		Iterations:   state.Iteration,
		PagesVisited: len(pages),
		StopReason:   lastStopReason(state),
	}
	for tier := range state.ModelTiersUsed {
		summary.ModelTiersUsed = append(summary.ModelTiersUsed, tier)
	}

	if loopErr != nil && len(extracted) == 0 {
		return Outcome{
			Status: models.JobStatusFailed,
			Err:    &models.JobError{Kind: string(apperr.KindInternal), Message: loopErr.Error()},
		}
	}

	synthesisDeadline := jobDeadline
	synthesisText, synthErr := l.synth.Synthesize(ctx, extracted, params.Instructions, synthesisDeadline)
	if synthErr != nil {
		l.logger.Warn().Err(synthErr).Str("job_id", job.ID).Msg("orchestrator: synthesis failed")
		synthesisText = ""
	}

	result := models.JobResult{
		URL:                 job.URL,
		ExtractedData:       models.NewArray(extracted...),
		Pages:               pages,
		OrchestratorSummary: summary,
		Synthesis:           synthesisText,
	}

	if loopErr != nil {
		result.TimeoutFallback = true
		return Outcome{
			Status: models.JobStatusCompleted,
			Result: result,
			Err:    &models.JobError{Kind: "partial", Message: loopErr.Error()},
		}
	}

	return Outcome{Status: models.JobStatusCompleted, Result: result}
}

func (l *Loop) decide(ctx context.Context, job *models.Job, state *models.OrchestratorState, currentURL string, links []string, contentPreview string, deadline time.Time) decision {
	tierCfg := l.router.BoundTier(modelrouter.TierHighest, modelrouter.OutputFormatJSON)
	state.ModelTiersUsed[string(tierCfg.Tier)] = true

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resp, err := l.router.Generate(callCtx, modelrouter.Request{
		SystemPrompt: decideSystemPrompt,
		UserPrompt:   buildDecidePrompt(job, currentURL, links, contentPreview),
		Tier:         tierCfg,
	})
	if err != nil {
		l.logger.Debug().Err(err).Str("job_id", job.ID).Msg("orchestrator: decide call failed, using fallback decision")
		return fallbackDecision(currentURL)
	}

	var d decision
	if err := json.Unmarshal([]byte(resp.Text), &d); err != nil {
		l.logger.Debug().Err(err).Str("job_id", job.ID).Msg("orchestrator: decide response unparseable, using fallback decision")
		return fallbackDecision(currentURL)
	}
	return d
}

const decideSystemPrompt = "You control a web extraction job. Given the current page, decide whether to extract a " +
	"single page, dispatch multiple extraction agents, follow pagination, or stop. Respond with a single JSON object " +
	`matching: {"strategy": "single_page|multi_agent|pagination|stop", "reasoning": string, "agents_needed": int, ` +
	`"extraction_targets": [{"agent_id": string, "url": string, "priority": int, "depth": int}], ` +
	`"pagination": {"has_next": bool, "next_page_url": string, "type": string, "estimated_total_pages": int}, ` +
	`"stop_recommendation": bool, "confidence": number}.`

func buildDecidePrompt(job *models.Job, currentURL string, links []string, contentPreview string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User instructions: %s\n", job.Params.Instructions)
	fmt.Fprintf(&b, "Current URL: %s\n", currentURL)
	fmt.Fprintf(&b, "Discovered links (%d): %s\n", len(links), strings.Join(links, ", "))
	b.WriteString("Page content preview:\n")
	b.WriteString(contentPreview)
	return b.String()
}

func preview(markdown string) string {
	const maxPreview = 4000
	if len(markdown) <= maxPreview {
		return markdown
	}
	return markdown[:maxPreview]
}

func lastStopReason(state *models.OrchestratorState) string {
	if len(state.Decisions) == 0 {
		return "loop exited without a recorded decision"
	}
	return state.Decisions[len(state.Decisions)-1].Reason
}

func schemaAsMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// filterLinks applies the include/exclude patterns and the default
// same-host restriction to links discovered on sourceURL's page.
func filterLinks(links []string, sourceURL string, include, exclude []string) []string {
	source, err := url.Parse(sourceURL)
	if err != nil {
		return nil
	}

	includeRe := compilePatterns(include)
	excludeRe := compilePatterns(exclude)

	var filtered []string
	for _, link := range links {
		parsed, err := url.Parse(link)
		if err != nil {
			continue
		}
		if len(include) == 0 && parsed.Host != source.Host {
			continue
		}
		if matchesAny(excludeRe, link) {
			continue
		}
		if len(includeRe) > 0 && !matchesAny(includeRe, link) {
			continue
		}
		filtered = append(filtered, link)
		if len(filtered) >= defaultMaxLinksPerPage {
			break
		}
	}
	return filtered
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
