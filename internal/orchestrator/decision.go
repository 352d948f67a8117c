package orchestrator

import (
	"github.com/ternarybob/atlascodex/internal/models"
)

// strategy is the decide step's chosen course of action for one iteration.
type strategy string

const (
	strategySinglePage strategy = "single_page"
	strategyMultiAgent strategy = "multi_agent"
	strategyPagination strategy = "pagination"
	strategyStop       strategy = "stop"
)

// paginationDecision is the decide step's view of whether the current page
// has a successor worth visiting.
type paginationDecision struct {
	HasNext             bool   `json:"has_next"`
	NextPageURL         string `json:"next_page_url"`
	Type                string `json:"type"`
	EstimatedTotalPages int    `json:"estimated_total_pages"`
}

// decision is the parsed output of one decide-step model call.
type decision struct {
	Strategy           strategy                  `json:"strategy"`
	Reasoning          string                    `json:"reasoning"`
	AgentsNeeded       int                       `json:"agents_needed"`
	ExtractionTargets  []models.ExtractionTarget `json:"extraction_targets"`
	Pagination         paginationDecision        `json:"pagination"`
	StopRecommendation bool                      `json:"stop_recommendation"`
	Confidence         float64                   `json:"confidence"`
}

// fallbackDecision is used when the model's decision fails to parse or
// times out: it targets the current URL alone, never blocking the loop on
// a single bad model response.
func fallbackDecision(currentURL string) decision {
	return decision{
		Strategy:  strategySinglePage,
		Reasoning: "fallback: decision call failed or returned unparseable output",
		ExtractionTargets: []models.ExtractionTarget{
			{AgentID: "fallback-0", URL: currentURL, Priority: 1},
		},
	}
}
