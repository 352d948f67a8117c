// Package fetcher implements the Page Fetcher: a five-rung escalation
// ladder that turns a URL into HTML/markdown content, stopping at the
// first rung that yields non-trivial results.
package fetcher

import (
	"strings"
	"time"
)

// Method names which rung of the ladder produced a Result.
type Method string

const (
	MethodHead            Method = "head"
	MethodHTTP            Method = "http"
	MethodBrowser         Method = "browser"
	MethodRotatedHeaders  Method = "rotated_headers"
	MethodFixedDelayRetry Method = "fixed_delay_retry"
)

// Options customizes one Fetch call. Zero value uses package defaults.
type Options struct {
	UserAgent       string
	WaitForSelector string
	RecordAPICalls  bool
}

// Metadata carries whatever JSON-LD / meta-tag harvesting succeeded on a
// successfully-fetched HTML page.
type Metadata struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	JSONLD      []map[string]any  `json:"json_ld,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
}

// Result is the outcome of one successful Fetch.
type Result struct {
	URL          string
	HTML         string
	Markdown     string
	Metadata     Metadata
	Links        []string
	Method       Method
	HTTPStatus   int
	APICandidates []string
	FetchedAt    time.Time
}

// isNonTrivial is the acceptance test the ladder applies to each rung's
// output: short or JS-gated bodies don't count as a real result.
func isNonTrivial(body string) bool {
	const minBodyLength = 200
	if len(body) < minBodyLength {
		return false
	}
	lower := strings.ToLower(body)
	for _, sentinel := range []string{
		"requires javascript",
		"please enable javascript",
		"enable javascript to continue",
	} {
		if strings.Contains(lower, sentinel) {
			return false
		}
	}
	return true
}
