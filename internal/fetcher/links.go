package fetcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
)

// linkExtractor discovers and filters outbound links from a fetched page,
// feeding the orchestration loop's target queue for multi-page jobs.
type linkExtractor struct {
	logger arbor.ILogger
}

func newLinkExtractor(logger arbor.ILogger) *linkExtractor {
	return &linkExtractor{logger: logger}
}

// linkFilterResult reports how many discovered links survived include/exclude
// pattern filtering, for surfacing in a job's decision log.
type linkFilterResult struct {
	Links          []string
	Found          int
	Filtered       int
	Excluded       int
	InvalidURLs    int
	IncludeMatches int
	ExcludeMatches int
}

// extractLinks discovers all <a href> and canonical/alternate/next/prev
// <link> URLs in html, resolved against sourceURL and deduplicated. <img
// src> URLs are not collected.
func (le *linkExtractor) extractLinks(html string, sourceURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html for link extraction: %w", err)
	}

	baseURL, err := url.Parse(sourceURL)
	if err != nil {
		le.logger.Warn().Err(err).Str("source_url", sourceURL).Msg("failed to parse source url for link resolution")
		baseURL = nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || le.shouldSkip(href) {
			return
		}
		if resolved := le.resolve(href, baseURL); resolved != "" && !seen[resolved] {
			seen[resolved] = true
			links = append(links, resolved)
		}
	})

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, hasHref := s.Attr("href")
		rel, hasRel := s.Attr("rel")
		if !hasHref || href == "" || !hasRel {
			return
		}
		if rel != "canonical" && rel != "alternate" && rel != "next" && rel != "prev" {
			return
		}
		if resolved := le.resolve(href, baseURL); resolved != "" && !seen[resolved] {
			seen[resolved] = true
			links = append(links, resolved)
		}
	})

	le.logger.Debug().Str("source_url", sourceURL).Int("links_found", len(links)).Msg("links extracted")
	return links, nil
}

func (le *linkExtractor) shouldSkip(href string) bool {
	href = strings.ToLower(strings.TrimSpace(href))
	switch {
	case href == "":
		return true
	case strings.HasPrefix(href, "#"):
		return true
	case strings.HasPrefix(href, "javascript:"),
		strings.HasPrefix(href, "mailto:"),
		strings.HasPrefix(href, "tel:"),
		strings.HasPrefix(href, "sms:"),
		strings.HasPrefix(href, "ftp:"),
		strings.HasPrefix(href, "data:"):
		return true
	}
	return false
}

func (le *linkExtractor) resolve(href string, baseURL *url.URL) string {
	if baseURL == nil {
		if parsed, err := url.Parse(href); err == nil && parsed.IsAbs() {
			return parsed.String()
		}
		return ""
	}
	resolved, err := baseURL.Parse(href)
	if err != nil {
		le.logger.Debug().Err(err).Str("href", href).Msg("failed to resolve link")
		return ""
	}
	return resolved.String()
}

// filterLinks keeps only links matching includePatterns (if any) and not
// matching excludePatterns, both compiled as regular expressions.
func (le *linkExtractor) filterLinks(links []string, includePatterns, excludePatterns []string) *linkFilterResult {
	result := &linkFilterResult{Found: len(links)}

	includeRegexes := le.compilePatterns(includePatterns)
	excludeRegexes := le.compilePatterns(excludePatterns)

	for _, link := range links {
		if _, err := url.Parse(link); err != nil {
			result.InvalidURLs++
			continue
		}

		included := len(includeRegexes) == 0
		for _, re := range includeRegexes {
			if re.MatchString(link) {
				included = true
				result.IncludeMatches++
				break
			}
		}
		if !included {
			result.Excluded++
			continue
		}

		excluded := false
		for _, re := range excludeRegexes {
			if re.MatchString(link) {
				excluded = true
				result.ExcludeMatches++
				break
			}
		}
		if excluded {
			result.Excluded++
			continue
		}

		result.Links = append(result.Links, link)
	}

	result.Filtered = len(result.Links)
	le.logger.Debug().
		Int("found", result.Found).
		Int("filtered", result.Filtered).
		Int("excluded", result.Excluded).
		Msg("link filtering completed")

	return result
}

func (le *linkExtractor) compilePatterns(patterns []string) []*regexp.Regexp {
	var regexes []*regexp.Regexp
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			le.logger.Warn().Err(err).Str("pattern", pattern).Msg("invalid link filter pattern, skipping")
			continue
		}
		regexes = append(regexes, re)
	}
	return regexes
}
