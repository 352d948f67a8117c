package server

import (
	"net/http"

	"github.com/ternarybob/atlascodex/internal/common"
)

// handleHealth reports the most recently taken health probe snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probe := s.app.Health.LastProbe()
	status := http.StatusOK
	if probe.Degraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, probe)
}

// handleVersion reports the running build's version string.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}

// handleConfig reports the non-secret subset of the running configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.app.Config
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"environment":  cfg.Environment,
		"server":       cfg.Server,
		"orchestrator": cfg.Orchestrator,
		"fetcher": map[string]interface{}{
			"user_agent":        cfg.Fetcher.UserAgent,
			"request_timeout":   cfg.Fetcher.RequestTimeout.String(),
			"browser_timeout":   cfg.Fetcher.BrowserTimeout.String(),
			"domain_rate_limit": cfg.Fetcher.DomainRateLimit.String(),
		},
	})
}
