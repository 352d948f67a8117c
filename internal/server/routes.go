// -----------------------------------------------------------------------
// Last Modified: Thursday, 9th October 2025 8:53:55 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package server

import "net/http"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event edge
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Job submission and inspection
	mux.HandleFunc("/api/jobs", s.handleJobsCollection)
	mux.HandleFunc("/api/jobs/", s.handleJobItem) // /{id}, /{id}/cancel, /{id}/retry

	// System
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return mux
}
