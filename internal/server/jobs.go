package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/atlascodex/internal/apperr"
	"github.com/ternarybob/atlascodex/internal/lifecycle"
	"github.com/ternarybob/atlascodex/internal/models"
	"github.com/ternarybob/atlascodex/internal/store"
)

// submitJobRequest is the inbound wire shape for POST /api/jobs.
type submitJobRequest struct {
	URL          string          `json:"url"`
	Type         models.JobType  `json:"type"`
	Instructions string          `json:"instructions"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	MaxPages     int             `json:"max_pages,omitempty"`
	MaxLinks     int             `json:"max_links,omitempty"`
	MaxDepth     int             `json:"max_depth,omitempty"`
	TimeoutSecs  int             `json:"timeout_seconds,omitempty"`
	StopPatterns []string        `json:"stop_patterns,omitempty"`
	LinkInclude  []string        `json:"link_include_patterns,omitempty"`
	LinkExclude  []string        `json:"link_exclude_patterns,omitempty"`
	TierPref     string          `json:"model_tier_preference,omitempty"`
	Autonomous   bool            `json:"autonomous,omitempty"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty"`
}

// handleJobsCollection routes POST /api/jobs (submit) and GET /api/jobs
// (list).
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var timeout time.Duration
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	job, err := s.app.Lifecycle.SubmitJob(r.Context(), lifecycle.CreateRequest{
		URL:          req.URL,
		Type:         req.Type,
		Instructions: req.Instructions,
		OutputSchema: req.OutputSchema,
		MaxPages:     req.MaxPages,
		MaxLinks:     req.MaxLinks,
		MaxDepth:     req.MaxDepth,
		Timeout:      timeout,
		StopPatterns: req.StopPatterns,
		LinkInclude:  req.LinkInclude,
		LinkExclude:  req.LinkExclude,
		TierPref:     req.TierPref,
		Autonomous:   req.Autonomous,
		FeatureFlags: req.FeatureFlags,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{
		Status:    models.JobStatus(q.Get("status")),
		Type:      models.JobType(q.Get("type")),
		OrderDesc: true,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = offset
	}

	result, err := s.app.Lifecycle.ListJobs(r.Context(), opts)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleJobItem routes /api/jobs/{id} and its subpaths (cancel, retry).
func (s *Server) handleJobItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(path, "/cancel"); ok && r.Method == http.MethodPost {
		s.cancelJob(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/retry"); ok && r.Method == http.MethodPost {
		s.retryJob(w, r, id)
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, id)
	case http.MethodDelete:
		s.deleteJob(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.app.Lifecycle.GetJob(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.Lifecycle.DeleteJob(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.Lifecycle.CancelJob(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.Lifecycle.RetryJob(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppErr maps an apperr.Kind to the matching HTTP status, defaulting
// to 500 for anything unrecognized or not an *apperr.Error.
func writeAppErr(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidTransition:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.KindAlreadyExists:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
