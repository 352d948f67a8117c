// Package models holds the canonical data shapes shared across every
// component: the job record, the extraction payload, queue envelopes and
// the orchestrator's working state.
package models

import (
	"encoding/json"
	"time"
)

// JobType distinguishes the shape of work a job represents.
type JobType string

const (
	JobTypeSyncExtract       JobType = "sync-extract"
	JobTypeScrape            JobType = "scrape"
	JobTypeCrawl             JobType = "crawl"
	JobTypeAutonomousExtract JobType = "autonomous-extract"
)

// JobStatus is one state in the job lifecycle state machine.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusTimeout    JobStatus = "timeout"
)

// transitions enumerates the legal edges of the job status state machine.
var transitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true,
		JobStatusCancelled:  true,
		JobStatusFailed:     true,
	},
	JobStatusProcessing: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
		JobStatusTimeout:   true,
	},
	JobStatusFailed: {
		JobStatusProcessing: true,
	},
	JobStatusCancelled: {
		JobStatusProcessing: true,
	},
	JobStatusTimeout: {
		JobStatusProcessing: true,
	},
	JobStatusCompleted: {},
}

// ValidTransition reports whether a job may move from one status to another.
// A status transitioning to itself is never valid; callers that want
// idempotent re-delivery should check for that case before calling this.
func ValidTransition(from, to JobStatus) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Terminal reports whether status is a terminal state of the machine.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted
}

// CurrentSchemaVersion is the schema version new jobs are written with.
const CurrentSchemaVersion = 1

// JobParams is the frozen configuration a job was submitted with.
type JobParams struct {
	Instructions         string          `json:"instructions"`
	OutputSchema         json.RawMessage `json:"output_schema,omitempty"`
	MaxPages             int             `json:"max_pages,omitempty"`
	MaxLinks             int             `json:"max_links,omitempty"`
	MaxDepth             int             `json:"max_depth,omitempty"`
	Timeout              time.Duration   `json:"timeout,omitempty"`
	StopPatterns         []string        `json:"stop_patterns,omitempty"`
	LinkIncludePatterns  []string        `json:"link_include_patterns,omitempty"`
	LinkExcludePatterns  []string        `json:"link_exclude_patterns,omitempty"`
	ModelTierPreference  string          `json:"model_tier_preference,omitempty"`
	Autonomous           bool            `json:"autonomous,omitempty"`
	FeatureFlags         map[string]bool `json:"feature_flags,omitempty"`
}

// JobError records the terminal failure reason for a job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// PageResult is one fetched-and-extracted page within a job.
type PageResult struct {
	URL        string    `json:"url"`
	Data       Value     `json:"data"`
	FetchedAt  time.Time `json:"fetched_at"`
	StatusCode int       `json:"status_code,omitempty"`
}

// OrchestratorSummary is the terminal snapshot of the decision loop that
// produced a job's result, kept for observability and replay debugging.
type OrchestratorSummary struct {
	Iterations      int    `json:"iterations"`
	PagesVisited    int    `json:"pages_visited"`
	StopReason      string `json:"stop_reason"`
	ModelTiersUsed  []string `json:"model_tiers_used,omitempty"`
}

// JobResult is the payload attached to a job once it leaves the
// processing state for completed, or a best-effort snapshot on timeout.
type JobResult struct {
	URL                 string              `json:"url"`
	ExtractedData       Value               `json:"extracted_data"`
	Pages               []PageResult        `json:"pages,omitempty"`
	OrchestratorSummary OrchestratorSummary `json:"orchestrator_summary"`
	Synthesis           string              `json:"synthesis,omitempty"`
	TimeoutFallback     bool                `json:"timeout_fallback,omitempty"`
	Truncated           bool                `json:"_truncated,omitempty"`
	TruncatedReason     string              `json:"_reason,omitempty"`
}

// LogEntry is one append-only entry in a job's log tail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// MaxLogEntries bounds the append-only log tail kept on a job record.
const MaxLogEntries = 200

// Job is the canonical, persisted record of one extraction request as it
// moves through the lifecycle state machine.
type Job struct {
	ID            string     `json:"id" badgerhold:"key"`
	Type          JobType    `json:"type"`
	Status        JobStatus  `json:"status" badgerholdIndex:"Status"`
	URL           string     `json:"url"`
	Params        JobParams  `json:"params"`
	Result        *JobResult `json:"result,omitempty"`
	Error         *JobError  `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at" badgerholdIndex:"CreatedAt"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Heartbeat     time.Time  `json:"heartbeat,omitempty"`
	Logs          []LogEntry `json:"logs,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	SchemaVersion int        `json:"schema_version"`
	TTL           *time.Time `json:"ttl,omitempty"`
}

// AppendLog appends a log entry, trimming the oldest entries past
// MaxLogEntries so the record never grows without bound.
func (j *Job) AppendLog(level, message string) {
	j.Logs = append(j.Logs, LogEntry{Timestamp: time.Now(), Level: level, Message: message})
	if len(j.Logs) > MaxLogEntries {
		j.Logs = j.Logs[len(j.Logs)-MaxLogEntries:]
	}
}

// DefaultTTL is how long a completed job record is retained before it
// becomes eligible for eviction.
const DefaultTTL = 7 * 24 * time.Hour
