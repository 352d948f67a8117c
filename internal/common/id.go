package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID.
func NewJobID() string {
	return uuid.New().String()
}

// NewCorrelationID generates a unique per-run correlation ID used to scope
// every log line emitted while processing one job.
func NewCorrelationID() string {
	return "job_" + uuid.New().String()
}

// NewAgentID generates a unique ID for one agent pool worker invocation.
func NewAgentID() string {
	return "agent_" + uuid.New().String()
}
