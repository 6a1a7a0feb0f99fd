package work

import (
	"context"
	"time"
)

// Job IDs of the recurring jobs
const (
	JobMarket    = "market:quotes"
	JobNews      = "news:refresh"
	JobSentiment = "sentiment:refresh"
	JobAI        = "ai:analysis"
	JobPatterns  = "patterns:scan"
	JobCleanup   = "cache:cleanup"
)

// Job is a recurring unit of work registered with the orchestrator.
type Job struct {
	// ID is the unique identifier for this job (e.g., "market:quotes").
	ID string

	// Interval is the base time between runs, before jitter.
	Interval time.Duration

	// Enabled jobs are scheduled on Start; disabled jobs only run when triggered manually.
	Enabled bool

	// Run performs one execution of the job.
	Run func(ctx context.Context) error
}

// JobStatus is a read-only view of a registered job
type JobStatus struct {
	ID            string     `json:"id"`
	Interval      string     `json:"interval"`
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	LastCompleted *time.Time `json:"last_completed,omitempty"`
	LastFailed    *time.Time `json:"last_failed,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
