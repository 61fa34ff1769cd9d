// Package scan defines core types shared across subsystems.
package scan

import (
	"time"
)

// JobStatus represents the lifecycle state of a scan job inside the broker.
type JobStatus string

// Job status values tracked by the broker.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusLeased    JobStatus = "leased"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further delivery occurs for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobPayload carries everything a worker needs to run one audit.
type JobPayload struct {
	SubmittedURL  string `json:"submitted_url"`
	OriginalJobID string `json:"original_job_id"`
}

// Job is the broker-owned unit of work: audit one URL.
type Job struct {
	ID        string     `json:"id"`
	Payload   JobPayload `json:"payload"`
	Attempts  int        `json:"attempts"`
	Status    JobStatus  `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	ErrorText string     `json:"error_text,omitempty"`
}

// Impact grades the severity of a violation.
type Impact string

// Impact levels reported by the audit engine.
const (
	ImpactMinor    Impact = "minor"
	ImpactModerate Impact = "moderate"
	ImpactSerious  Impact = "serious"
	ImpactCritical Impact = "critical"
)

// ViolationNode points at one affected element on the page.
type ViolationNode struct {
	HTMLSnippet     string   `json:"html"`
	TargetSelectors []string `json:"target"`
	FailureSummary  string   `json:"failure_summary"`
	Checks          []string `json:"checks,omitempty"`
}

// Violation is one detected accessibility rule failure.
type Violation struct {
	RuleID        string          `json:"rule_id"`
	Impact        Impact          `json:"impact,omitempty"`
	Description   string          `json:"description"`
	HelpText      string          `json:"help"`
	HelpURL       string          `json:"help_url"`
	Tags          []string        `json:"tags,omitempty"`
	AffectedNodes []ViolationNode `json:"nodes"`
}

// Result is the terminal outcome persisted for a job.
//
// Success implies Violations is present (possibly empty) and ErrorMessage is
// empty; failure implies the inverse. Screenshot is optional either way.
type Result struct {
	JobID         string      `json:"job_id"`
	OriginalJobID string      `json:"original_job_id"`
	SubmittedURL  string      `json:"submitted_url"`
	ActualURL     string      `json:"actual_url"`
	Timestamp     time.Time   `json:"timestamp"`
	PageTitle     string      `json:"page_title"`
	Success       bool        `json:"success"`
	Violations    []Violation `json:"violations,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Screenshot    []byte      `json:"screenshot,omitempty"`
}

// Outcome is what one audit pipeline run produces before persistence.
type Outcome struct {
	ActualURL    string
	PageTitle    string
	Success      bool
	Violations   []Violation
	ErrorMessage string
	Screenshot   []byte
	Duration     time.Duration
}

// ResultFor combines a job and its pipeline outcome into the durable record.
func ResultFor(job Job, out Outcome, at time.Time) Result {
	r := Result{
		JobID:         job.ID,
		OriginalJobID: job.Payload.OriginalJobID,
		SubmittedURL:  job.Payload.SubmittedURL,
		ActualURL:     out.ActualURL,
		Timestamp:     at,
		PageTitle:     out.PageTitle,
		Success:       out.Success,
		Screenshot:    out.Screenshot,
	}
	if out.Success {
		r.Violations = out.Violations
		if r.Violations == nil {
			r.Violations = []Violation{}
		}
	} else {
		r.ErrorMessage = out.ErrorMessage
		if r.ErrorMessage == "" {
			r.ErrorMessage = "scan failed for an unknown reason"
		}
	}
	return r
}
