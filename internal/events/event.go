// Package events defines the lifecycle event stream emitted by scan workers.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobLeased Stage = "JOB_LEASED"
	StageJobDone   Stage = "JOB_DONE"
	StageJobRetry  Stage = "JOB_RETRY"
	StageJobError  Stage = "JOB_ERROR"
)

// Event captures a single milestone in a job's execution.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// URL is the audited page URL; it should not contain credentials.
	URL string
	// Attempt is the 1-based delivery attempt.
	Attempt int
	// Dur captures the audit latency for JOB_DONE and JOB_ERROR events.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobLeased, StageJobDone, StageJobRetry, StageJobError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
