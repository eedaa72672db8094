package domain

import (
	"errors"
	"strings"
	"time"
)

// StepStatus is the lifecycle state of one step attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the attempt reached a final state.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// StepExecution records one attempt of one step within a run. New attempts
// create new records; finished attempts are never overwritten, so the run
// log preserves the full retry history.
type StepExecution struct {
	ID           string
	TenantID     string
	RunID        string
	StepID       string
	Attempt      int
	Status       StepStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	ErrorCode    string
	ErrorMessage string
}

func (e StepExecution) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.StepID) == "" {
		return errors.New("step id is required")
	}
	if e.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if strings.TrimSpace(string(e.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}
