package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the orchestrator-owned lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusValidating RunStatus = "validating"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionRunStatus enforces the run state machine:
// pending -> validating -> running -> completed | failed, with validating
// allowed to fail directly on configuration errors.
func CanTransitionRunStatus(current, next RunStatus) bool {
	switch current {
	case RunStatusPending:
		return next == RunStatusValidating
	case RunStatusValidating:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusPending):
		return RunStatusPending
	case string(RunStatusValidating):
		return RunStatusValidating
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusCompleted):
		return RunStatusCompleted
	case string(RunStatusFailed):
		return RunStatusFailed
	default:
		return ""
	}
}

// PipelineRun is one execution instance of a pipeline for a tenant. The
// status field is mutated only by the orchestrator and is terminal once
// completed or failed; the append-only audit trail lives in RunTransition.
type PipelineRun struct {
	ID           string
	TenantID     string
	Provider     string
	Domain       string
	PipelineID   string
	CredentialID string
	DateStart    string
	DateEnd      string
	Status       RunStatus
	StartedAt    time.Time
	EndedAt      *time.Time
	ErrorMessage string
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(r.PipelineID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(r.CredentialID) == "" {
		return errors.New("credential id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// LineageKey derives the output ownership key for the run. The run date is
// the end of the requested range, matching how ingestion pipelines tag a
// day's worth of output.
func (r PipelineRun) LineageKey() LineageKey {
	return LineageKey{
		TenantID:     r.TenantID,
		PipelineID:   r.PipelineID,
		CredentialID: r.CredentialID,
		RunDate:      r.DateEnd,
	}
}

// RunTransition is one append-only audit record of a run status change.
type RunTransition struct {
	ID         int64
	TenantID   string
	RunID      string
	FromStatus RunStatus
	ToStatus   RunStatus
	Reason     string
	OccurredAt time.Time
}

func (t RunTransition) Validate() error {
	if strings.TrimSpace(t.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("run id is required")
	}
	if NormalizeRunStatus(string(t.ToStatus)) == "" {
		return errors.New("to status is required")
	}
	return nil
}
