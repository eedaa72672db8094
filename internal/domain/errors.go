package domain

import (
	"fmt"
	"time"
)

// Limit names for QuotaExceededError.
const (
	LimitDaily      = "daily"
	LimitMonthly    = "monthly"
	LimitConcurrent = "concurrent"
)

// QuotaExceededError rejects a run request before any step executes. Limit
// names which plan limit failed the reservation guard.
type QuotaExceededError struct {
	TenantID string
	Limit    string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s: %s limit reached", e.TenantID, e.Limit)
}

// TenantInactiveError rejects a run request for a tenant whose billing state
// does not permit runs.
type TenantInactiveError struct {
	TenantID string
	State    BillingState
}

func (e *TenantInactiveError) Error() string {
	return fmt.Sprintf("tenant %s is not active: billing state %s", e.TenantID, e.State)
}

// TimeoutError marks a step attempt whose processor did not return within
// the step timeout. Eligible for retry.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}

// ProcessorError wraps an opaque failure from a step's processor. Eligible
// for retry.
type ProcessorError struct {
	StepID        string
	ProcessorType string
	Err           error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("step %s processor %s: %v", e.StepID, e.ProcessorType, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// WriteError marks a failed idempotent write to the analytical store.
// Eligible for retry: the delete-then-insert pattern makes re-running a
// write with the same lineage key safe.
type WriteError struct {
	Key LineageKey
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write for lineage key %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
