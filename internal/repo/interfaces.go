package repo

import (
	"context"
	"errors"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist or belongs
// to a different tenant.
var ErrNotFound = errors.New("not found")

type RunFilter struct {
	TenantID   string
	PipelineID string
	Status     domain.RunStatus
	Limit      int
}

// RunRepository persists pipeline runs. Status is mutated only by the
// orchestrator; UpdateRunStatus is the single write path after creation.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.PipelineRun) error
	GetRun(ctx context.Context, tenantID, runID string) (domain.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	UpdateRunStatus(ctx context.Context, tenantID, runID string, status domain.RunStatus, errorMessage string, endedAt *time.Time) error
}

// StepExecutionRepository persists per-attempt step records. InsertAttempt
// is idempotent on (tenant_id, run_id, step_id, attempt); the bool result
// reports whether a new record was created. FinishAttempt moves a running
// attempt to its terminal status exactly once.
type StepExecutionRepository interface {
	InsertAttempt(ctx context.Context, record domain.StepExecution) (domain.StepExecution, bool, error)
	FinishAttempt(ctx context.Context, tenantID, runID, stepID string, attempt int, status domain.StepStatus, errorCode, errorMessage string, endedAt time.Time) error
	ListByRun(ctx context.Context, tenantID, runID string) ([]domain.StepExecution, error)
}

// TransitionRepository appends run status transitions to the audit trail.
type TransitionRepository interface {
	Append(ctx context.Context, transition domain.RunTransition) (int64, error)
	ListByRun(ctx context.Context, tenantID, runID string) ([]domain.RunTransition, error)
}
