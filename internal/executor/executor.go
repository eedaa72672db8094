// Package executor runs single pipeline steps: processor dispatch, per
// attempt timeout, fixed-delay retry, and one immutable step execution
// record per attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
	"github.com/datalift-hq/datalift-go/internal/resolver"
)

// Error codes recorded on failed step executions.
const (
	ErrorCodeTimeout          = "timeout"
	ErrorCodeProcessor        = "processor_error"
	ErrorCodeWrite            = "write_error"
	ErrorCodeUnknownProcessor = "unknown_processor"
	ErrorCodeSkipped          = "dependency_failed"
)

// ExecutionContext carries the run-scoped values a processor needs.
type ExecutionContext struct {
	TenantID     string
	RunID        string
	CredentialID string
	Key          domain.LineageKey
	DateStart    string
	DateEnd      string
	Logger       *slog.Logger
}

// StepResult is the terminal outcome of one step after all attempts.
type StepResult struct {
	StepID   string
	Status   domain.StepStatus
	Attempts int
	Err      error
}

type Executor struct {
	registry *Registry
	steps    repo.StepExecutionRepository
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

func New(registry *Registry, steps repo.StepExecutionRepository, logger *slog.Logger) *Executor {
	if registry == nil || steps == nil || logger == nil {
		return nil
	}
	return &Executor{
		registry: registry,
		steps:    steps,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Execute runs one resolved step to its terminal outcome. Every attempt
// produces its own step execution record; a step is terminally failed only
// after the retry budget is exhausted.
func (e *Executor) Execute(ctx context.Context, step resolver.PlanStep, ec ExecutionContext) StepResult {
	processor, ok := e.registry.Get(step.ProcessorType)
	if !ok {
		err := &domain.ProcessorError{
			StepID:        step.StepID,
			ProcessorType: step.ProcessorType,
			Err:           fmt.Errorf("no processor registered"),
		}
		e.recordAttempt(ctx, step, ec, 1, domain.StepStatusFailed, ErrorCodeUnknownProcessor, err.Error())
		return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: 1, Err: err}
	}

	retry := step.Retry.Normalize()
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		startedAt := e.now().UTC()
		if _, _, err := e.steps.InsertAttempt(ctx, domain.StepExecution{
			TenantID:  ec.TenantID,
			RunID:     ec.RunID,
			StepID:    step.StepID,
			Attempt:   attempt,
			Status:    domain.StepStatusRunning,
			StartedAt: startedAt,
		}); err != nil {
			return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: attempt, Err: fmt.Errorf("record attempt: %w", err)}
		}

		err := e.runAttempt(ctx, processor, step, ec)
		endedAt := e.now().UTC()
		if err == nil {
			if finishErr := e.steps.FinishAttempt(ctx, ec.TenantID, ec.RunID, step.StepID, attempt, domain.StepStatusSucceeded, "", "", endedAt); finishErr != nil {
				return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: attempt, Err: fmt.Errorf("finish attempt: %w", finishErr)}
			}
			return StepResult{StepID: step.StepID, Status: domain.StepStatusSucceeded, Attempts: attempt}
		}

		lastErr = err
		code := classifyError(err)
		if finishErr := e.steps.FinishAttempt(ctx, ec.TenantID, ec.RunID, step.StepID, attempt, domain.StepStatusFailed, code, err.Error(), endedAt); finishErr != nil {
			return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: attempt, Err: fmt.Errorf("finish attempt: %w", finishErr)}
		}
		e.logger.Warn("step attempt failed",
			"tenant_id", ec.TenantID,
			"run_id", ec.RunID,
			"step_id", step.StepID,
			"attempt", attempt,
			"max_attempts", retry.MaxAttempts,
			"error_code", code,
			"error", err,
		)

		if attempt < retry.MaxAttempts {
			if sleepErr := e.sleep(ctx, retry.Backoff()); sleepErr != nil {
				return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: attempt, Err: sleepErr}
			}
		}
	}

	return StepResult{StepID: step.StepID, Status: domain.StepStatusFailed, Attempts: retry.MaxAttempts, Err: lastErr}
}

// MarkSkipped records a skipped attempt for each step, used for downstream
// waves after a terminal step failure.
func (e *Executor) MarkSkipped(ctx context.Context, steps []resolver.PlanStep, ec ExecutionContext, reason string) error {
	now := e.now().UTC()
	for _, step := range steps {
		ended := now
		if _, _, err := e.steps.InsertAttempt(ctx, domain.StepExecution{
			TenantID:     ec.TenantID,
			RunID:        ec.RunID,
			StepID:       step.StepID,
			Attempt:      1,
			Status:       domain.StepStatusSkipped,
			StartedAt:    now,
			EndedAt:      &ended,
			ErrorCode:    ErrorCodeSkipped,
			ErrorMessage: reason,
		}); err != nil {
			return fmt.Errorf("record skipped step %s: %w", step.StepID, err)
		}
	}
	return nil
}

// runAttempt invokes the processor under the step timeout. A deadline expiry
// is surfaced as a TimeoutError; any other failure as a ProcessorError
// unless the processor already returned a typed domain error.
func (e *Executor) runAttempt(ctx context.Context, processor Processor, step resolver.PlanStep, ec ExecutionContext) error {
	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	_, err := processor.Run(attemptCtx, step.Config, ec)
	if err == nil {
		return nil
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return &domain.TimeoutError{StepID: step.StepID, Timeout: step.Timeout}
	}
	var writeErr *domain.WriteError
	if errors.As(err, &writeErr) {
		return err
	}
	return &domain.ProcessorError{StepID: step.StepID, ProcessorType: step.ProcessorType, Err: err}
}

func classifyError(err error) string {
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrorCodeTimeout
	}
	var writeErr *domain.WriteError
	if errors.As(err, &writeErr) {
		return ErrorCodeWrite
	}
	return ErrorCodeProcessor
}

func (e *Executor) recordAttempt(ctx context.Context, step resolver.PlanStep, ec ExecutionContext, attempt int, status domain.StepStatus, code, message string) {
	now := e.now().UTC()
	ended := now
	if _, _, err := e.steps.InsertAttempt(ctx, domain.StepExecution{
		TenantID:     ec.TenantID,
		RunID:        ec.RunID,
		StepID:       step.StepID,
		Attempt:      attempt,
		Status:       status,
		StartedAt:    now,
		EndedAt:      &ended,
		ErrorCode:    code,
		ErrorMessage: message,
	}); err != nil {
		e.logger.Error("record step attempt failed",
			"tenant_id", ec.TenantID,
			"run_id", ec.RunID,
			"step_id", step.StepID,
			"error", err,
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
