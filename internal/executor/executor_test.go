package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo/memory"
	"github.com/datalift-hq/datalift-go/internal/resolver"
)

func testExecutionContext() ExecutionContext {
	return ExecutionContext{
		TenantID:     "acme",
		RunID:        "run-1",
		CredentialID: "primary",
		Key: domain.LineageKey{
			TenantID:     "acme",
			PipelineID:   "cost-report",
			CredentialID: "primary",
			RunDate:      "2026-08-25",
		},
		DateStart: "2026-08-24",
		DateEnd:   "2026-08-25",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestExecutor(t *testing.T, registry *Registry) (*Executor, *memory.StepExecutionStore, *[]time.Duration) {
	t.Helper()
	steps := memory.NewStepExecutionStore()
	exec := New(registry, steps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if exec == nil {
		t.Fatal("expected executor")
	}
	sleeps := &[]time.Duration{}
	exec.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return exec, steps, sleeps
}

func planStep(processorType string, retry domain.RetryPolicy) resolver.PlanStep {
	return resolver.PlanStep{
		StepID:        "extract",
		ProcessorType: processorType,
		Config:        map[string]string{},
		Timeout:       time.Second,
		Retry:         retry.Normalize(),
	}
}

func TestExecuteSuccessRecordsOneAttempt(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("ok", ProcessorFunc(func(context.Context, map[string]string, ExecutionContext) (Output, error) {
		return Output{"rows": 3}, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, steps, sleeps := newTestExecutor(t, registry)

	result := exec.Execute(context.Background(), planStep("ok", domain.RetryPolicy{MaxAttempts: 3}), testExecutionContext())
	if result.Status != domain.StepStatusSucceeded {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", result.Attempts)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("expected no backoff sleeps, got %v", *sleeps)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].Status != domain.StepStatusSucceeded {
		t.Fatalf("expected succeeded record, got %s", records[0].Status)
	}
	if records[0].EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
}

func TestExecuteRetriesWithFixedBackoff(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	if err := registry.Register("flaky", ProcessorFunc(func(context.Context, map[string]string, ExecutionContext) (Output, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("transient failure %d", calls)
		}
		return Output{}, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, steps, sleeps := newTestExecutor(t, registry)

	result := exec.Execute(context.Background(), planStep("flaky", domain.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 7}), testExecutionContext())
	if result.Status != domain.StepStatusSucceeded {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected three attempts, got %d", result.Attempts)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected two backoff sleeps, got %v", *sleeps)
	}
	for _, d := range *sleeps {
		if d != 7*time.Second {
			t.Fatalf("expected fixed 7s backoff, got %v", d)
		}
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected one record per attempt, got %d", len(records))
	}
	if records[0].Status != domain.StepStatusFailed || records[1].Status != domain.StepStatusFailed {
		t.Fatalf("expected first two attempts failed, got %s and %s", records[0].Status, records[1].Status)
	}
	if records[0].ErrorCode != ErrorCodeProcessor {
		t.Fatalf("expected processor error code, got %q", records[0].ErrorCode)
	}
	if records[2].Status != domain.StepStatusSucceeded {
		t.Fatalf("expected final attempt succeeded, got %s", records[2].Status)
	}
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("broken", ProcessorFunc(func(context.Context, map[string]string, ExecutionContext) (Output, error) {
		return nil, errors.New("hard failure")
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, steps, _ := newTestExecutor(t, registry)

	result := exec.Execute(context.Background(), planStep("broken", domain.RetryPolicy{MaxAttempts: 2}), testExecutionContext())
	if result.Status != domain.StepStatusFailed {
		t.Fatalf("expected terminal failure, got %+v", result)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", result.Attempts)
	}
	var procErr *domain.ProcessorError
	if !errors.As(result.Err, &procErr) {
		t.Fatalf("expected processor error, got %v", result.Err)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != domain.StepStatusFailed {
			t.Fatalf("expected failed record, got %s", record.Status)
		}
	}
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("slow", ProcessorFunc(func(ctx context.Context, _ map[string]string, _ ExecutionContext) (Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, steps, _ := newTestExecutor(t, registry)

	step := planStep("slow", domain.RetryPolicy{MaxAttempts: 1})
	step.Timeout = 10 * time.Millisecond
	result := exec.Execute(context.Background(), step, testExecutionContext())
	if result.Status != domain.StepStatusFailed {
		t.Fatalf("expected failure, got %+v", result)
	}
	var timeoutErr *domain.TimeoutError
	if !errors.As(result.Err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", result.Err)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ErrorCode != ErrorCodeTimeout {
		t.Fatalf("expected one timeout record, got %+v", records)
	}
}

func TestExecutePassesThroughWriteErrors(t *testing.T) {
	registry := NewRegistry()
	writeErr := &domain.WriteError{
		Key: domain.LineageKey{TenantID: "acme", PipelineID: "cost-report", CredentialID: "primary", RunDate: "2026-08-25"},
		Err: errors.New("connection reset"),
	}
	if err := registry.Register("loader", ProcessorFunc(func(context.Context, map[string]string, ExecutionContext) (Output, error) {
		return nil, writeErr
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, steps, _ := newTestExecutor(t, registry)

	result := exec.Execute(context.Background(), planStep("loader", domain.RetryPolicy{MaxAttempts: 1}), testExecutionContext())
	var got *domain.WriteError
	if !errors.As(result.Err, &got) {
		t.Fatalf("expected write error, got %v", result.Err)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ErrorCode != ErrorCodeWrite {
		t.Fatalf("expected one write-error record, got %+v", records)
	}
}

func TestExecuteUnknownProcessor(t *testing.T) {
	exec, steps, _ := newTestExecutor(t, NewRegistry())

	result := exec.Execute(context.Background(), planStep("missing", domain.RetryPolicy{MaxAttempts: 5}), testExecutionContext())
	if result.Status != domain.StepStatusFailed {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected a single attempt for an unknown processor, got %d", result.Attempts)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].ErrorCode != ErrorCodeUnknownProcessor {
		t.Fatalf("expected one unknown-processor record, got %+v", records)
	}
}

func TestMarkSkippedRecordsEveryStep(t *testing.T) {
	exec, steps, _ := newTestExecutor(t, NewRegistry())

	skipped := []resolver.PlanStep{
		{StepID: "transform", ProcessorType: "warehouse_transform"},
		{StepID: "load", ProcessorType: "warehouse_load"},
	}
	if err := exec.MarkSkipped(context.Background(), skipped, testExecutionContext(), "upstream step extract failed"); err != nil {
		t.Fatalf("mark skipped: %v", err)
	}

	records, err := steps.ListByRun(context.Background(), "acme", "run-1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two skipped records, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != domain.StepStatusSkipped {
			t.Fatalf("expected skipped status, got %s", record.Status)
		}
		if record.ErrorCode != ErrorCodeSkipped {
			t.Fatalf("expected %q code, got %q", ErrorCodeSkipped, record.ErrorCode)
		}
		if record.ErrorMessage != "upstream step extract failed" {
			t.Fatalf("unexpected reason %q", record.ErrorMessage)
		}
	}
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	registry := NewRegistry()
	noop := ProcessorFunc(func(context.Context, map[string]string, ExecutionContext) (Output, error) {
		return Output{}, nil
	})
	if err := registry.Register("noop", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("noop", noop); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
