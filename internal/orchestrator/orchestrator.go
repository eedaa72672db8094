// Package orchestrator drives pipeline runs through their state machine:
// pending -> validating -> running -> completed | failed. It owns quota
// reservation and release, sequences waves through the step executor, and
// emits completion notifications.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/executor"
	"github.com/datalift-hq/datalift-go/internal/notify"
	"github.com/datalift-hq/datalift-go/internal/pipelines"
	"github.com/datalift-hq/datalift-go/internal/quota"
	"github.com/datalift-hq/datalift-go/internal/repo"
	"github.com/datalift-hq/datalift-go/internal/resolver"
	"github.com/datalift-hq/datalift-go/internal/tenants"
)

// ErrInvalidRequest wraps malformed run requests, distinct from collaborator
// and quota failures.
var ErrInvalidRequest = errors.New("invalid run request")

// RunRequest is one client request to execute a pipeline.
type RunRequest struct {
	TenantID     string
	Provider     string
	Domain       string
	PipelineID   string
	CredentialID string
	DateStart    string
	DateEnd      string
}

type Orchestrator struct {
	ledger      quota.Ledger
	directory   tenants.Directory
	definitions *pipelines.Store
	executor    *executor.Executor
	runs        repo.RunRepository
	transitions repo.TransitionRepository
	notifier    notify.Notifier
	logger      *slog.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

func New(
	ledger quota.Ledger,
	directory tenants.Directory,
	definitions *pipelines.Store,
	exec *executor.Executor,
	runs repo.RunRepository,
	transitions repo.TransitionRepository,
	notifier notify.Notifier,
	logger *slog.Logger,
) *Orchestrator {
	if ledger == nil || directory == nil || definitions == nil || exec == nil ||
		runs == nil || transitions == nil || notifier == nil || logger == nil {
		return nil
	}
	return &Orchestrator{
		ledger:      ledger,
		directory:   directory,
		definitions: definitions,
		executor:    exec,
		runs:        runs,
		transitions: transitions,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

// StartRun admits a run request: billing state check, definition lookup,
// atomic quota reservation, run record creation. On success the run
// executes in the background and the accepted run is returned immediately.
//
// Rejections surface as typed errors with no PipelineRun side effects:
// *domain.TenantInactiveError, *domain.QuotaExceededError,
// tenants.ErrUnknownTenant, repo.ErrNotFound (unknown pipeline), or
// ErrInvalidRequest.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (domain.PipelineRun, error) {
	req, err := o.normalizeRequest(req)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	account, err := o.directory.BillingState(ctx, req.TenantID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	if !account.State.MayRun() {
		return domain.PipelineRun{}, &domain.TenantInactiveError{TenantID: req.TenantID, State: account.State}
	}

	def, err := o.definitions.Get(domain.DefinitionKey{
		Provider:   req.Provider,
		Domain:     req.Domain,
		PipelineID: req.PipelineID,
	})
	if err != nil {
		return domain.PipelineRun{}, err
	}

	reservation, err := o.ledger.TryReserve(ctx, req.TenantID, account.Limits)
	if err != nil {
		return domain.PipelineRun{}, err
	}

	now := o.now().UTC()
	run := domain.PipelineRun{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		Provider:     req.Provider,
		Domain:       req.Domain,
		PipelineID:   req.PipelineID,
		CredentialID: req.CredentialID,
		DateStart:    req.DateStart,
		DateEnd:      req.DateEnd,
		Status:       domain.RunStatusPending,
		StartedAt:    now,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		if releaseErr := o.ledger.Release(ctx, reservation); releaseErr != nil {
			o.logger.Error("release after failed run create", "tenant_id", req.TenantID, "error", releaseErr)
		}
		return domain.PipelineRun{}, fmt.Errorf("create run: %w", err)
	}
	o.appendTransition(ctx, run, "", domain.RunStatusPending, "run request accepted")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.executeRun(context.WithoutCancel(ctx), run, def, reservation)
	}()

	return run, nil
}

// Wait blocks until all in-flight runs finish, for graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) executeRun(ctx context.Context, run domain.PipelineRun, def domain.PipelineDefinition, reservation domain.Reservation) {
	defer func() {
		if err := o.ledger.Release(ctx, reservation); err != nil {
			o.logger.Error("release reservation", "tenant_id", run.TenantID, "run_id", run.ID, "error", err)
		}
	}()

	if !o.transition(ctx, &run, domain.RunStatusValidating, "quota reserved") {
		return
	}

	vars := resolver.Variables{
		TenantID:     run.TenantID,
		CredentialID: run.CredentialID,
		RunID:        run.ID,
		RunDate:      run.DateEnd,
		DateStart:    run.DateStart,
		DateEnd:      run.DateEnd,
		Dataset:      DatasetName(run.TenantID, run.Provider, run.Domain),
	}
	plan, err := resolver.Resolve(def, vars)
	if err != nil {
		o.finish(ctx, &run, domain.RunStatusFailed, fmt.Sprintf("configuration invalid: %v", err))
		return
	}

	if !o.transition(ctx, &run, domain.RunStatusRunning, fmt.Sprintf("execution plan resolved: %d waves", len(plan.Waves))) {
		return
	}

	ec := executor.ExecutionContext{
		TenantID:     run.TenantID,
		RunID:        run.ID,
		CredentialID: run.CredentialID,
		Key:          run.LineageKey(),
		DateStart:    run.DateStart,
		DateEnd:      run.DateEnd,
		Logger:       o.logger,
	}

	for i, wave := range plan.Waves {
		failed := o.runWave(ctx, wave, ec)
		if failed == nil {
			continue
		}

		skipped := make([]resolver.PlanStep, 0)
		for _, later := range plan.Waves[i+1:] {
			skipped = append(skipped, later...)
		}
		reason := fmt.Sprintf("upstream step %s failed", failed.StepID)
		if err := o.executor.MarkSkipped(ctx, skipped, ec, reason); err != nil {
			o.logger.Error("mark downstream steps skipped", "tenant_id", run.TenantID, "run_id", run.ID, "error", err)
		}

		message := fmt.Sprintf("step %s failed after %d attempts", failed.StepID, failed.Attempts)
		if failed.Err != nil {
			message = fmt.Sprintf("%s: %v", message, failed.Err)
		}
		o.finish(ctx, &run, domain.RunStatusFailed, message)
		return
	}

	o.finish(ctx, &run, domain.RunStatusCompleted, "all waves completed")
}

// runWave executes a wave's steps concurrently and returns the first
// terminally failed result, or nil if the wave succeeded. Sibling steps are
// not cancelled when one fails; the wave's outcome is decided after all
// steps reach a terminal state.
func (o *Orchestrator) runWave(ctx context.Context, wave resolver.Wave, ec executor.ExecutionContext) *executor.StepResult {
	results := make([]executor.StepResult, len(wave))
	var g errgroup.Group
	for i, step := range wave {
		g.Go(func() error {
			results[i] = o.executor.Execute(ctx, step, ec)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Status == domain.StepStatusFailed {
			return &results[i]
		}
	}
	return nil
}

// transition moves the run to a non-terminal state, recording the audit
// entry. A false return means the run record could not be updated; the run
// is abandoned and quota released by the caller's defer.
func (o *Orchestrator) transition(ctx context.Context, run *domain.PipelineRun, next domain.RunStatus, reason string) bool {
	if !domain.CanTransitionRunStatus(run.Status, next) {
		o.logger.Error("illegal run transition", "tenant_id", run.TenantID, "run_id", run.ID, "from", run.Status, "to", next)
		return false
	}
	if err := o.runs.UpdateRunStatus(ctx, run.TenantID, run.ID, next, "", nil); err != nil {
		o.logger.Error("update run status", "tenant_id", run.TenantID, "run_id", run.ID, "to", next, "error", err)
		return false
	}
	o.appendTransition(ctx, *run, run.Status, next, reason)
	run.Status = next
	return true
}

// finish moves the run to a terminal state and emits the completion
// notification.
func (o *Orchestrator) finish(ctx context.Context, run *domain.PipelineRun, status domain.RunStatus, message string) {
	if !domain.CanTransitionRunStatus(run.Status, status) {
		o.logger.Error("illegal run transition", "tenant_id", run.TenantID, "run_id", run.ID, "from", run.Status, "to", status)
		return
	}
	endedAt := o.now().UTC()
	errorMessage := ""
	if status == domain.RunStatusFailed {
		errorMessage = message
	}
	if err := o.runs.UpdateRunStatus(ctx, run.TenantID, run.ID, status, errorMessage, &endedAt); err != nil {
		o.logger.Error("update run status", "tenant_id", run.TenantID, "run_id", run.ID, "to", status, "error", err)
		return
	}
	o.appendTransition(ctx, *run, run.Status, status, message)
	run.Status = status
	run.EndedAt = &endedAt

	o.logger.Info("run finished",
		"tenant_id", run.TenantID,
		"run_id", run.ID,
		"pipeline_id", run.PipelineID,
		"status", status,
	)
	o.notifyAsync(*run)
}

// notifyAsync delivers the completion event without blocking or affecting
// run status.
func (o *Orchestrator) notifyAsync(run domain.PipelineRun) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := o.notifier.NotifyCompletion(ctx, notify.Completion{
			RunID:    run.ID,
			TenantID: run.TenantID,
			Status:   run.Status,
		})
		if err != nil {
			o.logger.Warn("completion notification failed", "tenant_id", run.TenantID, "run_id", run.ID, "error", err)
		}
	}()
}

func (o *Orchestrator) appendTransition(ctx context.Context, run domain.PipelineRun, from, to domain.RunStatus, reason string) {
	_, err := o.transitions.Append(ctx, domain.RunTransition{
		TenantID:   run.TenantID,
		RunID:      run.ID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		OccurredAt: o.now().UTC(),
	})
	if err != nil {
		o.logger.Error("append run transition", "tenant_id", run.TenantID, "run_id", run.ID, "to", to, "error", err)
	}
}

func (o *Orchestrator) normalizeRequest(req RunRequest) (RunRequest, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Provider = strings.TrimSpace(req.Provider)
	req.Domain = strings.TrimSpace(req.Domain)
	req.PipelineID = strings.TrimSpace(req.PipelineID)
	req.CredentialID = strings.TrimSpace(req.CredentialID)
	req.DateStart = strings.TrimSpace(req.DateStart)
	req.DateEnd = strings.TrimSpace(req.DateEnd)

	if req.TenantID == "" {
		return RunRequest{}, errors.New("tenant id is required")
	}
	if req.Provider == "" {
		return RunRequest{}, errors.New("provider is required")
	}
	if req.Domain == "" {
		return RunRequest{}, errors.New("domain is required")
	}
	if req.PipelineID == "" {
		return RunRequest{}, errors.New("pipeline id is required")
	}
	if req.CredentialID == "" {
		req.CredentialID = "default"
	}

	today := o.now().UTC().Format(domain.RunDateLayout)
	if req.DateStart == "" && req.DateEnd == "" {
		req.DateStart = today
		req.DateEnd = today
	}
	if req.DateEnd == "" {
		req.DateEnd = req.DateStart
	}
	if req.DateStart == "" {
		req.DateStart = req.DateEnd
	}

	start, err := time.Parse(domain.RunDateLayout, req.DateStart)
	if err != nil {
		return RunRequest{}, fmt.Errorf("date_start must be %s", domain.RunDateLayout)
	}
	end, err := time.Parse(domain.RunDateLayout, req.DateEnd)
	if err != nil {
		return RunRequest{}, fmt.Errorf("date_end must be %s", domain.RunDateLayout)
	}
	if end.Before(start) {
		return RunRequest{}, errors.New("date_end must not precede date_start")
	}
	return req, nil
}

var datasetSanitizePattern = regexp.MustCompile(`[^a-z0-9_]+`)

// DatasetName computes the analytical dataset name a run's output targets.
func DatasetName(tenantID, provider, dataDomain string) string {
	name := strings.ToLower(tenantID + "_" + provider + "_" + dataDomain)
	return datasetSanitizePattern.ReplaceAllString(name, "_")
}
