// Package memory provides mutex-guarded in-memory implementations of the
// repo interfaces, used by package tests and local tooling.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.PipelineRun // keyed tenant_id/run_id
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.PipelineRun)}
}

func runKey(tenantID, runID string) string {
	return strings.TrimSpace(tenantID) + "/" + strings.TrimSpace(runID)
}

func (s *RunStore) CreateRun(_ context.Context, run domain.PipelineRun) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey(run.TenantID, run.ID)] = run
	return nil
}

func (s *RunStore) GetRun(_ context.Context, tenantID, runID string) (domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.PipelineRun, 0)
	for _, run := range s.runs {
		if run.TenantID != strings.TrimSpace(filter.TenantID) {
			continue
		}
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(_ context.Context, tenantID, runID string, status domain.RunStatus, errorMessage string, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(tenantID, runID)
	run, ok := s.runs[key]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	run.ErrorMessage = errorMessage
	run.EndedAt = endedAt
	s.runs[key] = run
	return nil
}

type StepExecutionStore struct {
	mu      sync.RWMutex
	records []domain.StepExecution
}

func NewStepExecutionStore() *StepExecutionStore {
	return &StepExecutionStore{}
}

func (s *StepExecutionStore) InsertAttempt(_ context.Context, record domain.StepExecution) (domain.StepExecution, bool, error) {
	if err := record.Validate(); err != nil {
		return domain.StepExecution{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if sameAttempt(existing, record.TenantID, record.RunID, record.StepID, record.Attempt) {
			return existing, false, nil
		}
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.records = append(s.records, record)
	return record, true, nil
}

func (s *StepExecutionStore) FinishAttempt(_ context.Context, tenantID, runID, stepID string, attempt int, status domain.StepStatus, errorCode, errorMessage string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.records {
		if sameAttempt(existing, tenantID, runID, stepID, attempt) && existing.Status == domain.StepStatusRunning {
			ended := endedAt.UTC()
			s.records[i].Status = status
			s.records[i].ErrorCode = errorCode
			s.records[i].ErrorMessage = errorMessage
			s.records[i].EndedAt = &ended
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *StepExecutionStore) ListByRun(_ context.Context, tenantID, runID string) ([]domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.StepExecution, 0)
	for _, record := range s.records {
		if record.TenantID == strings.TrimSpace(tenantID) && record.RunID == strings.TrimSpace(runID) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.Before(records[j].StartedAt)
		}
		if records[i].StepID != records[j].StepID {
			return records[i].StepID < records[j].StepID
		}
		return records[i].Attempt < records[j].Attempt
	})
	return records, nil
}

func sameAttempt(record domain.StepExecution, tenantID, runID, stepID string, attempt int) bool {
	return record.TenantID == strings.TrimSpace(tenantID) &&
		record.RunID == strings.TrimSpace(runID) &&
		record.StepID == strings.TrimSpace(stepID) &&
		record.Attempt == attempt
}

type TransitionStore struct {
	mu          sync.RWMutex
	nextID      int64
	transitions []domain.RunTransition
}

func NewTransitionStore() *TransitionStore {
	return &TransitionStore{}
}

func (s *TransitionStore) Append(_ context.Context, transition domain.RunTransition) (int64, error) {
	if err := transition.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	transition.ID = s.nextID
	if transition.OccurredAt.IsZero() {
		transition.OccurredAt = time.Now().UTC()
	}
	s.transitions = append(s.transitions, transition)
	return transition.ID, nil
}

func (s *TransitionStore) ListByRun(_ context.Context, tenantID, runID string) ([]domain.RunTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transitions := make([]domain.RunTransition, 0)
	for _, transition := range s.transitions {
		if transition.TenantID == strings.TrimSpace(tenantID) && transition.RunID == strings.TrimSpace(runID) {
			transitions = append(transitions, transition)
		}
	}
	return transitions, nil
}
