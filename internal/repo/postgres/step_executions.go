package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
)

type StepExecutionStore struct {
	db DB
}

const (
	insertStepExecutionQuery = `INSERT INTO step_executions (
		step_execution_id,
		tenant_id,
		run_id,
		step_id,
		attempt,
		status,
		started_at,
		ended_at,
		error_code,
		error_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (tenant_id, run_id, step_id, attempt) DO NOTHING
	RETURNING step_execution_id, tenant_id, run_id, step_id, attempt, status, started_at, ended_at, error_code, error_message`

	selectStepExecutionQuery = `SELECT step_execution_id, tenant_id, run_id, step_id, attempt, status, started_at, ended_at, error_code, error_message
	 FROM step_executions
	 WHERE tenant_id = $1 AND run_id = $2 AND step_id = $3 AND attempt = $4`

	listStepExecutionsByRunQuery = `SELECT step_execution_id, tenant_id, run_id, step_id, attempt, status, started_at, ended_at, error_code, error_message
	 FROM step_executions
	 WHERE tenant_id = $1 AND run_id = $2
	 ORDER BY started_at ASC, step_id ASC, attempt ASC`

	finishStepExecutionQuery = `UPDATE step_executions
	 SET status = $1, error_code = $2, error_message = $3, ended_at = $4
	 WHERE tenant_id = $5 AND run_id = $6 AND step_id = $7 AND attempt = $8 AND status = 'running'`
)

func NewStepExecutionStore(db DB) *StepExecutionStore {
	if db == nil {
		return nil
	}
	return &StepExecutionStore{db: db}
}

func (s *StepExecutionStore) InsertAttempt(ctx context.Context, record domain.StepExecution) (domain.StepExecution, bool, error) {
	if s == nil || s.db == nil {
		return domain.StepExecution{}, false, fmt.Errorf("step execution store not initialized")
	}
	if err := record.Validate(); err != nil {
		return domain.StepExecution{}, false, err
	}

	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	var endedAt sql.NullTime
	if record.EndedAt != nil && !record.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: record.EndedAt.UTC(), Valid: true}
	}

	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}

	row := s.db.QueryRowContext(
		ctx,
		insertStepExecutionQuery,
		id,
		strings.TrimSpace(record.TenantID),
		strings.TrimSpace(record.RunID),
		strings.TrimSpace(record.StepID),
		record.Attempt,
		string(record.Status),
		startedAt,
		endedAt,
		nullIfEmpty(record.ErrorCode),
		nullIfEmpty(record.ErrorMessage),
	)
	inserted, err := scanStepExecution(row)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.StepExecution{}, false, fmt.Errorf("insert step execution: %w", err)
		}
		existing, err := s.getAttempt(ctx, record.TenantID, record.RunID, record.StepID, record.Attempt)
		if err != nil {
			return domain.StepExecution{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *StepExecutionStore) FinishAttempt(ctx context.Context, tenantID, runID, stepID string, attempt int, status domain.StepStatus, errorCode, errorMessage string, endedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step execution store not initialized")
	}
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	res, err := s.db.ExecContext(
		ctx,
		finishStepExecutionQuery,
		string(status),
		nullIfEmpty(errorCode),
		nullIfEmpty(errorMessage),
		normalizeTime(endedAt),
		strings.TrimSpace(tenantID),
		strings.TrimSpace(runID),
		strings.TrimSpace(stepID),
		attempt,
	)
	if err != nil {
		return fmt.Errorf("finish step execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish step execution: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *StepExecutionStore) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step execution store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listStepExecutionsByRunQuery, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	records := make([]domain.StepExecution, 0)
	for rows.Next() {
		record, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	return records, nil
}

func (s *StepExecutionStore) getAttempt(ctx context.Context, tenantID, runID, stepID string, attempt int) (domain.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, selectStepExecutionQuery, strings.TrimSpace(tenantID), strings.TrimSpace(runID), strings.TrimSpace(stepID), attempt)
	return scanStepExecution(row)
}

type stepExecutionScanner interface {
	Scan(dest ...any) error
}

func scanStepExecution(scanner stepExecutionScanner) (domain.StepExecution, error) {
	var record domain.StepExecution
	var status string
	var endedAt sql.NullTime
	var errorCode sql.NullString
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&record.ID,
		&record.TenantID,
		&record.RunID,
		&record.StepID,
		&record.Attempt,
		&status,
		&record.StartedAt,
		&endedAt,
		&errorCode,
		&errorMessage,
	); err != nil {
		return domain.StepExecution{}, handleNotFound(err)
	}
	record.Status = domain.StepStatus(status)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		record.EndedAt = &t
	}
	record.ErrorCode = strings.TrimSpace(errorCode.String)
	record.ErrorMessage = strings.TrimSpace(errorMessage.String)
	return record, nil
}
