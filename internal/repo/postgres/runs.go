package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
	"github.com/datalift-hq/datalift-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const selectRunColumns = `run_id, tenant_id, provider, domain, pipeline_id, credential_id,
	date_start, date_end, status, started_at, ended_at, error_message`

func (s *RunStore) CreateRun(ctx context.Context, run domain.PipelineRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	startedAt := normalizeTime(run.StartedAt)
	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (
			run_id,
			tenant_id,
			provider,
			domain,
			pipeline_id,
			credential_id,
			date_start,
			date_end,
			status,
			started_at,
			ended_at,
			error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.TenantID),
		strings.TrimSpace(run.Provider),
		strings.TrimSpace(run.Domain),
		strings.TrimSpace(run.PipelineID),
		strings.TrimSpace(run.CredentialID),
		strings.TrimSpace(run.DateStart),
		strings.TrimSpace(run.DateEnd),
		string(run.Status),
		startedAt,
		endedAt,
		nullIfEmpty(run.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, tenantID, runID string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return domain.PipelineRun{}, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return domain.PipelineRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+`
		 FROM pipeline_runs
		 WHERE tenant_id = $1 AND run_id = $2`,
		tenantID,
		runID,
	)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)

	args = append(args, strings.TrimSpace(filter.TenantID))
	clauses = append(clauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	if strings.TrimSpace(filter.PipelineID) != "" {
		args = append(args, strings.TrimSpace(filter.PipelineID))
		clauses = append(clauses, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + selectRunColumns + ` FROM pipeline_runs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, tenantID, runID string, status domain.RunStatus, errorMessage string, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if domain.NormalizeRunStatus(string(status)) == "" {
		return fmt.Errorf("status is required")
	}
	var ended sql.NullTime
	if endedAt != nil {
		ended = sql.NullTime{Time: endedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET status = $1, error_message = $2, ended_at = $3
		 WHERE tenant_id = $4 AND run_id = $5`,
		string(status),
		nullIfEmpty(errorMessage),
		ended,
		tenantID,
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status string
	var endedAt sql.NullTime
	var errorMessage sql.NullString
	if err := scanner.Scan(
		&run.ID,
		&run.TenantID,
		&run.Provider,
		&run.Domain,
		&run.PipelineID,
		&run.CredentialID,
		&run.DateStart,
		&run.DateEnd,
		&status,
		&run.StartedAt,
		&endedAt,
		&errorMessage,
	); err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	run.ErrorMessage = strings.TrimSpace(errorMessage.String)
	return run, nil
}
