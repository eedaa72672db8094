// Package output performs idempotent writes to the analytical store. Rows
// are keyed by lineage key; writing replaces any rows a previous run left
// for the same key, so re-running a step never produces duplicates.
package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// Row is one analytical output row. Dimensions are free-form labels the
// pipeline's provider defines (service, region, SKU and the like).
type Row struct {
	Metric     string            `json:"metric"`
	Dimensions map[string]string `json:"dimensions"`
	Value      float64           `json:"value"`
}

type WriteResult struct {
	RowsDeleted  int64
	RowsInserted int64
}

const (
	deleteByLineageKeyQuery = `DELETE FROM pipeline_output_rows
	 WHERE tenant_id = $1 AND pipeline_id = $2 AND credential_id = $3 AND run_date = $4`

	insertOutputRowQuery = `INSERT INTO pipeline_output_rows (
		tenant_id,
		pipeline_id,
		credential_id,
		run_date,
		run_id,
		ingested_at,
		metric,
		dimensions,
		value
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
)

// Writer replaces the live row set for a lineage key in one transaction.
type Writer struct {
	db  *sql.DB
	now func() time.Time
}

func NewWriter(db *sql.DB) *Writer {
	if db == nil {
		return nil
	}
	return &Writer{db: db, now: time.Now}
}

// Write deletes any rows matching the lineage key (regardless of which run
// produced them) and inserts the new rows tagged with runID and the write
// timestamp. The delete and inserts commit atomically; a reader never
// observes duplicate or half-replaced rows past completion. Failures roll
// back and surface as *domain.WriteError, safe to retry.
func (w *Writer) Write(ctx context.Context, key domain.LineageKey, runID string, rows []Row) (WriteResult, error) {
	if w == nil || w.db == nil {
		return WriteResult{}, fmt.Errorf("output writer not initialized")
	}
	if err := key.Validate(); err != nil {
		return WriteResult{}, &domain.WriteError{Key: key, Err: err}
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("run id is required")}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("begin write: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, deleteByLineageKeyQuery, key.TenantID, key.PipelineID, key.CredentialID, key.RunDate)
	if err != nil {
		return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("delete previous rows: %w", err)}
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("delete previous rows: %w", err)}
	}

	ingestedAt := w.now().UTC()
	for i, row := range rows {
		dimensions := row.Dimensions
		if dimensions == nil {
			dimensions = map[string]string{}
		}
		dimensionsJSON, err := json.Marshal(dimensions)
		if err != nil {
			return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("encode row[%d] dimensions: %w", i, err)}
		}
		if _, err := tx.ExecContext(
			ctx,
			insertOutputRowQuery,
			key.TenantID,
			key.PipelineID,
			key.CredentialID,
			key.RunDate,
			runID,
			ingestedAt,
			strings.TrimSpace(row.Metric),
			dimensionsJSON,
			row.Value,
		); err != nil {
			return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("insert row[%d]: %w", i, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, &domain.WriteError{Key: key, Err: fmt.Errorf("commit write: %w", err)}
	}
	return WriteResult{RowsDeleted: deleted, RowsInserted: int64(len(rows))}, nil
}
