package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// TransitionStore appends run status transitions. The table is append-only;
// there is no update path.
type TransitionStore struct {
	db DB
}

const (
	insertTransitionQuery = `INSERT INTO run_transitions (
		tenant_id,
		run_id,
		from_status,
		to_status,
		reason,
		occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING transition_id`

	listTransitionsByRunQuery = `SELECT transition_id, tenant_id, run_id, from_status, to_status, reason, occurred_at
	 FROM run_transitions
	 WHERE tenant_id = $1 AND run_id = $2
	 ORDER BY transition_id ASC`
)

func NewTransitionStore(db DB) *TransitionStore {
	if db == nil {
		return nil
	}
	return &TransitionStore{db: db}
}

func (s *TransitionStore) Append(ctx context.Context, transition domain.RunTransition) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("transition store not initialized")
	}
	if err := transition.Validate(); err != nil {
		return 0, err
	}
	occurredAt := transition.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(
		ctx,
		insertTransitionQuery,
		strings.TrimSpace(transition.TenantID),
		strings.TrimSpace(transition.RunID),
		nullIfEmpty(string(transition.FromStatus)),
		string(transition.ToStatus),
		nullIfEmpty(transition.Reason),
		occurredAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run transition: %w", err)
	}
	return id, nil
}

func (s *TransitionStore) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.RunTransition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("transition store not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)
	runID = strings.TrimSpace(runID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listTransitionsByRunQuery, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list run transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]domain.RunTransition, 0)
	for rows.Next() {
		var transition domain.RunTransition
		var fromStatus sql.NullString
		var reason sql.NullString
		if err := rows.Scan(
			&transition.ID,
			&transition.TenantID,
			&transition.RunID,
			&fromStatus,
			(*string)(&transition.ToStatus),
			&reason,
			&transition.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan run transition: %w", err)
		}
		transition.FromStatus = domain.RunStatus(fromStatus.String)
		transition.Reason = strings.TrimSpace(reason.String)
		transitions = append(transitions, transition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run transitions: %w", err)
	}
	return transitions, nil
}
