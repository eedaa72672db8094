package processors

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/datalift-hq/datalift-go/internal/executor"
)

var routineNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// WarehouseTransform invokes a named transformation routine owned by the
// analytical store. The engine does not implement transformation logic;
// routines are installed by the warehouse's own migrations. Config:
//
//	routine  name of the SQL routine to invoke
type WarehouseTransform struct {
	db *sql.DB
}

func NewWarehouseTransform(db *sql.DB) *WarehouseTransform {
	if db == nil {
		return nil
	}
	return &WarehouseTransform{db: db}
}

func (p *WarehouseTransform) Run(ctx context.Context, config map[string]string, ec executor.ExecutionContext) (executor.Output, error) {
	routine := strings.TrimSpace(config["routine"])
	if routine == "" {
		return nil, fmt.Errorf("routine is required")
	}
	// The routine name ends up in the statement text; restrict it to a
	// plain identifier.
	if !routineNamePattern.MatchString(routine) {
		return nil, fmt.Errorf("routine name %q is not a valid identifier", routine)
	}

	query := fmt.Sprintf(`SELECT %s($1, $2, $3, $4)`, routine)
	if _, err := p.db.ExecContext(ctx, query, ec.TenantID, ec.CredentialID, ec.DateStart, ec.DateEnd); err != nil {
		return nil, fmt.Errorf("invoke transform routine %s: %w", routine, err)
	}

	return executor.Output{"routine": routine}, nil
}
