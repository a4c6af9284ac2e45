package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/officeflow/engine/common/db"
)

// Postgres stores run history in the workflow_runs table
type Postgres struct {
	db *db.DB
}

// NewPostgres builds a Postgres repository
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

const upsertRun = `
INSERT INTO workflow_runs (
	run_id, workflow_id, org_id, employee_id, status,
	error_code, error_message, completed_nodes, failed_nodes, skipped_nodes,
	started_at, updated_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	error_code = EXCLUDED.error_code,
	error_message = EXCLUDED.error_message,
	completed_nodes = EXCLUDED.completed_nodes,
	failed_nodes = EXCLUDED.failed_nodes,
	skipped_nodes = EXCLUDED.skipped_nodes,
	updated_at = EXCLUDED.updated_at,
	finished_at = EXCLUDED.finished_at`

const selectRun = `
SELECT run_id, workflow_id, org_id, employee_id, status,
	error_code, error_message, completed_nodes, failed_nodes, skipped_nodes,
	started_at, updated_at, finished_at
FROM workflow_runs
WHERE run_id = $1`

const selectByEmployee = `
SELECT run_id, workflow_id, org_id, employee_id, status,
	error_code, error_message, completed_nodes, failed_nodes, skipped_nodes,
	started_at, updated_at, finished_at
FROM workflow_runs
WHERE org_id = $1 AND employee_id = $2
ORDER BY started_at DESC
LIMIT $3`

// Upsert stores or replaces a run record
func (p *Postgres) Upsert(ctx context.Context, rec *Record) error {
	_, err := p.db.Exec(ctx, upsertRun,
		rec.RunID, rec.WorkflowID, rec.OrgID, rec.EmployeeID, rec.Status,
		rec.ErrorCode, rec.ErrorMessage, rec.CompletedNodes, rec.FailedNodes, rec.SkippedNodes,
		rec.StartedAt, rec.UpdatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	return nil
}

// Get returns a run record by id
func (p *Postgres) Get(ctx context.Context, runID string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRow(ctx, selectRun, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return rec, nil
}

// ListByEmployee returns an employee's runs, newest first
func (p *Postgres) ListByEmployee(ctx context.Context, orgID, employeeID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx, selectByEmployee, orgID, employeeID, limit)
	if err != nil {
		return nil, fmt.Errorf("load runs for %s/%s: %w", orgID, employeeID, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.RunID, &rec.WorkflowID, &rec.OrgID, &rec.EmployeeID, &rec.Status,
		&rec.ErrorCode, &rec.ErrorMessage, &rec.CompletedNodes, &rec.FailedNodes, &rec.SkippedNodes,
		&rec.StartedAt, &rec.UpdatedAt, &rec.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}
