package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/common/db"
)

// Postgres stores workflow definitions in the workflow_definitions table,
// with the graph as a jsonb column.
type Postgres struct {
	db *db.DB
}

// NewPostgres builds a Postgres repository
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

const selectDefinition = `
SELECT id, org_id, name, trigger, version, is_active, dag
FROM workflow_definitions
WHERE id = $1`

const selectByTrigger = `
SELECT id, org_id, name, trigger, version, is_active, dag
FROM workflow_definitions
WHERE org_id = $1 AND trigger = $2 AND is_active = true
ORDER BY name`

const upsertDefinition = `
INSERT INTO workflow_definitions (id, org_id, name, trigger, version, is_active, dag, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
	org_id = EXCLUDED.org_id,
	name = EXCLUDED.name,
	trigger = EXCLUDED.trigger,
	version = EXCLUDED.version,
	is_active = EXCLUDED.is_active,
	dag = EXCLUDED.dag,
	updated_at = now()`

// Get returns a definition by id
func (p *Postgres) Get(ctx context.Context, workflowID string) (*dag.Definition, error) {
	row := p.db.QueryRow(ctx, selectDefinition, workflowID)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load definition %s: %w", workflowID, err)
	}
	return def, nil
}

// GetByTrigger returns every active definition of an org for a trigger
func (p *Postgres) GetByTrigger(ctx context.Context, orgID, trigger string) ([]*dag.Definition, error) {
	rows, err := p.db.Query(ctx, selectByTrigger, orgID, trigger)
	if err != nil {
		return nil, fmt.Errorf("load definitions for %s/%s: %w", orgID, trigger, err)
	}
	defer rows.Close()

	var defs []*dag.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Save upserts a definition
func (p *Postgres) Save(ctx context.Context, def *dag.Definition) error {
	graph, err := json.Marshal(def.DAG)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = p.db.Exec(ctx, upsertDefinition,
		def.ID, def.OrgID, def.Name, def.Trigger, def.Version, def.IsActive, graph)
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDefinition(row scannable) (*dag.Definition, error) {
	var def dag.Definition
	var graph []byte
	if err := row.Scan(&def.ID, &def.OrgID, &def.Name, &def.Trigger, &def.Version, &def.IsActive, &graph); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(graph, &def.DAG); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &def, nil
}
