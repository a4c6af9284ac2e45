// Package registry resolves workflow definitions and their parsed plans.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/officeflow/engine/cmd/engine/dag"
)

// ErrNotFound marks an unknown or inactive workflow id
var ErrNotFound = errors.New("workflow definition not found")

// Repository is the definition storage contract
type Repository interface {
	Get(ctx context.Context, workflowID string) (*dag.Definition, error)
	GetByTrigger(ctx context.Context, orgID, trigger string) ([]*dag.Definition, error)
	Save(ctx context.Context, def *dag.Definition) error
}

// Memory is an in-process Repository for tests and single-node development
type Memory struct {
	mu   sync.RWMutex
	byID map[string]*dag.Definition
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*dag.Definition)}
}

// Get returns a definition by id
func (m *Memory) Get(_ context.Context, workflowID string) (*dag.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byID[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// GetByTrigger returns every active definition of an org for a trigger
func (m *Memory) GetByTrigger(_ context.Context, orgID, trigger string) ([]*dag.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []*dag.Definition
	for _, def := range m.byID {
		if def.OrgID == orgID && def.Trigger == trigger && def.IsActive {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// Save upserts a definition
func (m *Memory) Save(_ context.Context, def *dag.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[def.ID] = def
	return nil
}
