package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/common/cache"
)

const definitionCacheTTL = 5 * time.Minute

// Loader resolves workflow ids into parsed plans. Definition JSON goes
// through the shared cache to spare the repository; parsed plans are
// memoized per workflowId@version since a version's plan never changes.
type Loader struct {
	repo  Repository
	cache cache.Cache

	mu     sync.RWMutex
	parsed map[string]*dag.ParsedWorkflow
}

// NewLoader builds a Loader. The cache is optional.
func NewLoader(repo Repository, c cache.Cache) *Loader {
	return &Loader{
		repo:   repo,
		cache:  c,
		parsed: make(map[string]*dag.ParsedWorkflow),
	}
}

// Load resolves a workflow id into its parsed plan
func (l *Loader) Load(ctx context.Context, workflowID string) (*dag.ParsedWorkflow, error) {
	def, err := l.definition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return l.parse(def)
}

// LoadByTrigger resolves every active plan of an org for a trigger
func (l *Loader) LoadByTrigger(ctx context.Context, orgID, trigger string) ([]*dag.ParsedWorkflow, error) {
	defs, err := l.repo.GetByTrigger(ctx, orgID, trigger)
	if err != nil {
		return nil, err
	}
	plans := make([]*dag.ParsedWorkflow, 0, len(defs))
	for _, def := range defs {
		plan, err := l.parse(def)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (l *Loader) definition(ctx context.Context, workflowID string) (*dag.Definition, error) {
	cacheKey := "definition:" + workflowID
	if l.cache != nil {
		if raw, ok, err := l.cache.Get(ctx, cacheKey); err == nil && ok {
			var def dag.Definition
			if err := json.Unmarshal(raw, &def); err == nil {
				return &def, nil
			}
		}
	}

	def, err := l.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		if raw, err := json.Marshal(def); err == nil {
			_ = l.cache.Set(ctx, cacheKey, raw, definitionCacheTTL)
		}
	}
	return def, nil
}

func (l *Loader) parse(def *dag.Definition) (*dag.ParsedWorkflow, error) {
	key := def.CacheKey()

	l.mu.RLock()
	plan, ok := l.parsed[key]
	l.mu.RUnlock()
	if ok {
		return plan, nil
	}

	plan, err := dag.Parse(def)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.parsed[key] = plan
	l.mu.Unlock()
	return plan, nil
}
