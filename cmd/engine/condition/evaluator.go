// Package condition evaluates branch expressions of condition nodes against
// the run context.
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Params is the parameter shape of a condition node. The untaken branch's
// nodes, and everything only reachable through them, are skipped.
type Params struct {
	Expression string
	OnTrue     []string
	OnFalse    []string
}

// ParseParams extracts condition parameters from a node's raw params
func ParseParams(raw map[string]interface{}) (*Params, error) {
	expr, _ := raw["expression"].(string)
	if expr == "" {
		return nil, fmt.Errorf("condition node has no expression")
	}
	return &Params{
		Expression: expr,
		OnTrue:     stringSlice(raw["onTrue"]),
		OnFalse:    stringSlice(raw["onFalse"]),
	}, nil
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Evaluator compiles and runs CEL expressions over the context variable
// tree. Compiled programs are cached per expression text; runs sharing a
// definition pay the compile cost once.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator builds an Evaluator exposing the three context namespaces
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("system", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("nodes", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("build expression environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs an expression against the context variables. The result
// must be a boolean; anything else is a definition error.
func (e *Evaluator) Evaluate(expression string, variables map[string]interface{}) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	activation := map[string]interface{}{
		"system": variables["system"],
		"event":  variables["event"],
		"nodes":  variables["nodes"],
	}
	for k, v := range activation {
		if v == nil {
			activation[k] = map[string]interface{}{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want boolean", expression, out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}
