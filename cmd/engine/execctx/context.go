// Package execctx holds the per-run execution context: the variable tree
// node inputs are resolved from, plus the secrets that must never reach the
// state store.
package execctx

import (
	"encoding/json"
	"strings"
	"time"
)

// Redacted replaces every secret value in serialized context
const Redacted = "[REDACTED]"

// Event is the lifecycle event that triggered a run
type Event struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Context is the mutable variable tree of one run. Secrets ride alongside
// the variables in memory but are redacted on serialization; rehydrated
// contexts start with an empty secrets map and reload them externally.
type Context struct {
	RunID      string
	WorkflowID string
	OrgID      string
	EmployeeID string
	Variables  map[string]interface{}
	Secrets    map[string]string
}

// New seeds a context with the system and event namespaces
func New(runID, workflowID, orgID, employeeID string, event Event, now time.Time) *Context {
	return &Context{
		RunID:      runID,
		WorkflowID: workflowID,
		OrgID:      orgID,
		EmployeeID: employeeID,
		Variables: map[string]interface{}{
			"system": map[string]interface{}{
				"timestamp":      now.Format(time.RFC3339),
				"organizationId": orgID,
				"employeeId":     employeeID,
				"triggerEvent":   event.Type,
			},
			"event": map[string]interface{}{
				"type":      event.Type,
				"payload":   event.Payload,
				"timestamp": event.Timestamp.Format(time.RFC3339),
			},
			"nodes": map[string]interface{}{},
		},
		Secrets: make(map[string]string),
	}
}

// FromVariables rebuilds a context from a stored variable tree
func FromVariables(runID, workflowID, orgID, employeeID string, variables map[string]interface{}) *Context {
	if variables == nil {
		variables = make(map[string]interface{})
	}
	if _, ok := variables["nodes"]; !ok {
		variables["nodes"] = map[string]interface{}{}
	}
	return &Context{
		RunID:      runID,
		WorkflowID: workflowID,
		OrgID:      orgID,
		EmployeeID: employeeID,
		Variables:  variables,
		Secrets:    make(map[string]string),
	}
}

// MergeNodeOutput records a completed node's output under both the node id
// and the node name: individual keys are spread for dotted access, and the
// whole output is kept under "output".
func (c *Context) MergeNodeOutput(nodeID, nodeName string, output map[string]interface{}) {
	for _, key := range dedupe(nodeID, nodeName) {
		entry := c.nodeEntry(key)
		for k, v := range output {
			entry[k] = v
		}
		entry["output"] = output
	}
}

// SetVariable writes a value at a dotted path in the variable tree
func (c *Context) SetVariable(path string, value interface{}) {
	setPath(c.Variables, path, value)
}

// Variable reads a value at a dotted path; ok is false when absent
func (c *Context) Variable(path string) (interface{}, bool) {
	return getPath(c.Variables, path)
}

// NodeOutput returns the stored output of a node, by id or name
func (c *Context) NodeOutput(ref string) (map[string]interface{}, bool) {
	v, ok := getPath(c.Variables, "nodes."+ref+".output")
	if !ok {
		return nil, false
	}
	out, ok := v.(map[string]interface{})
	return out, ok
}

// serializedContext is the wire form of a context
type serializedContext struct {
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId"`
	OrgID      string                 `json:"orgId"`
	EmployeeID string                 `json:"employeeId"`
	Variables  map[string]interface{} `json:"variables"`
	Secrets    map[string]string      `json:"secrets"`
}

// MarshalJSON redacts every secret value so stored context never carries
// credentials
func (c *Context) MarshalJSON() ([]byte, error) {
	redacted := make(map[string]string, len(c.Secrets))
	for k := range c.Secrets {
		redacted[k] = Redacted
	}
	return json.Marshal(serializedContext{
		RunID:      c.RunID,
		WorkflowID: c.WorkflowID,
		OrgID:      c.OrgID,
		EmployeeID: c.EmployeeID,
		Variables:  c.Variables,
		Secrets:    redacted,
	})
}

// UnmarshalJSON rehydrates a context with an empty secrets map
func (c *Context) UnmarshalJSON(data []byte) error {
	var sc serializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return err
	}
	c.RunID = sc.RunID
	c.WorkflowID = sc.WorkflowID
	c.OrgID = sc.OrgID
	c.EmployeeID = sc.EmployeeID
	c.Variables = sc.Variables
	if c.Variables == nil {
		c.Variables = make(map[string]interface{})
	}
	c.Secrets = make(map[string]string)
	return nil
}

func (c *Context) nodeEntry(key string) map[string]interface{} {
	nodes, ok := c.Variables["nodes"].(map[string]interface{})
	if !ok {
		nodes = map[string]interface{}{}
		c.Variables["nodes"] = nodes
	}
	entry, ok := nodes[key].(map[string]interface{})
	if !ok {
		entry = map[string]interface{}{}
		nodes[key] = entry
	}
	return entry
}

func dedupe(keys ...string) []string {
	out := keys[:0]
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// setPath writes value at a dotted path, creating intermediate maps.
// Non-map intermediates are replaced.
func setPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// getPath walks a dotted path through nested maps
func getPath(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
