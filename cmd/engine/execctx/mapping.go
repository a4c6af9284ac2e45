package execctx

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// SourceType selects how a mapping's source is interpreted
type SourceType string

const (
	SourceStatic     SourceType = "static"
	SourceContext    SourceType = "context"
	SourceNodeOutput SourceType = "node_output"
	SourceExpression SourceType = "expression"
)

// Mapping resolves one input key of a node from the run context
type Mapping struct {
	SourceType   SourceType  `json:"sourceType"`
	SourcePath   string      `json:"sourcePath"`
	TargetPath   string      `json:"targetPath"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
	Required     bool        `json:"required,omitempty"`
}

// MissingParameterError reports a required mapping that did not resolve
type MissingParameterError struct {
	TargetPath string
	SourcePath string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("MISSING_REQUIRED_PARAMETER: %s (from %s) did not resolve", e.TargetPath, e.SourcePath)
}

var (
	varTokenRe  = regexp.MustCompile(`\$\{([^}]+)\}`)
	nodeTokenRe = regexp.MustCompile(`\$nodes\.[A-Za-z0-9_][A-Za-z0-9_.\-]*`)
)

// ResolveInput materializes a node's input from its mappings. Unresolved
// optional mappings fall back to their default, or are omitted; unresolved
// required mappings fail with MISSING_REQUIRED_PARAMETER.
func (c *Context) ResolveInput(mappings []Mapping) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(mappings))
	if len(mappings) == 0 {
		return input, nil
	}

	// One serialization feeds every path lookup
	tree, err := json.Marshal(c.Variables)
	if err != nil {
		return nil, fmt.Errorf("serialize context variables: %w", err)
	}

	for _, m := range mappings {
		value, ok := c.resolve(tree, m)
		if !ok {
			if m.Required {
				return nil, &MissingParameterError{TargetPath: m.TargetPath, SourcePath: m.SourcePath}
			}
			if m.DefaultValue != nil {
				setPath(input, m.TargetPath, m.DefaultValue)
			}
			continue
		}
		setPath(input, m.TargetPath, value)
	}
	return input, nil
}

func (c *Context) resolve(tree []byte, m Mapping) (interface{}, bool) {
	switch m.SourceType {
	case SourceStatic:
		var parsed interface{}
		if err := json.Unmarshal([]byte(m.SourcePath), &parsed); err == nil {
			return parsed, true
		}
		return m.SourcePath, true

	case SourceContext:
		res := gjson.GetBytes(tree, m.SourcePath)
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true

	case SourceNodeOutput:
		ref, rest, found := strings.Cut(m.SourcePath, ".")
		path := "nodes." + ref + ".output"
		if found {
			path += "." + rest
		}
		res := gjson.GetBytes(tree, path)
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true

	case SourceExpression:
		return c.resolveExpression(tree, m.SourcePath)

	default:
		return nil, false
	}
}

// resolveExpression substitutes ${var.path} and $nodes.<ref>.<path> tokens
// with JSON-serialized lookups, then tries to parse the whole result as
// JSON. Any unresolved token fails the mapping.
func (c *Context) resolveExpression(tree []byte, expr string) (interface{}, bool) {
	resolved := true

	out := varTokenRe.ReplaceAllStringFunc(expr, func(token string) string {
		path := varTokenRe.FindStringSubmatch(token)[1]
		res := gjson.GetBytes(tree, path)
		if !res.Exists() {
			resolved = false
			return token
		}
		return res.Raw
	})

	out = nodeTokenRe.ReplaceAllStringFunc(out, func(token string) string {
		path := strings.TrimPrefix(token, "$")
		res := gjson.GetBytes(tree, path)
		if !res.Exists() {
			resolved = false
			return token
		}
		return res.Raw
	})

	if !resolved {
		return nil, false
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(out), &parsed); err == nil {
		return parsed, true
	}
	return out, true
}
