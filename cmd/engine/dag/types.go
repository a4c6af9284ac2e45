package dag

import "strconv"

// Node type constants. The set is closed: anything else fails validation.
const (
	NodeTypeIdentityProvision   = "identity.provision"
	NodeTypeIdentityDeprovision = "identity.deprovision"
	NodeTypeEmailSend           = "email.send"
	NodeTypeCalendarSchedule    = "calendar.schedule"
	NodeTypeSlackMessage        = "slack.message"
	NodeTypeSlackChannelInvite  = "slack.channel_invite"
	NodeTypeDocumentDistribute  = "document.distribute"
	NodeTypeAIGenerateContent   = "ai.generate_content"
	NodeTypeWebhookCall         = "webhook.call"
	NodeTypeDelay               = "delay"
	NodeTypeCondition           = "condition"
	NodeTypeParallel            = "parallel"
	NodeTypeCompensation        = "compensation"
)

// SupportedNodeTypes is the closed set of node types the engine executes
var SupportedNodeTypes = map[string]bool{
	NodeTypeIdentityProvision:   true,
	NodeTypeIdentityDeprovision: true,
	NodeTypeEmailSend:           true,
	NodeTypeCalendarSchedule:    true,
	NodeTypeSlackMessage:        true,
	NodeTypeSlackChannelInvite:  true,
	NodeTypeDocumentDistribute:  true,
	NodeTypeAIGenerateContent:   true,
	NodeTypeWebhookCall:         true,
	NodeTypeDelay:               true,
	NodeTypeCondition:           true,
	NodeTypeParallel:            true,
	NodeTypeCompensation:        true,
}

// InlineNodeTypes are pure control flow handled by the orchestrator without
// a worker dispatch.
var InlineNodeTypes = map[string]bool{
	NodeTypeCondition: true,
	NodeTypeParallel:  true,
	NodeTypeDelay:     true,
}

// Definition is an immutable workflow definition
type Definition struct {
	ID       string `json:"id"`
	OrgID    string `json:"orgId"`
	Name     string `json:"name"`
	Trigger  string `json:"trigger"`
	Version  int    `json:"version"`
	IsActive bool   `json:"isActive"`
	DAG      *Graph `json:"dag"`
}

// Graph holds the nodes and edges of a definition
type Graph struct {
	Nodes    []Node                 `json:"nodes"`
	Edges    []Edge                 `json:"edges"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Node is one action inside a workflow definition
type Node struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Params      map[string]interface{} `json:"params,omitempty"`
	RetryPolicy *RetryPolicy           `json:"retryPolicy,omitempty"`
	TimeoutMS   int64                  `json:"timeoutMs,omitempty"`
	Position    Position               `json:"position"`
}

// Edge is a directed dependency between two nodes
type Edge struct {
	ID         string `json:"id"`
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
}

// RetryPolicy overrides retry behavior for a single node
type RetryPolicy struct {
	MaxRetries   int     `json:"maxRetries"`
	BackoffMS    int64   `json:"backoffMs"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	MaxBackoffMS int64   `json:"maxBackoffMs,omitempty"`
	Jitter       *bool   `json:"jitter,omitempty"`
}

// Position is editor placement metadata, carried through untouched
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParsedWorkflow is the executable plan derived from a valid definition.
// It is never persisted; runs re-derive it from the definition.
type ParsedWorkflow struct {
	Definition       *Definition
	TopologicalOrder []string
	EntryNodes       []string
	ExitNodes        []string
	NodeByID         map[string]*Node
	OutgoingEdges    map[string][]string
	Dependencies     map[string][]string
}

// Node returns the node with the given id, or nil
func (p *ParsedWorkflow) Node(id string) *Node {
	return p.NodeByID[id]
}

// NodeIDs returns all node ids in definition order
func (p *ParsedWorkflow) NodeIDs() []string {
	ids := make([]string, 0, len(p.Definition.DAG.Nodes))
	for i := range p.Definition.DAG.Nodes {
		ids = append(ids, p.Definition.DAG.Nodes[i].ID)
	}
	return ids
}

// CacheKey identifies a parsed plan for the definition cache
func (d *Definition) CacheKey() string {
	return d.ID + "@" + strconv.Itoa(d.Version)
}
