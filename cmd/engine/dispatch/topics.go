// Package dispatch publishes node execution work to the bus and decodes
// executor results.
package dispatch

import (
	"fmt"
	"sort"

	"github.com/officeflow/engine/cmd/engine/dag"
)

// Bus topics the dispatcher talks to
const (
	TopicResult = "node.execute.result"
	TopicCancel = "node.execute.cancel"
)

// Message envelope types
const (
	TypeExecuteRequest = "node.execute.request"
	TypeExecuteCancel  = "node.execute.cancel"
)

// topicByNodeType is fixed at startup; one request topic per worker pool.
// Inline control-flow types are intentionally absent, the orchestrator
// resolves them without a dispatch.
var topicByNodeType = map[string]string{
	dag.NodeTypeIdentityProvision:   "identity.execute",
	dag.NodeTypeIdentityDeprovision: "identity.execute",
	dag.NodeTypeEmailSend:           "email.execute",
	dag.NodeTypeCalendarSchedule:    "calendar.execute",
	dag.NodeTypeSlackMessage:        "slack.execute",
	dag.NodeTypeSlackChannelInvite:  "slack.execute",
	dag.NodeTypeDocumentDistribute:  "document.execute",
	dag.NodeTypeAIGenerateContent:   "ai.execute",
	dag.NodeTypeWebhookCall:         "webhook.execute",
	dag.NodeTypeCompensation:        "compensation.execute",
}

// NoTopicError reports a node type with no execution topic
type NoTopicError struct {
	NodeType string
}

func (e *NoTopicError) Error() string {
	return fmt.Sprintf("NO_TOPIC_FOR_NODE_TYPE: %s", e.NodeType)
}

// TopicFor maps a node type to its request topic
func TopicFor(nodeType string) (string, error) {
	topic, ok := topicByNodeType[nodeType]
	if !ok {
		return "", &NoTopicError{NodeType: nodeType}
	}
	return topic, nil
}

// ExecuteTopics returns the distinct request topics, sorted
func ExecuteTopics() []string {
	seen := make(map[string]struct{}, len(topicByNodeType))
	var topics []string
	for _, topic := range topicByNodeType {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
