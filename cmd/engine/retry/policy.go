// Package retry decides whether, and when, a failed node runs again.
package retry

import (
	"github.com/officeflow/engine/cmd/engine/dag"
)

// Global default policy; per-type and per-node settings layer on top
var defaultPolicy = dag.RetryPolicy{
	MaxRetries:   3,
	BackoffMS:    1_000,
	Multiplier:   2,
	MaxBackoffMS: 300_000,
}

// Per-node-type overrides. Provisioning gets patient long retries, webhooks
// fast short ones; multiplier and jitter stay global.
var typeOverrides = map[string]dag.RetryPolicy{
	dag.NodeTypeIdentityProvision: {MaxRetries: 5, BackoffMS: 2_000, MaxBackoffMS: 60_000},
	dag.NodeTypeEmailSend:         {MaxRetries: 3, BackoffMS: 1_000, MaxBackoffMS: 30_000},
	dag.NodeTypeWebhookCall:       {MaxRetries: 3, BackoffMS: 500, MaxBackoffMS: 15_000},
	dag.NodeTypeAIGenerateContent: {MaxRetries: 2, BackoffMS: 5_000, MaxBackoffMS: 120_000},
	dag.NodeTypeCalendarSchedule:  {MaxRetries: 4, BackoffMS: 1_500, MaxBackoffMS: 45_000},
}

// PolicyFor resolves the effective retry policy of a node: global default,
// overlaid with the node-type override, overlaid with the node's own policy.
// The returned policy always has every field populated and Jitter non-nil.
func PolicyFor(node *dag.Node) dag.RetryPolicy {
	policy := defaultPolicy
	jitter := true

	if override, ok := typeOverrides[node.Type]; ok {
		policy.MaxRetries = override.MaxRetries
		policy.BackoffMS = override.BackoffMS
		policy.MaxBackoffMS = override.MaxBackoffMS
	}

	if np := node.RetryPolicy; np != nil {
		policy.MaxRetries = np.MaxRetries
		policy.BackoffMS = np.BackoffMS
		if np.Multiplier > 0 {
			policy.Multiplier = np.Multiplier
		}
		if np.MaxBackoffMS > 0 {
			policy.MaxBackoffMS = np.MaxBackoffMS
		}
		if np.Jitter != nil {
			jitter = *np.Jitter
		}
	}

	policy.Jitter = &jitter
	return policy
}
