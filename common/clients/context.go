package clients

import "context"

type contextKey string

const (
	orgIDKey          contextKey = "org-id"
	runIDKey          contextKey = "run-id"
	idempotencyKeyKey contextKey = "idempotency-key"
)

// WithOrgID tags the context with the organization behind the call
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// OrgID retrieves the organization id from context
func OrgID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(orgIDKey).(string)
	return v, ok
}

// WithRunID tags the context with the workflow run behind the call
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID retrieves the run id from context
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runIDKey).(string)
	return v, ok
}

// WithIdempotencyKey tags the context with the attempt's idempotency key
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// IdempotencyKey retrieves the idempotency key from context
func IdempotencyKey(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(idempotencyKeyKey).(string)
	return v, ok
}
