// Package ratelimit caps how fast organizations can start workflow runs.
// Counters live in Redis so every engine instance shares the same budget.
package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/officeflow/engine/common/redis"
)

//go:embed ratelimit.lua
var limitScript string

// Logger is the minimal logging surface the limiter needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result reports the outcome of a limit check
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	RetryAfter time.Duration
}

// Limiter enforces per-organization run-start budgets
type Limiter struct {
	redis     *redis.Client
	logger    Logger
	namespace string
	limit     int64
	window    time.Duration
}

// Opts configures a Limiter
type Opts struct {
	Redis     *redis.Client
	Logger    Logger
	Namespace string
	// Limit is the number of run starts allowed per Window
	Limit  int64
	Window time.Duration
}

// New builds a Limiter
func New(opts Opts) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	return &Limiter{
		redis:     opts.Redis,
		logger:    opts.Logger,
		namespace: opts.Namespace,
		limit:     opts.Limit,
		window:    opts.Window,
	}
}

// AllowRunStart checks and consumes one run-start slot for an organization.
// The increment happens before the check, so a denied start still burns a
// counter tick; that keeps the script a single round-trip.
func (l *Limiter) AllowRunStart(ctx context.Context, orgID string) (*Result, error) {
	key := fmt.Sprintf("%sratelimit:org:%s", l.namespace, orgID)
	windowSec := int64(l.window / time.Second)

	raw, err := l.redis.Eval(ctx, limitScript, []string{key}, l.limit, windowSec)
	if err != nil {
		return nil, fmt.Errorf("rate limit check for org %s: %w", orgID, err)
	}
	fields, ok := raw.([]interface{})
	if !ok || len(fields) != 3 {
		return nil, fmt.Errorf("rate limit script returned unexpected shape: %v", raw)
	}

	res := &Result{
		Allowed:    asInt64(fields[0]) == 1,
		Current:    asInt64(fields[1]),
		Limit:      l.limit,
		RetryAfter: time.Duration(asInt64(fields[2])) * time.Second,
	}
	if !res.Allowed {
		l.logger.Warn("org run-start limit exceeded",
			"org_id", orgID,
			"current", res.Current,
			"limit", res.Limit,
			"retry_after", res.RetryAfter,
		)
	}
	return res, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
