package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/officeflow/engine/common/redis"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func newLimiter(t *testing.T, limit int64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	return New(Opts{
		Redis:     client,
		Logger:    nopLogger{},
		Namespace: "test:",
		Limit:     limit,
		Window:    time.Minute,
	}), mr
}

func TestAllowRunStartWithinBudget(t *testing.T) {
	l, _ := newLimiter(t, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.AllowRunStart(ctx, "org-1")
		require.NoError(t, err)
		require.True(t, res.Allowed, "start %d should be allowed", i)
		require.EqualValues(t, i, res.Current)
	}

	res, err := l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestOrganizationsHaveSeparateBudgets(t *testing.T) {
	l, _ := newLimiter(t, 1)
	ctx := context.Background()

	res, err := l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.AllowRunStart(ctx, "org-2")
	require.NoError(t, err)
	require.True(t, res.Allowed, "org-2 must not inherit org-1's counter")
}

func TestBudgetResetsAfterWindow(t *testing.T) {
	l, mr := newLimiter(t, 1)
	ctx := context.Background()

	res, err := l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mr.FastForward(61 * time.Second)

	res, err = l.AllowRunStart(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.EqualValues(t, 1, res.Current)
}
