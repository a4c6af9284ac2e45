package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/officeflow/engine/common/clock"
	"github.com/officeflow/engine/common/config"
	"github.com/officeflow/engine/common/redis"
)

// Lua script for atomic compare-and-delete lock release
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// StoreError wraps a transport failure with the operation that hit it
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s on %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Logger is the minimal logging surface the store needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// StoreOpts configures a Store
type StoreOpts struct {
	Redis     *redis.Client
	Logger    Logger
	Clock     clock.Clock
	Namespace string
	StateTTL  time.Duration
	LockTTL   time.Duration
	RetryTTL  time.Duration
}

// Store is the shared run state layer. Every engine instance reads and
// writes the same keys, so any instance can pick up any run.
type Store struct {
	redis     *redis.Client
	logger    Logger
	clock     clock.Clock
	namespace string
	stateTTL  time.Duration
	lockTTL   time.Duration
	retryTTL  time.Duration
}

// NewStore builds a Store, filling unset options from engine defaults
func NewStore(opts StoreOpts) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.StateTTL == 0 {
		opts.StateTTL = config.DefaultStateTTL
	}
	if opts.LockTTL == 0 {
		opts.LockTTL = config.DefaultLockTTL
	}
	if opts.RetryTTL == 0 {
		opts.RetryTTL = config.DefaultRetryScheduleTTL
	}
	return &Store{
		redis:     opts.Redis,
		logger:    opts.Logger,
		clock:     opts.Clock,
		namespace: opts.Namespace,
		stateTTL:  opts.StateTTL,
		lockTTL:   opts.LockTTL,
		retryTTL:  opts.RetryTTL,
	}
}

func (s *Store) workflowKey(runID string) string {
	return s.namespace + "workflow:" + runID
}

func (s *Store) nodeKey(runID, nodeID string) string {
	return s.namespace + "node:" + runID + ":" + nodeID
}

func (s *Store) lockKey(runID string) string {
	return s.namespace + "lock:workflow:" + runID
}

func (s *Store) retryScheduleKey() string {
	return s.namespace + "retry:schedule"
}

func (s *Store) breakerKey(service string) string {
	return s.namespace + "circuit_breaker:" + service
}

// GetWorkflowState returns the run state, or nil if the run is unknown
func (s *Store) GetWorkflowState(ctx context.Context, runID string) (*WorkflowState, error) {
	key := s.workflowKey(runID)
	raw, err := s.redis.Get(ctx, key)
	if err != nil {
		if redis.IsNotFound(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get_workflow", Key: key, Err: err}
	}

	var ws WorkflowState
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return nil, &StoreError{Op: "decode_workflow", Key: key, Err: err}
	}
	return &ws, nil
}

// PutWorkflowState writes the run state with the run TTL
func (s *Store) PutWorkflowState(ctx context.Context, ws *WorkflowState) error {
	key := s.workflowKey(ws.RunID)
	data, err := json.Marshal(ws)
	if err != nil {
		return &StoreError{Op: "encode_workflow", Key: key, Err: err}
	}
	if err := s.redis.Set(ctx, key, string(data), s.stateTTL); err != nil {
		return &StoreError{Op: "put_workflow", Key: key, Err: err}
	}
	return nil
}

// GetNodeState returns the node state, or nil if absent
func (s *Store) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeState, error) {
	key := s.nodeKey(runID, nodeID)
	raw, err := s.redis.Get(ctx, key)
	if err != nil {
		if redis.IsNotFound(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get_node", Key: key, Err: err}
	}

	var ns NodeState
	if err := json.Unmarshal([]byte(raw), &ns); err != nil {
		return nil, &StoreError{Op: "decode_node", Key: key, Err: err}
	}
	return &ns, nil
}

// PutNodeState writes one node state with the node TTL
func (s *Store) PutNodeState(ctx context.Context, ns *NodeState) error {
	key := s.nodeKey(ns.RunID, ns.NodeID)
	data, err := json.Marshal(ns)
	if err != nil {
		return &StoreError{Op: "encode_node", Key: key, Err: err}
	}
	if err := s.redis.Set(ctx, key, string(data), s.stateTTL); err != nil {
		return &StoreError{Op: "put_node", Key: key, Err: err}
	}
	return nil
}

// BatchPutNodeStates writes node states in one pipelined round-trip
func (s *Store) BatchPutNodeStates(ctx context.Context, states []*NodeState) error {
	if len(states) == 0 {
		return nil
	}
	pipe := s.redis.NewPipeline()
	for _, ns := range states {
		data, err := json.Marshal(ns)
		if err != nil {
			return &StoreError{Op: "encode_node", Key: s.nodeKey(ns.RunID, ns.NodeID), Err: err}
		}
		pipe.Set(ctx, s.nodeKey(ns.RunID, ns.NodeID), string(data), s.stateTTL)
	}
	if err := pipe.Exec(ctx); err != nil {
		return &StoreError{Op: "batch_put_nodes", Key: s.nodeKey(states[0].RunID, "*"), Err: err}
	}
	return nil
}

// GetAllNodeStates enumerates and batch-reads every node state of a run,
// keyed by node id
func (s *Store) GetAllNodeStates(ctx context.Context, runID string) (map[string]*NodeState, error) {
	pattern := s.nodeKey(runID, "*")
	keys, err := s.redis.ScanKeys(ctx, pattern, 0)
	if err != nil {
		return nil, &StoreError{Op: "scan_nodes", Key: pattern, Err: err}
	}

	values, err := s.redis.GetMultiple(ctx, keys)
	if err != nil {
		return nil, &StoreError{Op: "read_nodes", Key: pattern, Err: err}
	}

	result := make(map[string]*NodeState, len(values))
	for key, raw := range values {
		var ns NodeState
		if err := json.Unmarshal([]byte(raw), &ns); err != nil {
			s.logger.Warn("skipping undecodable node state", "key", key, "error", err)
			continue
		}
		result[ns.NodeID] = &ns
	}
	return result, nil
}

// AcquireLock takes the run lock with set-if-absent. Returns false when
// another holder already has it.
func (s *Store) AcquireLock(ctx context.Context, runID, holder string) (bool, error) {
	key := s.lockKey(runID)
	ok, err := s.redis.SetNX(ctx, key, holder, s.lockTTL)
	if err != nil {
		return false, &StoreError{Op: "acquire_lock", Key: key, Err: err}
	}
	return ok, nil
}

// ReleaseLock drops the run lock only if the caller still holds it.
// Compare-and-delete runs as a Lua script so an expired-and-reacquired lock
// is never deleted out from under the new holder.
func (s *Store) ReleaseLock(ctx context.Context, runID, holder string) (bool, error) {
	key := s.lockKey(runID)
	res, err := s.redis.Eval(ctx, releaseLockScript, []string{key}, holder)
	if err != nil {
		return false, &StoreError{Op: "release_lock", Key: key, Err: err}
	}
	deleted, _ := res.(int64)
	return deleted == 1, nil
}

// AcquireLockWithRenewal acquires the run lock and keeps extending its TTL
// until the returned stop function is called, the context ends, or another
// holder is observed. Callers must invoke stop when done.
func (s *Store) AcquireLockWithRenewal(ctx context.Context, runID, holder string, renewEvery time.Duration) (bool, func(), error) {
	ok, err := s.AcquireLock(ctx, runID, holder)
	if err != nil || !ok {
		return ok, func() {}, err
	}

	renewCtx, cancel := context.WithCancel(ctx)
	go s.renewLoop(renewCtx, runID, holder, renewEvery)

	stop := func() {
		cancel()
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if _, err := s.ReleaseLock(releaseCtx, runID, holder); err != nil {
			s.logger.Warn("lock release failed", "run_id", runID, "error", err)
		}
	}
	return true, stop, nil
}

func (s *Store) renewLoop(ctx context.Context, runID, holder string, renewEvery time.Duration) {
	ticker := time.NewTicker(renewEvery)
	defer ticker.Stop()

	key := s.lockKey(runID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.redis.Get(ctx, key)
			if err != nil {
				if redis.IsNotFound(err) {
					s.logger.Warn("lock expired during renewal", "run_id", runID, "holder", holder)
					return
				}
				s.logger.Warn("lock renewal read failed", "run_id", runID, "error", err)
				continue
			}
			if current != holder {
				s.logger.Warn("lock taken over by another holder", "run_id", runID, "holder", holder, "current", current)
				return
			}
			if _, err := s.redis.Expire(ctx, key, s.lockTTL); err != nil {
				s.logger.Warn("lock renewal failed", "run_id", runID, "error", err)
			}
		}
	}
}

// LockHolder returns the current lock holder, or "" when the lock is free
func (s *Store) LockHolder(ctx context.Context, runID string) (string, error) {
	holder, err := s.redis.Get(ctx, s.lockKey(runID))
	if err != nil {
		if redis.IsNotFound(err) {
			return "", nil
		}
		return "", &StoreError{Op: "get_lock", Key: s.lockKey(runID), Err: err}
	}
	return holder, nil
}

// ScheduleRetry upserts a (run, node) pair into the retry schedule scored by
// due time in epoch millis
func (s *Store) ScheduleRetry(ctx context.Context, runID, nodeID string, at time.Time) error {
	key := s.retryScheduleKey()
	member := runID + ":" + nodeID
	if err := s.redis.ZAdd(ctx, key, float64(at.UnixMilli()), member); err != nil {
		return &StoreError{Op: "schedule_retry", Key: key, Err: err}
	}
	if _, err := s.redis.Expire(ctx, key, s.retryTTL); err != nil {
		s.logger.Warn("retry schedule expire failed", "error", err)
	}
	return nil
}

// GetNodesReadyForRetry pops up to limit entries due at or before now
func (s *Store) GetNodesReadyForRetry(ctx context.Context, limit int64) ([]RetryEntry, error) {
	key := s.retryScheduleKey()
	now := s.clock.Now()
	members, err := s.redis.ZRangeByScoreLimit(ctx, key, float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, &StoreError{Op: "read_retry_schedule", Key: key, Err: err}
	}

	entries := make([]RetryEntry, 0, len(members))
	for _, member := range members {
		runID, nodeID, ok := splitRetryMember(member)
		if !ok {
			s.logger.Warn("dropping malformed retry schedule member", "member", member)
			_ = s.redis.ZRem(ctx, key, member)
			continue
		}
		score, err := s.redis.ZScore(ctx, key, member)
		if err != nil && !redis.IsNotFound(err) {
			return nil, &StoreError{Op: "read_retry_score", Key: key, Err: err}
		}
		entries = append(entries, RetryEntry{
			RunID:  runID,
			NodeID: nodeID,
			DueAt:  time.UnixMilli(int64(score)),
		})
	}
	return entries, nil
}

// RemoveFromRetrySchedule deletes one scheduled retry
func (s *Store) RemoveFromRetrySchedule(ctx context.Context, runID, nodeID string) error {
	key := s.retryScheduleKey()
	if err := s.redis.ZRem(ctx, key, runID+":"+nodeID); err != nil {
		return &StoreError{Op: "remove_retry", Key: key, Err: err}
	}
	return nil
}

// DeleteWorkflowState removes the run record, every node record, any
// scheduled retries, and the run lock
func (s *Store) DeleteWorkflowState(ctx context.Context, runID string) error {
	nodeKeys, err := s.redis.ScanKeys(ctx, s.nodeKey(runID, "*"), 0)
	if err != nil {
		return &StoreError{Op: "scan_nodes", Key: s.nodeKey(runID, "*"), Err: err}
	}

	for _, key := range nodeKeys {
		nodeID := strings.TrimPrefix(key, s.nodeKey(runID, ""))
		if err := s.RemoveFromRetrySchedule(ctx, runID, nodeID); err != nil {
			s.logger.Warn("retry schedule cleanup failed", "run_id", runID, "node_id", nodeID, "error", err)
		}
	}

	keys := append(nodeKeys, s.workflowKey(runID), s.lockKey(runID))
	if err := s.redis.Delete(ctx, keys...); err != nil {
		return &StoreError{Op: "delete_workflow", Key: s.workflowKey(runID), Err: err}
	}
	return nil
}

// ListRunIDs enumerates the run ids with live workflow state. The timeout
// monitor uses it; bounded scans keep one tick from stalling on a huge
// keyspace.
func (s *Store) ListRunIDs(ctx context.Context, limit int64) ([]string, error) {
	prefix := s.workflowKey("")
	keys, err := s.redis.ScanKeys(ctx, prefix+"*", limit)
	if err != nil {
		return nil, &StoreError{Op: "scan_workflows", Key: prefix + "*", Err: err}
	}
	runIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		runIDs = append(runIDs, strings.TrimPrefix(key, prefix))
	}
	return runIDs, nil
}

// GetBreakerState reads the shared breaker hash for a service, or nil when
// the service has no record yet
func (s *Store) GetBreakerState(ctx context.Context, service string) (*BreakerState, error) {
	key := s.breakerKey(service)
	fields, err := s.redis.GetAllHash(ctx, key)
	if err != nil {
		return nil, &StoreError{Op: "get_breaker", Key: key, Err: err}
	}
	if len(fields) == 0 {
		return nil, nil
	}

	bs := &BreakerState{State: fields["state"]}
	bs.FailureCount, _ = strconv.ParseInt(fields["failure_count"], 10, 64)
	bs.SuccessCount, _ = strconv.ParseInt(fields["success_count"], 10, 64)
	bs.TotalRequests, _ = strconv.ParseInt(fields["total_requests"], 10, 64)
	if raw := fields["last_failure_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			bs.LastFailureAt = &t
		}
	}
	if raw := fields["next_retry_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			bs.NextRetryAt = &t
		}
	}
	return bs, nil
}

// PutBreakerState writes the full breaker hash with a bounded TTL
func (s *Store) PutBreakerState(ctx context.Context, service string, bs *BreakerState) error {
	key := s.breakerKey(service)
	fields := map[string]interface{}{
		"state":          bs.State,
		"failure_count":  bs.FailureCount,
		"success_count":  bs.SuccessCount,
		"total_requests": bs.TotalRequests,
	}
	if bs.LastFailureAt != nil {
		fields["last_failure_at"] = bs.LastFailureAt.UnixMilli()
	}
	if bs.NextRetryAt != nil {
		fields["next_retry_at"] = bs.NextRetryAt.UnixMilli()
	}
	if err := s.redis.SetHashFields(ctx, key, fields); err != nil {
		return &StoreError{Op: "put_breaker", Key: key, Err: err}
	}
	if _, err := s.redis.Expire(ctx, key, time.Hour); err != nil {
		s.logger.Warn("breaker expire failed", "service", service, "error", err)
	}
	return nil
}

// IncrementBreakerField bumps one breaker counter and returns the new value
func (s *Store) IncrementBreakerField(ctx context.Context, service, field string, delta int64) (int64, error) {
	key := s.breakerKey(service)
	val, err := s.redis.IncrementHash(ctx, key, field, delta)
	if err != nil {
		return 0, &StoreError{Op: "incr_breaker", Key: key, Err: err}
	}
	return val, nil
}

// splitRetryMember decodes "<runId>:<nodeId>". Run ids are uuids, so the
// first colon is the separator.
func splitRetryMember(member string) (runID, nodeID string, ok bool) {
	idx := strings.Index(member, ":")
	if idx <= 0 || idx == len(member)-1 {
		return "", "", false
	}
	return member[:idx], member[idx+1:], true
}
