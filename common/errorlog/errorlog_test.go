package errorlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/logger"
	"github.com/officeflow/engine/common/redis"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func newTestSink(t *testing.T) (*Sink, *miniredis.Miniredis, bus.Bus, context.Context) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), testLogger())
	memBus := bus.NewMemoryBus(testLogger())
	sink := NewSink(client, memBus, testLogger(), "test:", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sink.Start(ctx)
	return sink, mr, memBus, ctx
}

func collectAudit(t *testing.T, ctx context.Context, b bus.Bus) <-chan *bus.Message {
	t.Helper()
	ch := make(chan *bus.Message, 16)
	err := b.Subscribe(ctx, AuditTopic, func(_ context.Context, msg *bus.Message) error {
		ch <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch
}

func awaitAudit(t *testing.T, ch <-chan *bus.Message) *bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
		return nil
	}
}

// findEntryKey polls for the persisted record; the sink writes it on a
// background goroutine.
func findEntryKey(t *testing.T, mr *miniredis.Miniredis, id string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, key := range mr.Keys() {
			if strings.HasPrefix(key, "test:error_log:") && strings.HasSuffix(key, id) {
				return key
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("persisted entry never appeared in redis")
	return ""
}

func TestSinkPersistsAndPublishes(t *testing.T) {
	sink, mr, memBus, ctx := newTestSink(t)
	audit := collectAudit(t, ctx, memBus)

	entry := &Entry{
		Level:    LevelError,
		Category: CategoryNode,
		Code:     "NODE_EXECUTION_FAILED",
		Message:  "provisioning call failed",
		Context:  map[string]interface{}{"node_id": "provision-accounts"},
	}
	sink.Log(entry)

	if entry.ID == "" {
		t.Fatal("Log did not assign an ID")
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("Log did not stamp a timestamp")
	}

	msg := awaitAudit(t, audit)
	if msg.Key != CategoryNode.String() {
		t.Errorf("audit key = %s, want %s", msg.Key, CategoryNode)
	}
	var envelope struct {
		Type     string            `json:"type"`
		Payload  Entry             `json:"payload"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		t.Fatalf("decode audit envelope: %v", err)
	}
	if envelope.Type != "error.logged" {
		t.Errorf("envelope type = %s, want error.logged", envelope.Type)
	}
	if envelope.Payload.Code != entry.Code {
		t.Errorf("payload code = %s, want %s", envelope.Payload.Code, entry.Code)
	}
	if envelope.Metadata["source"] != "workflow-engine" {
		t.Errorf("metadata source = %s, want workflow-engine", envelope.Metadata["source"])
	}

	key := findEntryKey(t, mr, entry.ID)
	if ttl := mr.TTL(key); ttl != entryTTL {
		t.Errorf("entry TTL = %v, want %v", ttl, entryTTL)
	}
	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("read persisted entry: %v", err)
	}
	var stored Entry
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("decode persisted entry: %v", err)
	}
	if stored.ID != entry.ID || stored.Code != entry.Code {
		t.Errorf("stored entry = %+v, want id %s code %s", stored, entry.ID, entry.Code)
	}
}

func TestFatalEntryGetsStackTrace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), testLogger())
	sink := NewSink(client, nil, testLogger(), "test:", nil)

	entry := &Entry{Level: LevelFatal, Category: CategorySystem, Code: "PANIC", Message: "worker crashed"}
	sink.Log(entry)

	if !strings.Contains(entry.StackTrace, "goroutine ") {
		t.Fatalf("StackTrace = %q, want a captured stack", entry.StackTrace)
	}
}

func TestLogErrorWrapsError(t *testing.T) {
	sink, _, memBus, ctx := newTestSink(t)
	audit := collectAudit(t, ctx, memBus)

	sink.LogError(LevelWarn, CategoryIntegration, "REDIS_ERROR",
		errors.New("connection refused"), map[string]interface{}{"attempt": 2})

	msg := awaitAudit(t, audit)
	var envelope struct {
		Payload Entry `json:"payload"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		t.Fatalf("decode audit envelope: %v", err)
	}
	if envelope.Payload.Message != "connection refused" {
		t.Errorf("message = %q, want the wrapped error text", envelope.Payload.Message)
	}
	if envelope.Payload.Level != LevelWarn || envelope.Payload.Category != CategoryIntegration {
		t.Errorf("entry = %+v, want WARN/INTEGRATION", envelope.Payload)
	}
}
