package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/logger"
	redisWrapper "github.com/officeflow/engine/common/redis"
)

// Level classifies error severity
type Level string

// Category groups errors by origin
type Category string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelFatal Level = "FATAL"

	CategoryWorkflow    Category = "WORKFLOW"
	CategoryNode        Category = "NODE"
	CategorySystem      Category = "SYSTEM"
	CategoryIntegration Category = "INTEGRATION"
)

// Entry is one structured error record
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Level      Level                  `json:"level"`
	Category   Category               `json:"category"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	StackTrace string                 `json:"stackTrace,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
}

// AuditTopic is where error entries are published for downstream audit consumers
const AuditTopic = "audit.events"

// entryTTL keeps error records queryable for a week
const entryTTL = 7 * 24 * time.Hour

// Sink records structured errors: Redis for queryability, the audit topic for
// downstream consumers, slog for operators. Writes are fire-and-forget
// through a buffered channel so a failing sink can never recurse into the
// error path that produced the entry.
type Sink struct {
	redis     *redisWrapper.Client
	bus       bus.Bus
	log       *logger.Logger
	namespace string
	alerts    *AlertManager
	entries   chan *Entry
}

// NewSink creates an error sink. Pass a nil alert manager to disable alerting.
func NewSink(redisClient *redisWrapper.Client, b bus.Bus, log *logger.Logger, namespace string, alerts *AlertManager) *Sink {
	return &Sink{
		redis:     redisClient,
		bus:       b,
		log:       log,
		namespace: namespace,
		alerts:    alerts,
		entries:   make(chan *Entry, 256),
	}
}

// Start runs the sink's writer loop until ctx is cancelled
func (s *Sink) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-s.entries:
				s.persist(ctx, entry)
			}
		}
	}()
}

// Log records an error entry. Non-blocking: if the sink's buffer is full the
// entry still reaches slog and alerting, only persistence is skipped.
func (s *Sink) Log(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == LevelFatal && entry.StackTrace == "" {
		entry.StackTrace = string(debug.Stack())
	}

	switch entry.Level {
	case LevelWarn:
		s.log.Warn(entry.Message, "code", entry.Code, "category", entry.Category, "error_id", entry.ID)
	default:
		s.log.Logger.Error(entry.Message, "code", entry.Code, "category", entry.Category, "level", entry.Level, "error_id", entry.ID)
	}

	if s.alerts != nil {
		s.alerts.Evaluate(entry)
	}

	select {
	case s.entries <- entry:
	default:
		s.log.Warn("error sink buffer full, dropping entry", "error_id", entry.ID)
	}
}

// LogError is a convenience for wrapping a Go error into an entry
func (s *Sink) LogError(level Level, category Category, code string, err error, context map[string]interface{}) {
	s.Log(&Entry{
		Level:    level,
		Category: category,
		Code:     code,
		Message:  err.Error(),
		Context:  context,
	})
}

func (s *Sink) persist(ctx context.Context, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.log.Error("failed to marshal error entry", "error", err)
		return
	}

	key := fmt.Sprintf("%serror_log:%d:%s", s.namespace, entry.Timestamp.UnixMilli(), entry.ID)
	if err := s.redis.Set(ctx, key, string(data), entryTTL); err != nil {
		s.log.Error("failed to persist error entry", "key", key, "error", err)
	}

	if s.bus != nil {
		envelope, err := json.Marshal(map[string]interface{}{
			"type":    "error.logged",
			"payload": entry,
			"metadata": map[string]interface{}{
				"source":  "workflow-engine",
				"version": "1.0",
			},
		})
		if err == nil {
			if err := s.bus.Publish(ctx, AuditTopic, entry.Category.String(), envelope); err != nil {
				s.log.Error("failed to publish audit event", "error", err)
			}
		}
	}
}

// String returns the category as a plain string
func (c Category) String() string {
	return string(c)
}
