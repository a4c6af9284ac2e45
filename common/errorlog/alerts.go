package errorlog

import (
	"sync"
	"time"

	"github.com/officeflow/engine/common/logger"
)

// AlertRule is a predicate over error entries with a per-rule cooldown.
// While a rule is cooling down, matching entries do not re-fire it.
type AlertRule struct {
	Name     string
	Cooldown time.Duration
	Matches  func(entry *Entry) bool
}

// AlertFunc receives fired alerts
type AlertFunc func(rule string, entry *Entry)

// AlertManager evaluates entries against registered rules
type AlertManager struct {
	rules     []AlertRule
	lastFired map[string]time.Time
	notify    AlertFunc
	log       *logger.Logger
	mu        sync.Mutex
	now       func() time.Time
}

// NewAlertManager creates an alert manager. notify may be nil, in which case
// fired alerts are only logged.
func NewAlertManager(log *logger.Logger, notify AlertFunc) *AlertManager {
	return &AlertManager{
		rules:     DefaultRules(),
		lastFired: make(map[string]time.Time),
		notify:    notify,
		log:       log,
		now:       time.Now,
	}
}

// AddRule registers an additional rule
func (m *AlertManager) AddRule(rule AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Evaluate fires every matching rule that is out of cooldown
func (m *AlertManager) Evaluate(entry *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, rule := range m.rules {
		if !rule.Matches(entry) {
			continue
		}
		if last, ok := m.lastFired[rule.Name]; ok && now.Sub(last) < rule.Cooldown {
			continue
		}
		m.lastFired[rule.Name] = now

		m.log.Warn("alert fired",
			"rule", rule.Name,
			"code", entry.Code,
			"category", entry.Category,
			"error_id", entry.ID)
		if m.notify != nil {
			m.notify(rule.Name, entry)
		}
	}
}

// DefaultRules returns the engine's built-in alert rules
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:     "high_error_rate",
			Cooldown: 5 * time.Minute,
			Matches: func(e *Entry) bool {
				return e.Level == LevelWarn || e.Level == LevelError
			},
		},
		{
			Name:     "workflow_failure",
			Cooldown: 10 * time.Minute,
			Matches: func(e *Entry) bool {
				return e.Category == CategoryWorkflow
			},
		},
		{
			Name:     "system_error",
			Cooldown: 1 * time.Minute,
			Matches: func(e *Entry) bool {
				return e.Level == LevelFatal && e.Category == CategorySystem
			},
		},
	}
}
