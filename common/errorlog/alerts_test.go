package errorlog

import (
	"testing"
	"time"
)

func newTestAlertManager(t *testing.T, start time.Time) (*AlertManager, *[]string, *time.Time) {
	t.Helper()
	var fired []string
	m := NewAlertManager(testLogger(), func(rule string, _ *Entry) {
		fired = append(fired, rule)
	})
	now := start
	m.now = func() time.Time { return now }
	return m, &fired, &now
}

func TestWorkflowErrorFiresTwoRules(t *testing.T) {
	m, fired, _ := newTestAlertManager(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	m.Evaluate(&Entry{Level: LevelError, Category: CategoryWorkflow, Code: "WORKFLOW_FAILED"})

	want := []string{"high_error_rate", "workflow_failure"}
	if len(*fired) != len(want) {
		t.Fatalf("fired = %v, want %v", *fired, want)
	}
	for i, rule := range want {
		if (*fired)[i] != rule {
			t.Errorf("fired[%d] = %s, want %s", i, (*fired)[i], rule)
		}
	}
}

func TestFatalSystemErrorFiresSystemRuleOnly(t *testing.T) {
	m, fired, _ := newTestAlertManager(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	// FATAL is neither WARN nor ERROR, so high_error_rate stays quiet.
	m.Evaluate(&Entry{Level: LevelFatal, Category: CategorySystem, Code: "PANIC"})

	if len(*fired) != 1 || (*fired)[0] != "system_error" {
		t.Fatalf("fired = %v, want [system_error]", *fired)
	}
}

func TestCooldownSuppressesRefire(t *testing.T) {
	m, fired, now := newTestAlertManager(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	entry := &Entry{Level: LevelWarn, Category: CategoryNode, Code: "NODE_EXECUTION_FAILED"}

	m.Evaluate(entry)
	if len(*fired) != 1 {
		t.Fatalf("first evaluation fired %v", *fired)
	}

	*now = now.Add(time.Minute)
	m.Evaluate(entry)
	if len(*fired) != 1 {
		t.Fatalf("rule re-fired inside its cooldown: %v", *fired)
	}

	// high_error_rate cools down for five minutes.
	*now = now.Add(5 * time.Minute)
	m.Evaluate(entry)
	if len(*fired) != 2 {
		t.Fatalf("rule did not re-fire after cooldown: %v", *fired)
	}
}

func TestAddRule(t *testing.T) {
	m, fired, _ := newTestAlertManager(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	m.AddRule(AlertRule{
		Name:     "breaker_open",
		Cooldown: time.Minute,
		Matches: func(e *Entry) bool {
			return e.Code == "CIRCUIT_BREAKER_OPEN"
		},
	})

	m.Evaluate(&Entry{Level: LevelWarn, Category: CategoryIntegration, Code: "CIRCUIT_BREAKER_OPEN"})

	found := false
	for _, rule := range *fired {
		if rule == "breaker_open" {
			found = true
		}
	}
	if !found {
		t.Fatalf("custom rule never fired: %v", *fired)
	}
}
