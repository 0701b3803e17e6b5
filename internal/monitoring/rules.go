package monitoring

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert rule states.
const (
	StateInactive = "inactive"
	StatePending  = "pending"
	StateFiring   = "firing"
)

// AlertRuleConfig configures an alert rule over counter snapshots.
// Condition syntax: "<counter> <op> <threshold>", op in {>, >=, <, <=, ==}.
type AlertRuleConfig struct {
	Name      string        `json:"name" yaml:"name"`
	Counter   string        `json:"counter" yaml:"counter"`
	Op        string        `json:"op" yaml:"op"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Severity  string        `json:"severity" yaml:"severity"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Validate checks configuration.
func (c *AlertRuleConfig) Validate() error {
	if c.Name == "" {
		return errors.New("alerting: name is required")
	}
	if c.Counter == "" {
		return errors.New("alerting: counter is required")
	}
	switch c.Op {
	case ">", ">=", "<", "<=", "==":
	default:
		return errors.New("alerting: invalid op: " + c.Op)
	}
	return nil
}

// Alert represents a fired alert.
type Alert struct {
	ID       string    `json:"id"`
	RuleName string    `json:"rule_name"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

// AlertRule tracks the state of one rule.
type AlertRule struct {
	config       AlertRuleConfig
	state        string
	pendingSince time.Time
	mu           sync.Mutex
}

// AlertManager evaluates rules against a collector.
type AlertManager struct {
	collector *Collector
	rules     map[string]*AlertRule
	alerts    []Alert
	mu        sync.RWMutex
}

// NewAlertManager creates a manager bound to a collector.
func NewAlertManager(collector *Collector) *AlertManager {
	return &AlertManager{
		collector: collector,
		rules:     make(map[string]*AlertRule),
	}
}

// AddRule registers an alert rule.
func (m *AlertManager) AddRule(config AlertRuleConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Severity == "" {
		config.Severity = SeverityWarning
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[config.Name] = &AlertRule{config: config, state: StateInactive}
	return nil
}

// State returns the state of a rule, or "" if unknown.
func (m *AlertManager) State(name string) string {
	m.mu.RLock()
	rule, ok := m.rules[name]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	rule.mu.Lock()
	defer rule.mu.Unlock()
	return rule.state
}

// Alerts returns fired alerts, newest last.
func (m *AlertManager) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Evaluate evaluates every rule against the current counter snapshot and
// returns the names of rules now firing.
func (m *AlertManager) Evaluate() []string {
	snapshot := m.collector.Snapshot()

	m.mu.Lock()
	rules := make([]*AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.Unlock()

	var firing []string
	for _, rule := range rules {
		if m.evaluateRule(rule, snapshot) {
			firing = append(firing, rule.config.Name)
		}
	}
	return firing
}

func (m *AlertManager) evaluateRule(rule *AlertRule, snapshot map[string]float64) bool {
	value := snapshot[rule.config.Counter]
	matched := compare(value, rule.config.Op, rule.config.Threshold)

	rule.mu.Lock()
	defer rule.mu.Unlock()

	if !matched {
		rule.state = StateInactive
		return false
	}
	if rule.config.Duration > 0 {
		switch rule.state {
		case StateInactive:
			rule.state = StatePending
			rule.pendingSince = time.Now()
			return false
		case StatePending:
			if time.Since(rule.pendingSince) < rule.config.Duration {
				return false
			}
		}
	}
	if rule.state != StateFiring {
		rule.state = StateFiring
		m.fire(rule)
	}
	return true
}

func (m *AlertManager) fire(rule *AlertRule) {
	alert := Alert{
		ID:       uuid.New().String(),
		RuleName: rule.config.Name,
		Severity: rule.config.Severity,
		Message:  strings.Join([]string{rule.config.Counter, rule.config.Op}, " "),
		FiredAt:  time.Now(),
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()
}

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	}
	return false
}
