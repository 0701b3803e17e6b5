package security

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// AccessPolicy grants or denies subjects actions on regex resource
// patterns. Subjects and actions accept "*".
type AccessPolicy struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Effect    string   `json:"effect" yaml:"effect"` // allow, deny
	Subjects  []string `json:"subjects" yaml:"subjects"`
	Actions   []string `json:"actions" yaml:"actions"`
	Resources []string `json:"resources" yaml:"resources"` // regex patterns
}

// AccessDecision is the outcome of an access-control check.
type AccessDecision struct {
	Allowed         bool     `json:"allowed"`
	MatchedPolicies []string `json:"matched_policies,omitempty"`
}

// AccessControl evaluates policies with deny overrides and default deny.
type AccessControl struct {
	policies []AccessPolicy
	compiled map[string]*regexp.Regexp
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewAccessControl creates an empty policy set.
func NewAccessControl(logger *zap.Logger) *AccessControl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessControl{
		compiled: make(map[string]*regexp.Regexp),
		logger:   logger,
	}
}

// AddPolicy appends a policy; resource patterns are compiled eagerly.
func (ac *AccessControl) AddPolicy(p AccessPolicy) error {
	if p.Effect != "allow" && p.Effect != "deny" {
		return kerr.Invalid(fmt.Sprintf("unknown policy effect %q", p.Effect))
	}
	if p.ID == "" {
		p.ID = "iampolicy_" + uuid.New().String()
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	for _, pattern := range p.Resources {
		if _, ok := ac.compiled[pattern]; ok {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return kerr.Invalid(fmt.Sprintf("bad resource pattern %q: %v", pattern, err))
		}
		ac.compiled[pattern] = re
	}
	ac.policies = append(ac.policies, p)
	return nil
}

// Check evaluates subject/action/resource. Deny overrides allow; no match
// means deny.
func (ac *AccessControl) Check(subject, action, resource string) AccessDecision {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	decision := AccessDecision{}
	allowed := false
	for _, p := range ac.policies {
		if !matchList(p.Subjects, subject) || !matchList(p.Actions, action) {
			continue
		}
		resourceHit := false
		for _, pattern := range p.Resources {
			if re := ac.compiled[pattern]; re != nil && re.MatchString(resource) {
				resourceHit = true
				break
			}
		}
		if !resourceHit {
			continue
		}
		decision.MatchedPolicies = append(decision.MatchedPolicies, p.ID)
		if p.Effect == "deny" {
			decision.Allowed = false
			return decision
		}
		allowed = true
	}
	decision.Allowed = allowed
	return decision
}

func matchList(list []string, value string) bool {
	for _, item := range list {
		if item == "*" || item == value {
			return true
		}
	}
	return false
}

// --- data masking ---

// Masking strategies.
const (
	MaskFull     = "full"
	MaskPartial  = "partial"
	MaskHash     = "hash"
	MaskRedact   = "redact"
	MaskTokenize = "tokenize"
	MaskEncrypt  = "encrypt"
)

// MaskingRule pairs a field-name regex with a strategy. The first matching
// rule wins per key.
type MaskingRule struct {
	ID           string `json:"id" yaml:"id"`
	FieldPattern string `json:"field_pattern" yaml:"field_pattern"`
	Strategy     string `json:"strategy" yaml:"strategy"`
}

// Masker applies masking rules to flat string maps.
type Masker struct {
	rules    []MaskingRule
	compiled []*regexp.Regexp
	mu       sync.RWMutex
}

// NewMasker creates an empty rule set.
func NewMasker() *Masker {
	return &Masker{}
}

// AddRule appends a masking rule.
func (m *Masker) AddRule(r MaskingRule) error {
	re, err := regexp.Compile(r.FieldPattern)
	if err != nil {
		return kerr.Invalid(fmt.Sprintf("bad field pattern %q: %v", r.FieldPattern, err))
	}
	switch r.Strategy {
	case MaskFull, MaskPartial, MaskHash, MaskRedact, MaskTokenize, MaskEncrypt:
	default:
		return kerr.Invalid(fmt.Sprintf("unknown masking strategy %q", r.Strategy))
	}
	if r.ID == "" {
		r.ID = "mask_" + uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
	m.compiled = append(m.compiled, re)
	return nil
}

// Mask returns a copy of data with each key's value transformed by the
// first rule whose pattern matches the key.
func (m *Masker) Mask(data map[string]string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(data))
	for key, value := range data {
		out[key] = value
		for i, re := range m.compiled {
			if re.MatchString(key) {
				out[key] = applyStrategy(m.rules[i].Strategy, value)
				break
			}
		}
	}
	return out
}

// MaskValue applies the first matching rule to one field.
func (m *Masker) MaskValue(field, value string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, re := range m.compiled {
		if re.MatchString(field) {
			return applyStrategy(m.rules[i].Strategy, value)
		}
	}
	return value
}

func applyStrategy(strategy, value string) string {
	switch strategy {
	case MaskFull:
		return "****"
	case MaskPartial:
		if len(value) <= 4 {
			return "****"
		}
		middle := strings.Repeat("*", len(value)-4)
		return value[:2] + middle + value[len(value)-2:]
	case MaskHash:
		return fnvHex(value)
	case MaskRedact:
		return "[REDACTED]"
	case MaskTokenize:
		return "TOK-" + fnvHex(value)[:8]
	case MaskEncrypt:
		return "ENC-" + fnvHex(value)
	}
	return value
}

func fnvHex(value string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(value))
	return fmt.Sprintf("%016x", h.Sum64())
}

// --- audit logging ---

const maxAuditEntries = 10000

// AuditEntry is one appended audit record.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"`
	Success   bool           `json:"success"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditFilter composes with AND; zero fields are ignored.
type AuditFilter struct {
	Action    string
	Actor     string
	Success   *bool
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AuditLogger appends entries with auto id and timestamp, keeping the most
// recent 10000.
type AuditLogger struct {
	entries []AuditEntry
	enabled bool
	clk     clock.Clock
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewAuditLogger creates an enabled audit logger.
func NewAuditLogger(clk clock.Clock, logger *zap.Logger) *AuditLogger {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{enabled: true, clk: clk, logger: logger}
}

// SetEnabled toggles recording.
func (a *AuditLogger) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// Record appends one entry, trimming the oldest past the retention bound.
func (a *AuditLogger) Record(entry AuditEntry) AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return entry
	}
	entry.ID = "audit_" + uuid.New().String()
	entry.Timestamp = a.clk.Now()
	a.entries = append(a.entries, entry)
	if len(a.entries) > maxAuditEntries {
		a.entries = a.entries[len(a.entries)-maxAuditEntries:]
	}
	return entry
}

// Count returns the number of retained entries.
func (a *AuditLogger) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Query returns entries matching every set filter field, oldest first.
func (a *AuditLogger) Query(f AuditFilter) []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []AuditEntry
	for _, entry := range a.entries {
		if f.Action != "" && entry.Action != f.Action {
			continue
		}
		if f.Actor != "" && entry.Actor != f.Actor {
			continue
		}
		if f.Success != nil && entry.Success != *f.Success {
			continue
		}
		if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
			continue
		}
		if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
			continue
		}
		out = append(out, entry)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
