package directory

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Entry is an LDAP-like directory entry keyed by DN.
type Entry struct {
	DN         string              `json:"dn"`
	Attributes map[string][]string `json:"attributes"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

func (e *Entry) clone() Entry {
	out := Entry{DN: e.DN, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt}
	out.Attributes = make(map[string][]string, len(e.Attributes))
	for k, v := range e.Attributes {
		out.Attributes[k] = append([]string(nil), v...)
	}
	return out
}

// Scope controls how deep a search descends from the base DN.
type Scope string

const (
	ScopeBase Scope = "base" // the base entry only
	ScopeOne  Scope = "one"  // direct children of the base
	ScopeSub  Scope = "sub"  // the base and all descendants
)

// Filter matches entries by attribute equality or presence.
type Filter struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value,omitempty"` // empty means presence check
}

// Service is an in-memory directory with scoped search.
type Service struct {
	entries map[string]*Entry
	order   []string
	clk     clock.Clock
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewService creates a directory service.
func NewService(clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		entries: make(map[string]*Entry),
		clk:     clk,
		logger:  logger,
	}
}

// Add inserts an entry. Adding an existing DN is a state conflict.
func (s *Service) Add(dn string, attributes map[string][]string) (Entry, error) {
	dn = normalizeDN(dn)
	if dn == "" {
		return Entry{}, kerr.Invalid("dn is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[dn]; exists {
		return Entry{}, kerr.StateConflict("entry", dn, "present", "added")
	}
	now := s.clk.Now()
	entry := &Entry{DN: dn, Attributes: make(map[string][]string), CreatedAt: now, UpdatedAt: now}
	for k, v := range attributes {
		entry.Attributes[strings.ToLower(k)] = append([]string(nil), v...)
	}
	s.entries[dn] = entry
	s.order = append(s.order, dn)
	return entry.clone(), nil
}

// Get returns a copy of the entry at dn.
func (s *Service) Get(dn string) (Entry, error) {
	dn = normalizeDN(dn)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[dn]
	if !ok {
		return Entry{}, kerr.NotFound("entry", dn)
	}
	return entry.clone(), nil
}

// Modify replaces the named attributes; a nil value deletes the attribute.
func (s *Service) Modify(dn string, changes map[string][]string) (Entry, error) {
	dn = normalizeDN(dn)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[dn]
	if !ok {
		return Entry{}, kerr.NotFound("entry", dn)
	}
	for k, v := range changes {
		key := strings.ToLower(k)
		if v == nil {
			delete(entry.Attributes, key)
			continue
		}
		entry.Attributes[key] = append([]string(nil), v...)
	}
	entry.UpdatedAt = s.clk.Now()
	return entry.clone(), nil
}

// Delete removes the entry at dn.
func (s *Service) Delete(dn string) error {
	dn = normalizeDN(dn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[dn]; !ok {
		return kerr.NotFound("entry", dn)
	}
	delete(s.entries, dn)
	for i, d := range s.order {
		if d == dn {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Bind verifies a simple bind: the entry must exist and carry the password in
// its userPassword attribute. Real deployments replace this with an upstream
// LDAP bind.
func (s *Service) Bind(dn, password string) (bool, error) {
	entry, err := s.Get(dn)
	if err != nil {
		return false, err
	}
	for _, stored := range entry.Attributes["userpassword"] {
		if stored == password {
			return true, nil
		}
	}
	return false, nil
}

// Search returns entries under base matching all filters, in insertion order.
func (s *Service) Search(base string, scope Scope, filters ...Filter) []Entry {
	base = normalizeDN(base)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, dn := range s.order {
		entry := s.entries[dn]
		if !inScope(dn, base, scope) {
			continue
		}
		if !matchesAll(entry, filters) {
			continue
		}
		out = append(out, entry.clone())
	}
	return out
}

func matchesAll(entry *Entry, filters []Filter) bool {
	for _, f := range filters {
		values, present := entry.Attributes[strings.ToLower(f.Attribute)]
		if !present {
			return false
		}
		if f.Value == "" {
			continue // presence filter
		}
		found := false
		for _, v := range values {
			if strings.EqualFold(v, f.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func inScope(dn, base string, scope Scope) bool {
	switch scope {
	case ScopeBase:
		return dn == base
	case ScopeOne:
		if !strings.HasSuffix(dn, ","+base) {
			return false
		}
		rdn := strings.TrimSuffix(dn, ","+base)
		return !strings.Contains(rdn, ",")
	default: // ScopeSub
		return dn == base || strings.HasSuffix(dn, ","+base)
	}
}

func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(strings.ToLower(p))
	}
	return strings.Join(parts, ",")
}
