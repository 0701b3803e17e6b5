package credential

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Policy controls password composition and rotation.
type Policy struct {
	ID                     string `json:"id" yaml:"id"`
	Name                   string `json:"name" yaml:"name"`
	MinLength              int    `json:"min_length" yaml:"min_length"`
	MaxLength              int    `json:"max_length" yaml:"max_length"`
	RequireUppercase       bool   `json:"require_uppercase" yaml:"require_uppercase"`
	RequireLowercase       bool   `json:"require_lowercase" yaml:"require_lowercase"`
	RequireDigit           bool   `json:"require_digit" yaml:"require_digit"`
	RequireSymbol          bool   `json:"require_symbol" yaml:"require_symbol"`
	HistorySize            int    `json:"history_size" yaml:"history_size"`
	MaxAgeDays             int    `json:"max_age_days" yaml:"max_age_days"`
	MaxFailedAttempts      int    `json:"max_failed_attempts" yaml:"max_failed_attempts"`
	LockoutDurationMinutes int    `json:"lockout_duration_minutes" yaml:"lockout_duration_minutes"`
}

// DefaultPolicy is applied when no policy is configured.
func DefaultPolicy() Policy {
	return Policy{
		ID:                     "policy_default",
		Name:                   "default",
		MinLength:              8,
		MaxLength:              128,
		RequireLowercase:       true,
		RequireDigit:           true,
		HistorySize:            3,
		MaxAgeDays:             90,
		MaxFailedAttempts:      5,
		LockoutDurationMinutes: 15,
	}
}

// Status of a credential record.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Record stores a hashed credential for an identity.
type Record struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Kind       string    `json:"kind"` // password, api-secret
	Hash       string    `json:"-"`
	Status     Status    `json:"status"`
	PolicyID   string    `json:"policy_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	RotatedAt  time.Time `json:"rotated_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	history    []string  // previous hashes, newest first
}

// Manager owns password policies and credential records.
type Manager struct {
	policies    map[string]*Policy
	credentials map[string]*Record // identity id -> current record
	clk         clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a credential manager seeded with the default policy.
func NewManager(clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPolicy()
	return &Manager{
		policies:    map[string]*Policy{def.ID: &def},
		credentials: make(map[string]*Record),
		clk:         clk,
		logger:      logger,
	}
}

// CreatePolicy registers a password policy.
func (m *Manager) CreatePolicy(p Policy) (Policy, error) {
	if p.MinLength <= 0 {
		return Policy{}, kerr.Invalid("policy min_length must be positive")
	}
	if p.ID == "" {
		p.ID = "policy_" + uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := p
	m.policies[p.ID] = &stored
	return p, nil
}

// GetPolicy returns a policy by id.
func (m *Manager) GetPolicy(id string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return Policy{}, kerr.NotFound("password policy", id)
	}
	return *p, nil
}

// ValidatePassword checks a candidate password against a policy.
func (m *Manager) ValidatePassword(policyID, password string) error {
	policy, err := m.GetPolicy(policyID)
	if err != nil {
		return err
	}
	if len(password) < policy.MinLength {
		return kerr.Invalid(fmt.Sprintf("password shorter than %d characters", policy.MinLength))
	}
	if policy.MaxLength > 0 && len(password) > policy.MaxLength {
		return kerr.Invalid(fmt.Sprintf("password longer than %d characters", policy.MaxLength))
	}
	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if policy.RequireUppercase && !upper {
		return kerr.Invalid("password requires an uppercase letter")
	}
	if policy.RequireLowercase && !lower {
		return kerr.Invalid("password requires a lowercase letter")
	}
	if policy.RequireDigit && !digit {
		return kerr.Invalid("password requires a digit")
	}
	if policy.RequireSymbol && !symbol {
		return kerr.Invalid("password requires a symbol")
	}
	return nil
}

// SetCredential hashes and stores a credential for an identity, replacing any
// existing one without history checks. Used for initial provisioning.
func (m *Manager) SetCredential(identityID, kind, secret, policyID string) (Record, error) {
	if identityID == "" || secret == "" {
		return Record{}, kerr.Invalid("identity id and secret are required")
	}
	if policyID == "" {
		policyID = "policy_default"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return Record{}, fmt.Errorf("hash credential: %w", err)
	}

	now := m.clk.Now()
	record := &Record{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Kind:       kind,
		Hash:       string(hash),
		Status:     StatusActive,
		PolicyID:   policyID,
		CreatedAt:  now,
		RotatedAt:  now,
	}
	if policy, perr := m.GetPolicy(policyID); perr == nil && policy.MaxAgeDays > 0 {
		record.ExpiresAt = now.Add(time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.credentials[identityID]; ok {
		record.history = append([]string{prev.Hash}, prev.history...)
	}
	m.credentials[identityID] = record
	return *record, nil
}

// VerifyCredential compares a secret against the stored hash. Expired
// credentials fail verification.
func (m *Manager) VerifyCredential(identityID, secret string) (bool, error) {
	m.mu.RLock()
	record, ok := m.credentials[identityID]
	m.mu.RUnlock()
	if !ok {
		return false, kerr.NotFound("credential", identityID)
	}
	if record.Status != StatusActive {
		return false, nil
	}
	if !record.ExpiresAt.IsZero() && m.clk.Now().After(record.ExpiresAt) {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(record.Hash), []byte(secret))
	if err == bcrypt.ErrMismatchedHashAndPassword {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare credential: %w", err)
	}
	return true, nil
}

// RotateCredential replaces the credential, enforcing policy validation and
// history reuse checks.
func (m *Manager) RotateCredential(identityID, newSecret string) (Record, error) {
	m.mu.RLock()
	record, ok := m.credentials[identityID]
	m.mu.RUnlock()
	if !ok {
		return Record{}, kerr.NotFound("credential", identityID)
	}
	if err := m.ValidatePassword(record.PolicyID, newSecret); err != nil {
		return Record{}, err
	}

	policy, _ := m.GetPolicy(record.PolicyID)
	checked := append([]string{record.Hash}, record.history...)
	if policy.HistorySize > 0 && len(checked) > policy.HistorySize {
		checked = checked[:policy.HistorySize]
	}
	for _, old := range checked {
		if bcrypt.CompareHashAndPassword([]byte(old), []byte(newSecret)) == nil {
			return Record{}, kerr.Constraint("password-history", "credential was used recently")
		}
	}
	return m.SetCredential(identityID, record.Kind, newSecret, record.PolicyID)
}

// ExpireCredential forces a credential into the expired state.
func (m *Manager) ExpireCredential(identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.credentials[identityID]
	if !ok {
		return kerr.NotFound("credential", identityID)
	}
	record.Status = StatusExpired
	return nil
}

// GetCredential returns a copy of the identity's credential record.
func (m *Manager) GetCredential(identityID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.credentials[identityID]
	if !ok {
		return Record{}, kerr.NotFound("credential", identityID)
	}
	out := *record
	out.history = nil
	return out, nil
}

// NeedsRotation reports whether the credential has passed its max age.
func (m *Manager) NeedsRotation(identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.credentials[identityID]
	if !ok {
		return false
	}
	return !record.ExpiresAt.IsZero() && m.clk.Now().After(record.ExpiresAt)
}

// Policies returns all policies, default first then by name.
func (m *Manager) Policies() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, *p)
	}
	// Insertion order is not tracked for policies; sort by name for
	// deterministic listings.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
