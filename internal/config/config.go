package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/keystone/internal/authn"
	"github.com/FairForge/keystone/internal/authz"
	"github.com/FairForge/keystone/internal/credential"
	"github.com/FairForge/keystone/internal/federation"
	"github.com/FairForge/keystone/internal/governance"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/monitoring"
	"github.com/FairForge/keystone/internal/pam"
	"github.com/FairForge/keystone/internal/risk"
	"github.com/FairForge/keystone/internal/security"
)

// Config is the orchestrator seed: every recognized collection plus the
// runtime knobs. Missing sections leave the corresponding subsystem empty.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Tokens  TokenConfig   `yaml:"tokens"`
	Audit   AuditConfig   `yaml:"audit"`

	Identities         []identity.Identity           `yaml:"identities"`
	Organizations      []identity.Organization       `yaml:"organizations"`
	Groups             []identity.Group              `yaml:"groups"`
	Roles              []authz.Role                  `yaml:"roles"`
	AccessPolicies     []authz.Policy                `yaml:"access_policies"`
	AuthPolicies       []authn.Policy                `yaml:"authentication_policies"`
	PasswordPolicies   []credential.Policy           `yaml:"password_policies"`
	IdentityProviders  []federation.IdentityProvider `yaml:"identity_providers"`
	ServiceProviders   []federation.ServiceProvider  `yaml:"service_providers"`
	SSOConfigs         []authn.SSOConfig             `yaml:"sso_configurations"`
	RiskRules          []risk.ScoringRule            `yaml:"risk_scoring_rules"`
	SoDPolicies        []governance.SoDPolicy        `yaml:"sod_policies"`
	PrivilegedAccounts []pam.Account                 `yaml:"privileged_accounts"`
	CredentialVaults   []pam.Vault                   `yaml:"credential_vaults"`
	ThreatIndicators   []risk.ThreatIndicator        `yaml:"threat_indicators"`
	AlertRules         []monitoring.AlertRuleConfig  `yaml:"alert_rules"`
	IAMPolicies        []security.AccessPolicy       `yaml:"iam_access_policies"`
	MaskingRules       []security.MaskingRule        `yaml:"masking_rules"`
}

// ServerConfig tunes the demo server.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// TokenConfig tunes the token service.
type TokenConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	KeyID          string        `yaml:"key_id"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// AuditConfig toggles the audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a runnable configuration with no seed data.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: 8080, LogLevel: "info"},
		Session: SessionConfig{TTL: 8 * time.Hour, MaxConcurrent: 5},
		Tokens: TokenConfig{
			SigningSecret:  "keystone-dev-secret",
			KeyID:          "keystone-1",
			Issuer:         "keystone",
			AccessTokenTTL: time.Hour,
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
