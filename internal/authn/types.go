package authn

import "time"

// Method names for authentication.
const (
	MethodPassword = "password"
	MethodAPIKey   = "api-key"
	MethodSAML     = "saml"
	MethodOIDC     = "oidc"
)

// MFA methods.
const (
	MFATOTP     = "totp"
	MFASMS      = "sms"
	MFAEmail    = "email"
	MFAWebAuthn = "webauthn"
)

// Result statuses.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusLocked      = "locked"
	StatusMFARequired = "mfa-required"
	StatusRiskDenied  = "risk-denied"
)

// PolicyConditions gate when an auth policy applies. Combine is "and"
// (default) or "or".
type PolicyConditions struct {
	IPRanges         []string `json:"ip_ranges,omitempty" yaml:"ip_ranges,omitempty"`
	GeoCountries     []string `json:"geo_countries,omitempty" yaml:"geo_countries,omitempty"`
	DeviceSubstrings []string `json:"device_substrings,omitempty" yaml:"device_substrings,omitempty"`
	Applications     []string `json:"applications,omitempty" yaml:"applications,omitempty"`
	Combine          string   `json:"combine,omitempty" yaml:"combine,omitempty"`
}

// Policy selects authentication requirements by priority.
type Policy struct {
	ID                     string           `json:"id" yaml:"id"`
	Name                   string           `json:"name" yaml:"name"`
	Priority               int              `json:"priority" yaml:"priority"`
	Enabled                bool             `json:"enabled" yaml:"enabled"`
	AllowedMethods         []string         `json:"allowed_methods" yaml:"allowed_methods"`
	RequireMFA             bool             `json:"require_mfa" yaml:"require_mfa"`
	MaxRiskScore           int              `json:"max_risk_score" yaml:"max_risk_score"`
	MaxFailedAttempts      int              `json:"max_failed_attempts" yaml:"max_failed_attempts"`
	LockoutDurationMinutes int              `json:"lockout_duration_minutes" yaml:"lockout_duration_minutes"`
	Conditions             PolicyConditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// DefaultPolicy applies when no configured policy matches.
func DefaultPolicy() Policy {
	return Policy{
		ID:                     "authpolicy_default",
		Name:                   "default",
		Enabled:                true,
		AllowedMethods:         []string{MethodPassword, MethodAPIKey, MethodSAML, MethodOIDC},
		MaxRiskScore:           80,
		MaxFailedAttempts:      5,
		LockoutDurationMinutes: 15,
	}
}

// Request carries one authentication attempt.
type Request struct {
	UsernameOrEmail   string  `json:"username_or_email"`
	Method            string  `json:"method"`
	Password          string  `json:"password,omitempty"`
	MFACode           string  `json:"mfa_code,omitempty"`
	MFAToken          string  `json:"mfa_token,omitempty"`
	IPAddress         string  `json:"ip_address,omitempty"`
	Country           string  `json:"country,omitempty"`
	DeviceFingerprint string  `json:"device_fingerprint,omitempty"`
	UserAgent         string  `json:"user_agent,omitempty"`
	Application       string  `json:"application,omitempty"`
	Latitude          float64 `json:"latitude,omitempty"`
	Longitude         float64 `json:"longitude,omitempty"`
}

// Result is the structured outcome of an authentication attempt. Failures
// surface here, not as errors.
type Result struct {
	Status         string `json:"status"`
	FailureReason  string `json:"failure_reason,omitempty"`
	IdentityID     string `json:"identity_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	AccessTokenID  string `json:"access_token_id,omitempty"`
	RefreshTokenID string `json:"refresh_token_id,omitempty"`
	IDTokenID      string `json:"id_token_id,omitempty"`
	MFAChallengeID string `json:"mfa_challenge_id,omitempty"`
	MFAToken       string `json:"mfa_token,omitempty"`
	RiskScore      int    `json:"risk_score,omitempty"`
	PolicyID       string `json:"policy_id,omitempty"`
}

// Enrollment is an active MFA factor for an identity.
type Enrollment struct {
	ID              string    `json:"id"`
	IdentityID      string    `json:"identity_id"`
	Method          string    `json:"method"`
	Secret          string    `json:"-"`
	ProvisioningURL string    `json:"provisioning_url,omitempty"`
	BackupCodes     []string  `json:"-"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
}

// Challenge is a pending MFA verification, expiring after 5 minutes.
type Challenge struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Method     string    `json:"method"`
	Token      string    `json:"token"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Consumed   bool      `json:"consumed"`
}

// SSOConfig stores a provider binding for downstream federation.
type SSOConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	ProviderID  string `json:"provider_id" yaml:"provider_id"`
	Protocol    string `json:"protocol" yaml:"protocol"` // saml, oidc
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	DefaultRole string `json:"default_role,omitempty" yaml:"default_role,omitempty"`
}

// LoginRecord is one login history entry.
type LoginRecord struct {
	IdentityID string    `json:"identity_id"`
	Method     string    `json:"method"`
	Success    bool      `json:"success"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// lockState tracks per-identity failed attempts.
type lockState struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}
