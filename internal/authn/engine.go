package authn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/credential"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/kerr"
	"github.com/FairForge/keystone/internal/session"
	"github.com/FairForge/keystone/internal/token"
)

// ChallengeTTL bounds pending MFA challenges.
const ChallengeTTL = 5 * time.Minute

// RiskEvaluator scores an authentication attempt 0-100. The orchestrator
// wires the risk engine here; absent one, a low-risk stub is used.
type RiskEvaluator interface {
	ScoreAuthentication(identityID string, req Request) int
}

// Listener receives authentication lifecycle notifications.
type Listener func(event string, data map[string]any)

// Engine events.
const (
	EventLoginSuccess  = "loginSuccess"
	EventLoginFailed   = "loginFailed"
	EventAccountLocked = "accountLocked"
	EventMFAEnrolled   = "mfaEnrolled"
	EventMFAVerified   = "mfaVerified"
)

// Engine runs the authenticate flow: policy selection, credential check,
// lockout, MFA, risk, then token and session minting.
type Engine struct {
	identities  *identity.Store
	credentials *credential.Manager
	tokens      *token.Service
	sessions    *session.Manager
	risk        RiskEvaluator

	policies    map[string]*Policy
	policyOrder []string
	enrollments map[string][]*Enrollment // identity id -> enrollments
	challenges  map[string]*Challenge    // challenge id -> challenge
	ssoConfigs  map[string]*SSOConfig
	lockStates  map[string]*lockState
	history     []LoginRecord
	maxHistory  int
	issuer      string
	listeners   []Listener
	clk         clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewEngine creates an authentication engine over the given stores.
func NewEngine(identities *identity.Store, credentials *credential.Manager, tokens *token.Service, sessions *session.Manager, clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		identities:  identities,
		credentials: credentials,
		tokens:      tokens,
		sessions:    sessions,
		policies:    make(map[string]*Policy),
		enrollments: make(map[string][]*Enrollment),
		challenges:  make(map[string]*Challenge),
		ssoConfigs:  make(map[string]*SSOConfig),
		lockStates:  make(map[string]*lockState),
		maxHistory:  10000,
		issuer:      "keystone",
		clk:         clk,
		logger:      logger,
	}
}

// SetRiskEvaluator wires the risk engine.
func (e *Engine) SetRiskEvaluator(r RiskEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.risk = r
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(event string, data map[string]any) {
	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event, data)
		}()
	}
}

// --- policies ---

// CreatePolicy registers an authentication policy.
func (e *Engine) CreatePolicy(p Policy) (Policy, error) {
	if p.Name == "" {
		return Policy{}, kerr.Invalid("auth policy requires a name")
	}
	if p.ID == "" {
		p.ID = "authpolicy_" + uuid.New().String()
	}
	if p.MaxFailedAttempts <= 0 {
		p.MaxFailedAttempts = DefaultPolicy().MaxFailedAttempts
	}
	if p.LockoutDurationMinutes <= 0 {
		p.LockoutDurationMinutes = DefaultPolicy().LockoutDurationMinutes
	}
	p.CreatedAt = e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID]; exists {
		return Policy{}, kerr.Invalid(fmt.Sprintf("auth policy %q already exists", p.ID))
	}
	stored := p
	e.policies[p.ID] = &stored
	e.policyOrder = append(e.policyOrder, p.ID)
	return p, nil
}

// GetPolicy returns a policy by id.
func (e *Engine) GetPolicy(id string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return Policy{}, kerr.NotFound("auth policy", id)
	}
	return *p, nil
}

// ListPolicies returns policies in creation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policyOrder))
	for _, id := range e.policyOrder {
		if p := e.policies[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// DeletePolicy removes a policy.
func (e *Engine) DeletePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return kerr.NotFound("auth policy", id)
	}
	delete(e.policies, id)
	for i, pid := range e.policyOrder {
		if pid == id {
			e.policyOrder = append(e.policyOrder[:i], e.policyOrder[i+1:]...)
			break
		}
	}
	return nil
}

// EvaluateAuthPolicy reports whether a policy's conditions match a request.
func (e *Engine) EvaluateAuthPolicy(policyID string, req Request) (bool, error) {
	p, err := e.GetPolicy(policyID)
	if err != nil {
		return false, err
	}
	return policyMatches(p, req), nil
}

// selectPolicy returns the highest-priority enabled policy whose conditions
// match, falling back to the default policy.
func (e *Engine) selectPolicy(req Request) Policy {
	e.mu.RLock()
	candidates := make([]*Policy, 0, len(e.policyOrder))
	for _, id := range e.policyOrder {
		if p := e.policies[id]; p != nil && p.Enabled {
			candidates = append(candidates, p)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	for _, p := range candidates {
		if policyMatches(*p, req) {
			return *p
		}
	}
	return DefaultPolicy()
}

func policyMatches(p Policy, req Request) bool {
	c := p.Conditions
	checks := []struct {
		present bool
		matched bool
	}{
		{len(c.IPRanges) > 0, matchIP(c.IPRanges, req.IPAddress)},
		{len(c.GeoCountries) > 0, containsFold(c.GeoCountries, req.Country)},
		{len(c.DeviceSubstrings) > 0, matchSubstring(c.DeviceSubstrings, req.DeviceFingerprint)},
		{len(c.Applications) > 0, containsFold(c.Applications, req.Application)},
	}

	any := false
	all := true
	present := false
	for _, check := range checks {
		if !check.present {
			continue
		}
		present = true
		if check.matched {
			any = true
		} else {
			all = false
		}
	}
	if !present {
		return true // unconditional policy
	}
	if strings.EqualFold(c.Combine, "or") {
		return any
	}
	return all
}

func matchIP(ranges []string, ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	for _, r := range ranges {
		if _, cidr, err := net.ParseCIDR(r); err == nil && parsed != nil && cidr.Contains(parsed) {
			return true
		}
		if strings.HasPrefix(ip, r) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func matchSubstring(subs []string, v string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(v, sub) {
			return true
		}
	}
	return false
}

// --- lockout ---

// IsLocked reports whether the identity is currently locked out. The record
// clears on read once the lockout elapses.
func (e *Engine) IsLocked(identityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLockedLocked(identityID)
}

func (e *Engine) isLockedLocked(identityID string) bool {
	state, ok := e.lockStates[identityID]
	if !ok {
		return false
	}
	if !state.lockedUntil.IsZero() {
		if e.clk.Now().Before(state.lockedUntil) {
			return true
		}
		delete(e.lockStates, identityID)
	}
	return false
}

// GetFailedAttemptCount returns the identity's consecutive failure count.
func (e *Engine) GetFailedAttemptCount(identityID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if state, ok := e.lockStates[identityID]; ok {
		return state.count
	}
	return 0
}

// ResetFailedAttempts clears failures and any lockout.
func (e *Engine) ResetFailedAttempts(identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lockStates, identityID)
}

// recordFailure increments the counter and locks the account when the policy
// threshold is reached. Returns true when the account just locked.
func (e *Engine) recordFailure(identityID string, p Policy) bool {
	e.mu.Lock()
	state, ok := e.lockStates[identityID]
	if !ok {
		state = &lockState{}
		e.lockStates[identityID] = state
	}
	state.count++
	state.lastFailed = e.clk.Now()
	locked := false
	if state.count >= p.MaxFailedAttempts {
		state.lockedUntil = e.clk.Now().Add(time.Duration(p.LockoutDurationMinutes) * time.Minute)
		locked = true
	}
	e.mu.Unlock()

	if locked {
		e.notify(EventAccountLocked, map[string]any{"identityId": identityID})
	}
	return locked
}

// --- authenticate ---

// Authenticate runs the full flow. All outcomes flow through the Result.
func (e *Engine) Authenticate(req Request) Result {
	ident, err := e.identities.Resolve(req.UsernameOrEmail)
	if err != nil {
		// Fail closed without leaking which part was wrong.
		return Result{Status: StatusFailed, FailureReason: "invalid credentials"}
	}

	policy := e.selectPolicy(req)

	if e.IsLocked(ident.ID) {
		return Result{Status: StatusLocked, FailureReason: "account locked", IdentityID: ident.ID, PolicyID: policy.ID}
	}

	if !containsFold(policy.AllowedMethods, req.Method) {
		return Result{Status: StatusFailed, FailureReason: fmt.Sprintf("method %q not allowed by policy", req.Method), IdentityID: ident.ID, PolicyID: policy.ID}
	}

	ok, verr := e.credentials.VerifyCredential(ident.ID, req.Password)
	if verr != nil || !ok {
		locked := e.recordFailure(ident.ID, policy)
		e.appendHistory(LoginRecord{IdentityID: ident.ID, Method: req.Method, Success: false, IPAddress: req.IPAddress, UserAgent: req.UserAgent, Timestamp: e.clk.Now()})
		e.notify(EventLoginFailed, map[string]any{"identityId": ident.ID})
		if locked {
			return Result{Status: StatusLocked, FailureReason: "account locked", IdentityID: ident.ID, PolicyID: policy.ID}
		}
		return Result{Status: StatusFailed, FailureReason: "invalid credentials", IdentityID: ident.ID, PolicyID: policy.ID}
	}

	if policy.RequireMFA {
		if enrollment := e.activeEnrollment(ident.ID); enrollment != nil {
			if req.MFACode != "" && req.MFAToken != "" {
				if !e.verifyInline(ident.ID, req.MFACode, req.MFAToken) {
					return Result{Status: StatusFailed, FailureReason: "invalid mfa code", IdentityID: ident.ID, PolicyID: policy.ID}
				}
			} else {
				challenge := e.issueChallenge(ident.ID, enrollment.Method)
				return Result{
					Status:         StatusMFARequired,
					IdentityID:     ident.ID,
					MFAChallengeID: challenge.ID,
					MFAToken:       challenge.Token,
					PolicyID:       policy.ID,
				}
			}
		}
	}

	score := e.scoreRisk(ident.ID, req)
	if policy.MaxRiskScore > 0 && score > policy.MaxRiskScore {
		e.appendHistory(LoginRecord{IdentityID: ident.ID, Method: req.Method, Success: false, IPAddress: req.IPAddress, UserAgent: req.UserAgent, Timestamp: e.clk.Now()})
		return Result{Status: StatusRiskDenied, FailureReason: "risk score above policy threshold", IdentityID: ident.ID, RiskScore: score, PolicyID: policy.ID}
	}

	result := e.mintSuccess(ident.ID, req)
	result.RiskScore = score
	result.PolicyID = policy.ID
	return result
}

func (e *Engine) scoreRisk(identityID string, req Request) int {
	e.mu.RLock()
	evaluator := e.risk
	e.mu.RUnlock()
	if evaluator == nil {
		return 0
	}
	return evaluator.ScoreAuthentication(identityID, req)
}

// mintSuccess issues tokens, opens a session, clears failures and records
// history.
func (e *Engine) mintSuccess(identityID string, req Request) Result {
	access, _ := e.tokens.IssueAccessToken(token.IssueRequest{IdentityID: identityID, Scope: []string{"openid", "profile"}})
	refresh, _ := e.tokens.IssueRefreshToken(token.IssueRequest{IdentityID: identityID, Scope: access.Scope}, access.ID)
	idTok, _ := e.tokens.IssueIDToken(token.IssueRequest{IdentityID: identityID})
	sess, _ := e.sessions.CreateSession(identityID, req.DeviceFingerprint, req.IPAddress)

	e.ResetFailedAttempts(identityID)
	e.appendHistory(LoginRecord{IdentityID: identityID, Method: req.Method, Success: true, IPAddress: req.IPAddress, UserAgent: req.UserAgent, Timestamp: e.clk.Now()})
	e.notify(EventLoginSuccess, map[string]any{"identityId": identityID})

	return Result{
		Status:         StatusSuccess,
		IdentityID:     identityID,
		SessionID:      sess.ID,
		AccessTokenID:  access.ID,
		RefreshTokenID: refresh.ID,
		IDTokenID:      idTok.ID,
	}
}

func (e *Engine) appendHistory(record LoginRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, record)
	if len(e.history) > e.maxHistory {
		e.history = e.history[1:]
	}
}

// GetLoginHistory returns the identity's login records, oldest first.
func (e *Engine) GetLoginHistory(identityID string, limit int) []LoginRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []LoginRecord
	for _, record := range e.history {
		if record.IdentityID == identityID {
			out = append(out, record)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// --- MFA ---

// EnrollMFA enrolls an identity in a factor. TOTP enrollments get a real
// secret and provisioning URL; verification stays a stub until a real
// verifier is substituted.
func (e *Engine) EnrollMFA(identityID, method, accountName string) (Enrollment, error) {
	if _, err := e.identities.GetIdentity(identityID); err != nil {
		return Enrollment{}, err
	}
	enrollment := Enrollment{
		ID:         "mfa_" + uuid.New().String(),
		IdentityID: identityID,
		Method:     method,
		Active:     true,
		CreatedAt:  e.clk.Now(),
	}
	if method == MFATOTP {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      e.issuer,
			AccountName: accountName,
			Period:      30,
			SecretSize:  20,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			return Enrollment{}, fmt.Errorf("generate totp key: %w", err)
		}
		enrollment.Secret = key.Secret()
		enrollment.ProvisioningURL = key.URL()
	}
	codes, err := generateBackupCodes()
	if err != nil {
		return Enrollment{}, err
	}
	enrollment.BackupCodes = codes

	e.mu.Lock()
	stored := enrollment
	e.enrollments[identityID] = append(e.enrollments[identityID], &stored)
	e.mu.Unlock()

	e.notify(EventMFAEnrolled, map[string]any{"identityId": identityID, "method": method})
	return enrollment, nil
}

// UnenrollMFA deactivates an enrollment.
func (e *Engine) UnenrollMFA(identityID, enrollmentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, enrollment := range e.enrollments[identityID] {
		if enrollment.ID == enrollmentID {
			enrollment.Active = false
			return nil
		}
	}
	return kerr.NotFound("mfa enrollment", enrollmentID)
}

// GetMFAEnrollments returns copies of the identity's enrollments.
func (e *Engine) GetMFAEnrollments(identityID string) []Enrollment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Enrollment
	for _, enrollment := range e.enrollments[identityID] {
		copied := *enrollment
		copied.Secret = ""
		copied.BackupCodes = nil
		out = append(out, copied)
	}
	return out
}

func (e *Engine) activeEnrollment(identityID string) *Enrollment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, enrollment := range e.enrollments[identityID] {
		if enrollment.Active {
			return enrollment
		}
	}
	return nil
}

func (e *Engine) issueChallenge(identityID, method string) Challenge {
	now := e.clk.Now()
	challenge := &Challenge{
		ID:         "chal_" + uuid.New().String(),
		IdentityID: identityID,
		Method:     method,
		Token:      randomToken(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ChallengeTTL),
	}
	e.mu.Lock()
	e.challenges[challenge.ID] = challenge
	out := *challenge
	e.mu.Unlock()
	return out
}

// verifyInline validates an mfaCode+mfaToken pair carried on the
// authenticate request. The challenge is located by its token.
func (e *Engine) verifyInline(identityID, code, mfaToken string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	for _, challenge := range e.challenges {
		if challenge.IdentityID != identityID || challenge.Token != mfaToken {
			continue
		}
		if challenge.Consumed || now.After(challenge.ExpiresAt) {
			return false
		}
		if !codeAcceptable(code, challenge.ID) {
			return false
		}
		challenge.Consumed = true
		return true
	}
	return false
}

// VerifyMFA verifies a pending challenge located by identity and method. On
// success the challenge is consumed, the enrollment's lastUsedAt updates and
// a fresh session plus tokens are minted.
func (e *Engine) VerifyMFA(identityID, method, code string) Result {
	now := e.clk.Now()

	e.mu.Lock()
	var matched *Challenge
	for _, challenge := range e.challenges {
		if challenge.IdentityID == identityID && challenge.Method == method && !challenge.Consumed {
			matched = challenge
			break
		}
	}
	if matched == nil {
		e.mu.Unlock()
		return Result{Status: StatusFailed, FailureReason: "no pending challenge", IdentityID: identityID}
	}
	if now.After(matched.ExpiresAt) {
		e.mu.Unlock()
		return Result{Status: StatusFailed, FailureReason: "challenge expired", IdentityID: identityID}
	}
	if !codeAcceptable(code, matched.ID) {
		e.mu.Unlock()
		return Result{Status: StatusFailed, FailureReason: "invalid mfa code", IdentityID: identityID}
	}
	matched.Consumed = true
	for _, enrollment := range e.enrollments[identityID] {
		if enrollment.Active && enrollment.Method == method {
			enrollment.LastUsedAt = now
		}
	}
	e.mu.Unlock()

	e.notify(EventMFAVerified, map[string]any{"identityId": identityID, "method": method})
	return e.mintSuccess(identityID, Request{Method: method})
}

// codeAcceptable accepts any 6-digit code or the challenge id itself. A real
// deployment substitutes TOTP/WebAuthn verification here.
func codeAcceptable(code, challengeID string) bool {
	if code == challengeID {
		return true
	}
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func generateBackupCodes() ([]string, error) {
	codes := make([]string, 10)
	for i := range codes {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(b))
	}
	return codes, nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// --- SSO ---

// ConfigureSSOConfig stores or replaces an SSO configuration.
func (e *Engine) ConfigureSSOConfig(cfg SSOConfig) (SSOConfig, error) {
	if cfg.ProviderID == "" {
		return SSOConfig{}, kerr.Invalid("sso config requires a provider id")
	}
	if cfg.ID == "" {
		cfg.ID = "sso_" + uuid.New().String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := cfg
	e.ssoConfigs[cfg.ID] = &stored
	return cfg, nil
}

// GetSSOConfig returns an SSO config by id.
func (e *Engine) GetSSOConfig(id string) (SSOConfig, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.ssoConfigs[id]
	if !ok {
		return SSOConfig{}, kerr.NotFound("sso config", id)
	}
	return *cfg, nil
}
