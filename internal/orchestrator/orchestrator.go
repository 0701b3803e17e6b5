package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/authn"
	"github.com/FairForge/keystone/internal/authz"
	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/config"
	"github.com/FairForge/keystone/internal/credential"
	"github.com/FairForge/keystone/internal/directory"
	"github.com/FairForge/keystone/internal/events"
	"github.com/FairForge/keystone/internal/federation"
	"github.com/FairForge/keystone/internal/governance"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/monitoring"
	"github.com/FairForge/keystone/internal/pam"
	"github.com/FairForge/keystone/internal/risk"
	"github.com/FairForge/keystone/internal/security"
	"github.com/FairForge/keystone/internal/session"
	"github.com/FairForge/keystone/internal/token"
)

// Core owns every subsystem. Getters on the subsystems return copies, so
// callers never hold shared references into Core state.
type Core struct {
	Identities  *identity.Store
	Credentials *credential.Manager
	Directory   *directory.Service
	Tokens      *token.Service
	Sessions    *session.Manager
	Authz       *authz.Engine
	Authn       *authn.Engine
	Federation  *federation.Manager
	Risk        *risk.Engine
	Governance  *governance.Engine
	PAM         *pam.Manager
	Access      *security.AccessControl
	Masker      *security.Masker
	Audit       *security.AuditLogger
	Collector   *monitoring.Collector
	Alerts      *monitoring.AlertManager
	Bus         *events.Bus

	cfg         config.Config
	clk         clock.Clock
	logger      *zap.Logger
	initialized bool
	destroyed   bool
	startedAt   time.Time
	mu          sync.Mutex
}

// New builds the subsystem graph without seeding it. Call Init to apply
// configuration and start event fan-out.
func New(cfg config.Config, clk clock.Clock, logger *zap.Logger) *Core {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	identities := identity.NewStore(clk, logger)
	credentials := credential.NewManager(clk, logger)
	tokens := token.NewService(token.SigningConfig{
		Secret:         cfg.Tokens.SigningSecret,
		KeyID:          cfg.Tokens.KeyID,
		Issuer:         cfg.Tokens.Issuer,
		AccessTokenTTL: cfg.Tokens.AccessTokenTTL,
	}, clk, logger)
	sessions := session.NewManager(session.Config{
		TTL:           cfg.Session.TTL,
		MaxConcurrent: cfg.Session.MaxConcurrent,
	}, clk, logger)

	authzEngine := authz.NewEngine(clk, logger)
	authzEngine.SetGroupChecker(identities.InGroup)

	authnEngine := authn.NewEngine(identities, credentials, tokens, sessions, clk, logger)
	riskEngine := risk.NewEngine(clk, logger)
	authnEngine.SetRiskEvaluator(riskEngine)

	governanceEngine := governance.NewEngine(clk, logger)
	governanceEngine.SetPermissionResolver(func(identityID string) []string {
		perms := authzEngine.GetEffectivePermissions(identityID)
		out := make([]string, 0, len(perms))
		for _, p := range perms {
			out = append(out, p.Resource)
		}
		return out
	}, governance.SoDOptions{})

	collector := monitoring.NewCollector("keystone")

	return &Core{
		Identities:  identities,
		Credentials: credentials,
		Directory:   directory.NewService(clk, logger),
		Tokens:      tokens,
		Sessions:    sessions,
		Authz:       authzEngine,
		Authn:       authnEngine,
		Federation:  federation.NewManager(identities, tokens, clk, logger),
		Risk:        riskEngine,
		Governance:  governanceEngine,
		PAM:         pam.NewManager(0, clk, logger),
		Access:      security.NewAccessControl(logger),
		Masker:      security.NewMasker(),
		Audit:       security.NewAuditLogger(clk, logger),
		Collector:   collector,
		Alerts:      monitoring.NewAlertManager(collector),
		Bus:         events.NewBus(),
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
	}
}

// Init seeds the subsystems from configuration and registers the event
// fan-out. Calling it again is a no-op.
func (c *Core) Init() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("core already shut down")
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.startedAt = c.clk.Now()
	c.mu.Unlock()

	c.wireFanOut()
	if err := c.seed(); err != nil {
		return err
	}
	c.logger.Info("iam core initialized")
	return nil
}

// Shutdown flips the destroyed flag and stops monitoring. Subsystem state
// stays readable for post-mortem inspection.
func (c *Core) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.Collector.Shutdown()
	c.logger.Info("iam core shut down")
}

// Destroyed reports whether Shutdown has run.
func (c *Core) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Metrics returns a snapshot of counters, authorization totals, and uptime.
func (c *Core) Metrics() map[string]any {
	c.mu.Lock()
	started := c.startedAt
	c.mu.Unlock()

	var uptime float64
	if !started.IsZero() {
		uptime = c.clk.Now().Sub(started).Seconds()
	}
	totals := c.Authz.Totals()
	return map[string]any{
		"uptime_seconds":        uptime,
		"counters":              c.Collector.Snapshot(),
		"authorizations_total":  totals.Authorizations,
		"authorizations_denied": totals.Denied,
		"cache_hits":            totals.CacheHits,
	}
}

// Subscribe attaches a handler to the internal event bus.
func (c *Core) Subscribe(pattern string, handler events.Handler) error {
	return c.Bus.Subscribe(pattern, handler)
}

// --- event fan-out ---

// eventTypes maps subsystem callback names to bus event types. Unmapped
// callbacks pass through as "<subsystem>.<name>".
var eventTypes = map[string]events.Type{
	identity.EventCreated:             events.IdentityCreated,
	identity.EventUpdated:             events.IdentityUpdated,
	identity.EventStatusChanged:       events.IdentityStatus,
	identity.EventDeleted:             events.IdentityDeleted,
	"loginSuccess":                    events.LoginSuccess,
	"loginFailed":                     events.LoginFailed,
	authn.EventAccountLocked:          events.AccountLocked,
	"mfaEnrolled":                     events.MFAEnrolled,
	"mfaVerified":                     events.MFAVerified,
	authz.EventAccessGranted:          events.AccessGranted,
	"accessDenied":                    events.AccessDenied,
	"roleCreated":                     events.RoleCreated,
	"roleAssigned":                    events.RoleAssigned,
	"roleRevoked":                     events.RoleRevoked,
	"tokenIssued":                     events.TokenIssued,
	"tokenRevoked":                    events.TokenRevoked,
	token.EventExchanged:              events.TokenExchanged,
	session.EventCreated:              events.SessionCreated,
	session.EventRevoked:              events.SessionRevoked,
	session.EventExpired:              events.SessionExpired,
	risk.EventAssessed:                events.RiskAssessed,
	risk.EventLevelChanged:            events.RiskLevelChanged,
	federation.EventProvisioned:       events.FederatedProvision,
	governance.EventCampaignStarted:   events.CampaignStarted,
	governance.EventCampaignCompleted: events.CampaignCompleted,
	governance.EventCertified:         events.AccessCertified,
	governance.EventRevoked:           events.AccessRevoked,
	governance.EventViolation:         events.SoDViolationFound,
	governance.EventRequestCreated:    events.RequestSubmitted,
	pam.EventCheckedOut:               events.AccountCheckedOut,
	pam.EventCheckedIn:                events.AccountCheckedIn,
}

// bridge returns a subsystem listener that bumps a counter, records an
// audit entry, and republishes on the bus.
func (c *Core) bridge(subsystem string) func(event string, data map[string]any) {
	return func(event string, data map[string]any) {
		c.Collector.Inc(subsystem + "." + event)

		subject, _ := data["identityId"].(string)
		eventType, ok := eventTypes[event]
		if !ok {
			eventType = events.Type(subsystem + "." + event)
		}
		_ = c.Bus.Publish(context.Background(), events.Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Subsystem: subsystem,
			Subject:   subject,
			Timestamp: c.clk.Now(),
			Data:      data,
		})
		c.Audit.Record(security.AuditEntry{
			Action:  string(eventType),
			Actor:   subject,
			Success: true,
			Detail:  data,
		})
	}
}

func (c *Core) wireFanOut() {
	c.Identities.OnEvent(c.bridge("identity"))
	c.Tokens.OnEvent(c.bridge("token"))
	c.Sessions.OnEvent(c.bridge("session"))
	c.Authz.OnEvent(c.bridge("authz"))
	c.Authn.OnEvent(c.bridge("authn"))
	c.Federation.OnEvent(c.bridge("federation"))
	c.Risk.OnEvent(c.bridge("risk"))
	c.Governance.OnEvent(c.bridge("governance"))
	c.PAM.OnEvent(c.bridge("pam"))
}

// --- seeding ---

func (c *Core) seed() error {
	cfg := c.cfg

	for _, org := range cfg.Organizations {
		if _, err := c.Identities.CreateOrganization(org); err != nil {
			return fmt.Errorf("seed organization %q: %w", org.Name, err)
		}
	}
	for _, group := range cfg.Groups {
		if _, err := c.Identities.CreateGroup(group); err != nil {
			return fmt.Errorf("seed group %q: %w", group.Name, err)
		}
	}
	for _, ident := range cfg.Identities {
		if _, err := c.Identities.CreateIdentity(ident); err != nil {
			return fmt.Errorf("seed identity %q: %w", ident.Username, err)
		}
	}
	for _, role := range cfg.Roles {
		if _, err := c.Authz.CreateRole(role); err != nil {
			return fmt.Errorf("seed role %q: %w", role.Name, err)
		}
	}
	for _, policy := range cfg.AccessPolicies {
		if _, err := c.Authz.CreatePolicy(policy); err != nil {
			return fmt.Errorf("seed access policy %q: %w", policy.Name, err)
		}
	}
	for _, policy := range cfg.AuthPolicies {
		if _, err := c.Authn.CreatePolicy(policy); err != nil {
			return fmt.Errorf("seed auth policy %q: %w", policy.Name, err)
		}
	}
	for _, policy := range cfg.PasswordPolicies {
		if _, err := c.Credentials.CreatePolicy(policy); err != nil {
			return fmt.Errorf("seed password policy %q: %w", policy.Name, err)
		}
	}
	for _, idp := range cfg.IdentityProviders {
		if _, err := c.Federation.RegisterIdP(idp); err != nil {
			return fmt.Errorf("seed idp %q: %w", idp.Name, err)
		}
	}
	for _, sp := range cfg.ServiceProviders {
		if _, err := c.Federation.RegisterSP(sp); err != nil {
			return fmt.Errorf("seed sp %q: %w", sp.Name, err)
		}
	}
	for _, sso := range cfg.SSOConfigs {
		if _, err := c.Authn.ConfigureSSOConfig(sso); err != nil {
			return fmt.Errorf("seed sso config %q: %w", sso.Name, err)
		}
	}
	for _, rule := range cfg.RiskRules {
		if _, err := c.Risk.CreateScoringRule(rule); err != nil {
			return fmt.Errorf("seed risk rule %q: %w", rule.Name, err)
		}
	}
	for _, policy := range cfg.SoDPolicies {
		if _, err := c.Governance.CreateSoDPolicy(policy); err != nil {
			return fmt.Errorf("seed sod policy %q: %w", policy.Name, err)
		}
	}
	for _, vault := range cfg.CredentialVaults {
		if _, err := c.PAM.CreateVault(vault); err != nil {
			return fmt.Errorf("seed vault %q: %w", vault.Name, err)
		}
	}
	for _, account := range cfg.PrivilegedAccounts {
		if _, err := c.PAM.CreateAccount(account); err != nil {
			return fmt.Errorf("seed privileged account %q: %w", account.Name, err)
		}
	}
	for _, ind := range cfg.ThreatIndicators {
		if _, err := c.Risk.AddThreatIndicator(ind); err != nil {
			return fmt.Errorf("seed threat indicator %q: %w", ind.Value, err)
		}
	}
	for _, rule := range cfg.AlertRules {
		if err := c.Alerts.AddRule(rule); err != nil {
			return fmt.Errorf("seed alert rule %q: %w", rule.Name, err)
		}
	}
	for _, policy := range cfg.IAMPolicies {
		if err := c.Access.AddPolicy(policy); err != nil {
			return fmt.Errorf("seed iam policy %q: %w", policy.Name, err)
		}
	}
	for _, rule := range cfg.MaskingRules {
		if err := c.Masker.AddRule(rule); err != nil {
			return fmt.Errorf("seed masking rule %q: %w", rule.FieldPattern, err)
		}
	}
	c.Audit.SetEnabled(cfg.Audit.Enabled)
	return nil
}
