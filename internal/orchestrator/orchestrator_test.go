package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/keystone/internal/authn"
	"github.com/FairForge/keystone/internal/authz"
	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/config"
	"github.com/FairForge/keystone/internal/credential"
	"github.com/FairForge/keystone/internal/events"
	"github.com/FairForge/keystone/internal/federation"
	"github.com/FairForge/keystone/internal/governance"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/monitoring"
	"github.com/FairForge/keystone/internal/pam"
	"github.com/FairForge/keystone/internal/risk"
	"github.com/FairForge/keystone/internal/security"
)

func newTestCore(t *testing.T, cfg config.Config) (*Core, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	core := New(cfg, fake, nil)
	require.NoError(t, core.Init())
	return core, fake
}

func TestInitLifecycle(t *testing.T) {
	t.Run("init is idempotent", func(t *testing.T) {
		core, _ := newTestCore(t, config.Default())
		require.NoError(t, core.Init())
		assert.False(t, core.Destroyed())
	})

	t.Run("shutdown is idempotent", func(t *testing.T) {
		core, _ := newTestCore(t, config.Default())
		core.Shutdown()
		core.Shutdown()
		assert.True(t, core.Destroyed())
	})

	t.Run("init after shutdown fails", func(t *testing.T) {
		core := New(config.Default(), clock.NewFake(time.Now()), nil)
		core.Shutdown()
		assert.EqualError(t, core.Init(), "core already shut down")
	})

	t.Run("subsystems stay readable after shutdown", func(t *testing.T) {
		core, _ := newTestCore(t, config.Default())
		created, err := core.Identities.CreateIdentity(identity.Identity{Username: "ada"})
		require.NoError(t, err)
		core.Shutdown()

		got, err := core.Identities.GetIdentity(created.ID)
		require.NoError(t, err)
		assert.Equal(t, "ada", got.Username)
	})
}

func TestSeeding(t *testing.T) {
	cfg := config.Default()
	cfg.Organizations = []identity.Organization{{ID: "org_1", Name: "FairForge"}}
	cfg.Groups = []identity.Group{{ID: "grp_eng", Name: "Engineering"}}
	cfg.Identities = []identity.Identity{{
		Username: "ada", Email: "ada@example.com", Status: identity.StatusActive,
	}}
	cfg.Roles = []authz.Role{{
		ID: "role_admin", Name: "admin",
		Permissions: []authz.Permission{{Resource: "doc/*", Actions: []string{"read"}, Effect: authz.EffectAllow}},
	}}
	cfg.AccessPolicies = []authz.Policy{{
		Name: "deny-secrets", Enabled: true, Effect: authz.EffectDeny,
		Subjects:  []authz.SubjectSelector{{Type: authz.SelectAny}},
		Resources: []authz.ResourceSelector{{Identifier: "secrets/*"}},
		Actions:   []string{"*"},
	}}
	cfg.AuthPolicies = []authn.Policy{{
		ID: "authpolicy_mfa", Name: "mfa-everywhere", Enabled: true,
		AllowedMethods: []string{authn.MethodPassword}, RequireMFA: true, MaxRiskScore: 80,
	}}
	cfg.PasswordPolicies = []credential.Policy{{ID: "policy_api", Name: "api", MinLength: 12}}
	cfg.IdentityProviders = []federation.IdentityProvider{{
		ID: "idp_corp", Name: "Corp SAML", Protocol: "saml",
		EntityID: "https://idp.corp.example", SSOURL: "https://idp.corp.example/sso",
	}}
	cfg.ServiceProviders = []federation.ServiceProvider{{
		ID: "sp_app", Name: "App", EntityID: "https://app.example", ACSURL: "https://app.example/acs",
	}}
	cfg.SSOConfigs = []authn.SSOConfig{{
		ID: "sso_corp", Name: "corp", ProviderID: "idp_corp", Protocol: "saml", Enabled: true,
	}}
	cfg.RiskRules = []risk.ScoringRule{{
		ID: "riskrule_tor", Name: "tor-exit", Category: "network", Enabled: true, ScoreAdjustment: 60,
	}}
	cfg.SoDPolicies = []governance.SoDPolicy{{
		ID: "sod_fin", Name: "finance-split", Enabled: true, Severity: "high", Type: "role",
		ConflictingRoles: []governance.RolePair{{First: "role_ap", Second: "role_ar"}},
	}}
	cfg.CredentialVaults = []pam.Vault{{ID: "vault_ops", Name: "ops"}}
	cfg.PrivilegedAccounts = []pam.Account{{ID: "acct_root", VaultID: "vault_ops", Name: "root@db"}}
	cfg.ThreatIndicators = []risk.ThreatIndicator{{Type: "ip", Value: "203.0.113.7", Severity: "critical"}}
	cfg.AlertRules = []monitoring.AlertRuleConfig{{
		Name: "failed-logins", Counter: "authn.loginFailed", Op: ">=", Threshold: 5,
	}}
	cfg.IAMPolicies = []security.AccessPolicy{{
		ID: "iam_docs", Name: "allow-docs", Effect: "allow",
		Subjects: []string{"*"}, Actions: []string{"read"}, Resources: []string{"^doc/.*$"},
	}}
	cfg.MaskingRules = []security.MaskingRule{{FieldPattern: "ssn", Strategy: security.MaskRedact}}

	core, _ := newTestCore(t, cfg)

	ada, err := core.Identities.GetByUsername("ada")
	require.NoError(t, err)
	assert.Equal(t, identity.StatusActive, ada.Status)

	_, err = core.Identities.GetOrganization("org_1")
	require.NoError(t, err)
	require.NoError(t, core.Identities.AddToGroup(ada.ID, "grp_eng"))
	assert.True(t, core.Identities.InGroup(ada.ID, "grp_eng"))

	role, err := core.Authz.GetRole("role_admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", role.Name)
	assert.Len(t, core.Authz.ListPolicies(), 1)

	policy, err := core.Authn.GetPolicy("authpolicy_mfa")
	require.NoError(t, err)
	assert.True(t, policy.RequireMFA)

	pw, err := core.Credentials.GetPolicy("policy_api")
	require.NoError(t, err)
	assert.Equal(t, 12, pw.MinLength)

	idps := core.Federation.ListIdPs()
	require.Len(t, idps, 1)
	assert.Equal(t, "idp_corp", idps[0].ID)
	_, err = core.Federation.GetSP("sp_app")
	require.NoError(t, err)

	assert.Len(t, core.Risk.ListScoringRules(), 1)
	_, matched := core.Risk.CheckThreatIntel("ip", "203.0.113.7")
	assert.True(t, matched)

	assert.Len(t, core.Governance.ListSoDPolicies(), 1)

	vault, err := core.PAM.GetVault("vault_ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", vault.Name)
	account, err := core.PAM.GetAccount("acct_root")
	require.NoError(t, err)
	assert.Empty(t, account.Secret)

	assert.Equal(t, monitoring.StateInactive, core.Alerts.State("failed-logins"))

	assert.True(t, core.Access.Check("anyone", "read", "doc/readme").Allowed)
	assert.False(t, core.Access.Check("anyone", "read", "vault/key").Allowed)
	assert.Equal(t, "[REDACTED]", core.Masker.MaskValue("ssn", "123-45-6789"))

	// Seeding itself flows through the fan-out, so the trail is non-empty.
	assert.Greater(t, core.Audit.Count(), 0)
}

func TestSeedErrorsSurface(t *testing.T) {
	cfg := config.Default()
	cfg.PrivilegedAccounts = []pam.Account{{Name: "root@db", VaultID: "vault_missing"}}

	core := New(cfg, clock.NewFake(time.Now()), nil)
	err := core.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed privileged account")
}

func TestEventFanOut(t *testing.T) {
	core, _ := newTestCore(t, config.Default())

	var mu sync.Mutex
	var seen []events.Event
	require.NoError(t, core.Subscribe("identity.*", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
		return nil
	}))

	created, err := core.Identities.CreateIdentity(identity.Identity{Username: "ada"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, core.Collector.Value("identity.identityCreated"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, events.IdentityCreated, seen[0].Type)
	assert.Equal(t, "identity", seen[0].Subsystem)
	assert.Equal(t, created.ID, seen[0].Subject)

	entries := core.Audit.Query(security.AuditFilter{Action: string(events.IdentityCreated)})
	require.Len(t, entries, 1)
	assert.Equal(t, created.ID, entries[0].Actor)
}

func TestUnmappedEventsPassThrough(t *testing.T) {
	core, _ := newTestCore(t, config.Default())

	var got events.Event
	require.NoError(t, core.Subscribe("pam.secretRotated", func(ctx context.Context, e events.Event) error {
		got = e
		return nil
	}))

	vault, err := core.PAM.CreateVault(pam.Vault{Name: "ops"})
	require.NoError(t, err)
	account, err := core.PAM.CreateAccount(pam.Account{VaultID: vault.ID, Name: "root@db"})
	require.NoError(t, err)
	require.NoError(t, core.PAM.RotateSecret(account.ID))

	// secretRotated has no bus mapping, so the raw subsystem.event name is used.
	assert.Equal(t, events.Type("pam.secretRotated"), got.Type)
	assert.Equal(t, "pam", got.Subsystem)
	assert.Equal(t, 1.0, core.Collector.Value("pam.secretRotated"))
}

func TestMetrics(t *testing.T) {
	core, fake := newTestCore(t, config.Default())
	fake.Advance(90 * time.Second)

	decision := core.Authz.Authorize(authz.Request{SubjectID: "u1", Resource: "doc/readme", Action: "read"})
	assert.False(t, decision.Allowed)

	m := core.Metrics()
	assert.Equal(t, 90.0, m["uptime_seconds"])
	assert.Equal(t, int64(1), m["authorizations_total"])
	assert.Equal(t, int64(1), m["authorizations_denied"])
	assert.Equal(t, int64(0), m["cache_hits"])

	counters, ok := m["counters"].(map[string]float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, counters["authz.accessDenied"], 1.0)
}

func TestAuthenticateFlow(t *testing.T) {
	core, _ := newTestCore(t, config.Default())

	var mu sync.Mutex
	var busTypes []events.Type
	require.NoError(t, core.Subscribe("auth.*", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		busTypes = append(busTypes, e.Type)
		mu.Unlock()
		return nil
	}))

	created, err := core.Identities.CreateIdentity(identity.Identity{
		Username: "ada", Email: "ada@example.com", Status: identity.StatusActive,
	})
	require.NoError(t, err)
	_, err = core.Credentials.SetCredential(created.ID, "password", "s3cret-passw0rd", "")
	require.NoError(t, err)

	result := core.Authn.Authenticate(authn.Request{
		UsernameOrEmail: "ada",
		Method:          authn.MethodPassword,
		Password:        "s3cret-passw0rd",
	})
	require.Equal(t, authn.StatusSuccess, result.Status)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.AccessTokenID)

	sess, err := core.Sessions.GetSession(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, sess.IdentityID)

	assert.Equal(t, 1.0, core.Collector.Value("authn.loginSuccess"))
	assert.Equal(t, 1.0, core.Collector.Value("session.sessionCreated"))

	mu.Lock()
	assert.Contains(t, busTypes, events.LoginSuccess)
	mu.Unlock()

	wrong := core.Authn.Authenticate(authn.Request{
		UsernameOrEmail: "ada",
		Method:          authn.MethodPassword,
		Password:        "wrong",
	})
	assert.Equal(t, authn.StatusFailed, wrong.Status)
	assert.Equal(t, 1.0, core.Collector.Value("authn.loginFailed"))
}
