package federation

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/kerr"
	"github.com/FairForge/keystone/internal/token"
)

func newTestFederation(t *testing.T) (*Manager, *identity.Store, *token.Service) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	identities := identity.NewStore(fake, nil)
	tokens := token.NewService(token.SigningConfig{Secret: "test-secret", Issuer: "keystone-test"}, fake, nil)
	return NewManager(identities, tokens, fake, nil), identities, tokens
}

func encodeAssertion(t *testing.T, a samlAssertion) string {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestSAMLRequests(t *testing.T) {
	mgr, _, _ := newTestFederation(t)

	idp, err := mgr.RegisterIdP(IdentityProvider{
		Name: "okta", Protocol: ProtocolSAML,
		SSOURL: "https://idp.example.com/sso",
	})
	require.NoError(t, err)
	sp, err := mgr.RegisterSP(ServiceProvider{
		Name: "app", EntityID: "https://app.example.com",
		ACSURL: "https://app.example.com/acs", RelayState: "/dashboard",
	})
	require.NoError(t, err)

	t.Run("authn request envelope", func(t *testing.T) {
		req, err := mgr.GenerateSAMLRequest(idp.ID, sp.ID)
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(req.RequestID, "_"))
		assert.NotContains(t, req.RequestID, "-")
		assert.Equal(t, "/dashboard", req.RelayState)

		raw, err := base64.StdEncoding.DecodeString(req.SAMLRequest)
		require.NoError(t, err)
		envelope := string(raw)
		assert.Contains(t, envelope, "samlp:AuthnRequest")
		assert.Contains(t, envelope, `ID="`+req.RequestID+`"`)
		assert.Contains(t, envelope, `Destination="https://idp.example.com/sso"`)
		assert.Contains(t, envelope, `AssertionConsumerServiceURL="https://app.example.com/acs"`)
		assert.Contains(t, envelope, "https://app.example.com</saml:Issuer>")
	})

	t.Run("logout request envelope", func(t *testing.T) {
		req, err := mgr.GenerateSAMLLogoutRequest(idp.ID, "ada@example.com", "_session_abc")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(req.RequestID, "_logout_"))

		raw, _ := base64.StdEncoding.DecodeString(req.SAMLRequest)
		assert.Contains(t, string(raw), "samlp:LogoutRequest")
		assert.Contains(t, string(raw), "ada@example.com</saml:NameID>")
		assert.Contains(t, string(raw), "_session_abc</samlp:SessionIndex>")
	})

	t.Run("unknown idp or sp", func(t *testing.T) {
		_, err := mgr.GenerateSAMLRequest("idp_missing", sp.ID)
		assert.ErrorIs(t, err, kerr.ErrNotFound)
		_, err = mgr.GenerateSAMLRequest(idp.ID, "sp_missing")
		assert.ErrorIs(t, err, kerr.ErrNotFound)
	})
}

func TestProcessSAMLResponse(t *testing.T) {
	t.Run("mapping resolves attributes or copies literals", func(t *testing.T) {
		mgr, identities, _ := newTestFederation(t)

		idp, _ := mgr.RegisterIdP(IdentityProvider{
			Name: "okta", Protocol: ProtocolSAML,
			AttributeMapping: map[string]string{
				"displayName": "cn",
				"department":  "engineering", // no such assertion attribute
			},
		})

		encoded := encodeAssertion(t, samlAssertion{
			NameID:     "ada@example.com",
			Attributes: map[string]string{"cn": "Ada Lovelace"},
		})

		result, err := mgr.ProcessSAMLResponse(idp.ID, encoded)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", result.Attributes["displayName"])
		assert.Equal(t, "engineering", result.Attributes["department"])
		assert.True(t, strings.HasPrefix(result.SessionIndex, "_session_"))

		ident, err := identities.GetIdentity(result.IdentityID)
		require.NoError(t, err)
		assert.Equal(t, identity.StatusActive, ident.Status)
	})

	t.Run("bad envelopes rejected", func(t *testing.T) {
		mgr, _, _ := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "i", Protocol: ProtocolSAML})

		_, err := mgr.ProcessSAMLResponse(idp.ID, "not base64 !!")
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)

		_, err = mgr.ProcessSAMLResponse(idp.ID, base64.StdEncoding.EncodeToString([]byte("<xml>")))
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)
	})
}

func TestOIDCFlow(t *testing.T) {
	t.Run("authorization url carries pkce when required", func(t *testing.T) {
		mgr, _, _ := newTestFederation(t)

		idp, _ := mgr.RegisterIdP(IdentityProvider{
			Name: "google", Protocol: ProtocolOIDC,
			AuthorizationEndpoint: "https://accounts.example.com/auth",
			ClientID:              "client-1",
			RequirePKCE:           true,
		})

		authz, err := mgr.GenerateAuthorizationURL(idp.ID, "https://app.example.com/cb", "")
		require.NoError(t, err)
		require.NotEmpty(t, authz.CodeVerifier)

		parsed, err := url.Parse(authz.URL)
		require.NoError(t, err)
		q := parsed.Query()
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "client-1", q.Get("client_id"))
		assert.Equal(t, "openid profile email", q.Get("scope"))
		assert.Equal(t, authz.State, q.Get("state"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t, codeChallenge(authz.CodeVerifier), q.Get("code_challenge"))
	})

	t.Run("no pkce parameters without the requirement", func(t *testing.T) {
		mgr, _, _ := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{
			Name: "plain", Protocol: ProtocolOIDC,
			AuthorizationEndpoint: "https://accounts.example.com/auth",
		})

		authz, err := mgr.GenerateAuthorizationURL(idp.ID, "https://app.example.com/cb", "openid")
		require.NoError(t, err)
		assert.Empty(t, authz.CodeVerifier)
		assert.NotContains(t, authz.URL, "code_challenge")
	})

	t.Run("code exchange consumes the code and issues tokens", func(t *testing.T) {
		mgr, _, tokens := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "oidc", Protocol: ProtocolOIDC, ClientID: "client-1"})

		code, err := tokens.IssueAuthorizationCode(token.IssueRequest{IdentityID: "u1", Scope: []string{"openid"}})
		require.NoError(t, err)

		exchange, err := mgr.ExchangeAuthorizationCode(idp.ID, code.ID, "")
		require.NoError(t, err)
		assert.True(t, tokens.ValidateToken(exchange.AccessTokenID).Valid)
		assert.True(t, tokens.ValidateToken(exchange.IDTokenID).Valid)
		assert.True(t, tokens.ValidateToken(exchange.RefreshTokenID).Valid)

		// The code is spent.
		_, err = mgr.ExchangeAuthorizationCode(idp.ID, code.ID, "")
		assert.ErrorIs(t, err, kerr.ErrStateConflict)
	})

	t.Run("pkce idp rejects a missing verifier", func(t *testing.T) {
		mgr, _, tokens := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "oidc", Protocol: ProtocolOIDC, RequirePKCE: true})

		code, _ := tokens.IssueAuthorizationCode(token.IssueRequest{IdentityID: "u1"})
		_, err := mgr.ExchangeAuthorizationCode(idp.ID, code.ID, "")
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)

		// The code survives the rejected attempt.
		assert.True(t, tokens.ValidateToken(code.ID).Valid)
	})
}

func TestJITProvisioning(t *testing.T) {
	t.Run("new subject mints an identity with defaults merged", func(t *testing.T) {
		mgr, identities, _ := newTestFederation(t)

		idp, _ := mgr.RegisterIdP(IdentityProvider{
			Name: "okta", Protocol: ProtocolSAML,
			JITProvisioningEnabled:  true,
			JITProvisioningDefaults: map[string]string{"tier": "standard", "source": "okta"},
		})

		id, err := mgr.ProvisionJIT(idp.ID, map[string]string{
			"sub": "ext-123", "email": "ada@example.com", "username": "ada",
		}, map[string]string{"source": "saml"})
		require.NoError(t, err)

		ident, err := identities.GetIdentity(id)
		require.NoError(t, err)
		assert.Equal(t, "ada", ident.Username)
		assert.Equal(t, "ada@example.com", ident.Email)
		assert.Equal(t, "standard", ident.Attributes["tier"])
		// Assertion attributes win over provisioning defaults.
		assert.Equal(t, "saml", ident.Attributes["source"])
	})

	t.Run("known subject updates instead of duplicating", func(t *testing.T) {
		mgr, identities, _ := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "okta", Protocol: ProtocolSAML})

		first, err := mgr.ProvisionJIT(idp.ID, map[string]string{"sub": "ext-1"}, nil)
		require.NoError(t, err)
		second, err := mgr.ProvisionJIT(idp.ID, map[string]string{"sub": "ext-1"}, map[string]string{"title": "staff"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		ident, _ := identities.GetIdentity(first)
		assert.Equal(t, "staff", ident.Attributes["title"])
		assert.Len(t, identities.ListIdentities(identity.ListFilter{}), 1)
	})

	t.Run("same external id at different idps is distinct", func(t *testing.T) {
		mgr, identities, _ := newTestFederation(t)
		a, _ := mgr.RegisterIdP(IdentityProvider{ID: "idp_a", Name: "a", Protocol: ProtocolSAML})
		b, _ := mgr.RegisterIdP(IdentityProvider{ID: "idp_b", Name: "b", Protocol: ProtocolOIDC})

		// Usernames collide unless the key is scoped per IdP, so use distinct
		// usernames and a shared sub.
		ida, err := mgr.ProvisionJIT(a.ID, map[string]string{"sub": "ext-1", "username": "ada-a"}, nil)
		require.NoError(t, err)
		idb, err := mgr.ProvisionJIT(b.ID, map[string]string{"sub": "ext-1", "username": "ada-b"}, nil)
		require.NoError(t, err)
		assert.NotEqual(t, ida, idb)
		assert.Len(t, identities.ListIdentities(identity.ListFilter{}), 2)
	})

	t.Run("subject precedence and absence", func(t *testing.T) {
		mgr, _, _ := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "i", Protocol: ProtocolSAML})

		_, err := mgr.ProvisionJIT(idp.ID, map[string]string{}, nil)
		assert.ErrorIs(t, err, kerr.ErrInvalidInput)

		id, err := mgr.ProvisionJIT(idp.ID, map[string]string{"email": "only@example.com"}, nil)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("provisioning fires an event", func(t *testing.T) {
		mgr, _, _ := newTestFederation(t)
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "i", Protocol: ProtocolSAML})

		var isNew []bool
		mgr.OnEvent(func(event string, data map[string]any) {
			if event == EventProvisioned {
				isNew = append(isNew, data["new"].(bool))
			}
		})

		_, _ = mgr.ProvisionJIT(idp.ID, map[string]string{"sub": "x"}, nil)
		_, _ = mgr.ProvisionJIT(idp.ID, map[string]string{"sub": "x"}, nil)
		assert.Equal(t, []bool{true, false}, isNew)
	})
}

func TestSCIM(t *testing.T) {
	mgr, identities, _ := newTestFederation(t)

	ident, err := identities.CreateIdentity(identity.Identity{
		Type: identity.TypeUser, Status: identity.StatusActive,
		Username: "ada", Email: "ada@example.com", DisplayName: "Ada Lovelace",
	})
	require.NoError(t, err)

	t.Run("payload shape", func(t *testing.T) {
		payload, err := mgr.GenerateSCIMPayload(ident.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"urn:ietf:params:scim:schemas:core:2.0:User"}, payload["schemas"])
		assert.Equal(t, "ada", payload["userName"])
		assert.Equal(t, true, payload["active"])
	})

	t.Run("round trip provisions at the receiving side", func(t *testing.T) {
		idp, _ := mgr.RegisterIdP(IdentityProvider{Name: "peer", Protocol: ProtocolSAML})

		payload, err := mgr.GenerateSCIMPayload(ident.ID)
		require.NoError(t, err)
		// Inbound payloads use a different username to avoid the uniqueness
		// constraint on the shared store.
		payload["userName"] = "ada-inbound"

		id, err := mgr.ProcessSCIMPayload(idp.ID, payload)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})
}

func TestIdPRegistry(t *testing.T) {
	mgr, _, _ := newTestFederation(t)

	a, err := mgr.RegisterIdP(IdentityProvider{Name: "a", Protocol: ProtocolSAML})
	require.NoError(t, err)
	b, err := mgr.RegisterIdP(IdentityProvider{Name: "b", Protocol: ProtocolOIDC})
	require.NoError(t, err)

	listed := mgr.ListIdPs()
	require.Len(t, listed, 2)
	assert.Equal(t, a.ID, listed[0].ID)
	assert.Equal(t, b.ID, listed[1].ID)

	_, err = mgr.RegisterIdP(IdentityProvider{ID: a.ID, Name: "dup", Protocol: ProtocolSAML})
	assert.ErrorIs(t, err, kerr.ErrInvalidInput)

	require.NoError(t, mgr.DeleteIdP(a.ID))
	_, err = mgr.GetIdP(a.ID)
	assert.ErrorIs(t, err, kerr.ErrNotFound)
	assert.Len(t, mgr.ListIdPs(), 1)
}
