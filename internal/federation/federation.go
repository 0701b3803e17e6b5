package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/identity"
	"github.com/FairForge/keystone/internal/kerr"
	"github.com/FairForge/keystone/internal/token"
)

// Protocols supported by identity providers.
const (
	ProtocolSAML = "saml"
	ProtocolOIDC = "oidc"
)

// IdentityProvider configuration. Envelopes are produced deterministically
// from these fields; nothing is signed or verified here.
type IdentityProvider struct {
	ID                      string            `json:"id" yaml:"id"`
	Name                    string            `json:"name" yaml:"name"`
	Protocol                string            `json:"protocol" yaml:"protocol"`
	EntityID                string            `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	SSOURL                  string            `json:"sso_url,omitempty" yaml:"sso_url,omitempty"`
	AuthorizationEndpoint   string            `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint,omitempty"`
	TokenEndpoint           string            `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
	ClientID                string            `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	RequirePKCE             bool              `json:"require_pkce,omitempty" yaml:"require_pkce,omitempty"`
	AttributeMapping        map[string]string `json:"attribute_mapping,omitempty" yaml:"attribute_mapping,omitempty"`
	JITProvisioningEnabled  bool              `json:"jit_provisioning_enabled,omitempty" yaml:"jit_provisioning_enabled,omitempty"`
	JITProvisioningDefaults map[string]string `json:"jit_provisioning_defaults,omitempty" yaml:"jit_provisioning_defaults,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
}

// ServiceProvider configuration.
type ServiceProvider struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	EntityID    string    `json:"entity_id" yaml:"entity_id"`
	ACSURL      string    `json:"acs_url" yaml:"acs_url"`
	RelayState  string    `json:"relay_state,omitempty" yaml:"relay_state,omitempty"`
	RedirectURI string    `json:"redirect_uri,omitempty" yaml:"redirect_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SAMLRequest is the outcome of GenerateSAMLRequest.
type SAMLRequest struct {
	RequestID   string `json:"request_id"`
	SAMLRequest string `json:"saml_request"` // base64-encoded envelope
	RelayState  string `json:"relay_state,omitempty"`
}

// SAMLResult is the outcome of ProcessSAMLResponse.
type SAMLResult struct {
	IdentityID   string            `json:"identity_id"`
	Attributes   map[string]string `json:"attributes"`
	SessionIndex string            `json:"session_index"`
}

// AuthorizationURL is the outcome of GenerateAuthorizationURL.
type AuthorizationURL struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

// CodeExchange is the outcome of ExchangeAuthorizationCode.
type CodeExchange struct {
	AccessTokenID  string         `json:"access_token_id"`
	IDTokenID      string         `json:"id_token_id"`
	RefreshTokenID string         `json:"refresh_token_id"`
	Claims         map[string]any `json:"claims"`
}

// Listener receives federation notifications.
type Listener func(event string, data map[string]any)

// Federation events.
const (
	EventProvisioned = "provisionedViaFederation"
	EventIdPCreated  = "idpCreated"
	EventSPCreated   = "spCreated"
)

// Manager holds IdP/SP registries and produces federation envelopes.
type Manager struct {
	idps       map[string]*IdentityProvider
	sps        map[string]*ServiceProvider
	idpOrder   []string
	spOrder    []string
	federated  map[string]string // "idpId:externalId" -> identity id
	identities *identity.Store
	tokens     *token.Service
	listeners  []Listener
	clk        clock.Clock
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewManager creates a federation manager over the identity and token stores.
func NewManager(identities *identity.Store, tokens *token.Service, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		idps:       make(map[string]*IdentityProvider),
		sps:        make(map[string]*ServiceProvider),
		federated:  make(map[string]string),
		identities: identities,
		tokens:     tokens,
		clk:        clk,
		logger:     logger,
	}
}

// OnEvent registers a listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(event string, data map[string]any) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event, data)
		}()
	}
}

// --- registries ---

// RegisterIdP stores an identity provider.
func (m *Manager) RegisterIdP(idp IdentityProvider) (IdentityProvider, error) {
	if idp.Name == "" || idp.Protocol == "" {
		return IdentityProvider{}, kerr.Invalid("idp requires name and protocol")
	}
	if idp.ID == "" {
		idp.ID = "idp_" + uuid.New().String()
	}
	idp.CreatedAt = m.clk.Now()

	m.mu.Lock()
	if _, exists := m.idps[idp.ID]; exists {
		m.mu.Unlock()
		return IdentityProvider{}, kerr.Invalid(fmt.Sprintf("idp %q already exists", idp.ID))
	}
	stored := idp
	m.idps[idp.ID] = &stored
	m.idpOrder = append(m.idpOrder, idp.ID)
	m.mu.Unlock()

	m.notify(EventIdPCreated, map[string]any{"idpId": idp.ID})
	return idp, nil
}

// GetIdP returns an identity provider.
func (m *Manager) GetIdP(id string) (IdentityProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idp, ok := m.idps[id]
	if !ok {
		return IdentityProvider{}, kerr.NotFound("identity provider", id)
	}
	return *idp, nil
}

// ListIdPs returns providers in registration order.
func (m *Manager) ListIdPs() []IdentityProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IdentityProvider, 0, len(m.idpOrder))
	for _, id := range m.idpOrder {
		if idp := m.idps[id]; idp != nil {
			out = append(out, *idp)
		}
	}
	return out
}

// DeleteIdP removes a provider.
func (m *Manager) DeleteIdP(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idps[id]; !ok {
		return kerr.NotFound("identity provider", id)
	}
	delete(m.idps, id)
	for i, iid := range m.idpOrder {
		if iid == id {
			m.idpOrder = append(m.idpOrder[:i], m.idpOrder[i+1:]...)
			break
		}
	}
	return nil
}

// RegisterSP stores a service provider.
func (m *Manager) RegisterSP(sp ServiceProvider) (ServiceProvider, error) {
	if sp.Name == "" {
		return ServiceProvider{}, kerr.Invalid("sp requires a name")
	}
	if sp.ID == "" {
		sp.ID = "sp_" + uuid.New().String()
	}
	sp.CreatedAt = m.clk.Now()

	m.mu.Lock()
	stored := sp
	m.sps[sp.ID] = &stored
	m.spOrder = append(m.spOrder, sp.ID)
	m.mu.Unlock()

	m.notify(EventSPCreated, map[string]any{"spId": sp.ID})
	return sp, nil
}

// GetSP returns a service provider.
func (m *Manager) GetSP(id string) (ServiceProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.sps[id]
	if !ok {
		return ServiceProvider{}, kerr.NotFound("service provider", id)
	}
	return *sp, nil
}

// --- SAML ---

// GenerateSAMLRequest builds a samlp:AuthnRequest envelope for the IdP/SP
// pair, base64-encoded. Nothing is signed.
func (m *Manager) GenerateSAMLRequest(idpID, spID string) (SAMLRequest, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return SAMLRequest{}, err
	}
	sp, err := m.GetSP(spID)
	if err != nil {
		return SAMLRequest{}, err
	}

	requestID := "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	issueInstant := m.clk.Now().UTC().Format(time.RFC3339)
	envelope := fmt.Sprintf(
		`<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID=%q Version="2.0" IssueInstant=%q Destination=%q AssertionConsumerServiceURL=%q ProtocolBinding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"><saml:Issuer xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">%s</saml:Issuer><samlp:NameIDPolicy Format="urn:oasis:names:tc:SAML:2.0:nameid-format:persistent" AllowCreate="true"/></samlp:AuthnRequest>`,
		requestID, issueInstant, idp.SSOURL, sp.ACSURL, sp.EntityID)

	return SAMLRequest{
		RequestID:   requestID,
		SAMLRequest: base64.StdEncoding.EncodeToString([]byte(envelope)),
		RelayState:  sp.RelayState,
	}, nil
}

// GenerateSAMLLogoutRequest builds a samlp:LogoutRequest envelope.
func (m *Manager) GenerateSAMLLogoutRequest(idpID, nameID, sessionIndex string) (SAMLRequest, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return SAMLRequest{}, err
	}
	requestID := "_logout_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	issueInstant := m.clk.Now().UTC().Format(time.RFC3339)
	envelope := fmt.Sprintf(
		`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID=%q Version="2.0" IssueInstant=%q Destination=%q><saml:NameID xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">%s</saml:NameID><samlp:SessionIndex>%s</samlp:SessionIndex></samlp:LogoutRequest>`,
		requestID, issueInstant, idp.SSOURL, nameID, sessionIndex)

	return SAMLRequest{
		RequestID:   requestID,
		SAMLRequest: base64.StdEncoding.EncodeToString([]byte(envelope)),
	}, nil
}

// samlAssertion is the decoded shape ProcessSAMLResponse consumes: a JSON
// assertion body inside the base64 envelope. Signature validation is out of
// scope; a production deployment verifies before calling this.
type samlAssertion struct {
	NameID     string            `json:"nameId"`
	Subject    string            `json:"sub,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ProcessSAMLResponse decodes an assertion envelope and applies the IdP's
// attribute mapping. When a mapping value names an assertion attribute the
// attribute resolves; otherwise the mapping value itself is copied (matching
// the observable behavior of the original mapping step).
func (m *Manager) ProcessSAMLResponse(idpID, encoded string) (SAMLResult, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return SAMLResult{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return SAMLResult{}, kerr.Invalid("saml response is not base64")
	}
	var assertion samlAssertion
	if err := json.Unmarshal(raw, &assertion); err != nil {
		return SAMLResult{}, kerr.Invalid("saml assertion is malformed")
	}

	attributes := make(map[string]string)
	for field, source := range idp.AttributeMapping {
		if v, ok := assertion.Attributes[source]; ok {
			attributes[field] = v
		} else {
			attributes[field] = source
		}
	}

	identityID, err := m.ProvisionJIT(idpID, map[string]string{
		"sub":    assertion.Subject,
		"nameId": assertion.NameID,
	}, attributes)
	if err != nil {
		return SAMLResult{}, err
	}

	return SAMLResult{
		IdentityID:   identityID,
		Attributes:   attributes,
		SessionIndex: "_session_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
	}, nil
}

// --- OIDC ---

// GenerateAuthorizationURL builds the OIDC authorization URL with state,
// nonce and, when the IdP requires PKCE, a code verifier/challenge pair.
func (m *Manager) GenerateAuthorizationURL(idpID, redirectURI, scope string) (AuthorizationURL, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return AuthorizationURL{}, err
	}
	if idp.AuthorizationEndpoint == "" {
		return AuthorizationURL{}, kerr.Invalid("idp has no authorization endpoint")
	}
	state := randomString(24)
	nonce := randomString(24)
	if scope == "" {
		scope = "openid profile email"
	}

	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", idp.ClientID)
	values.Set("redirect_uri", redirectURI)
	values.Set("scope", scope)
	values.Set("state", state)
	values.Set("nonce", nonce)

	out := AuthorizationURL{State: state, Nonce: nonce}
	if idp.RequirePKCE {
		out.CodeVerifier = randomString(43)
		values.Set("code_challenge", codeChallenge(out.CodeVerifier))
		values.Set("code_challenge_method", "S256")
	}
	out.URL = idp.AuthorizationEndpoint + "?" + values.Encode()
	return out, nil
}

// ExchangeAuthorizationCode redeems a code for access/id/refresh tokens and
// the claims carried by the code. PKCE-required IdPs reject a missing
// verifier.
func (m *Manager) ExchangeAuthorizationCode(idpID, codeTokenID, codeVerifier string) (CodeExchange, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return CodeExchange{}, err
	}
	if idp.RequirePKCE && codeVerifier == "" {
		return CodeExchange{}, kerr.Invalid("pkce code verifier required")
	}

	result := m.tokens.ValidateToken(codeTokenID)
	if !result.Valid {
		return CodeExchange{}, kerr.StateConflict("authorization code", codeTokenID, result.Error, "exchanged")
	}
	if err := m.tokens.ConsumeToken(codeTokenID); err != nil {
		return CodeExchange{}, err
	}

	access, err := m.tokens.IssueAccessToken(token.IssueRequest{IdentityID: result.IdentityID, ClientID: idp.ClientID, Scope: result.Scope})
	if err != nil {
		return CodeExchange{}, err
	}
	refresh, err := m.tokens.IssueRefreshToken(token.IssueRequest{IdentityID: result.IdentityID, ClientID: idp.ClientID, Scope: result.Scope}, access.ID)
	if err != nil {
		return CodeExchange{}, err
	}
	idTok, err := m.tokens.IssueIDToken(token.IssueRequest{IdentityID: result.IdentityID, ClientID: idp.ClientID})
	if err != nil {
		return CodeExchange{}, err
	}

	return CodeExchange{
		AccessTokenID:  access.ID,
		IDTokenID:      idTok.ID,
		RefreshTokenID: refresh.ID,
		Claims:         result.Claims,
	}, nil
}

// --- SCIM ---

// GenerateSCIMPayload renders a SCIM user resource for an identity. No HTTP
// call is made; the envelope is the product.
func (m *Manager) GenerateSCIMPayload(identityID string) (map[string]any, error) {
	ident, err := m.identities.GetIdentity(identityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"id":          ident.ID,
		"userName":    ident.Username,
		"displayName": ident.DisplayName,
		"active":      ident.Status == identity.StatusActive,
		"emails":      []map[string]any{{"value": ident.Email, "primary": true}},
		"meta":        map[string]any{"resourceType": "User", "created": ident.CreatedAt.UTC().Format(time.RFC3339)},
	}, nil
}

// ProcessSCIMPayload provisions or updates an identity from a SCIM user
// resource originating at the given IdP.
func (m *Manager) ProcessSCIMPayload(idpID string, payload map[string]any) (string, error) {
	claims := map[string]string{}
	if v, ok := payload["id"].(string); ok {
		claims["sub"] = v
	}
	if v, ok := payload["userName"].(string); ok {
		claims["username"] = v
	}
	attributes := map[string]string{}
	if v, ok := payload["displayName"].(string); ok {
		attributes["displayName"] = v
	}
	if emails, ok := payload["emails"].([]map[string]any); ok && len(emails) > 0 {
		if v, ok := emails[0]["value"].(string); ok {
			claims["email"] = v
		}
	}
	return m.ProvisionJIT(idpID, claims, attributes)
}

// --- JIT ---

// externalID picks the federated subject key: sub, nameId, email, username.
func externalID(claims map[string]string) string {
	for _, key := range []string{"sub", "nameId", "email", "username"} {
		if v := claims[key]; v != "" {
			return v
		}
	}
	return ""
}

// ProvisionJIT provisions or updates an identity on federated login, keyed
// by idpId:externalId. Known identities merge attributes; new ones are
// minted with the IdP's provisioning defaults.
func (m *Manager) ProvisionJIT(idpID string, claims map[string]string, attributes map[string]string) (string, error) {
	idp, err := m.GetIdP(idpID)
	if err != nil {
		return "", err
	}
	ext := externalID(claims)
	if ext == "" {
		return "", kerr.Invalid("federated claims carry no subject")
	}
	key := idpID + ":" + ext

	m.mu.RLock()
	existingID, known := m.federated[key]
	m.mu.RUnlock()

	if known {
		if _, err := m.identities.UpdateIdentity(existingID, identity.Identity{Attributes: attributes}); err != nil {
			return "", err
		}
		m.notify(EventProvisioned, map[string]any{"identityId": existingID, "idpId": idpID, "new": false})
		return existingID, nil
	}

	merged := make(map[string]string, len(attributes)+len(idp.JITProvisioningDefaults))
	for k, v := range idp.JITProvisioningDefaults {
		merged[k] = v
	}
	for k, v := range attributes {
		merged[k] = v
	}
	username := claims["username"]
	if username == "" {
		username = ext
	}
	ident, err := m.identities.CreateIdentity(identity.Identity{
		Type:       identity.TypeUser,
		Status:     identity.StatusActive,
		Username:   username,
		Email:      claims["email"],
		Attributes: merged,
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.federated[key] = ident.ID
	m.mu.Unlock()

	m.notify(EventProvisioned, map[string]any{"identityId": ident.ID, "idpId": idpID, "new": true})
	return ident.ID, nil
}

// --- helpers ---

func randomString(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}

// codeChallenge derives the S256 challenge for a verifier.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
