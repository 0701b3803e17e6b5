package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Type enumerates the token kinds the service issues.
type Type string

const (
	TypeAccess            Type = "access"
	TypeRefresh           Type = "refresh"
	TypeID                Type = "id"
	TypeAuthorizationCode Type = "authorization-code"
	TypeAPIKey            Type = "api-key"
	TypePersonalAccess    Type = "personal-access-token"
	TypeSAMLAssertion     Type = "saml-assertion"
)

// Status of a token record.
type Status string

const (
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// RFC 8693 token type URIs.
const (
	URIAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	URIRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	URIIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	URISAML2        = "urn:ietf:params:oauth:token-type:saml2"
)

// Default lifetimes per token type.
const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultIDTTL      = time.Hour
	DefaultCodeTTL    = 10 * time.Minute
	DefaultAPIKeyTTL  = 365 * 24 * time.Hour
	DefaultPATTTL     = 90 * 24 * time.Hour
)

// SigningConfig controls envelope signing and access token lifetime.
type SigningConfig struct {
	Secret         string        `json:"secret" yaml:"secret"`
	KeyID          string        `json:"key_id" yaml:"key_id"`
	Issuer         string        `json:"issuer" yaml:"issuer"`
	AccessTokenTTL time.Duration `json:"access_token_ttl" yaml:"access_token_ttl"`
}

// Record is the stored state of an issued token.
type Record struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Status        Status         `json:"status"`
	IdentityID    string         `json:"identity_id"`
	ClientID      string         `json:"client_id,omitempty"`
	Scope         []string       `json:"scope,omitempty"`
	Audience      string         `json:"audience,omitempty"`
	Issuer        string         `json:"issuer"`
	Claims        map[string]any `json:"claims,omitempty"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	NotBefore     time.Time      `json:"not_before,omitempty"`
	Fingerprint   string         `json:"fingerprint"`
	ParentTokenID string         `json:"parent_token_id,omitempty"`
	Envelope      string         `json:"-"`
}

func (r *Record) clone() Record {
	out := *r
	out.Scope = append([]string(nil), r.Scope...)
	if r.Claims != nil {
		out.Claims = make(map[string]any, len(r.Claims))
		for k, v := range r.Claims {
			out.Claims[k] = v
		}
	}
	return out
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	IdentityID string
	ClientID   string
	Scope      []string
	Audience   string
	Claims     map[string]any
	TTL        time.Duration // 0 uses the per-type default
	NotBefore  time.Time
}

// ValidationResult is the tuple returned by ValidateToken.
type ValidationResult struct {
	Valid      bool           `json:"valid"`
	Expired    bool           `json:"expired"`
	Revoked    bool           `json:"revoked"`
	Consumed   bool           `json:"consumed"`
	Claims     map[string]any `json:"claims,omitempty"`
	IdentityID string         `json:"identity_id,omitempty"`
	Scope      []string       `json:"scope,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ExchangeRequest models an RFC 8693 token exchange.
type ExchangeRequest struct {
	SubjectTokenID     string
	SubjectTokenType   string // token type URI; default access
	ActorTokenID       string
	RequestedTokenType string // token type URI; default access
	Resource           string
	Audience           string
	Scope              []string
}

// ExchangeResponse carries the exchanged token (plus a refresh token when the
// issued type is access).
type ExchangeResponse struct {
	Token        Record  `json:"token"`
	RefreshToken *Record `json:"refresh_token,omitempty"`
	IssuedType   string  `json:"issued_token_type"`
}

// Listener receives token lifecycle notifications.
type Listener func(event string, data map[string]any)

// Lifecycle events.
const (
	EventIssued    = "tokenIssued"
	EventRevoked   = "tokenRevoked"
	EventRefreshed = "tokenRefreshed"
	EventExchanged = "tokenExchanged"
	EventConsumed  = "tokenConsumed"
)

// Service issues, validates, rotates and exchanges tokens.
type Service struct {
	config        SigningConfig
	tokens        map[string]*Record
	byFingerprint map[string]string
	revoked       map[string]bool
	order         []string
	listeners     []Listener
	clk           clock.Clock
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewService creates a token service.
func NewService(config SigningConfig, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Secret == "" {
		config.Secret = "keystone-dev-secret"
	}
	if config.KeyID == "" {
		config.KeyID = "keystone-hs256"
	}
	if config.Issuer == "" {
		config.Issuer = "keystone"
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTTL
	}
	return &Service{
		config:        config,
		tokens:        make(map[string]*Record),
		byFingerprint: make(map[string]string),
		revoked:       make(map[string]bool),
		clk:           clk,
		logger:        logger,
	}
}

// OnEvent registers a listener.
func (s *Service) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(event string, data map[string]any) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { _ = recover() }()
			l(event, data)
		}()
	}
}

func defaultTTL(t Type, config SigningConfig) time.Duration {
	switch t {
	case TypeRefresh:
		return DefaultRefreshTTL
	case TypeID:
		return DefaultIDTTL
	case TypeAuthorizationCode:
		return DefaultCodeTTL
	case TypeAPIKey:
		return DefaultAPIKeyTTL
	case TypePersonalAccess:
		return DefaultPATTTL
	default:
		return config.AccessTokenTTL
	}
}

// issue mints a token of the given type and stores its record.
func (s *Service) issue(t Type, req IssueRequest) (Record, error) {
	if req.IdentityID == "" {
		return Record{}, kerr.Invalid("token requires an identity")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL(t, s.config)
	}
	now := s.clk.Now()
	id := uuid.New().String()

	claims := jwt.MapClaims{
		"jti": id,
		"iss": s.config.Issuer,
		"sub": req.IdentityID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if req.Audience != "" {
		claims["aud"] = req.Audience
	}
	if len(req.Scope) > 0 {
		claims["scope"] = joinScope(req.Scope)
	}
	if req.ClientID != "" {
		claims["azp"] = req.ClientID
	}
	if !req.NotBefore.IsZero() {
		claims["nbf"] = req.NotBefore.Unix()
	}
	for k, v := range req.Claims {
		claims[k] = v
	}

	jot := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	jot.Header["kid"] = s.config.KeyID
	envelope, err := jot.SignedString([]byte(s.config.Secret))
	if err != nil {
		return Record{}, fmt.Errorf("sign token: %w", err)
	}
	sum := sha256.Sum256([]byte(envelope))
	fingerprint := hex.EncodeToString(sum[:])

	stored := map[string]any(claims)
	record := &Record{
		ID:          id,
		Type:        t,
		Status:      StatusActive,
		IdentityID:  req.IdentityID,
		ClientID:    req.ClientID,
		Scope:       append([]string(nil), req.Scope...),
		Audience:    req.Audience,
		Issuer:      s.config.Issuer,
		Claims:      stored,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		NotBefore:   req.NotBefore,
		Fingerprint: fingerprint,
		Envelope:    envelope,
	}

	s.mu.Lock()
	s.tokens[id] = record
	s.byFingerprint[fingerprint] = id
	s.order = append(s.order, id)
	out := record.clone()
	out.Envelope = envelope
	s.mu.Unlock()

	s.logger.Debug("token issued", zap.String("id", id), zap.String("type", string(t)))
	s.notify(EventIssued, map[string]any{"tokenId": id, "type": string(t), "identityId": req.IdentityID})
	return out, nil
}

// IssueAccessToken mints an access token; TTL defaults from the signing config.
func (s *Service) IssueAccessToken(req IssueRequest) (Record, error) {
	return s.issue(TypeAccess, req)
}

// IssueRefreshToken mints a refresh token linked to its access token.
func (s *Service) IssueRefreshToken(req IssueRequest, parentAccessTokenID string) (Record, error) {
	record, err := s.issue(TypeRefresh, req)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	s.tokens[record.ID].ParentTokenID = parentAccessTokenID
	s.mu.Unlock()
	record.ParentTokenID = parentAccessTokenID
	return record, nil
}

// IssueIDToken mints an OIDC id token (1 hour default).
func (s *Service) IssueIDToken(req IssueRequest) (Record, error) {
	return s.issue(TypeID, req)
}

// IssueAuthorizationCode mints a one-shot authorization code (10 minutes).
func (s *Service) IssueAuthorizationCode(req IssueRequest) (Record, error) {
	return s.issue(TypeAuthorizationCode, req)
}

// IssueAPIKey mints an API key token (1 year default).
func (s *Service) IssueAPIKey(req IssueRequest) (Record, error) {
	return s.issue(TypeAPIKey, req)
}

// IssuePersonalAccessToken mints a PAT (90 days default).
func (s *Service) IssuePersonalAccessToken(req IssueRequest) (Record, error) {
	return s.issue(TypePersonalAccess, req)
}

// GetToken returns a copy of a token record.
func (s *Service) GetToken(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tokens[id]
	if !ok {
		return Record{}, kerr.NotFound("token", id)
	}
	return record.clone(), nil
}

// ValidateToken checks a token by id. Check order: not-found, expired,
// revoked (the revocation list has priority over record status), consumed,
// notBefore.
func (s *Service) ValidateToken(id string) ValidationResult {
	s.mu.RLock()
	record, ok := s.tokens[id]
	var revoked bool
	if ok {
		revoked = s.revoked[id] || record.Status == StatusRevoked
	}
	s.mu.RUnlock()

	if !ok {
		return ValidationResult{Error: "token not found"}
	}
	now := s.clk.Now()
	if now.After(record.ExpiresAt) {
		return ValidationResult{Expired: true, Error: "token expired"}
	}
	if revoked {
		return ValidationResult{Revoked: true, Error: "token revoked"}
	}
	if record.Status == StatusConsumed {
		return ValidationResult{Consumed: true, Error: "token consumed"}
	}
	if !record.NotBefore.IsZero() && now.Before(record.NotBefore) {
		return ValidationResult{Error: "token not yet valid"}
	}

	s.mu.RLock()
	out := ValidationResult{
		Valid:      true,
		Claims:     record.clone().Claims,
		IdentityID: record.IdentityID,
		Scope:      append([]string(nil), record.Scope...),
	}
	s.mu.RUnlock()
	return out
}

// ValidateTokenByFingerprint validates via the envelope fingerprint index.
func (s *Service) ValidateTokenByFingerprint(fingerprint string) ValidationResult {
	s.mu.RLock()
	id, ok := s.byFingerprint[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return ValidationResult{Error: "token not found"}
	}
	return s.ValidateToken(id)
}

// IntrospectToken returns an RFC 7662 style introspection map.
func (s *Service) IntrospectToken(id string) map[string]any {
	result := s.ValidateToken(id)
	out := map[string]any{"active": result.Valid}
	if !result.Valid {
		return out
	}
	record, _ := s.GetToken(id)
	out["token_type"] = string(record.Type)
	out["sub"] = record.IdentityID
	out["iss"] = record.Issuer
	out["iat"] = record.IssuedAt.Unix()
	out["exp"] = record.ExpiresAt.Unix()
	if len(record.Scope) > 0 {
		out["scope"] = joinScope(record.Scope)
	}
	if record.ClientID != "" {
		out["client_id"] = record.ClientID
	}
	if record.Audience != "" {
		out["aud"] = record.Audience
	}
	return out
}

// RevokeToken revokes a token. Revocation is terminal.
func (s *Service) RevokeToken(id string) error {
	s.mu.Lock()
	record, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return kerr.NotFound("token", id)
	}
	record.Status = StatusRevoked
	s.revoked[id] = true
	s.mu.Unlock()

	s.notify(EventRevoked, map[string]any{"tokenId": id, "identityId": record.IdentityID})
	return nil
}

// RevokeAllTokens revokes every token issued to an identity.
func (s *Service) RevokeAllTokens(identityID string) int {
	s.mu.Lock()
	var ids []string
	for id, record := range s.tokens {
		if record.IdentityID == identityID && record.Status == StatusActive {
			record.Status = StatusRevoked
			s.revoked[id] = true
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.notify(EventRevoked, map[string]any{"tokenId": id, "identityId": identityID})
	}
	return len(ids)
}

// RevokeByClient revokes every token issued to a client.
func (s *Service) RevokeByClient(clientID string) int {
	s.mu.Lock()
	var ids []string
	for id, record := range s.tokens {
		if record.ClientID == clientID && record.Status == StatusActive {
			record.Status = StatusRevoked
			s.revoked[id] = true
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.notify(EventRevoked, map[string]any{"tokenId": id, "clientId": clientID})
	}
	return len(ids)
}

// ConsumeToken marks a one-shot token (authorization code) consumed.
func (s *Service) ConsumeToken(id string) error {
	s.mu.Lock()
	record, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return kerr.NotFound("token", id)
	}
	if record.Status != StatusActive {
		status := record.Status
		s.mu.Unlock()
		return kerr.StateConflict("token", id, string(status), string(StatusConsumed))
	}
	record.Status = StatusConsumed
	s.mu.Unlock()

	s.notify(EventConsumed, map[string]any{"tokenId": id})
	return nil
}

// RefreshAccessToken rotates: the old access token referenced by the refresh
// token is revoked, a new access token with the same identity and scope is
// issued, and the refresh token's parent pointer moves to the new token.
func (s *Service) RefreshAccessToken(refreshTokenID string) (Record, error) {
	result := s.ValidateToken(refreshTokenID)
	if !result.Valid {
		return Record{}, kerr.StateConflict("token", refreshTokenID, result.Error, "refreshed")
	}

	s.mu.RLock()
	refresh := s.tokens[refreshTokenID]
	if refresh.Type != TypeRefresh {
		s.mu.RUnlock()
		return Record{}, kerr.Invalid("not a refresh token")
	}
	oldAccessID := refresh.ParentTokenID
	identityID := refresh.IdentityID
	clientID := refresh.ClientID
	scope := append([]string(nil), refresh.Scope...)
	audience := refresh.Audience
	s.mu.RUnlock()

	// Replay guard: a refresh whose access token was already consumed means
	// the chain was used once before.
	if oldAccessID != "" {
		if old, err := s.GetToken(oldAccessID); err == nil && old.Status == StatusConsumed {
			return Record{}, kerr.StateConflict("token", refreshTokenID, string(StatusConsumed), "refreshed")
		}
		_ = s.RevokeToken(oldAccessID)
	}

	access, err := s.IssueAccessToken(IssueRequest{
		IdentityID: identityID,
		ClientID:   clientID,
		Scope:      scope,
		Audience:   audience,
	})
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.tokens[refreshTokenID].ParentTokenID = access.ID
	s.mu.Unlock()

	s.notify(EventRefreshed, map[string]any{"refreshTokenId": refreshTokenID, "accessTokenId": access.ID})
	return access, nil
}

// typeForURI maps an RFC 8693 token type URI onto a token type.
func typeForURI(uri string) Type {
	switch uri {
	case URIRefreshToken:
		return TypeRefresh
	case URIIDToken:
		return TypeID
	case URISAML2:
		return TypeSAMLAssertion
	default:
		return TypeAccess
	}
}

// ExchangeToken implements RFC 8693 token exchange.
func (s *Service) ExchangeToken(req ExchangeRequest) (ExchangeResponse, error) {
	subject := s.ValidateToken(req.SubjectTokenID)
	if !subject.Valid {
		return ExchangeResponse{}, kerr.StateConflict("token", req.SubjectTokenID, subject.Error, "exchanged")
	}
	subjectRecord, _ := s.GetToken(req.SubjectTokenID)

	claims := map[string]any{
		"exchanged_from":     subjectRecord.ID,
		"subject_token_type": orDefault(req.SubjectTokenType, URIAccessToken),
	}
	if req.ActorTokenID != "" {
		actor := s.ValidateToken(req.ActorTokenID)
		if !actor.Valid {
			return ExchangeResponse{}, kerr.StateConflict("token", req.ActorTokenID, actor.Error, "exchanged")
		}
		claims["act"] = map[string]any{"sub": actor.IdentityID}
	}
	if req.Resource != "" {
		claims["resource"] = req.Resource
	}

	issuedType := typeForURI(req.RequestedTokenType)
	scope := req.Scope
	if len(scope) == 0 {
		scope = subjectRecord.Scope
	}
	audience := req.Audience
	if audience == "" {
		audience = subjectRecord.Audience
	}

	issued, err := s.issue(issuedType, IssueRequest{
		IdentityID: subjectRecord.IdentityID,
		ClientID:   subjectRecord.ClientID,
		Scope:      scope,
		Audience:   audience,
		Claims:     claims,
	})
	if err != nil {
		return ExchangeResponse{}, err
	}

	response := ExchangeResponse{Token: issued, IssuedType: uriForType(issuedType)}
	if issuedType == TypeAccess {
		refresh, rerr := s.IssueRefreshToken(IssueRequest{
			IdentityID: subjectRecord.IdentityID,
			ClientID:   subjectRecord.ClientID,
			Scope:      scope,
			Audience:   audience,
		}, issued.ID)
		if rerr == nil {
			response.RefreshToken = &refresh
		}
	}

	s.notify(EventExchanged, map[string]any{
		"subjectTokenId": subjectRecord.ID,
		"issuedTokenId":  issued.ID,
		"issuedType":     string(issuedType),
	})
	return response, nil
}

func uriForType(t Type) string {
	switch t {
	case TypeRefresh:
		return URIRefreshToken
	case TypeID:
		return URIIDToken
	case TypeSAMLAssertion:
		return URISAML2
	default:
		return URIAccessToken
	}
}

// CleanupExpiredTokens demotes expired records and returns the count.
func (s *Service) CleanupExpiredTokens() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, record := range s.tokens {
		if record.Status == StatusActive && now.After(record.ExpiresAt) {
			record.Status = StatusExpired
			count++
		}
	}
	return count
}

// TokensByIdentity returns copies of the identity's tokens in issue order.
func (s *Service) TokensByIdentity(identityID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, id := range s.order {
		if record := s.tokens[id]; record != nil && record.IdentityID == identityID {
			out = append(out, record.clone())
		}
	}
	return out
}

// TokensByClient returns copies of the client's tokens in issue order.
func (s *Service) TokensByClient(clientID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, id := range s.order {
		if record := s.tokens[id]; record != nil && record.ClientID == clientID {
			out = append(out, record.clone())
		}
	}
	return out
}

func joinScope(scope []string) string {
	return strings.Join(scope, " ")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
