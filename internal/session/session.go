package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Status of a session.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Session tracks an authenticated principal.
type Session struct {
	ID                string    `json:"id"`
	IdentityID        string    `json:"identity_id"`
	Status            Status    `json:"status"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// Config controls session lifetime and concurrency.
type Config struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
}

// Listener receives session lifecycle notifications.
type Listener func(event string, data map[string]any)

// Lifecycle events.
const (
	EventCreated = "sessionCreated"
	EventRevoked = "sessionRevoked"
	EventExpired = "sessionExpired"
)

// Manager owns the session registry.
type Manager struct {
	config    Config
	sessions  map[string]*Session
	order     []string
	listeners []Listener
	clk       clock.Clock
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewManager creates a session manager. TTL defaults to 8h, max concurrent
// sessions per identity to 5.
func NewManager(config Config, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = 8 * time.Hour
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	return &Manager{
		config:   config,
		sessions: make(map[string]*Session),
		clk:      clk,
		logger:   logger,
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

// CreateSession opens a session for an identity. When the identity is at the
// concurrency cap the oldest active session is revoked.
func (m *Manager) CreateSession(identityID, deviceFingerprint, ip string) (Session, error) {
	if identityID == "" {
		return Session{}, kerr.Invalid("session requires an identity")
	}
	now := m.clk.Now()
	session := &Session{
		ID:                uuid.New().String(),
		IdentityID:        identityID,
		Status:            StatusActive,
		DeviceFingerprint: deviceFingerprint,
		IPAddress:         ip,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.config.TTL),
		LastSeenAt:        now,
	}

	var evicted string
	m.mu.Lock()
	active := m.activeLocked(identityID, now)
	if len(active) >= m.config.MaxConcurrent {
		oldest := active[0]
		oldest.Status = StatusRevoked
		evicted = oldest.ID
	}
	m.sessions[session.ID] = session
	m.order = append(m.order, session.ID)
	out := *session
	m.mu.Unlock()

	if evicted != "" {
		m.notify(EventRevoked, map[string]any{"sessionId": evicted, "identityId": identityID, "reason": "concurrency-cap"})
	}
	m.notify(EventCreated, map[string]any{"sessionId": session.ID, "identityId": identityID})
	return out, nil
}

// activeLocked returns the identity's active, unexpired sessions in creation
// order. Expired sessions are demoted as they are observed.
func (m *Manager) activeLocked(identityID string, now time.Time) []*Session {
	var out []*Session
	for _, id := range m.order {
		session := m.sessions[id]
		if session == nil || session.IdentityID != identityID {
			continue
		}
		if session.Status == StatusActive && now.After(session.ExpiresAt) {
			session.Status = StatusExpired
		}
		if session.Status == StatusActive {
			out = append(out, session)
		}
	}
	return out
}

// GetSession returns a copy; expired sessions are demoted on read.
func (m *Manager) GetSession(id string) (Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, kerr.NotFound("session", id)
	}
	expired := false
	if session.Status == StatusActive && m.clk.Now().After(session.ExpiresAt) {
		session.Status = StatusExpired
		expired = true
	}
	out := *session
	m.mu.Unlock()

	if expired {
		m.notify(EventExpired, map[string]any{"sessionId": id, "identityId": out.IdentityID})
	}
	return out, nil
}

// ListByIdentity returns copies of an identity's sessions in creation order.
func (m *Manager) ListByIdentity(identityID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, id := range m.order {
		if session := m.sessions[id]; session != nil && session.IdentityID == identityID {
			out = append(out, *session)
		}
	}
	return out
}

// TouchSession extends an active session by the configured TTL.
func (m *Manager) TouchSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return kerr.NotFound("session", id)
	}
	now := m.clk.Now()
	if session.Status != StatusActive || now.After(session.ExpiresAt) {
		return kerr.StateConflict("session", id, string(session.Status), "touched")
	}
	session.LastSeenAt = now
	session.ExpiresAt = now.Add(m.config.TTL)
	return nil
}

// RevokeSession revokes a session.
func (m *Manager) RevokeSession(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFound("session", id)
	}
	session.Status = StatusRevoked
	identityID := session.IdentityID
	m.mu.Unlock()

	m.notify(EventRevoked, map[string]any{"sessionId": id, "identityId": identityID})
	return nil
}

// RevokeAllSessions revokes every active session for an identity.
func (m *Manager) RevokeAllSessions(identityID string) int {
	m.mu.Lock()
	var ids []string
	for _, session := range m.sessions {
		if session.IdentityID == identityID && session.Status == StatusActive {
			session.Status = StatusRevoked
			ids = append(ids, session.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.notify(EventRevoked, map[string]any{"sessionId": id, "identityId": identityID})
	}
	return len(ids)
}

// CleanupExpired demotes expired sessions and returns the count.
func (m *Manager) CleanupExpired() int {
	now := m.clk.Now()
	m.mu.Lock()
	var ids []string
	for _, session := range m.sessions {
		if session.Status == StatusActive && now.After(session.ExpiresAt) {
			session.Status = StatusExpired
			ids = append(ids, session.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.notify(EventExpired, map[string]any{"sessionId": id})
	}
	return len(ids)
}
