package events

import (
	"context"
	"sync"
	"time"
)

// Event represents something that happened inside the IAM core.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Subsystem string         `json:"subsystem"`
	Subject   string         `json:"subject,omitempty"` // identity id where applicable
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Type categorizes events.
type Type string

const (
	IdentityCreated    Type = "identity.created"
	IdentityUpdated    Type = "identity.updated"
	IdentityStatus     Type = "identity.status_changed"
	IdentityDeleted    Type = "identity.deleted"
	LoginSuccess       Type = "auth.login_success"
	LoginFailed        Type = "auth.login_failed"
	AccountLocked      Type = "auth.account_locked"
	MFAEnrolled        Type = "auth.mfa_enrolled"
	MFAVerified        Type = "auth.mfa_verified"
	AccessGranted      Type = "authz.access_granted"
	AccessDenied       Type = "authz.access_denied"
	RoleCreated        Type = "authz.role_created"
	RoleAssigned       Type = "authz.role_assigned"
	RoleRevoked        Type = "authz.role_revoked"
	TokenIssued        Type = "token.issued"
	TokenRevoked       Type = "token.revoked"
	TokenExchanged     Type = "token.exchanged"
	SessionCreated     Type = "session.created"
	SessionRevoked     Type = "session.revoked"
	SessionExpired     Type = "session.expired"
	RiskAssessed       Type = "risk.assessed"
	RiskLevelChanged   Type = "risk.level_changed"
	FederatedProvision Type = "federation.provisioned"
	CampaignStarted    Type = "governance.campaign_started"
	CampaignCompleted  Type = "governance.campaign_completed"
	AccessCertified    Type = "governance.access_certified"
	AccessRevoked      Type = "governance.access_revoked"
	SoDViolationFound  Type = "governance.sod_violation"
	RequestSubmitted   Type = "governance.request_submitted"
	RequestApproved    Type = "governance.request_approved"
	RequestRejected    Type = "governance.request_rejected"
	AccountCheckedOut  Type = "pam.checked_out"
	AccountCheckedIn   Type = "pam.checked_in"
)

// Handler processes events. Panics inside a handler are swallowed so one bad
// listener cannot disrupt fan-out.
type Handler func(ctx context.Context, event Event) error

// Bus is an in-memory event bus. Delivery is synchronous, in registration
// order, so orchestrator-level counters observe a total order per identity.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	events    []Event
	maxEvents int
}

// NewBus creates a bus keeping the last 10k events for replay.
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[string][]Handler),
		events:    make([]Event, 0, 1024),
		maxEvents: 10000,
	}
}

// Publish stores the event and notifies matching handlers.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[1:]
	}
	// Snapshot handlers so listeners can subscribe from inside a handler.
	var matched []Handler
	for pattern, handlers := range b.handlers {
		if matchesPattern(string(event.Type), pattern) {
			matched = append(matched, handlers...)
		}
	}
	b.mu.Unlock()

	for _, handler := range matched {
		safeCall(handler, ctx, event)
	}
	return nil
}

func safeCall(h Handler, ctx context.Context, event Event) {
	defer func() { _ = recover() }()
	_ = h(ctx, event)
}

// Subscribe registers a handler for a type pattern. "*" matches everything;
// a trailing ".*" matches a subsystem prefix.
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
	return nil
}

// Replay returns stored events inside the (from, to) window.
func (b *Bus) Replay(from, to time.Time) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.Timestamp.After(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result, nil
}

func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
