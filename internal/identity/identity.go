package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Type classifies a principal.
type Type string

const (
	TypeUser    Type = "user"
	TypeService Type = "service"
	TypeDevice  Type = "device"
	TypeGroup   Type = "group"
)

// Status is the lifecycle state of an identity.
type Status string

const (
	StatusActive        Status = "active"
	StatusInactive      Status = "inactive"
	StatusSuspended     Status = "suspended"
	StatusLocked        Status = "locked"
	StatusPending       Status = "pending"
	StatusDeprovisioned Status = "deprovisioned"
	StatusDeleted       Status = "deleted"
)

func (s Status) terminal() bool {
	return s == StatusDeprovisioned || s == StatusDeleted
}

// Identity represents a principal: user, service, device or group.
type Identity struct {
	ID                string            `json:"id" yaml:"id"`
	Type              Type              `json:"type" yaml:"type"`
	Status            Status            `json:"status" yaml:"status"`
	Username          string            `json:"username" yaml:"username"`
	Email             string            `json:"email" yaml:"email"`
	DisplayName       string            `json:"display_name" yaml:"display_name"`
	OrganizationID    string            `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Groups            map[string]bool   `json:"groups,omitempty" yaml:"groups,omitempty"`
	VerificationLevel string            `json:"verification_level,omitempty" yaml:"verification_level,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CreatedAt         time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" yaml:"updated_at"`
}

func (i *Identity) clone() Identity {
	out := *i
	if i.Groups != nil {
		out.Groups = make(map[string]bool, len(i.Groups))
		for g := range i.Groups {
			out.Groups[g] = true
		}
	}
	if i.Attributes != nil {
		out.Attributes = make(map[string]string, len(i.Attributes))
		for k, v := range i.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Organization is a grouping of identities.
type Organization struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	ParentID  string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Group is a named membership set.
type Group struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Listener receives lifecycle notifications. Panics are swallowed.
type Listener func(event string, data map[string]any)

// Lifecycle events fired by the store.
const (
	EventCreated       = "identityCreated"
	EventUpdated       = "identityUpdated"
	EventStatusChanged = "identityStatusChanged"
	EventDeleted       = "identityDeleted"
)

// Store holds identities, organizations and groups in memory. All getters
// return defensive copies.
type Store struct {
	identities map[string]*Identity
	byUsername map[string]string // username -> id
	byEmail    map[string]string // email -> id
	order      []string
	orgs       map[string]*Organization
	groups     map[string]*Group
	listeners  []Listener
	clk        clock.Clock
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewStore creates an identity store.
func NewStore(clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		identities: make(map[string]*Identity),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		orgs:       make(map[string]*Organization),
		groups:     make(map[string]*Group),
		clk:        clk,
		logger:     logger,
	}
}

// OnEvent registers a lifecycle listener.
func (s *Store) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notify(event string, data map[string]any) {
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

// CreateIdentity registers a new identity. Missing id and status default to
// a fresh uuid and "pending".
func (s *Store) CreateIdentity(in Identity) (Identity, error) {
	if in.Username == "" && in.Email == "" {
		return Identity{}, kerr.Invalid("identity requires username or email")
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Type == "" {
		in.Type = TypeUser
	}
	if in.Status == "" {
		in.Status = StatusPending
	}
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	now := s.clk.Now()
	in.CreatedAt = now
	in.UpdatedAt = now
	if in.Groups == nil {
		in.Groups = make(map[string]bool)
	}

	s.mu.Lock()
	if _, exists := s.identities[in.ID]; exists {
		s.mu.Unlock()
		return Identity{}, kerr.Invalid(fmt.Sprintf("identity %q already exists", in.ID))
	}
	if in.Username != "" {
		if _, taken := s.byUsername[in.Username]; taken {
			s.mu.Unlock()
			return Identity{}, kerr.Invalid(fmt.Sprintf("username %q already taken", in.Username))
		}
		s.byUsername[in.Username] = in.ID
	}
	if in.Email != "" {
		s.byEmail[in.Email] = in.ID
	}
	stored := in.clone()
	s.identities[in.ID] = &stored
	s.order = append(s.order, in.ID)
	s.mu.Unlock()

	s.logger.Debug("identity created", zap.String("id", in.ID), zap.String("type", string(in.Type)))
	s.notify(EventCreated, map[string]any{"identityId": in.ID, "type": string(in.Type)})
	return in, nil
}

// GetIdentity returns a copy of the identity.
func (s *Store) GetIdentity(id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, kerr.NotFound("identity", id)
	}
	return ident.clone(), nil
}

// GetByUsername resolves an identity by username.
func (s *Store) GetByUsername(username string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[username]
	if !ok {
		return Identity{}, kerr.NotFound("identity", username)
	}
	return s.identities[id].clone(), nil
}

// GetByEmail resolves an identity by email.
func (s *Store) GetByEmail(email string) (Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return Identity{}, kerr.NotFound("identity", email)
	}
	return s.identities[id].clone(), nil
}

// Resolve finds an identity by username or email.
func (s *Store) Resolve(usernameOrEmail string) (Identity, error) {
	if ident, err := s.GetByUsername(usernameOrEmail); err == nil {
		return ident, nil
	}
	return s.GetByEmail(usernameOrEmail)
}

// ListFilter narrows ListIdentities.
type ListFilter struct {
	Type           Type
	Status         Status
	OrganizationID string
}

// ListIdentities returns copies in insertion order.
func (s *Store) ListIdentities(filter ListFilter) []Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Identity
	for _, id := range s.order {
		ident := s.identities[id]
		if ident == nil {
			continue
		}
		if filter.Type != "" && ident.Type != filter.Type {
			continue
		}
		if filter.Status != "" && ident.Status != filter.Status {
			continue
		}
		if filter.OrganizationID != "" && ident.OrganizationID != filter.OrganizationID {
			continue
		}
		out = append(out, ident.clone())
	}
	return out
}

// UpdateIdentity applies mutable fields (display name, email, org,
// verification level, attributes).
func (s *Store) UpdateIdentity(id string, update Identity) (Identity, error) {
	s.mu.Lock()
	ident, ok := s.identities[id]
	if !ok {
		s.mu.Unlock()
		return Identity{}, kerr.NotFound("identity", id)
	}
	if ident.Status.terminal() {
		s.mu.Unlock()
		return Identity{}, kerr.StateConflict("identity", id, string(ident.Status), "updated")
	}
	if update.DisplayName != "" {
		ident.DisplayName = update.DisplayName
	}
	if update.Email != "" {
		email := strings.ToLower(strings.TrimSpace(update.Email))
		delete(s.byEmail, ident.Email)
		ident.Email = email
		s.byEmail[email] = id
	}
	if update.OrganizationID != "" {
		ident.OrganizationID = update.OrganizationID
	}
	if update.VerificationLevel != "" {
		ident.VerificationLevel = update.VerificationLevel
	}
	for k, v := range update.Attributes {
		if ident.Attributes == nil {
			ident.Attributes = make(map[string]string)
		}
		ident.Attributes[k] = v
	}
	ident.UpdatedAt = s.clk.Now()
	out := ident.clone()
	s.mu.Unlock()

	s.notify(EventUpdated, map[string]any{"identityId": id})
	return out, nil
}

// setStatus transitions the identity, enforcing terminal states.
func (s *Store) setStatus(id string, to Status, allowedFrom ...Status) (Identity, error) {
	s.mu.Lock()
	ident, ok := s.identities[id]
	if !ok {
		s.mu.Unlock()
		return Identity{}, kerr.NotFound("identity", id)
	}
	if ident.Status.terminal() {
		s.mu.Unlock()
		return Identity{}, kerr.StateConflict("identity", id, string(ident.Status), string(to))
	}
	if len(allowedFrom) > 0 {
		legal := false
		for _, from := range allowedFrom {
			if ident.Status == from {
				legal = true
				break
			}
		}
		if !legal {
			s.mu.Unlock()
			return Identity{}, kerr.StateConflict("identity", id, string(ident.Status), string(to))
		}
	}
	from := ident.Status
	ident.Status = to
	ident.UpdatedAt = s.clk.Now()
	out := ident.clone()
	s.mu.Unlock()

	s.notify(EventStatusChanged, map[string]any{"identityId": id, "from": string(from), "to": string(to)})
	return out, nil
}

// Activate moves a pending or inactive identity to active.
func (s *Store) Activate(id string) (Identity, error) {
	return s.setStatus(id, StatusActive, StatusPending, StatusInactive, StatusActive)
}

// Deactivate marks the identity inactive.
func (s *Store) Deactivate(id string) (Identity, error) {
	return s.setStatus(id, StatusInactive)
}

// Suspend suspends an identity; reversible via Unsuspend.
func (s *Store) Suspend(id string) (Identity, error) {
	return s.setStatus(id, StatusSuspended)
}

// Unsuspend restores a suspended identity to active.
func (s *Store) Unsuspend(id string) (Identity, error) {
	return s.setStatus(id, StatusActive, StatusSuspended)
}

// Lock locks an identity; reversible via Unlock.
func (s *Store) Lock(id string) (Identity, error) {
	return s.setStatus(id, StatusLocked)
}

// Unlock restores a locked identity to active.
func (s *Store) Unlock(id string) (Identity, error) {
	return s.setStatus(id, StatusActive, StatusLocked)
}

// Deprovision terminally deprovisions an identity.
func (s *Store) Deprovision(id string) (Identity, error) {
	return s.setStatus(id, StatusDeprovisioned)
}

// Delete terminally deletes an identity. The record is retained with status
// deleted so audit references stay resolvable.
func (s *Store) Delete(id string) error {
	if _, err := s.setStatus(id, StatusDeleted); err != nil {
		return err
	}
	s.notify(EventDeleted, map[string]any{"identityId": id})
	return nil
}

// SetVerificationLevel updates the verification level.
func (s *Store) SetVerificationLevel(id, level string) error {
	_, err := s.UpdateIdentity(id, Identity{VerificationLevel: level})
	return err
}

// AddToGroup adds an identity to a group.
func (s *Store) AddToGroup(identityID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[identityID]
	if !ok {
		return kerr.NotFound("identity", identityID)
	}
	if _, ok := s.groups[groupID]; !ok {
		return kerr.NotFound("group", groupID)
	}
	ident.Groups[groupID] = true
	ident.UpdatedAt = s.clk.Now()
	return nil
}

// RemoveFromGroup removes an identity from a group.
func (s *Store) RemoveFromGroup(identityID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[identityID]
	if !ok {
		return kerr.NotFound("identity", identityID)
	}
	delete(ident.Groups, groupID)
	ident.UpdatedAt = s.clk.Now()
	return nil
}

// InGroup reports group membership.
func (s *Store) InGroup(identityID, groupID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[identityID]
	return ok && ident.Groups[groupID]
}

// CreateOrganization registers an organization.
func (s *Store) CreateOrganization(org Organization) (Organization, error) {
	if org.Name == "" {
		return Organization{}, kerr.Invalid("organization requires a name")
	}
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	org.CreatedAt = s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orgs[org.ID]; exists {
		return Organization{}, kerr.Invalid(fmt.Sprintf("organization %q already exists", org.ID))
	}
	stored := org
	s.orgs[org.ID] = &stored
	return org, nil
}

// GetOrganization returns an organization by id.
func (s *Store) GetOrganization(id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return Organization{}, kerr.NotFound("organization", id)
	}
	return *org, nil
}

// CreateGroup registers a group.
func (s *Store) CreateGroup(group Group) (Group, error) {
	if group.Name == "" {
		return Group{}, kerr.Invalid("group requires a name")
	}
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	group.CreatedAt = s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[group.ID]; exists {
		return Group{}, kerr.Invalid(fmt.Sprintf("group %q already exists", group.ID))
	}
	stored := group
	s.groups[group.ID] = &stored
	return group, nil
}

// GetGroup returns a group by id.
func (s *Store) GetGroup(id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[id]
	if !ok {
		return Group{}, kerr.NotFound("group", id)
	}
	return *group, nil
}
