package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignInReview  = "in-review"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// Certification decisions.
const (
	DecisionCertify = "certify"
	DecisionRevoke  = "revoke"
)

// SoD policy types and violation actions.
const (
	SoDStatic  = "static"
	SoDDynamic = "dynamic"

	ActionBlock     = "block"
	ActionWarn      = "warn"
	ActionLog       = "log"
	ActionRemediate = "remediate"
)

// Violation statuses.
const (
	ViolationDetected     = "detected"
	ViolationAcknowledged = "acknowledged"
	ViolationRemediated   = "remediated"
	ViolationExempted     = "exempted"
)

// Access request statuses.
const (
	RequestPending   = "pending"
	RequestApproved  = "approved"
	RequestRejected  = "rejected"
	RequestCancelled = "cancelled"
	RequestFulfilled = "fulfilled"
)

// Campaign is one certification campaign. Counts are derived from recorded
// decisions.
type Campaign struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Status            string     `json:"status"`
	Scope             []string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Reviewers         []string   `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
	Schedule          string     `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	RemediationPolicy string     `json:"remediation_policy,omitempty" yaml:"remediation_policy,omitempty"`
	TotalItems        int        `json:"total_items"`
	CertifiedCount    int        `json:"certified_count"`
	RevokedCount      int        `json:"revoked_count"`
	CompletionPercent float64    `json:"completion_percent"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Decision is one reviewer decision inside a campaign.
type Decision struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	ReviewerID string    `json:"reviewer_id"`
	IdentityID string    `json:"identity_id"`
	ItemID     string    `json:"item_id"`
	Decision   string    `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// RolePair is one conflicting role pair.
type RolePair struct {
	First  string `json:"first" yaml:"first"`
	Second string `json:"second" yaml:"second"`
}

// SoDPolicy declares role or permission pairs that must not be co-held.
type SoDPolicy struct {
	ID                     string     `json:"id" yaml:"id"`
	Name                   string     `json:"name" yaml:"name"`
	Enabled                bool       `json:"enabled" yaml:"enabled"`
	Severity               string     `json:"severity" yaml:"severity"`
	Type                   string     `json:"type" yaml:"type"`
	ConflictingRoles       []RolePair `json:"conflicting_roles,omitempty" yaml:"conflicting_roles,omitempty"`
	ConflictingPermissions []RolePair `json:"conflicting_permissions,omitempty" yaml:"conflicting_permissions,omitempty"`
	ViolationAction        string     `json:"violation_action" yaml:"violation_action"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Violation records one separation-of-duties conflict.
type Violation struct {
	ID              string    `json:"id"`
	PolicyID        string    `json:"policy_id"`
	IdentityID      string    `json:"identity_id"`
	ConflictType    string    `json:"conflict_type"` // role, permission
	ConflictDetails string    `json:"conflict_details"`
	Severity        string    `json:"severity"`
	Status          string    `json:"status"`
	DetectedAt      time.Time `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// Exemption suppresses violations for one identity under one policy.
type Exemption struct {
	ID            string     `json:"id"`
	PolicyID      string     `json:"policy_id"`
	IdentityID    string     `json:"identity_id"`
	Justification string     `json:"justification,omitempty"`
	GrantedBy     string     `json:"granted_by,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Approval is one approval or rejection step on an access request.
type Approval struct {
	ApproverID string    `json:"approver_id"`
	Level      int       `json:"level"`
	Approved   bool      `json:"approved"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// AccessRequest moves pending -> approved -> fulfilled, or pending ->
// rejected / cancelled.
type AccessRequest struct {
	ID            string     `json:"id"`
	BeneficiaryID string     `json:"beneficiary_id"`
	ItemType      string     `json:"item_type"` // role, permission, resource
	ItemID        string     `json:"item_id"`
	Justification string     `json:"justification,omitempty"`
	Status        string     `json:"status"`
	Approvals     []Approval `json:"approvals,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FulfilledAt   *time.Time `json:"fulfilled_at,omitempty"`
}

// SoDOptions tunes SoD evaluation behavior.
type SoDOptions struct {
	// EmitPermissionViolations also reports permission-pair conflicts when a
	// permission resolver is configured.
	EmitPermissionViolations bool
}

// PermissionResolver returns the effective permission resources held by an
// identity, for permission-pair SoD checks.
type PermissionResolver func(identityID string) []string

// Listener receives governance notifications.
type Listener func(event string, data map[string]any)

// Governance events.
const (
	EventCampaignStarted   = "campaignStarted"
	EventCampaignCompleted = "campaignCompleted"
	EventCertified         = "accessCertified"
	EventRevoked           = "accessRevoked"
	EventViolation         = "sodViolationDetected"
	EventRequestCreated    = "accessRequestCreated"
	EventRequestDecided    = "accessRequestDecided"
)

// Engine holds campaigns, SoD policies, and access requests.
type Engine struct {
	campaigns   map[string]*Campaign
	campOrder   []string
	decisions   map[string][]Decision // campaign id -> decisions
	policies    map[string]*SoDPolicy
	polOrder    []string
	violations  map[string]*Violation
	vioOrder    []string
	exemptions  map[string]*Exemption
	requests    map[string]*AccessRequest
	reqOrder    []string
	resolver    PermissionResolver
	options     SoDOptions
	listeners   []Listener
	clk         clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewEngine creates a governance engine.
func NewEngine(clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		campaigns:  make(map[string]*Campaign),
		decisions:  make(map[string][]Decision),
		policies:   make(map[string]*SoDPolicy),
		violations: make(map[string]*Violation),
		exemptions: make(map[string]*Exemption),
		requests:   make(map[string]*AccessRequest),
		clk:        clk,
		logger:     logger,
	}
}

// SetPermissionResolver wires a resolver for permission-pair SoD checks.
func (e *Engine) SetPermissionResolver(r PermissionResolver, opts SoDOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = r
	e.options = opts
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

// --- campaigns ---

// CreateCampaign stores a campaign in draft.
func (e *Engine) CreateCampaign(c Campaign) (Campaign, error) {
	if c.Name == "" {
		return Campaign{}, kerr.Invalid("campaign requires a name")
	}
	if c.ID == "" {
		c.ID = "campaign_" + uuid.New().String()
	}
	c.Status = CampaignDraft
	c.CreatedAt = e.clk.Now()
	c.StartedAt = nil
	c.CompletedAt = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	stored := c
	e.campaigns[c.ID] = &stored
	e.campOrder = append(e.campOrder, c.ID)
	return c, nil
}

// GetCampaign returns a campaign.
func (e *Engine) GetCampaign(id string) (Campaign, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.campaigns[id]
	if !ok {
		return Campaign{}, kerr.NotFound("campaign", id)
	}
	return *c, nil
}

// ListCampaigns returns campaigns in creation order.
func (e *Engine) ListCampaigns() []Campaign {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Campaign, 0, len(e.campOrder))
	for _, id := range e.campOrder {
		if c := e.campaigns[id]; c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// StartCampaign moves draft -> active.
func (e *Engine) StartCampaign(id string) (Campaign, error) {
	now := e.clk.Now()
	e.mu.Lock()
	c, ok := e.campaigns[id]
	if !ok {
		e.mu.Unlock()
		return Campaign{}, kerr.NotFound("campaign", id)
	}
	if c.Status != CampaignDraft {
		e.mu.Unlock()
		return Campaign{}, kerr.StateConflict("campaign", id, c.Status, CampaignActive)
	}
	c.Status = CampaignActive
	c.StartedAt = &now
	out := *c
	e.mu.Unlock()

	e.notify(EventCampaignStarted, map[string]any{"campaignId": id})
	return out, nil
}

// CompleteCampaign moves active or in-review -> completed, recomputing
// counts from recorded decisions.
func (e *Engine) CompleteCampaign(id string) (Campaign, error) {
	now := e.clk.Now()
	e.mu.Lock()
	c, ok := e.campaigns[id]
	if !ok {
		e.mu.Unlock()
		return Campaign{}, kerr.NotFound("campaign", id)
	}
	if c.Status != CampaignActive && c.Status != CampaignInReview {
		e.mu.Unlock()
		return Campaign{}, kerr.StateConflict("campaign", id, c.Status, CampaignCompleted)
	}
	e.recountLocked(c)
	c.Status = CampaignCompleted
	c.CompletedAt = &now
	out := *c
	e.mu.Unlock()

	e.notify(EventCampaignCompleted, map[string]any{"campaignId": id, "certified": out.CertifiedCount, "revoked": out.RevokedCount})
	return out, nil
}

// CancelCampaign moves any non-terminal campaign -> cancelled.
func (e *Engine) CancelCampaign(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.campaigns[id]
	if !ok {
		return kerr.NotFound("campaign", id)
	}
	if c.Status == CampaignCompleted || c.Status == CampaignCancelled {
		return kerr.StateConflict("campaign", id, c.Status, CampaignCancelled)
	}
	c.Status = CampaignCancelled
	return nil
}

// RecordDecision appends a certify/revoke decision and recomputes counters.
func (e *Engine) RecordDecision(campaignID string, d Decision) (Decision, error) {
	if d.Decision != DecisionCertify && d.Decision != DecisionRevoke {
		return Decision{}, kerr.Invalid(fmt.Sprintf("unknown decision %q", d.Decision))
	}
	now := e.clk.Now()
	e.mu.Lock()
	c, ok := e.campaigns[campaignID]
	if !ok {
		e.mu.Unlock()
		return Decision{}, kerr.NotFound("campaign", campaignID)
	}
	if c.Status != CampaignActive && c.Status != CampaignInReview {
		e.mu.Unlock()
		return Decision{}, kerr.StateConflict("campaign", campaignID, c.Status, "decided")
	}
	d.ID = "decision_" + uuid.New().String()
	d.CampaignID = campaignID
	d.DecidedAt = now
	e.decisions[campaignID] = append(e.decisions[campaignID], d)
	e.recountLocked(c)
	e.mu.Unlock()

	if d.Decision == DecisionCertify {
		e.notify(EventCertified, map[string]any{"campaignId": campaignID, "identityId": d.IdentityID, "itemId": d.ItemID})
	} else {
		e.notify(EventRevoked, map[string]any{"campaignId": campaignID, "identityId": d.IdentityID, "itemId": d.ItemID})
	}
	return d, nil
}

// Decisions returns a campaign's decisions in order.
func (e *Engine) Decisions(campaignID string) []Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Decision(nil), e.decisions[campaignID]...)
}

func (e *Engine) recountLocked(c *Campaign) {
	certified, revoked := 0, 0
	for _, d := range e.decisions[c.ID] {
		switch d.Decision {
		case DecisionCertify:
			certified++
		case DecisionRevoke:
			revoked++
		}
	}
	c.CertifiedCount = certified
	c.RevokedCount = revoked
	if c.TotalItems > 0 {
		c.CompletionPercent = float64(certified+revoked) / float64(c.TotalItems) * 100
	} else if certified+revoked > 0 {
		c.CompletionPercent = 100
	}
}

// --- SoD ---

// CreateSoDPolicy stores a policy.
func (e *Engine) CreateSoDPolicy(p SoDPolicy) (SoDPolicy, error) {
	if p.Name == "" {
		return SoDPolicy{}, kerr.Invalid("sod policy requires a name")
	}
	if p.ID == "" {
		p.ID = "sod_" + uuid.New().String()
	}
	if p.Type == "" {
		p.Type = SoDStatic
	}
	if p.ViolationAction == "" {
		p.ViolationAction = ActionWarn
	}
	p.CreatedAt = e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	stored := p
	e.policies[p.ID] = &stored
	e.polOrder = append(e.polOrder, p.ID)
	return p, nil
}

// GetSoDPolicy returns a policy.
func (e *Engine) GetSoDPolicy(id string) (SoDPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return SoDPolicy{}, kerr.NotFound("sod policy", id)
	}
	return *p, nil
}

// ListSoDPolicies returns policies in creation order.
func (e *Engine) ListSoDPolicies() []SoDPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SoDPolicy, 0, len(e.polOrder))
	for _, id := range e.polOrder {
		if p := e.policies[id]; p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// GrantExemption exempts an identity from one policy's violations.
func (e *Engine) GrantExemption(ex Exemption) (Exemption, error) {
	if ex.PolicyID == "" || ex.IdentityID == "" {
		return Exemption{}, kerr.Invalid("exemption requires policy and identity")
	}
	if ex.ID == "" {
		ex.ID = "exemption_" + uuid.New().String()
	}
	ex.CreatedAt = e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := ex
	e.exemptions[ex.ID] = &stored
	return ex, nil
}

// isExemptLocked reports whether identity has an active exemption for policy.
func (e *Engine) isExemptLocked(policyID, identityID string, now time.Time) bool {
	for _, ex := range e.exemptions {
		if ex.PolicyID != policyID || ex.IdentityID != identityID {
			continue
		}
		if ex.ExpiresAt == nil || ex.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// EvaluateSoD checks a proposed role against the identity's current roles.
// One violation is created per conflicting pair on an enabled policy unless
// an active exemption covers the identity.
func (e *Engine) EvaluateSoD(identityID, proposedRole string, currentRoles []string) []Violation {
	now := e.clk.Now()
	held := make(map[string]bool, len(currentRoles))
	for _, r := range currentRoles {
		held[r] = true
	}

	var created []Violation
	e.mu.Lock()
	for _, pid := range e.polOrder {
		p := e.policies[pid]
		if p == nil || !p.Enabled {
			continue
		}
		for _, pair := range p.ConflictingRoles {
			var other string
			switch proposedRole {
			case pair.First:
				other = pair.Second
			case pair.Second:
				other = pair.First
			default:
				continue
			}
			if !held[other] {
				continue
			}
			if e.isExemptLocked(p.ID, identityID, now) {
				continue
			}
			v := e.createViolationLocked(p, identityID, "role",
				fmt.Sprintf("proposed role %q conflicts with held role %q", proposedRole, other), now)
			created = append(created, v)
		}
	}
	e.mu.Unlock()

	for _, v := range created {
		e.notify(EventViolation, map[string]any{"policyId": v.PolicyID, "identityId": v.IdentityID, "conflictType": v.ConflictType})
	}
	return created
}

// EvaluateAllSoD checks every role pair already held by the identity.
// Permission-pair conflicts are reported only when a resolver is configured
// and EmitPermissionViolations is set.
func (e *Engine) EvaluateAllSoD(identityID string, currentRoles []string) []Violation {
	now := e.clk.Now()
	held := make(map[string]bool, len(currentRoles))
	for _, r := range currentRoles {
		held[r] = true
	}

	var permissions map[string]bool
	e.mu.RLock()
	resolver := e.resolver
	emitPerms := e.options.EmitPermissionViolations
	e.mu.RUnlock()
	if resolver != nil && emitPerms {
		permissions = make(map[string]bool)
		for _, perm := range resolver(identityID) {
			permissions[perm] = true
		}
	}

	var created []Violation
	e.mu.Lock()
	for _, pid := range e.polOrder {
		p := e.policies[pid]
		if p == nil || !p.Enabled {
			continue
		}
		exempt := e.isExemptLocked(p.ID, identityID, now)
		for _, pair := range p.ConflictingRoles {
			if !held[pair.First] || !held[pair.Second] || exempt {
				continue
			}
			v := e.createViolationLocked(p, identityID, "role",
				fmt.Sprintf("roles %q and %q are both held", pair.First, pair.Second), now)
			created = append(created, v)
		}
		if permissions != nil {
			for _, pair := range p.ConflictingPermissions {
				if !permissions[pair.First] || !permissions[pair.Second] || exempt {
					continue
				}
				v := e.createViolationLocked(p, identityID, "permission",
					fmt.Sprintf("permissions %q and %q are both held", pair.First, pair.Second), now)
				created = append(created, v)
			}
		}
	}
	e.mu.Unlock()

	for _, v := range created {
		e.notify(EventViolation, map[string]any{"policyId": v.PolicyID, "identityId": v.IdentityID, "conflictType": v.ConflictType})
	}
	return created
}

func (e *Engine) createViolationLocked(p *SoDPolicy, identityID, conflictType, details string, now time.Time) Violation {
	v := Violation{
		ID:              "violation_" + uuid.New().String(),
		PolicyID:        p.ID,
		IdentityID:      identityID,
		ConflictType:    conflictType,
		ConflictDetails: details,
		Severity:        p.Severity,
		Status:          ViolationDetected,
		DetectedAt:      now,
	}
	stored := v
	e.violations[v.ID] = &stored
	e.vioOrder = append(e.vioOrder, v.ID)
	return v
}

// ListViolations returns violations in detection order.
func (e *Engine) ListViolations() []Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Violation, 0, len(e.vioOrder))
	for _, id := range e.vioOrder {
		if v := e.violations[id]; v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// ResolveViolation moves a violation to acknowledged, remediated, or
// exempted.
func (e *Engine) ResolveViolation(id, status string) error {
	if status != ViolationAcknowledged && status != ViolationRemediated && status != ViolationExempted {
		return kerr.Invalid(fmt.Sprintf("unknown violation status %q", status))
	}
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.violations[id]
	if !ok {
		return kerr.NotFound("violation", id)
	}
	v.Status = status
	v.ResolvedAt = &now
	return nil
}

// --- access requests ---

// CreateAccessRequest opens a pending request.
func (e *Engine) CreateAccessRequest(r AccessRequest) (AccessRequest, error) {
	if r.BeneficiaryID == "" || r.ItemID == "" {
		return AccessRequest{}, kerr.Invalid("access request requires beneficiary and item")
	}
	r.ID = "request_" + uuid.New().String()
	r.Status = RequestPending
	r.Approvals = nil
	r.CreatedAt = e.clk.Now()
	r.FulfilledAt = nil

	e.mu.Lock()
	stored := r
	e.requests[r.ID] = &stored
	e.reqOrder = append(e.reqOrder, r.ID)
	e.mu.Unlock()

	e.notify(EventRequestCreated, map[string]any{"requestId": r.ID, "beneficiaryId": r.BeneficiaryID})
	return r, nil
}

// GetAccessRequest returns a request.
func (e *Engine) GetAccessRequest(id string) (AccessRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.requests[id]
	if !ok {
		return AccessRequest{}, kerr.NotFound("access request", id)
	}
	return cloneRequest(r), nil
}

// ListAccessRequests returns requests in creation order.
func (e *Engine) ListAccessRequests() []AccessRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]AccessRequest, 0, len(e.reqOrder))
	for _, id := range e.reqOrder {
		if r := e.requests[id]; r != nil {
			out = append(out, cloneRequest(r))
		}
	}
	return out
}

// ApproveRequest moves pending -> approved, recording an approval at the
// next level.
func (e *Engine) ApproveRequest(id, approverID, comment string) (AccessRequest, error) {
	return e.decideRequest(id, approverID, comment, true)
}

// RejectRequest moves pending -> rejected.
func (e *Engine) RejectRequest(id, approverID, comment string) (AccessRequest, error) {
	return e.decideRequest(id, approverID, comment, false)
}

func (e *Engine) decideRequest(id, approverID, comment string, approve bool) (AccessRequest, error) {
	now := e.clk.Now()
	target := RequestApproved
	if !approve {
		target = RequestRejected
	}

	e.mu.Lock()
	r, ok := e.requests[id]
	if !ok {
		e.mu.Unlock()
		return AccessRequest{}, kerr.NotFound("access request", id)
	}
	if r.Status != RequestPending {
		e.mu.Unlock()
		return AccessRequest{}, kerr.StateConflict("access request", id, r.Status, target)
	}
	r.Approvals = append(r.Approvals, Approval{
		ApproverID: approverID,
		Level:      len(r.Approvals) + 1,
		Approved:   approve,
		Comment:    comment,
		DecidedAt:  now,
	})
	r.Status = target
	out := cloneRequest(r)
	e.mu.Unlock()

	e.notify(EventRequestDecided, map[string]any{"requestId": id, "status": target, "approverId": approverID})
	return out, nil
}

// CancelRequest moves pending -> cancelled.
func (e *Engine) CancelRequest(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return kerr.NotFound("access request", id)
	}
	if r.Status != RequestPending {
		return kerr.StateConflict("access request", id, r.Status, RequestCancelled)
	}
	r.Status = RequestCancelled
	return nil
}

// FulfillRequest moves approved -> fulfilled.
func (e *Engine) FulfillRequest(id string) (AccessRequest, error) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return AccessRequest{}, kerr.NotFound("access request", id)
	}
	if r.Status != RequestApproved {
		return AccessRequest{}, kerr.StateConflict("access request", id, r.Status, RequestFulfilled)
	}
	r.Status = RequestFulfilled
	r.FulfilledAt = &now
	return cloneRequest(r), nil
}

func cloneRequest(r *AccessRequest) AccessRequest {
	out := *r
	out.Approvals = append([]Approval(nil), r.Approvals...)
	return out
}
