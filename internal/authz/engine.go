package authz

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/keystone/internal/clock"
	"github.com/FairForge/keystone/internal/kerr"
)

// DefaultCacheTTL bounds decision cache entries.
const DefaultCacheTTL = 60 * time.Second

// Listener receives engine notifications.
type Listener func(event string, data map[string]any)

// Engine events.
const (
	EventRoleCreated   = "roleCreated"
	EventRoleUpdated   = "roleUpdated"
	EventRoleDeleted   = "roleDeleted"
	EventRoleAssigned  = "roleAssigned"
	EventRoleRevoked   = "roleRevoked"
	EventPolicyCreated = "policyCreated"
	EventPolicyUpdated = "policyUpdated"
	EventPolicyDeleted = "policyDeleted"
	EventAccessGranted = "accessGranted"
	EventAccessDenied  = "accessDenied"
)

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// GroupChecker reports whether an identity belongs to a group. The
// orchestrator wires this to the identity store so group subject selectors
// resolve without an ownership edge.
type GroupChecker func(identityID, groupID string) bool

// Totals are the engine's running counters.
type Totals struct {
	Authorizations int64 `json:"authorizations"`
	Allowed        int64 `json:"allowed"`
	Denied         int64 `json:"denied"`
	CacheHits      int64 `json:"cache_hits"`
}

// Engine combines RBAC, ABAC and PBAC with deny-overrides and a TTL-bounded
// decision cache. Any mutation of roles, policies or assignments clears the
// cache under the same lock, so no stale allow survives a policy change.
type Engine struct {
	roles       map[string]*Role
	roleOrder   []string
	policies    map[string]*Policy
	policyOrder []string
	assignments map[string][]*Assignment // identity id -> assignments
	cache       map[string]cacheEntry
	cacheTTL    time.Duration
	totals      Totals
	groups      GroupChecker
	listeners   []Listener
	clk         clock.Clock
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewEngine creates an authorization engine.
func NewEngine(clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		roles:       make(map[string]*Role),
		policies:    make(map[string]*Policy),
		assignments: make(map[string][]*Assignment),
		cache:       make(map[string]cacheEntry),
		cacheTTL:    DefaultCacheTTL,
		clk:         clk,
		logger:      logger,
	}
}

// SetGroupChecker wires group membership resolution.
func (e *Engine) SetGroupChecker(fn GroupChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups = fn
}

// SetCacheTTL overrides the decision cache TTL.
func (e *Engine) SetCacheTTL(ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ttl > 0 {
		e.cacheTTL = ttl
	}
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

// Totals returns the running counters.
func (e *Engine) Totals() Totals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totals
}

// --- roles ---

// CreateRole registers a role and clears the decision cache.
func (e *Engine) CreateRole(role Role) (Role, error) {
	if role.Name == "" {
		return Role{}, kerr.Invalid("role requires a name")
	}
	if role.ID == "" {
		role.ID = "role_" + uuid.New().String()
	}
	now := e.clk.Now()
	role.CreatedAt = now
	role.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.roles[role.ID]; exists {
		e.mu.Unlock()
		return Role{}, kerr.Invalid(fmt.Sprintf("role %q already exists", role.ID))
	}
	if e.wouldCycleLocked(role.ID, role.InheritsFrom) {
		e.mu.Unlock()
		return Role{}, kerr.Constraint("inheritance", "role inheritance would form a cycle")
	}
	stored := cloneRole(role)
	e.roles[role.ID] = &stored
	e.roleOrder = append(e.roleOrder, role.ID)
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventRoleCreated, map[string]any{"roleId": role.ID})
	return role, nil
}

// UpdateRole replaces a role's definition and clears the decision cache.
func (e *Engine) UpdateRole(role Role) (Role, error) {
	e.mu.Lock()
	existing, ok := e.roles[role.ID]
	if !ok {
		e.mu.Unlock()
		return Role{}, kerr.NotFound("role", role.ID)
	}
	if e.wouldCycleLocked(role.ID, role.InheritsFrom) {
		e.mu.Unlock()
		return Role{}, kerr.Constraint("inheritance", "role inheritance would form a cycle")
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = e.clk.Now()
	stored := cloneRole(role)
	e.roles[role.ID] = &stored
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventRoleUpdated, map[string]any{"roleId": role.ID})
	return role, nil
}

// DeleteRole removes a role, its assignments, and clears the cache.
func (e *Engine) DeleteRole(id string) error {
	e.mu.Lock()
	if _, ok := e.roles[id]; !ok {
		e.mu.Unlock()
		return kerr.NotFound("role", id)
	}
	delete(e.roles, id)
	for i, rid := range e.roleOrder {
		if rid == id {
			e.roleOrder = append(e.roleOrder[:i], e.roleOrder[i+1:]...)
			break
		}
	}
	for identityID, list := range e.assignments {
		var kept []*Assignment
		for _, a := range list {
			if a.RoleID != id {
				kept = append(kept, a)
			}
		}
		e.assignments[identityID] = kept
	}
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventRoleDeleted, map[string]any{"roleId": id})
	return nil
}

// GetRole returns a copy of a role.
func (e *Engine) GetRole(id string) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	role, ok := e.roles[id]
	if !ok {
		return Role{}, kerr.NotFound("role", id)
	}
	return cloneRole(*role), nil
}

// ListRoles returns copies in creation order.
func (e *Engine) ListRoles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, 0, len(e.roleOrder))
	for _, id := range e.roleOrder {
		if role := e.roles[id]; role != nil {
			out = append(out, cloneRole(*role))
		}
	}
	return out
}

// wouldCycleLocked checks whether giving roleID the listed parents closes a
// cycle in the inheritance DAG.
func (e *Engine) wouldCycleLocked(roleID string, parents []string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == roleID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		if role, ok := e.roles[id]; ok {
			for _, parent := range role.InheritsFrom {
				if walk(parent) {
					return true
				}
			}
		}
		return false
	}
	for _, parent := range parents {
		if walk(parent) {
			return true
		}
	}
	return false
}

// --- policies ---

// CreatePolicy registers a PBAC policy and clears the decision cache.
func (e *Engine) CreatePolicy(policy Policy) (Policy, error) {
	if policy.Name == "" {
		return Policy{}, kerr.Invalid("policy requires a name")
	}
	if policy.Effect != EffectAllow && policy.Effect != EffectDeny {
		return Policy{}, kerr.Invalid("policy effect must be allow or deny")
	}
	if policy.ID == "" {
		policy.ID = "policy_" + uuid.New().String()
	}
	now := e.clk.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.policies[policy.ID]; exists {
		e.mu.Unlock()
		return Policy{}, kerr.Invalid(fmt.Sprintf("policy %q already exists", policy.ID))
	}
	stored := clonePolicy(policy)
	e.policies[policy.ID] = &stored
	e.policyOrder = append(e.policyOrder, policy.ID)
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventPolicyCreated, map[string]any{"policyId": policy.ID})
	return policy, nil
}

// UpdatePolicy replaces a policy and clears the decision cache.
func (e *Engine) UpdatePolicy(policy Policy) (Policy, error) {
	e.mu.Lock()
	existing, ok := e.policies[policy.ID]
	if !ok {
		e.mu.Unlock()
		return Policy{}, kerr.NotFound("policy", policy.ID)
	}
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = e.clk.Now()
	stored := clonePolicy(policy)
	e.policies[policy.ID] = &stored
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventPolicyUpdated, map[string]any{"policyId": policy.ID})
	return policy, nil
}

// DeletePolicy removes a policy and clears the decision cache.
func (e *Engine) DeletePolicy(id string) error {
	e.mu.Lock()
	if _, ok := e.policies[id]; !ok {
		e.mu.Unlock()
		return kerr.NotFound("policy", id)
	}
	delete(e.policies, id)
	for i, pid := range e.policyOrder {
		if pid == id {
			e.policyOrder = append(e.policyOrder[:i], e.policyOrder[i+1:]...)
			break
		}
	}
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventPolicyDeleted, map[string]any{"policyId": id})
	return nil
}

// ListPolicies returns copies in creation order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policyOrder))
	for _, id := range e.policyOrder {
		if policy := e.policies[id]; policy != nil {
			out = append(out, clonePolicy(*policy))
		}
	}
	return out
}

// --- assignments ---

// AssignRole grants a role to an identity after validating the role's
// constraints. The decision cache is cleared under the same lock.
func (e *Engine) AssignRole(identityID, roleID, grantedBy string, expiresAt time.Time) (Assignment, error) {
	e.mu.Lock()
	role, ok := e.roles[roleID]
	if !ok {
		e.mu.Unlock()
		return Assignment{}, kerr.NotFound("role", roleID)
	}
	now := e.clk.Now()
	held := e.activeRoleSetLocked(identityID, now)
	if held[roleID] {
		e.mu.Unlock()
		return Assignment{}, kerr.Invalid(fmt.Sprintf("role %q already assigned", roleID))
	}
	if err := e.checkConstraintsLocked(role, identityID, held, now); err != nil {
		e.mu.Unlock()
		return Assignment{}, err
	}

	assignment := &Assignment{
		ID:         "asg_" + uuid.New().String(),
		IdentityID: identityID,
		RoleID:     roleID,
		Status:     AssignmentActive,
		GrantedBy:  grantedBy,
		GrantedAt:  now,
		ExpiresAt:  expiresAt,
	}
	e.assignments[identityID] = append(e.assignments[identityID], assignment)
	out := *assignment
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventRoleAssigned, map[string]any{"identityId": identityID, "roleId": roleID})
	return out, nil
}

// checkConstraintsLocked validates role constraints against the identity's
// currently held role set.
func (e *Engine) checkConstraintsLocked(role *Role, identityID string, held map[string]bool, now time.Time) error {
	if role.MaxAssignees > 0 && e.assigneeCountLocked(role.ID, now) >= role.MaxAssignees {
		return kerr.Constraint("cardinality", fmt.Sprintf("role %q is at its assignee limit", role.ID))
	}
	for _, c := range role.Constraints {
		switch c.Type {
		case ConstraintMutualExclusion:
			for _, excluded := range c.Roles {
				if held[excluded] {
					return kerr.Constraint("mutual-exclusion", fmt.Sprintf("conflicts with held role %q", excluded))
				}
			}
		case ConstraintPrerequisite:
			for _, required := range c.Roles {
				if !held[required] {
					return kerr.Constraint("prerequisite", fmt.Sprintf("requires role %q", required))
				}
			}
		case ConstraintTemporal:
			if !c.NotBefore.IsZero() && now.Before(c.NotBefore) {
				return kerr.Constraint("temporal", "assignment window not yet open")
			}
			if !c.NotAfter.IsZero() && now.After(c.NotAfter) {
				return kerr.Constraint("temporal", "assignment window has closed")
			}
		case ConstraintCardinality:
			if c.MaxRolesPerIdentity > 0 && len(held) >= c.MaxRolesPerIdentity {
				return kerr.Constraint("cardinality", fmt.Sprintf("identity holds %d roles already", len(held)))
			}
		}
	}
	return nil
}

func (e *Engine) assigneeCountLocked(roleID string, now time.Time) int {
	count := 0
	for _, list := range e.assignments {
		for _, a := range list {
			if a.RoleID == roleID && a.Status == AssignmentActive && (a.ExpiresAt.IsZero() || now.Before(a.ExpiresAt)) {
				count++
			}
		}
	}
	return count
}

// RevokeRole revokes an active assignment and clears the decision cache.
func (e *Engine) RevokeRole(identityID, roleID string) error {
	e.mu.Lock()
	found := false
	for _, a := range e.assignments[identityID] {
		if a.RoleID == roleID && a.Status == AssignmentActive {
			a.Status = AssignmentRevoked
			found = true
		}
	}
	if !found {
		e.mu.Unlock()
		return kerr.NotFound("assignment", identityID+"/"+roleID)
	}
	e.invalidateLocked()
	e.mu.Unlock()

	e.notify(EventRoleRevoked, map[string]any{"identityId": identityID, "roleId": roleID})
	return nil
}

// IsRoleAssigned reports whether the identity actively holds the role.
func (e *Engine) IsRoleAssigned(identityID, roleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeRoleSetLocked(identityID, e.clk.Now())[roleID]
}

// activeRoleSetLocked returns the identity's direct role set, lazily demoting
// expired assignments.
func (e *Engine) activeRoleSetLocked(identityID string, now time.Time) map[string]bool {
	out := make(map[string]bool)
	for _, a := range e.assignments[identityID] {
		if a.Status == AssignmentActive && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			a.Status = AssignmentExpired
		}
		if a.Status == AssignmentActive {
			out[a.RoleID] = true
		}
	}
	return out
}

// GetRolesByIdentity returns copies of the identity's active roles.
func (e *Engine) GetRolesByIdentity(identityID string) []Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	held := e.activeRoleSetLocked(identityID, e.clk.Now())
	var out []Role
	for _, id := range e.roleOrder {
		if held[id] {
			out = append(out, cloneRole(*e.roles[id]))
		}
	}
	return out
}

// GetInheritedRoles returns the transitive closure over inheritsFrom,
// excluding the role itself. A visited set guards the DAG.
func (e *Engine) GetInheritedRoles(roleID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	visited := map[string]bool{roleID: true}
	var out []string
	var walk func(id string)
	walk = func(id string) {
		role, ok := e.roles[id]
		if !ok {
			return
		}
		for _, parent := range role.InheritsFrom {
			if !visited[parent] {
				visited[parent] = true
				out = append(out, parent)
				walk(parent)
			}
		}
	}
	walk(roleID)
	return out
}

// effectiveRoleSetLocked expands the direct role set over inheritance.
func (e *Engine) effectiveRoleSetLocked(direct map[string]bool) map[string]bool {
	out := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if out[id] {
			return
		}
		out[id] = true
		if role, ok := e.roles[id]; ok {
			for _, parent := range role.InheritsFrom {
				walk(parent)
			}
		}
	}
	for id := range direct {
		walk(id)
	}
	return out
}

// GetEffectivePermissions returns the union of permissions over the
// identity's effective role set.
func (e *Engine) GetEffectivePermissions(identityID string) []Permission {
	e.mu.Lock()
	defer e.mu.Unlock()
	effective := e.effectiveRoleSetLocked(e.activeRoleSetLocked(identityID, e.clk.Now()))
	var out []Permission
	for _, id := range e.roleOrder {
		if !effective[id] {
			continue
		}
		for _, p := range e.roles[id].Permissions {
			out = append(out, clonePermission(p))
		}
	}
	return out
}

// GetRoleHierarchy returns the tree rooted at id whose children are roles
// naming id in their inheritsFrom. Cycles short-circuit via a visited set.
func (e *Engine) GetRoleHierarchy(id string) (*HierarchyNode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.roles[id]; !ok {
		return nil, kerr.NotFound("role", id)
	}
	visited := make(map[string]bool)
	var build func(roleID string) *HierarchyNode
	build = func(roleID string) *HierarchyNode {
		visited[roleID] = true
		node := &HierarchyNode{Role: cloneRole(*e.roles[roleID])}
		for _, childID := range e.roleOrder {
			child := e.roles[childID]
			if child == nil || visited[childID] {
				continue
			}
			for _, parent := range child.InheritsFrom {
				if parent == roleID {
					node.Children = append(node.Children, build(childID))
					break
				}
			}
		}
		return node
	}
	return build(id), nil
}

// --- authorize ---

// cacheKey builds a deterministic key from the request. Map serialization via
// encoding/json sorts keys, so equal requests produce equal keys.
func cacheKey(req Request) string {
	env, _ := json.Marshal(req.Environment)
	ctx, _ := json.Marshal(req.Context)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		req.SubjectID, req.SubjectType, req.Resource, req.ResourceType, req.Action, env, ctx)
}

// Authorize answers an authorization request with deny-overrides combining.
func (e *Engine) Authorize(req Request) Decision {
	start := time.Now()
	now := e.clk.Now()
	key := cacheKey(req)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && now.Before(entry.expiresAt) {
		e.totals.Authorizations++
		e.totals.CacheHits++
		decision := entry.decision
		decision.Cached = true
		e.mu.Unlock()
		return decision
	}

	direct := e.activeRoleSetLocked(req.SubjectID, now)
	effective := e.effectiveRoleSetLocked(direct)

	evalCtx := EvalContext{
		Subject: map[string]any{
			"id":   req.SubjectID,
			"type": req.SubjectType,
		},
		Resource: map[string]any{
			"id":   req.Resource,
			"type": req.ResourceType,
		},
		Environment: req.Environment,
		Context:     req.Context,
	}

	decision := Decision{
		MatchedPolicies:    []string{},
		MatchedRoles:       []string{},
		MatchedPermissions: []Permission{},
	}
	var sawAllow, sawDeny bool

	// RBAC + ABAC over the effective role set.
	for _, roleID := range e.roleOrder {
		if !effective[roleID] {
			continue
		}
		role := e.roles[roleID]
		roleMatched := false
		for _, perm := range role.Permissions {
			if !matchPattern(perm.Resource, req.Resource) || !matchAction(perm.Actions, req.Action) {
				continue
			}
			if len(perm.Conditions) > 0 && !EvaluateConditions(perm.Conditions, evalCtx) {
				continue
			}
			roleMatched = true
			decision.MatchedPermissions = append(decision.MatchedPermissions, clonePermission(perm))
			if perm.Effect == EffectDeny {
				sawDeny = true
			} else {
				sawAllow = true
			}
		}
		if roleMatched {
			decision.MatchedRoles = append(decision.MatchedRoles, roleID)
		}
	}

	// PBAC: enabled policies by priority descending.
	for _, policy := range e.sortedPoliciesLocked() {
		if !policy.Enabled {
			continue
		}
		if !e.policySubjectMatchesLocked(policy, req, effective) {
			continue
		}
		if !policyResourceMatches(policy, req) {
			continue
		}
		if !matchAction(policy.Actions, req.Action) {
			continue
		}
		if len(policy.Conditions) > 0 && !EvaluateConditions(policy.Conditions, evalCtx) {
			continue
		}
		decision.MatchedPolicies = append(decision.MatchedPolicies, policy.ID)
		decision.Obligations = append(decision.Obligations, policy.Obligations...)
		if policy.Effect == EffectDeny {
			sawDeny = true
		} else {
			sawAllow = true
		}
	}

	// Deny-overrides.
	switch {
	case sawDeny:
		decision.Allowed = false
		decision.Effect = EffectDeny
	case sawAllow:
		decision.Allowed = true
		decision.Effect = EffectAllow
	default:
		decision.Allowed = false
		decision.Effect = EffectDeny
	}
	decision.EvaluatedAt = now
	decision.EvaluationTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	decision.Cached = false

	e.cache[key] = cacheEntry{decision: decision, expiresAt: now.Add(e.cacheTTL)}
	e.totals.Authorizations++
	if decision.Allowed {
		e.totals.Allowed++
	} else {
		e.totals.Denied++
	}
	e.mu.Unlock()

	event := EventAccessDenied
	if decision.Allowed {
		event = EventAccessGranted
	}
	e.notify(event, map[string]any{
		"identityId": req.SubjectID,
		"resource":   req.Resource,
		"action":     req.Action,
	})
	return decision
}

// BatchAuthorize evaluates requests in order.
func (e *Engine) BatchAuthorize(reqs []Request) []Decision {
	out := make([]Decision, len(reqs))
	for i, req := range reqs {
		out[i] = e.Authorize(req)
	}
	return out
}

func (e *Engine) sortedPoliciesLocked() []*Policy {
	out := make([]*Policy, 0, len(e.policyOrder))
	for _, id := range e.policyOrder {
		if policy := e.policies[id]; policy != nil {
			out = append(out, policy)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (e *Engine) policySubjectMatchesLocked(policy *Policy, req Request, effective map[string]bool) bool {
	if len(policy.Subjects) == 0 {
		return false
	}
	for _, sel := range policy.Subjects {
		switch sel.Type {
		case SelectAny:
			return true
		case SelectUser:
			if sel.Identifier == req.SubjectID || sel.Identifier == "*" {
				return true
			}
		case SelectService:
			if req.SubjectType == "service" && (sel.Identifier == req.SubjectID || sel.Identifier == "*") {
				return true
			}
		case SelectRole:
			if effective[sel.Identifier] {
				return true
			}
		case SelectGroup:
			if e.groups != nil && e.groups(req.SubjectID, sel.Identifier) {
				return true
			}
		}
	}
	return false
}

func policyResourceMatches(policy *Policy, req Request) bool {
	if len(policy.Resources) == 0 {
		return false
	}
	for _, sel := range policy.Resources {
		if !matchPattern(sel.Identifier, req.Resource) {
			continue
		}
		if sel.Type != "" && sel.Type != req.ResourceType {
			continue
		}
		return true
	}
	return false
}

// invalidateLocked clears the decision cache. Callers hold the write lock, so
// a concurrent Authorize cannot observe a stale entry after the mutation.
func (e *Engine) invalidateLocked() {
	e.cache = make(map[string]cacheEntry)
}

// --- copies ---

func cloneRole(r Role) Role {
	out := r
	out.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		out.Permissions[i] = clonePermission(p)
	}
	out.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	out.Constraints = append([]Constraint(nil), r.Constraints...)
	for i, c := range out.Constraints {
		out.Constraints[i].Roles = append([]string(nil), c.Roles...)
	}
	return out
}

func clonePermission(p Permission) Permission {
	out := p
	out.Actions = append([]string(nil), p.Actions...)
	out.Conditions = append([]Condition(nil), p.Conditions...)
	return out
}

func clonePolicy(p Policy) Policy {
	out := p
	out.Subjects = append([]SubjectSelector(nil), p.Subjects...)
	out.Resources = append([]ResourceSelector(nil), p.Resources...)
	out.Actions = append([]string(nil), p.Actions...)
	out.Conditions = append([]Condition(nil), p.Conditions...)
	out.Obligations = append([]string(nil), p.Obligations...)
	return out
}
