package authz

import (
	"strings"
	"time"
)

// Effect of a permission or policy.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ConditionSource names the section of the evaluation context a condition
// reads from.
type ConditionSource string

const (
	SourceSubject     ConditionSource = "subject"
	SourceResource    ConditionSource = "resource"
	SourceEnvironment ConditionSource = "environment"
	SourceContext     ConditionSource = "context"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpIn          Operator = "in"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpBetween     Operator = "between"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
)

// Condition gates a permission or policy on a context attribute.
type Condition struct {
	Source   ConditionSource `json:"source" yaml:"source"`
	Field    string          `json:"field" yaml:"field"` // dot-delimited path
	Operator Operator        `json:"operator" yaml:"operator"`
	Value    any             `json:"value,omitempty" yaml:"value,omitempty"`
}

// Permission grants or denies actions on a resource pattern. Patterns are
// exact, "*", or prefix wildcards like "users:*" and "documents/*".
type Permission struct {
	ID         string      `json:"id" yaml:"id"`
	Resource   string      `json:"resource" yaml:"resource"`
	Actions    []string    `json:"actions" yaml:"actions"`
	Effect     Effect      `json:"effect" yaml:"effect"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ConstraintType enumerates role assignment constraints.
type ConstraintType string

const (
	ConstraintMutualExclusion ConstraintType = "mutual-exclusion"
	ConstraintPrerequisite    ConstraintType = "prerequisite"
	ConstraintTemporal        ConstraintType = "temporal"
	ConstraintCardinality     ConstraintType = "cardinality"
)

// Constraint restricts when a role may be assigned.
type Constraint struct {
	Type                ConstraintType `json:"type" yaml:"type"`
	Roles               []string       `json:"roles,omitempty" yaml:"roles,omitempty"`
	NotBefore           time.Time      `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	NotAfter            time.Time      `json:"not_after,omitempty" yaml:"not_after,omitempty"`
	MaxRolesPerIdentity int            `json:"max_roles_per_identity,omitempty" yaml:"max_roles_per_identity,omitempty"`
}

// Role is a named permission set with DAG inheritance.
type Role struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions  []Permission `json:"permissions" yaml:"permissions"`
	InheritsFrom []string     `json:"inherits_from,omitempty" yaml:"inherits_from,omitempty"`
	Constraints  []Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	MaxAssignees int          `json:"max_assignees,omitempty" yaml:"max_assignees,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// AssignmentStatus of a role assignment.
type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "active"
	AssignmentRevoked AssignmentStatus = "revoked"
	AssignmentExpired AssignmentStatus = "expired"
)

// Assignment binds a role to an identity.
type Assignment struct {
	ID         string           `json:"id"`
	IdentityID string           `json:"identity_id"`
	RoleID     string           `json:"role_id"`
	Scope      string           `json:"scope,omitempty"`
	Status     AssignmentStatus `json:"status"`
	GrantedBy  string           `json:"granted_by,omitempty"`
	GrantedAt  time.Time        `json:"granted_at"`
	ExpiresAt  time.Time        `json:"expires_at,omitempty"`
}

// SubjectSelectorType enumerates policy subject selectors.
type SubjectSelectorType string

const (
	SelectUser    SubjectSelectorType = "user"
	SelectRole    SubjectSelectorType = "role"
	SelectService SubjectSelectorType = "service"
	SelectGroup   SubjectSelectorType = "group"
	SelectAny     SubjectSelectorType = "any"
)

// SubjectSelector matches a request subject.
type SubjectSelector struct {
	Type       SubjectSelectorType `json:"type" yaml:"type"`
	Identifier string              `json:"identifier,omitempty" yaml:"identifier,omitempty"`
}

// ResourceSelector matches a request resource.
type ResourceSelector struct {
	Identifier string `json:"identifier" yaml:"identifier"` // pattern, same syntax as permissions
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Policy is a standalone PBAC policy.
type Policy struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Priority    int                `json:"priority" yaml:"priority"`
	Enabled     bool               `json:"enabled" yaml:"enabled"`
	Effect      Effect             `json:"effect" yaml:"effect"`
	Subjects    []SubjectSelector  `json:"subjects" yaml:"subjects"`
	Resources   []ResourceSelector `json:"resources" yaml:"resources"`
	Actions     []string           `json:"actions" yaml:"actions"`
	Conditions  []Condition        `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Obligations []string           `json:"obligations,omitempty" yaml:"obligations,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Request is an authorization question.
type Request struct {
	SubjectID    string         `json:"subject_id"`
	SubjectType  string         `json:"subject_type,omitempty"`
	Resource     string         `json:"resource"`
	ResourceType string         `json:"resource_type,omitempty"`
	Action       string         `json:"action"`
	Environment  map[string]any `json:"environment,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed            bool         `json:"allowed"`
	Effect             Effect       `json:"effect"`
	MatchedPolicies    []string     `json:"matched_policies"`
	MatchedRoles       []string     `json:"matched_roles"`
	MatchedPermissions []Permission `json:"matched_permissions"`
	Obligations        []string     `json:"obligations,omitempty"`
	EvaluatedAt        time.Time    `json:"evaluated_at"`
	EvaluationTimeMs   float64      `json:"evaluation_time_ms"`
	Cached             bool         `json:"cached"`
}

// HierarchyNode is a node in the role hierarchy tree returned by
// GetRoleHierarchy. Children are roles that inherit from this node.
type HierarchyNode struct {
	Role     Role             `json:"role"`
	Children []*HierarchyNode `json:"children,omitempty"`
}

// matchPattern matches a request resource against a pattern: exact, "*", or
// a prefix wildcard ("users:*", "documents/*").
func matchPattern(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// matchAction matches a request action against an action list; "*" matches
// any action.
func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}
