package auth

import (
	"fmt"
	"strings"
)

// Wildcard matches any resource or action when used in a grant
const Wildcard = "*"

// Scope restricts how far a permission reaches
type Scope string

const (
	ScopeSelf       Scope = "self"
	ScopeTeam       Scope = "team"
	ScopeDepartment Scope = "department"
	ScopeAll        Scope = "all"

	// ScopeAny is used in requests that do not ask for a particular scope
	ScopeAny Scope = ""
)

// AllScopes lists the scopes a grant can carry
var AllScopes = []Scope{ScopeSelf, ScopeTeam, ScopeDepartment, ScopeAll}

// IsValid reports whether s is a grantable scope
func (s Scope) IsValid() bool {
	for _, valid := range AllScopes {
		if s == valid {
			return true
		}
	}
	return false
}

// Operator is a condition comparison operator
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
	OpGt    Operator = "gt"
	OpLt    Operator = "lt"
)

// Condition narrows when a permission applies. Value is a literal, a list,
// a number or a template such as "{{user.department}}".
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// Permission is one granted capability
type Permission struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Resource   string      `json:"resource"`
	Action     string      `json:"action"`
	Scope      Scope       `json:"scope"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// PermissionKey is the structured (resource, action) lookup key
type PermissionKey struct {
	Resource string
	Action   string
}

// String returns the key in the format "resource.action"
func (k PermissionKey) String() string {
	return k.Resource + "." + k.Action
}

// Key returns the (resource, action) key of the permission
func (p Permission) Key() PermissionKey {
	return PermissionKey{Resource: p.Resource, Action: p.Action}
}

// String returns the permission in the format "resource.action.scope"
func (p Permission) String() string {
	return fmt.Sprintf("%s.%s.%s", p.Resource, p.Action, p.Scope)
}

// Matches reports whether the grant covers the requested key.
// Only the literal "*" acts as a wildcard; there is no prefix matching.
func (p Permission) Matches(key PermissionKey) bool {
	return (p.Resource == Wildcard || p.Resource == key.Resource) &&
		(p.Action == Wildcard || p.Action == key.Action)
}

// AllowsScope reports whether the grant satisfies the requested scope
func (p Permission) AllowsScope(requested Scope) bool {
	if requested == ScopeAny {
		return true
	}
	return p.Scope == requested || p.Scope == ScopeAll
}

// Clone returns a deep copy of the permission
func (p Permission) Clone() Permission {
	if p.Conditions != nil {
		conds := make([]Condition, len(p.Conditions))
		copy(conds, p.Conditions)
		p.Conditions = conds
	}
	return p
}

// ParsePermission parses "resource.action" or "resource.action.scope".
// A missing scope defaults to self.
func ParsePermission(perm string) (Permission, error) {
	parts := strings.Split(perm, ".")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Permission{}, fmt.Errorf("invalid permission format: %s", perm)
	}
	p := Permission{Resource: parts[0], Action: parts[1], Scope: ScopeSelf}
	if len(parts) == 3 {
		s := Scope(parts[2])
		if !s.IsValid() {
			return Permission{}, fmt.Errorf("invalid permission scope: %s", parts[2])
		}
		p.Scope = s
	}
	return p, nil
}

// PermissionStrings renders permissions in "resource.action.scope" form
func PermissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
