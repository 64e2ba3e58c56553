// Package sso implements OpenID Connect login against configured identity providers
package sso

import (
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/hrportal/hrportal/internal/auth"
)

// Identity is what a provider asserts about the user
type Identity struct {
	Provider   string
	Subject    string
	Email      string
	Name       string
	Department string
	Groups     []string
	Role       auth.Role
}

// RoleMapper turns ID token claims into a role with a JMESPath expression.
// The expression may yield a role name or a list of names; the most
// privileged valid one wins.
type RoleMapper struct {
	expr        string
	defaultRole auth.Role
}

// NewRoleMapper compiles expr. An empty expression always yields the default role.
func NewRoleMapper(expr, defaultRole string) (*RoleMapper, error) {
	m := &RoleMapper{defaultRole: auth.RoleEmployee}
	if defaultRole != "" {
		r, err := auth.ParseRole(defaultRole)
		if err != nil {
			return nil, fmt.Errorf("default role: %w", err)
		}
		m.defaultRole = r
	}

	if strings.TrimSpace(expr) != "" {
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("compile role expression: %w", err)
		}
		m.expr = expr
	}
	return m, nil
}

// MapRole evaluates the expression against claims
func (m *RoleMapper) MapRole(claims map[string]interface{}) auth.Role {
	if m.expr == "" {
		return m.defaultRole
	}

	result, err := jmespath.Search(m.expr, claims)
	if err != nil {
		return m.defaultRole
	}

	var candidates []string
	switch v := result.(type) {
	case string:
		candidates = []string{v}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	}

	best := auth.Role("")
	for _, c := range candidates {
		r, err := auth.ParseRole(strings.ToLower(strings.TrimSpace(c)))
		if err != nil {
			continue
		}
		if best == "" || r.Level() > best.Level() {
			best = r
		}
	}
	if best == "" {
		return m.defaultRole
	}
	return best
}

// IdentityFromClaims reads the standard claims plus common group and department shapes
func IdentityFromClaims(claims map[string]interface{}) Identity {
	id := Identity{
		Subject:    stringClaim(claims, "sub"),
		Email:      strings.ToLower(firstNonEmpty(stringClaim(claims, "email"), stringClaim(claims, "mail"))),
		Department: stringClaim(claims, "department"),
		Groups:     stringsClaim(claims, "groups"),
	}

	id.Name = stringClaim(claims, "name")
	if id.Name == "" {
		id.Name = strings.TrimSpace(stringClaim(claims, "given_name") + " " + stringClaim(claims, "family_name"))
	}
	if id.Name == "" {
		id.Name = id.Email
	}
	if len(id.Groups) == 0 {
		id.Groups = stringsClaim(claims, "memberof")
	}
	return id
}

func stringClaim(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}

func stringsClaim(claims map[string]interface{}, key string) []string {
	switch v := claims[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
