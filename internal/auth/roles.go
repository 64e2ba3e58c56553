// Package auth provides the HR portal role model, permission catalog and evaluator
package auth

import (
	"fmt"
)

// Role represents a user role in the HR portal
type Role string

const (
	// RoleEmployee is the base role for every staff member
	RoleEmployee Role = "employee"
	// RoleManager manages a team
	RoleManager Role = "manager"
	// RoleHROfficer handles day-to-day HR operations
	RoleHROfficer Role = "hr_officer"
	// RoleHRHead runs the HR department
	RoleHRHead Role = "hr_head"
	// RoleAdmin administers the whole system
	RoleAdmin Role = "admin"
	// RoleLDAPUser is an external directory user with a small fixed permission set
	RoleLDAPUser Role = "ldap_user"
)

// AllRoles defines all valid roles in the system
var AllRoles = []Role{RoleEmployee, RoleManager, RoleHROfficer, RoleHRHead, RoleAdmin, RoleLDAPUser}

// RoleChain is the inheritance chain, lowest role first.
// ldap_user is deliberately not part of it.
var RoleChain = []Role{RoleEmployee, RoleManager, RoleHROfficer, RoleHRHead, RoleAdmin}

// RoleLevel defines the position of each chained role (higher = more privileges)
// admin (4) > hr_head (3) > hr_officer (2) > manager (1) > employee (0)
var RoleLevel = map[Role]int{
	RoleEmployee:  0,
	RoleManager:   1,
	RoleHROfficer: 2,
	RoleHRHead:    3,
	RoleAdmin:     4,
}

// RoleHierarchy defines which roles a role inherits permissions from.
var RoleHierarchy = map[Role][]Role{
	RoleAdmin:     {RoleHRHead, RoleHROfficer, RoleManager, RoleEmployee},
	RoleHRHead:    {RoleHROfficer, RoleManager, RoleEmployee},
	RoleHROfficer: {RoleManager, RoleEmployee},
	RoleManager:   {RoleEmployee},
	RoleEmployee:  {},
	RoleLDAPUser:  {},
}

// IsValidRole checks if a role string is a valid role
func IsValidRole(role string) bool {
	r := Role(role)
	for _, validRole := range AllRoles {
		if validRole == r {
			return true
		}
	}
	return false
}

// ParseRole parses a role string into a Role type
func ParseRole(role string) (Role, error) {
	if !IsValidRole(role) {
		return "", fmt.Errorf("invalid role: %s", role)
	}
	return Role(role), nil
}

// Inherits checks if a role inherits permissions from another role
func (r Role) Inherits(child Role) bool {
	for _, inherited := range RoleHierarchy[r] {
		if inherited == child {
			return true
		}
	}
	return false
}

// Level returns the chain position of this role, or -1 for roles outside the chain
func (r Role) Level() int {
	if level, ok := RoleLevel[r]; ok {
		return level
	}
	return -1
}

// IsHigherOrEqual checks if this role is at the same or higher chain level than another.
// Roles outside the chain only compare equal to themselves.
func (r Role) IsHigherOrEqual(other Role) bool {
	if r == other {
		return true
	}
	levelA, levelB := r.Level(), other.Level()
	if levelA < 0 || levelB < 0 {
		return false
	}
	return levelA >= levelB
}

// CanManageTeam reports whether the role supervises a team
func (r Role) CanManageTeam() bool {
	return r == RoleManager || r == RoleHROfficer || r == RoleHRHead
}

// CanManageAll reports whether the role has organisation-wide management rights
func (r Role) CanManageAll() bool {
	return r == RoleHROfficer || r == RoleHRHead || r == RoleAdmin
}

func (r Role) String() string {
	return string(r)
}
