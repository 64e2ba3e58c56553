package auth

import "sort"

// basePermissions are the additions each role brings on top of the roles it inherits
var basePermissions = map[Role][]Permission{
	RoleEmployee: {
		{ID: "1", Name: "View Own Profile", Resource: "profile", Action: "read", Scope: ScopeSelf},
		{ID: "2", Name: "Update Own Profile", Resource: "profile", Action: "update", Scope: ScopeSelf},
		{ID: "3", Name: "View Own Events", Resource: "events", Action: "read", Scope: ScopeSelf},
		{ID: "4", Name: "Register for Events", Resource: "events", Action: "create", Scope: ScopeSelf},
		{ID: "5", Name: "View Own Leaves", Resource: "leaves", Action: "read", Scope: ScopeSelf},
		{ID: "6", Name: "Request Leave", Resource: "leaves", Action: "create", Scope: ScopeSelf},
		{ID: "7", Name: "View Own Attendance", Resource: "attendance", Action: "read", Scope: ScopeSelf},
	},
	RoleManager: {
		{ID: "8", Name: "View Team Members", Resource: "employees", Action: "read", Scope: ScopeTeam},
		{ID: "9", Name: "Approve Team Leaves", Resource: "leaves", Action: "approve", Scope: ScopeTeam},
		{ID: "10", Name: "View Team Reports", Resource: "reports", Action: "read", Scope: ScopeTeam},
		{ID: "11", Name: "Manage Team Events", Resource: "events", Action: "update", Scope: ScopeTeam},
	},
	RoleHROfficer: {
		{ID: "12", Name: "View All Employees", Resource: "employees", Action: "read", Scope: ScopeAll},
		{ID: "13", Name: "Manage All Events", Resource: "events", Action: "manage", Scope: ScopeAll},
		{ID: "14", Name: "Approve All Leaves", Resource: "leaves", Action: "approve", Scope: ScopeAll},
		{ID: "15", Name: "View All Reports", Resource: "reports", Action: "read", Scope: ScopeAll},
		{ID: "16", Name: "Manage Attendance", Resource: "attendance", Action: "manage", Scope: ScopeAll},
	},
	RoleHRHead: {
		{ID: "17", Name: "Manage HR Officers", Resource: "employees", Action: "manage", Scope: ScopeAll},
		{ID: "18", Name: "System Configuration", Resource: "system", Action: "configure", Scope: ScopeAll},
		{ID: "19", Name: "Audit Logs", Resource: "audit", Action: "read", Scope: ScopeAll},
		{ID: "20", Name: "LDAP Management", Resource: "ldap", Action: "manage", Scope: ScopeAll},
	},
	RoleAdmin: {
		{ID: "21", Name: "Full System Access", Resource: Wildcard, Action: Wildcard, Scope: ScopeAll},
		{ID: "22", Name: "User Management", Resource: "users", Action: "manage", Scope: ScopeAll},
		{ID: "23", Name: "Security Settings", Resource: "security", Action: "configure", Scope: ScopeAll},
	},
	RoleLDAPUser: {
		{ID: "24", Name: "View Own Profile", Resource: "profile", Action: "read", Scope: ScopeSelf},
		{ID: "25", Name: "View Public Events", Resource: "events", Action: "read", Scope: ScopeAll},
		{ID: "26", Name: "Register for Public Events", Resource: "events", Action: "create", Scope: ScopeSelf},
	},
}

// ConditionSets are reusable condition groups that can be attached to grants
var ConditionSets = map[string][]Condition{
	"department_manager": {
		{Field: "role", Operator: OpEq, Value: "manager"},
		{Field: "department", Operator: OpEq, Value: "{{user.department}}"},
	},
	"senior_employee": {
		{Field: "seniority", Operator: OpIn, Value: []string{"senior", "lead"}},
	},
	"hr_department": {
		{Field: "department", Operator: OpEq, Value: "Human Resources"},
	},
	"same_department": {
		{Field: "department", Operator: OpEq, Value: "{{user.department}}"},
	},
}

// ConditionSet returns a copy of a named condition group
func ConditionSet(name string) ([]Condition, bool) {
	conds, ok := ConditionSets[name]
	if !ok {
		return nil, false
	}
	out := make([]Condition, len(conds))
	copy(out, conds)
	return out, true
}

// Catalog maps each role to its cumulative, ordered permission list
type Catalog struct {
	perms     map[Role][]Permission
	index     map[Role]map[PermissionKey][]int
	wildcards map[Role][]int
}

// NewCatalog builds a catalog from per-role additions. Chained roles receive
// the full list of the role below them followed by their own additions;
// roles outside the chain get only their own list.
func NewCatalog(additions map[Role][]Permission) *Catalog {
	c := &Catalog{
		perms:     make(map[Role][]Permission, len(AllRoles)),
		index:     make(map[Role]map[PermissionKey][]int, len(AllRoles)),
		wildcards: make(map[Role][]int, len(AllRoles)),
	}

	var inherited []Permission
	for _, role := range RoleChain {
		list := make([]Permission, 0, len(inherited)+len(additions[role]))
		list = append(list, inherited...)
		list = append(list, additions[role]...)
		c.perms[role] = list
		inherited = list
	}
	for _, role := range AllRoles {
		if _, chained := RoleLevel[role]; chained {
			continue
		}
		c.perms[role] = append([]Permission(nil), additions[role]...)
	}

	for role, list := range c.perms {
		idx := make(map[PermissionKey][]int)
		for i, p := range list {
			if p.Resource == Wildcard || p.Action == Wildcard {
				c.wildcards[role] = append(c.wildcards[role], i)
				continue
			}
			idx[p.Key()] = append(idx[p.Key()], i)
		}
		c.index[role] = idx
	}
	return c
}

var defaultCatalog = NewCatalog(basePermissions)

// DefaultCatalog returns the built-in HR portal catalog
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// RolePermissions returns the complete ordered permission list of a role
func (c *Catalog) RolePermissions(role Role) []Permission {
	return clonePermissions(c.perms[role])
}

// Lookup returns the role's grants covering key, in definition order.
// Wildcard grants are included.
func (c *Catalog) Lookup(role Role, key PermissionKey) []Permission {
	positions := append([]int(nil), c.index[role][key]...)
	positions = append(positions, c.wildcards[role]...)
	if len(positions) == 0 {
		return nil
	}
	sort.Ints(positions)

	list := c.perms[role]
	out := make([]Permission, 0, len(positions))
	for _, i := range positions {
		out = append(out, list[i].Clone())
	}
	return out
}

// Keys returns every concrete (resource, action) pair granted by any role, sorted
func (c *Catalog) Keys() []PermissionKey {
	seen := make(map[PermissionKey]struct{})
	var keys []PermissionKey
	for _, idx := range c.index {
		for k := range idx {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Resource != keys[j].Resource {
			return keys[i].Resource < keys[j].Resource
		}
		return keys[i].Action < keys[j].Action
	})
	return keys
}

// RolePermissions returns the complete ordered permission list of a role from the default catalog
func RolePermissions(role Role) []Permission {
	return defaultCatalog.RolePermissions(role)
}

func clonePermissions(perms []Permission) []Permission {
	if perms == nil {
		return nil
	}
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = p.Clone()
	}
	return out
}
