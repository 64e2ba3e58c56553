package auth

// Denial and grant reasons shown to end users
const (
	ReasonGranted         = "Permission accordée"
	ReasonInsufficient    = "Permissions insuffisantes"
	ReasonUnauthenticated = "Utilisateur non authentifié"
)

// DecisionSource tells which layer produced a decision
type DecisionSource string

const (
	SourceExplicit DecisionSource = "explicit"
	SourceRole     DecisionSource = "role"
	SourceNone     DecisionSource = "none"
	// SourcePolicy marks an allow overturned by the site policy overlay
	SourcePolicy DecisionSource = "policy"
)

// Request is a single permission query
type Request struct {
	Resource string
	Action   string
	Scope    Scope
	Target   *User
}

// Decision is the outcome of evaluating a Request
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Source     DecisionSource `json:"source"`
	Permission *Permission    `json:"permission,omitempty"`
	Reason     string         `json:"reason"`
}

// Evaluator answers permission queries against a catalog
type Evaluator struct {
	catalog *Catalog
}

// NewEvaluator creates an evaluator. A nil catalog selects the default one.
func NewEvaluator(catalog *Catalog) *Evaluator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Evaluator{catalog: catalog}
}

var defaultEvaluator = NewEvaluator(nil)

// DefaultEvaluator returns the evaluator bound to the default catalog
func DefaultEvaluator() *Evaluator {
	return defaultEvaluator
}

// Catalog returns the catalog the evaluator reads from
func (e *Evaluator) Catalog() *Catalog {
	return e.catalog
}

// Evaluate decides a request. Explicit user grants are consulted first; if any
// of them covers (resource, action) their verdict is final. Only when none does
// are the role grants consulted.
func (e *Evaluator) Evaluate(user *User, req Request) Decision {
	if user == nil {
		return Decision{Source: SourceNone, Reason: ReasonUnauthenticated}
	}

	key := PermissionKey{Resource: req.Resource, Action: req.Action}
	cctx := ConditionContext{User: user, Target: req.Target}

	d, found := decideLayer(SourceExplicit, matchingGrants(user.Permissions, key), req.Scope, cctx)
	if !found {
		d, found = decideLayer(SourceRole, e.catalog.Lookup(user.Role, key), req.Scope, cctx)
	}
	if !found {
		return Decision{Source: SourceNone, Reason: ReasonInsufficient}
	}
	return d
}

// EvaluateTarget is Evaluate for a request that names a target user. Within the
// deciding layer a grant only counts when the target lies inside the grant's
// own scope, and inside req.Scope when one is requested. A target outside every
// grant is denied with SourceNone.
func (e *Evaluator) EvaluateTarget(user *User, req Request) Decision {
	d := e.Evaluate(user, req)
	if !d.Allowed || req.Target == nil {
		return d
	}
	denied := Decision{Source: SourceNone, Reason: ReasonInsufficient}
	if req.Scope != ScopeAny && !CheckTarget(user, req.Target, req.Scope) {
		return denied
	}

	key := PermissionKey{Resource: req.Resource, Action: req.Action}
	grants := e.catalog.Lookup(user.Role, key)
	if d.Source == SourceExplicit {
		grants = matchingGrants(user.Permissions, key)
	}
	cctx := ConditionContext{User: user, Target: req.Target}
	for i := range grants {
		g := grants[i]
		if g.AllowsScope(req.Scope) && CheckTarget(user, req.Target, g.Scope) && EvaluateConditions(g.Conditions, cctx) {
			return Decision{Allowed: true, Source: d.Source, Permission: &g, Reason: ReasonGranted}
		}
	}
	return denied
}

// HasPermission reports whether user may perform action on resource at scope.
// ScopeAny accepts a grant of any scope.
func (e *Evaluator) HasPermission(user *User, resource, action string, scope Scope) bool {
	return e.Evaluate(user, Request{Resource: resource, Action: action, Scope: scope}).Allowed
}

// HasPermissionFor is HasPermission against a target user, which must fall
// within the granting scope and is available to conditions
func (e *Evaluator) HasPermissionFor(user, target *User, resource, action string, scope Scope) bool {
	return e.EvaluateTarget(user, Request{Resource: resource, Action: action, Scope: scope, Target: target}).Allowed
}

// EffectivePermissions returns the user's explicit grants followed by role grants,
// skipping role grants already present with the same key and scope.
func (e *Evaluator) EffectivePermissions(user *User) []Permission {
	if user == nil {
		return nil
	}
	type grantKey struct {
		key   PermissionKey
		scope Scope
	}
	seen := make(map[grantKey]struct{})
	out := make([]Permission, 0, len(user.Permissions))
	for _, p := range user.Permissions {
		seen[grantKey{p.Key(), p.Scope}] = struct{}{}
		out = append(out, p.Clone())
	}
	for _, p := range e.catalog.RolePermissions(user.Role) {
		gk := grantKey{p.Key(), p.Scope}
		if _, dup := seen[gk]; dup {
			continue
		}
		seen[gk] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Matrix returns role -> "resource.action" -> allowed for every concrete key in the catalog
func (e *Evaluator) Matrix() map[Role]map[string]bool {
	keys := e.catalog.Keys()
	matrix := make(map[Role]map[string]bool, len(AllRoles))
	for _, role := range AllRoles {
		row := make(map[string]bool, len(keys))
		u := &User{Role: role}
		for _, k := range keys {
			row[k.String()] = e.HasPermission(u, k.Resource, k.Action, ScopeAny)
		}
		matrix[role] = row
	}
	return matrix
}

// HasPermission evaluates against the default catalog
func HasPermission(user *User, resource, action string, scope Scope) bool {
	return defaultEvaluator.HasPermission(user, resource, action, scope)
}

// CheckTarget verifies that target lies within scope as seen from user:
// self needs the same user, team and department need the same department.
func CheckTarget(user, target *User, scope Scope) bool {
	if user == nil || target == nil {
		return false
	}
	switch scope {
	case ScopeAll, ScopeAny:
		return true
	case ScopeSelf:
		return user.ID != "" && user.ID == target.ID
	case ScopeTeam, ScopeDepartment:
		return user.Department != "" && user.Department == target.Department
	default:
		return false
	}
}

func matchingGrants(perms []Permission, key PermissionKey) []Permission {
	var out []Permission
	for _, p := range perms {
		if p.Matches(key) {
			out = append(out, p)
		}
	}
	return out
}

// decideLayer returns found=false when the layer has no grant for the key.
// Otherwise the layer allows iff one of its grants fits scope and conditions.
func decideLayer(source DecisionSource, grants []Permission, scope Scope, cctx ConditionContext) (Decision, bool) {
	if len(grants) == 0 {
		return Decision{}, false
	}
	for i := range grants {
		g := grants[i]
		if g.AllowsScope(scope) && EvaluateConditions(g.Conditions, cctx) {
			return Decision{Allowed: true, Source: source, Permission: &g, Reason: ReasonGranted}, true
		}
	}
	first := grants[0]
	return Decision{Source: source, Permission: &first, Reason: ReasonInsufficient}, true
}
