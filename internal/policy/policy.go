// Package policy applies an optional site Rego module on top of the permission
// evaluator. Rules can only deny; they never grant access the catalog refuses.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/hrportal/hrportal/internal/auth"
)

// DenyQuery is the set of messages a site module produces
const DenyQuery = "data.hrportal.authz.deny"

// Engine evaluates the prepared deny query
type Engine struct {
	query  rego.PreparedEvalQuery
	name   string
	logger *zap.Logger
}

// LoadFile compiles the Rego module at path
func LoadFile(ctx context.Context, path string, logger *zap.Logger) (*Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return New(ctx, filepath.Base(path), string(src), logger)
}

// New compiles a Rego module from source
func New(ctx context.Context, name, src string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	query, err := rego.New(
		rego.Query(DenyQuery),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	logger.Info("Site policy loaded", zap.String("module", name))
	return &Engine{query: query, name: name, logger: logger}, nil
}

// Review implements auth.PolicyGuard. Denials pass through untouched.
func (e *Engine) Review(ctx context.Context, user *auth.User, req auth.Request, d auth.Decision) (auth.Decision, error) {
	if !d.Allowed {
		return d, nil
	}

	msgs, err := e.Deny(ctx, BuildInput(user, req, d))
	if err != nil {
		return d, err
	}
	if len(msgs) == 0 {
		return d, nil
	}

	e.logger.Info("Site policy denied an allowed request",
		zap.String("user_id", user.ID),
		zap.String("resource", req.Resource),
		zap.String("action", req.Action),
		zap.Strings("reasons", msgs),
	)
	return auth.Decision{
		Allowed:    false,
		Source:     auth.SourcePolicy,
		Permission: d.Permission,
		Reason:     msgs[0],
	}, nil
}

// Deny evaluates the deny set for input and returns its messages sorted
func (e *Engine) Deny(ctx context.Context, input map[string]interface{}) ([]string, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	msgs := []string{}
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				if s, ok := v.(string); ok {
					msgs = append(msgs, s)
				} else {
					msgs = append(msgs, fmt.Sprint(v))
				}
			}
		}
	}
	sort.Strings(msgs)
	return msgs, nil
}

// BuildInput shapes the document rules see as input
func BuildInput(user *auth.User, req auth.Request, d auth.Decision) map[string]interface{} {
	request := map[string]interface{}{
		"resource": req.Resource,
		"action":   req.Action,
		"scope":    string(req.Scope),
	}
	if req.Target != nil {
		request["target"] = userDoc(req.Target)
	}

	decision := map[string]interface{}{
		"allowed": d.Allowed,
		"source":  string(d.Source),
	}
	if d.Permission != nil {
		decision["permission"] = d.Permission.String()
	}

	return map[string]interface{}{
		"user":     userDoc(user),
		"request":  request,
		"decision": decision,
	}
}

func userDoc(u *auth.User) map[string]interface{} {
	if u == nil {
		return nil
	}
	doc := map[string]interface{}{
		"id":          u.ID,
		"email":       u.Email,
		"role":        string(u.Role),
		"department":  u.Department,
		"seniority":   u.Seniority,
		"loginMethod": string(u.LoginMethod),
		"active":      u.IsActive,
	}
	if len(u.Attributes) > 0 {
		doc["attributes"] = u.Attributes
	}
	return doc
}
