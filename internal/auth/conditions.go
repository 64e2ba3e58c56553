package auth

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`^\{\{\s*(user|target)\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// ConditionContext carries the subjects a condition can refer to
type ConditionContext struct {
	User   *User
	Target *User
}

// EvaluateConditions reports whether every condition holds. An empty list holds.
func EvaluateConditions(conds []Condition, cctx ConditionContext) bool {
	for _, c := range conds {
		if !evaluateCondition(c, cctx) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, cctx ConditionContext) bool {
	left, ok := cctx.resolveField(c.Field)
	if !ok {
		return false
	}
	right, ok := cctx.resolveValue(c.Value)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(left, right)
	case OpNe:
		return !valuesEqual(left, right)
	case OpIn:
		list, ok := asList(right)
		return ok && listContains(list, left)
	case OpNotIn:
		list, ok := asList(right)
		return ok && !listContains(list, left)
	case OpGt, OpLt:
		a, okA := asNumber(left)
		b, okB := asNumber(right)
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGt {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

// resolveField maps "department", "user.department" or "target.department" to a value
func (cctx ConditionContext) resolveField(field string) (interface{}, bool) {
	subject := cctx.User
	name := field
	switch {
	case strings.HasPrefix(field, "target."):
		subject = cctx.Target
		name = strings.TrimPrefix(field, "target.")
	case strings.HasPrefix(field, "user."):
		name = strings.TrimPrefix(field, "user.")
	}
	if name == "" {
		return nil, false
	}
	return subject.Attribute(name)
}

// resolveValue interpolates "{{user.x}}" and "{{target.x}}" templates, including inside lists
func (cctx ConditionContext) resolveValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		m := templatePattern.FindStringSubmatch(val)
		if m == nil {
			if strings.Contains(val, "{{") {
				return nil, false
			}
			return val, true
		}
		return cctx.resolveField(m[1] + "." + m[2])
	case []string:
		out := make([]interface{}, 0, len(val))
		for _, s := range val {
			r, ok := cctx.resolveValue(s)
			if !ok {
				return nil, false
			}
			out = append(out, r)
		}
		return out, true
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			r, ok := cctx.resolveValue(item)
			if !ok {
				return nil, false
			}
			out = append(out, r)
		}
		return out, true
	default:
		return val, true
	}
}

// valuesEqual compares strings exactly. Only non-string operands are compared
// as numbers, so "7" and "007" differ.
func valuesEqual(a, b interface{}) bool {
	_, aText := a.(string)
	_, bText := b.(string)
	if !aText && !bText {
		if na, ok := asNumber(a); ok {
			if nb, ok := asNumber(b); ok {
				return na == nb
			}
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func asList(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case []interface{}:
		return val, true
	case []float64:
		out := make([]interface{}, len(val))
		for i, f := range val {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]interface{}, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func listContains(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
