package authz

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EvalContext is the four-section context conditions read from, shaped
// {subject, resource, environment, context}.
type EvalContext struct {
	Subject     map[string]any
	Resource    map[string]any
	Environment map[string]any
	Context     map[string]any
}

func (c EvalContext) section(source ConditionSource) map[string]any {
	switch source {
	case SourceSubject:
		return c.Subject
	case SourceResource:
		return c.Resource
	case SourceEnvironment:
		return c.Environment
	case SourceContext:
		return c.Context
	}
	return nil
}

// resolvePath walks a dot-delimited path through nested maps.
func resolvePath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = m
	for _, part := range parts {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// EvaluateCondition evaluates one condition against the context.
func EvaluateCondition(cond Condition, ctx EvalContext) bool {
	section := ctx.section(cond.Source)
	value, found := resolvePath(section, cond.Field)

	if cond.Operator == OpExists {
		return found
	}
	if !found {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(value, cond.Value)
	case OpNotEquals:
		return !looseEqual(value, cond.Value)
	case OpContains:
		switch v := value.(type) {
		case string:
			return strings.Contains(v, toString(cond.Value))
		case []any:
			for _, item := range v {
				if looseEqual(item, cond.Value) {
					return true
				}
			}
		case []string:
			for _, item := range v {
				if item == toString(cond.Value) {
					return true
				}
			}
		}
		return false
	case OpIn:
		switch want := cond.Value.(type) {
		case []any:
			for _, item := range want {
				if looseEqual(value, item) {
					return true
				}
			}
		case []string:
			for _, item := range want {
				if toString(value) == item {
					return true
				}
			}
		}
		return false
	case OpGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	case OpBetween:
		a, aok := toFloat(value)
		if !aok {
			return false
		}
		bounds, ok := cond.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, lok := toFloat(bounds[0])
		hi, hok := toFloat(bounds[1])
		return lok && hok && a >= lo && a <= hi
	case OpMatches:
		re, err := regexp.Compile(toString(cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(toString(value))
	}
	return false
}

// EvaluateConditions combines conditions with AND. An empty list matches.
func EvaluateConditions(conds []Condition, ctx EvalContext) bool {
	for _, cond := range conds {
		if !EvaluateCondition(cond, ctx) {
			return false
		}
	}
	return true
}

// looseEqual compares values across the string/number/bool union the claim
// bags carry.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
