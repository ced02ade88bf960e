package executor

import (
	"fmt"
	"reflect"
)

// evalCondition evaluates the small boolean DSL an `if` step's
// `input.condition` carries (spec §4.2: "equality, existence, logical
// AND/OR/NOT"). cond is the raw, already-substituted map parsed from
// YAML/JSON; recognized keys are "eq", "exists", "and", "or", "not".
//
// Shapes:
//
//	{eq: [a, b]}            -- deep-equal after substitution
//	{exists: "ctx.foo.bar"} -- path resolves to a non-nil value
//	{and: [cond, cond, ...]}
//	{or:  [cond, cond, ...]}
//	{not: cond}
func evalCondition(cond map[string]any, state map[string]any) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("condition is empty")
	}
	if raw, ok := cond["eq"]; ok {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return false, fmt.Errorf("eq requires a 2-element list")
		}
		return reflect.DeepEqual(pair[0], pair[1]), nil
	}
	if raw, ok := cond["exists"]; ok {
		path, ok := raw.(string)
		if !ok {
			return false, fmt.Errorf("exists requires a string path")
		}
		return resolvePath(path, state) != nil, nil
	}
	if raw, ok := cond["and"]; ok {
		clauses, ok := raw.([]any)
		if !ok {
			return false, fmt.Errorf("and requires a list of conditions")
		}
		for _, c := range clauses {
			cm, ok := c.(map[string]any)
			if !ok {
				return false, fmt.Errorf("and clause must be a condition object")
			}
			ok2, err := evalCondition(cm, state)
			if err != nil {
				return false, err
			}
			if !ok2 {
				return false, nil
			}
		}
		return true, nil
	}
	if raw, ok := cond["or"]; ok {
		clauses, ok := raw.([]any)
		if !ok {
			return false, fmt.Errorf("or requires a list of conditions")
		}
		for _, c := range clauses {
			cm, ok := c.(map[string]any)
			if !ok {
				return false, fmt.Errorf("or clause must be a condition object")
			}
			ok2, err := evalCondition(cm, state)
			if err != nil {
				return false, err
			}
			if ok2 {
				return true, nil
			}
		}
		return false, nil
	}
	if raw, ok := cond["not"]; ok {
		cm, ok := raw.(map[string]any)
		if !ok {
			return false, fmt.Errorf("not requires a condition object")
		}
		inner, err := evalCondition(cm, state)
		if err != nil {
			return false, err
		}
		return !inner, nil
	}
	return false, fmt.Errorf("condition has no recognized operator")
}
