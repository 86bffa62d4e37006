package fhirpath

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode"
)

type evaluator struct {
	ctx      context.Context
	resource map[string]interface{}
	now      time.Time
	steps    int
	maxSteps int
}

// errStepLimit is returned when an evaluation exceeds its node budget.
var errStepLimit = fmt.Errorf("evaluation step limit exceeded")

func (ev *evaluator) eval(n *node, input []interface{}) ([]interface{}, error) {
	ev.steps++
	if ev.maxSteps > 0 && ev.steps > ev.maxSteps {
		return nil, errStepLimit
	}
	if ev.steps%64 == 0 {
		if err := ev.ctx.Err(); err != nil {
			return nil, err
		}
	}

	switch n.kind {
	case ndLiteral:
		return []interface{}{n.value}, nil
	case ndPath:
		return ev.evalPath(n.value.(string), input), nil
	case ndDot:
		left, err := ev.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		return ev.eval(n.children[1], left)
	case ndIndex:
		coll, err := ev.eval(n.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := n.value.(int)
		if idx < 0 || idx >= len(coll) {
			return nil, nil
		}
		return []interface{}{coll[idx]}, nil
	case ndFunction:
		return ev.evalFunction(n, input)
	case ndCompare:
		return ev.evalCompare(n, input)
	case ndAnd, ndOr, ndXor, ndImplies:
		return ev.evalLogical(n, input)
	case ndUnion:
		return ev.evalUnion(n, input)
	}
	return nil, fmt.Errorf("unknown node kind %d", n.kind)
}

// evalPath resolves an identifier. A capitalized name matching the root
// resourceType selects the root; any other capitalized name selects nothing.
func (ev *evaluator) evalPath(name string, input []interface{}) []interface{} {
	if unicode.IsUpper(rune(name[0])) {
		if rt, _ := ev.resource["resourceType"].(string); rt == name {
			return []interface{}{ev.resource}
		}
		return nil
	}
	var out []interface{}
	for _, item := range input {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		val, ok := m[name]
		if !ok {
			continue
		}
		if arr, isArr := val.([]interface{}); isArr {
			out = append(out, arr...)
		} else {
			out = append(out, val)
		}
	}
	return out
}

func (ev *evaluator) evalCompare(n *node, input []interface{}) ([]interface{}, error) {
	left, err := ev.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	ok, err := compareValues(left[0], right[0], n.value.(string))
	if err != nil {
		return nil, err
	}
	return []interface{}{ok}, nil
}

func (ev *evaluator) evalLogical(n *node, input []interface{}) ([]interface{}, error) {
	leftColl, err := ev.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	left := toBool(leftColl)

	switch n.kind {
	case ndAnd:
		if !left {
			return []interface{}{false}, nil
		}
	case ndOr:
		if left {
			return []interface{}{true}, nil
		}
	case ndImplies:
		if !left {
			return []interface{}{true}, nil
		}
	}

	rightColl, err := ev.eval(n.children[1], input)
	if err != nil {
		return nil, err
	}
	right := toBool(rightColl)
	if n.kind == ndXor {
		return []interface{}{left != right}, nil
	}
	return []interface{}{right}, nil
}

func (ev *evaluator) evalUnion(n *node, input []interface{}) ([]interface{}, error) {
	left, err := ev.eval(n.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.children[1], input)
	if err != nil {
		return nil, err
	}
	return distinct(append(left, right...)), nil
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	if ln, ok := toNumber(lv); ok {
		if rn, ok := toNumber(rv); ok {
			return compareOrdered(ln, rn, op), nil
		}
	}

	if lb, ok := lv.(bool); ok {
		if rb, ok := rv.(bool); ok {
			switch op {
			case "=":
				return lb == rb, nil
			case "!=":
				return lb != rb, nil
			}
			return false, fmt.Errorf("operator %s is not defined for booleans", op)
		}
	}

	lt, lok := toTime(lv)
	rt, rok := toTime(rv)
	if lok && rok {
		return compareOrdered(float64(lt.Compare(rt)), 0, op), nil
	}

	return compareOrdered(fmt.Sprintf("%v", lv), fmt.Sprintf("%v", rv), op), nil
}

func compareOrdered[T float64 | string](l, r T, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// toTime accepts time literals and strings that parse as FHIR dates, so
// that birthDate < @2000-01-01 compares chronologically.
func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) >= 4 && t[0] >= '0' && t[0] <= '9' {
			if parsed, err := parseDateTime(t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// toBool applies the singleton-evaluation rules: empty is false, a single
// boolean is itself, any other non-empty collection is true.
func toBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		}
	}
	return true
}

func distinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool, len(coll))
	var out []interface{}
	for _, v := range coll {
		key := fmt.Sprintf("%T:%v", v, v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case int64:
		return strconv.FormatInt(s, 10), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	}
	return "", false
}
