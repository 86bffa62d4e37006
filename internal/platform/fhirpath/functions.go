package fhirpath

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type functionSpec struct {
	minArgs, maxArgs int
	standalone       bool // takes no receiver
	either           bool // may be called with or without a receiver
}

var functionTable = map[string]functionSpec{
	"where":      {minArgs: 1, maxArgs: 1},
	"exists":     {minArgs: 0, maxArgs: 1},
	"all":        {minArgs: 1, maxArgs: 1},
	"empty":      {},
	"count":      {},
	"first":      {},
	"last":       {},
	"not":        {},
	"hasValue":   {},
	"distinct":   {},
	"select":     {minArgs: 1, maxArgs: 1},
	"startsWith": {minArgs: 1, maxArgs: 1},
	"endsWith":   {minArgs: 1, maxArgs: 1},
	"contains":   {minArgs: 1, maxArgs: 1},
	"matches":    {minArgs: 1, maxArgs: 1},
	"length":     {},
	"upper":      {},
	"lower":      {},
	"ofType":     {minArgs: 1, maxArgs: 1},
	"toDate":     {},
	"now":        {standalone: true},
	"today":      {standalone: true},
	"iif":        {minArgs: 2, maxArgs: 3, standalone: true, either: true},
}

const maxRegexLen = 256

func (ev *evaluator) evalFunction(n *node, input []interface{}) ([]interface{}, error) {
	name := n.value.(string)
	args := n.children

	switch name {
	case "now":
		return []interface{}{ev.now}, nil
	case "today":
		y, m, d := ev.now.Date()
		return []interface{}{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		cond, err := ev.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if toBool(cond) {
			return ev.eval(args[1], input)
		}
		if len(args) == 3 {
			return ev.eval(args[2], input)
		}
		return nil, nil
	}

	coll := input
	if n.receiver != nil {
		var err error
		if coll, err = ev.eval(n.receiver, input); err != nil {
			return nil, err
		}
	}

	switch name {
	case "where", "select", "exists", "all":
		return ev.iterate(name, coll, args)
	case "empty":
		return []interface{}{len(coll) == 0}, nil
	case "count":
		return []interface{}{int64(len(coll))}, nil
	case "first":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[:1], nil
	case "last":
		if len(coll) == 0 {
			return nil, nil
		}
		return coll[len(coll)-1:], nil
	case "not":
		if len(coll) == 0 {
			return nil, nil
		}
		return []interface{}{!toBool(coll)}, nil
	case "hasValue":
		return []interface{}{len(coll) == 1 && coll[0] != nil}, nil
	case "distinct":
		return distinct(coll), nil
	case "startsWith", "endsWith", "contains", "matches":
		return ev.stringPredicate(name, coll, args, input)
	case "length":
		if s, ok := singleString(coll); ok {
			return []interface{}{int64(len(s))}, nil
		}
		return nil, nil
	case "upper", "lower":
		s, ok := singleString(coll)
		if !ok {
			return nil, nil
		}
		if name == "upper" {
			return []interface{}{strings.ToUpper(s)}, nil
		}
		return []interface{}{strings.ToLower(s)}, nil
	case "ofType":
		typeName, _ := args[0].value.(string)
		var out []interface{}
		for _, item := range coll {
			if matchesType(item, typeName) {
				out = append(out, item)
			}
		}
		return out, nil
	case "toDate":
		if len(coll) == 0 {
			return nil, nil
		}
		if t, ok := toTime(coll[0]); ok {
			return []interface{}{t}, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func (ev *evaluator) iterate(name string, coll []interface{}, args []*node) ([]interface{}, error) {
	if name == "exists" && len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	var out []interface{}
	for _, item := range coll {
		val, err := ev.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		matched := toBool(val)
		switch name {
		case "where":
			if matched {
				out = append(out, item)
			}
		case "select":
			out = append(out, val...)
		case "exists":
			if matched {
				return []interface{}{true}, nil
			}
		case "all":
			if !matched {
				return []interface{}{false}, nil
			}
		}
	}
	switch name {
	case "exists":
		return []interface{}{false}, nil
	case "all":
		return []interface{}{true}, nil
	}
	return out, nil
}

func (ev *evaluator) stringPredicate(name string, coll []interface{}, args []*node, input []interface{}) ([]interface{}, error) {
	s, ok := singleString(coll)
	if !ok {
		return nil, nil
	}
	argColl, err := ev.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	arg, ok := singleString(argColl)
	if !ok {
		return nil, nil
	}

	switch name {
	case "startsWith":
		return []interface{}{strings.HasPrefix(s, arg)}, nil
	case "endsWith":
		return []interface{}{strings.HasSuffix(s, arg)}, nil
	case "contains":
		return []interface{}{strings.Contains(s, arg)}, nil
	}

	if len(arg) > maxRegexLen {
		return nil, fmt.Errorf("regex longer than %d characters", maxRegexLen)
	}
	re, err := regexp.Compile(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", arg, err)
	}
	return []interface{}{re.MatchString(s)}, nil
}

func singleString(coll []interface{}) (string, bool) {
	if len(coll) != 1 {
		return "", false
	}
	return asString(coll[0])
}

func matchesType(v interface{}, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		_, ok := v.(int64)
		return ok
	case "decimal":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "datetime", "date":
		_, ok := v.(time.Time)
		return ok
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	rt, _ := m["resourceType"].(string)
	return rt == typeName
}
