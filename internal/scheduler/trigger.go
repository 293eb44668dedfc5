package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// A trigger condition is a single comparison over the session state,
// e.g. "score > 0.8" or "claim.amount >= 10000". Dotted paths descend
// into nested output maps. Conditions are parsed once per workflow; a
// condition that fails to parse always triggers, erring toward human
// review, and the parse failure is surfaced as a workflow warning.

type comparator string

const (
	cmpGT comparator = ">"
	cmpGE comparator = ">="
	cmpLT comparator = "<"
	cmpLE comparator = "<="
	cmpEQ comparator = "=="
	cmpNE comparator = "!="
)

// condition is a parsed trigger expression.
type condition struct {
	path []string
	op   comparator

	numeric  float64
	literal  string
	isNumber bool
}

// alwaysTrigger stands in for an unparsable or empty condition.
var alwaysTrigger = &condition{}

func (c *condition) always() bool { return len(c.path) == 0 }

// parseCondition parses "field op value". Returns an error the caller
// converts into always-trigger behavior.
func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return alwaysTrigger, nil
	}

	// Longest operators first so ">=" is not read as ">".
	var op comparator
	var opIdx int
	for _, candidate := range []comparator{cmpGE, cmpLE, cmpEQ, cmpNE, cmpGT, cmpLT} {
		if idx := strings.Index(expr, string(candidate)); idx > 0 {
			op = candidate
			opIdx = idx
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("no comparison operator in %q", expr)
	}

	field := strings.TrimSpace(expr[:opIdx])
	value := strings.TrimSpace(expr[opIdx+len(op):])
	if field == "" || value == "" {
		return nil, fmt.Errorf("incomplete condition %q", expr)
	}

	cond := &condition{path: strings.Split(field, "."), op: op}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		cond.numeric = n
		cond.isNumber = true
	} else {
		cond.literal = strings.Trim(value, `"'`)
	}
	return cond, nil
}

// evaluate applies the condition against the given state. A missing
// field or a type mismatch evaluates false, not an error.
func (c *condition) evaluate(state map[string]any) bool {
	if c.always() {
		return true
	}

	value, ok := lookupPath(state, c.path)
	if !ok {
		return false
	}

	if c.isNumber {
		n, ok := asNumber(value)
		if !ok {
			return false
		}
		switch c.op {
		case cmpGT:
			return n > c.numeric
		case cmpGE:
			return n >= c.numeric
		case cmpLT:
			return n < c.numeric
		case cmpLE:
			return n <= c.numeric
		case cmpEQ:
			return n == c.numeric
		case cmpNE:
			return n != c.numeric
		}
		return false
	}

	s, ok := value.(string)
	if !ok {
		s = fmt.Sprintf("%v", value)
	}
	switch c.op {
	case cmpEQ:
		return s == c.literal
	case cmpNE:
		return s != c.literal
	default:
		// Ordered comparison of non-numeric values is undefined.
		return false
	}
}

func lookupPath(state map[string]any, path []string) (any, bool) {
	var current any = state
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
