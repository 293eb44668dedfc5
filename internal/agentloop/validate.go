package agentloop

import "fmt"

// validateOutput checks a declared-done output against the actor's
// schema. Returns the list of problems; empty means valid.
func validateOutput(schema map[string]string, required []string, output map[string]any) []string {
	var problems []string

	for _, field := range required {
		if _, ok := output[field]; !ok {
			problems = append(problems, fmt.Sprintf("missing required field %q", field))
		}
	}

	for field, want := range schema {
		value, ok := output[field]
		if !ok {
			continue
		}
		if !typeMatches(want, value) {
			problems = append(problems, fmt.Sprintf("field %q: expected %s, got %T", field, want, value))
		}
	}
	return problems
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "any", "":
		return true
	default:
		return true
	}
}
