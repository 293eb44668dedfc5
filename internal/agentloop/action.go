package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The reasoning call answers with a single JSON action. Anything else
// counts as a malformed response.
const (
	actionInvoke = "invoke_capability"
	actionDone   = "declare_done"
)

var errMalformed = errors.New("malformed response")

type action struct {
	Action     string         `json:"action"`
	Capability string         `json:"capability,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
}

// actionProtocol is appended to every actor's system prompt so the
// provider knows the response contract.
const actionProtocol = `Respond with exactly one JSON object, no surrounding prose:
  {"action": "invoke_capability", "capability": "<id>", "params": {...}}
or
  {"action": "declare_done", "output": {...}}`

// parseAction extracts the action object from a response, tolerating
// markdown fences and prose around the JSON.
func parseAction(content string) (action, error) {
	var act action

	raw := extractJSON(content)
	if raw == "" {
		return act, fmt.Errorf("%w: no JSON object found", errMalformed)
	}
	if err := json.Unmarshal([]byte(raw), &act); err != nil {
		return act, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch act.Action {
	case actionInvoke:
		if act.Capability == "" {
			return act, fmt.Errorf("%w: invoke_capability without capability id", errMalformed)
		}
	case actionDone:
		if act.Output == nil {
			return act, fmt.Errorf("%w: declare_done without output", errMalformed)
		}
	default:
		return act, fmt.Errorf("%w: unknown action %q", errMalformed, act.Action)
	}
	return act, nil
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	} else if idx := strings.Index(content, "```"); idx >= 0 {
		content = content[idx+3:]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
