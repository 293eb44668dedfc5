// Package policy implements the pure rule evaluator gating every
// actor-to-actor and actor-to-capability interaction. Rule sets are
// immutable for a session's lifetime (loaded once), so evaluation
// needs no locking. Denials are returned as typed Violation values,
// never as panics; callers decide whether a violation is fatal.
package policy

import (
	"fmt"
	"time"
)

// Wildcard matches any actor or target in a rule pattern.
const Wildcard = "*"

// ViolationKind classifies a policy denial.
type ViolationKind string

const (
	ViolationInvocation ViolationKind = "invocation_denied"
	ViolationCapability ViolationKind = "capability_denied"
	ViolationDuplicate  ViolationKind = "duplicate_limit"
)

// Violation is a typed policy denial. It is a value, not an error:
// most violations are recovered by logging and moving on.
type Violation struct {
	Kind   ViolationKind
	Actor  string
	Target string
	Reason string
}

// String renders the violation for logs.
func (v *Violation) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", v.Kind, v.Actor, v.Target, v.Reason)
}

// Effect is the outcome an invocation rule declares.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// InvocationRule allows or denies one actor invoking another.
// Patterns are exact ids or the "*" wildcard.
type InvocationRule struct {
	Actor  string `yaml:"actor"`
	Target string `yaml:"target"`
	Effect Effect `yaml:"effect"`
}

// HandoffMode controls how much context crosses an actor handoff.
type HandoffMode string

const (
	// HandoffFull passes context through unfiltered.
	HandoffFull HandoffMode = "full"
	// HandoffScoped keeps only an explicit allow-list of fields.
	HandoffScoped HandoffMode = "scoped"
	// HandoffMinimal keeps only trigger identifiers.
	HandoffMinimal HandoffMode = "minimal"
)

// HandoffRule scopes the context passed from one actor to the next.
type HandoffRule struct {
	From        string      `yaml:"from"`
	To          string      `yaml:"to"`
	Mode        HandoffMode `yaml:"mode"`
	AllowFields []string    `yaml:"allow_fields,omitempty"`

	// TranslateFields, when set with mode "scoped", renames fields on
	// the way through (source field -> target field).
	TranslateFields map[string]string `yaml:"translate_fields,omitempty"`
}

// Limits are the numeric ceilings the engine enforces per actor.
type Limits struct {
	MaxIterations           int           `yaml:"max_iterations,omitempty"`
	MaxDuplicateInvocations int           `yaml:"max_duplicate_invocations,omitempty"`
	TokenBudget             int           `yaml:"token_budget,omitempty"`
	IterationTimeout        time.Duration `yaml:"-"`
	MaxMemoryResults        int           `yaml:"max_memory_results,omitempty"`
	MaxArtifactPreload      int           `yaml:"max_artifact_preload,omitempty"`
}

// specificity scores a (from, to) rule pattern pair:
// both exact (2) > one exact (1) > both wildcard (0).
func specificity(from, to string) int {
	score := 0
	if from != Wildcard {
		score++
	}
	if to != Wildcard {
		score++
	}
	return score
}

func patternMatches(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}
