package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActorDef describes a worker that runs a bounded reasoning loop.
type ActorDef struct {
	ID     string `yaml:"id"`
	Role   string `yaml:"role,omitempty"`
	Model  string `yaml:"model,omitempty"`
	Prompt string `yaml:"prompt,omitempty"`

	// OutputSchema declares the fields a validated output must carry.
	// Keys are field names, values are expected JSON types
	// ("string", "number", "bool", "object", "array", "any").
	OutputSchema map[string]string `yaml:"output_schema,omitempty"`

	// RequiredFields lists schema fields that must be present in a
	// validated output. Fields in OutputSchema but not listed here are
	// type-checked only when present.
	RequiredFields []string `yaml:"required_fields,omitempty"`

	// Per-actor overrides. Zero values fall back to engine defaults.
	MaxIterations    int      `yaml:"max_iterations,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`
	IterationTimeout Duration `yaml:"iteration_timeout,omitempty"`
}

// CapabilityDef describes an invokable capability ("tool").
type CapabilityDef struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	InputSchema map[string]string `yaml:"input_schema,omitempty"`
}

// TriggerPoint identifies where in the scheduler loop a checkpoint
// trigger is evaluated.
type TriggerPoint string

const (
	TriggerPreWorkflow      TriggerPoint = "pre_workflow"
	TriggerAfterActor       TriggerPoint = "after_actor"
	TriggerBeforeCompletion TriggerPoint = "before_completion"
)

// TimeoutAction is what the sweep applies when a checkpoint deadline
// passes without a human resolution.
type TimeoutAction string

const (
	TimeoutAutoApprove    TimeoutAction = "auto_approve"
	TimeoutAutoReject     TimeoutAction = "auto_reject"
	TimeoutCancelWorkflow TimeoutAction = "cancel_workflow"
	TimeoutUseDefault     TimeoutAction = "use_default"
)

// CheckpointTrigger configures a pause point in a workflow.
type CheckpointTrigger struct {
	Point TriggerPoint `yaml:"point"`

	// ActorID scopes an after_actor trigger to one worker.
	ActorID string `yaml:"actor_id,omitempty"`

	// Condition is a simple comparison ("field > value", dotted paths
	// allowed) evaluated against the last output or the original input.
	// Empty means always trigger.
	Condition string `yaml:"condition,omitempty"`

	RequiredRole string        `yaml:"required_role"`
	Timeout      Duration      `yaml:"timeout,omitempty"`
	OnTimeout    TimeoutAction `yaml:"on_timeout,omitempty"`

	// DefaultAction is applied when OnTimeout is "use_default".
	DefaultAction string `yaml:"default_action,omitempty"`
}

// CompletionCriteria is what a self-declared completion must satisfy
// before the scheduler trusts it.
type CompletionCriteria struct {
	RequiredActors       []string `yaml:"required_actors,omitempty"`
	MinActorCount        int      `yaml:"min_actor_count,omitempty"`
	RequiredOutputFields []string `yaml:"required_output_fields,omitempty"`
}

// WorkflowDef describes a workflow. The actor list is an advisory hint
// for scheduling order, not a DAG the engine validates.
type WorkflowDef struct {
	ID          string              `yaml:"id"`
	Description string              `yaml:"description,omitempty"`
	Actors      []string            `yaml:"actors"`
	Checkpoints []CheckpointTrigger `yaml:"checkpoints,omitempty"`
	Completion  CompletionCriteria  `yaml:"completion,omitempty"`

	// Workflow-level ceilings. Zero values fall back to engine defaults.
	MaxIterations int      `yaml:"max_iterations,omitempty"`
	MaxWallClock  Duration `yaml:"max_wall_clock,omitempty"`
	TokenBudget   int      `yaml:"token_budget,omitempty"`
}

// Duration wraps time.Duration for YAML text unmarshalling ("30s", "5m").
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// MarshalJSON keeps durations readable in serialized definitions.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}
