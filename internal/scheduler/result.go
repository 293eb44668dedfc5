package scheduler

import (
	"time"

	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

// CompletionReason distinguishes a validated completion from a forced
// best-effort synthesis.
const (
	CompletionValidated = "validated"
	CompletionForced    = "forced"
	CompletionCancelled = "cancelled"
)

// Warnings attached to degraded results.
const (
	WarnMaxIterations     = "max_iterations_reached"
	WarnWallClock         = "wall_clock_exceeded"
	WarnInterrupted       = "run_interrupted"
	WarnTokenBudget       = "token_budget_exhausted"
	WarnIncompleteActors  = "incomplete_actor_contributions"
	WarnTriggerParse      = "unparsable_trigger_condition"
	WarnCheckpointReject  = "checkpoint_rejected"
	WarnValidationRefused = "self_declared_completion_rejected"
)

// Evidence attributes a share of the final result to one actor. The
// weights of a result always sum to 1.0.
type Evidence struct {
	ActorID string         `json:"actor_id"`
	Weight  float64        `json:"weight"`
	Output  map[string]any `json:"output,omitempty"`
}

// Result is the explainable outcome of a workflow run.
type Result struct {
	SessionID        string         `json:"session_id"`
	WorkflowID       string         `json:"workflow_id"`
	Status           session.Status `json:"status"`
	CompletionReason string         `json:"completion_reason"`
	Output           map[string]any `json:"output,omitempty"`
	Evidence         []Evidence     `json:"evidence,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	Iterations       int            `json:"iterations"`
	Tokens           int            `json:"tokens"`
	Elapsed          time.Duration  `json:"elapsed"`
}

// buildEvidence attributes weights proportional to each validated
// contribution's token usage, normalized to sum 1.0. When no tokens
// were recorded the split is equal.
func buildEvidence(records []session.AgentInvocationRecord) []Evidence {
	if len(records) == 0 {
		return nil
	}

	total := 0
	for _, rec := range records {
		total += rec.Tokens
	}

	evidence := make([]Evidence, 0, len(records))
	if total == 0 {
		share := 1.0 / float64(len(records))
		for _, rec := range records {
			evidence = append(evidence, Evidence{ActorID: rec.ActorID, Weight: share, Output: rec.Output})
		}
		return evidence
	}

	for _, rec := range records {
		evidence = append(evidence, Evidence{
			ActorID: rec.ActorID,
			Weight:  float64(rec.Tokens) / float64(total),
			Output:  rec.Output,
		})
	}
	return evidence
}

// mergeOutputs folds validated outputs into one map, later actors
// overwriting earlier ones on field collisions.
func mergeOutputs(records []session.AgentInvocationRecord) map[string]any {
	merged := map[string]any{}
	for _, rec := range records {
		for k, v := range rec.Output {
			merged[k] = v
		}
	}
	return merged
}
