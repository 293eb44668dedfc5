// Package agentloop runs one worker's bounded reason-act-observe cycle.
// Each iteration compiles context, calls the reasoning provider, and
// either invokes a capability (feeding the result back as an
// observation) or declares done (validated against the actor's schema).
// The loop never fails the process; when a bound is hit it returns an
// incomplete result and lets the scheduler decide what that means.
package agentloop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/internal/contextpipe"
	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/audit"
	"github.com/svjt78/AgentMesh-sub000/pkg/capability"
	"github.com/svjt78/AgentMesh-sub000/pkg/observability"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

const (
	defaultMalformedLimit   = 3
	defaultSchemaRetryLimit = 2
)

// Reasons an invocation ends without a validated output.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonTokenBudget   = "token_budget"
	ReasonMalformed     = "malformed_responses"
	ReasonSchema        = "schema_validation"
	ReasonCancelled     = "cancelled"
)

// Config tunes the loop's secondary bounds.
type Config struct {
	// MalformedLimit is the number of unparsable provider responses
	// tolerated before early exit. Distinct from the iteration limit.
	MalformedLimit int
	// SchemaRetryLimit is how many failed output validations are
	// retried before the contribution is marked incomplete.
	SchemaRetryLimit int
}

// Result is what one worker activation produced. Output is nil when
// Incomplete is set; Reason then says which bound ended the loop.
type Result struct {
	ActorID      string
	FromActor    string
	Output       map[string]any
	Incomplete   bool
	Reason       string
	Iterations   int
	Tokens       int
	Malformed    int
	Observations []session.Observation
}

// Loop drives bounded reasoning for single actors. Safe for use by one
// session at a time per Invoke call; the loop itself holds no state
// across invocations.
type Loop struct {
	cfg      Config
	compiler *contextpipe.Compiler
	provider reasoning.Provider
	gateway  capability.Gateway
	policies *policy.Engine
	audit    audit.Logger
}

func New(cfg Config, compiler *contextpipe.Compiler, provider reasoning.Provider, gateway capability.Gateway, policies *policy.Engine, auditLogger audit.Logger) *Loop {
	if cfg.MalformedLimit <= 0 {
		cfg.MalformedLimit = defaultMalformedLimit
	}
	if cfg.SchemaRetryLimit <= 0 {
		cfg.SchemaRetryLimit = defaultSchemaRetryLimit
	}
	if auditLogger == nil {
		auditLogger = &audit.NopLogger{}
	}
	return &Loop{
		cfg:      cfg,
		compiler: compiler,
		provider: provider,
		gateway:  gateway,
		policies: policies,
		audit:    auditLogger,
	}
}

// Invoke runs the actor until it declares a valid output or a bound is
// hit. fromActor is the actor whose completed work triggered this one,
// empty for the first activation in a workflow.
func (l *Loop) Invoke(ctx context.Context, sess *session.Session, actor catalog.ActorDef, fromActor string) *Result {
	limits := l.policies.LimitsFor(actor.ID)
	maxIterations := limits.MaxIterations
	if actor.MaxIterations > 0 {
		maxIterations = actor.MaxIterations
	}
	tokenBudget := limits.TokenBudget
	if actor.MaxTokens > 0 {
		tokenBudget = actor.MaxTokens
	}
	iterTimeout := limits.IterationTimeout
	if actor.IterationTimeout.Duration > 0 {
		iterTimeout = actor.IterationTimeout.Duration
	}

	res := &Result{ActorID: actor.ID, FromActor: fromActor}
	schemaFailures := 0

	sess.Append(session.EventActorInvoked, actor.ID, map[string]any{"from": fromActor})

	for res.Iterations < maxIterations {
		if sess.Cancelled() || ctx.Err() != nil {
			return l.incomplete(sess, res, ReasonCancelled, "session cancelled")
		}
		res.Iterations++

		compiled, err := l.compiler.Compile(actor.ID, fromActor, l.rawState(sess, res.Observations))
		if err != nil {
			log.Printf("[AGENT] %s: compile failed: %v", actor.ID, err)
			continue
		}

		resp, err := l.callProvider(ctx, actor, compiled.Messages, iterTimeout)
		if err != nil {
			log.Printf("[AGENT] %s: iteration %d abandoned: %v", actor.ID, res.Iterations, err)
			l.audit.Log(&audit.Event{
				Timestamp: time.Now().UTC(),
				EventType: "agent.iteration_error",
				SessionID: sess.ID,
				ActorID:   actor.ID,
				Action:    "reasoning_call",
				Result:    "error",
				Error:     err.Error(),
			})
			continue
		}

		res.Tokens += resp.Usage.Tokens
		sess.AddTokens(resp.Usage.Tokens)

		// A call in flight when the session was cancelled finishes,
		// but its result is discarded before any action is taken.
		if sess.Cancelled() {
			return l.incomplete(sess, res, ReasonCancelled, "cancelled during reasoning call")
		}

		if tokenBudget > 0 && res.Tokens > tokenBudget {
			sess.Append(session.EventLimitExceeded, actor.ID, map[string]any{
				"limit": "token_budget", "budget": tokenBudget, "consumed": res.Tokens,
			})
			return l.incomplete(sess, res, ReasonTokenBudget,
				fmt.Sprintf("consumed %d of %d tokens", res.Tokens, tokenBudget))
		}

		act, err := parseAction(resp.Content)
		if err != nil {
			res.Malformed++
			log.Printf("[AGENT] %s: malformed response %d/%d: %v", actor.ID, res.Malformed, l.cfg.MalformedLimit, err)
			if res.Malformed >= l.cfg.MalformedLimit {
				sess.Append(session.EventLimitExceeded, actor.ID, map[string]any{
					"limit": "malformed_responses", "count": res.Malformed,
				})
				return l.incomplete(sess, res, ReasonMalformed,
					fmt.Sprintf("%d unparsable responses", res.Malformed))
			}
			continue
		}

		switch act.Action {
		case actionInvoke:
			res.Observations = append(res.Observations, l.invokeCapability(ctx, sess, actor, act))

		case actionDone:
			problems := validateOutput(actor.OutputSchema, actor.RequiredFields, act.Output)
			if len(problems) == 0 {
				res.Output = act.Output
				sess.Append(session.EventActorCompleted, actor.ID, map[string]any{
					"iterations": res.Iterations, "tokens": res.Tokens,
				})
				return res
			}

			schemaFailures++
			sess.Append(session.EventValidationFailed, actor.ID, map[string]any{
				"problems": problems, "attempt": schemaFailures,
			})
			l.audit.Log(&audit.Event{
				Timestamp: time.Now().UTC(),
				EventType: "agent.validation_failed",
				SessionID: sess.ID,
				ActorID:   actor.ID,
				Action:    "declare_done",
				Result:    "invalid",
				Error:     strings.Join(problems, "; "),
			})
			if schemaFailures > l.cfg.SchemaRetryLimit {
				return l.incomplete(sess, res, ReasonSchema, strings.Join(problems, "; "))
			}
			// Feed the problems back so the next iteration can fix them.
			res.Observations = append(res.Observations, session.Observation{
				CapabilityID: "output_validation",
				Success:      false,
				Error:        strings.Join(problems, "; "),
				Timestamp:    time.Now().UTC(),
			})
		}
	}

	sess.Append(session.EventLimitExceeded, actor.ID, map[string]any{
		"limit": "max_iterations", "max": maxIterations,
	})
	return l.incomplete(sess, res, ReasonMaxIterations,
		fmt.Sprintf("%d iterations exhausted", maxIterations))
}

func (l *Loop) callProvider(ctx context.Context, actor catalog.ActorDef, messages []reasoning.Message, timeout time.Duration) (*reasoning.Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt := actor.Prompt
	if prompt != "" {
		prompt += "\n\n"
	}
	full := append([]reasoning.Message{
		{Role: reasoning.RoleSystem, Content: prompt + actionProtocol},
	}, messages...)

	return l.provider.Call(ctx, full, reasoning.Params{Model: actor.Model})
}

// invokeCapability checks the policy allowlist and dispatches through
// the gateway. A denied invocation still burns the iteration but never
// reaches the gateway.
func (l *Loop) invokeCapability(ctx context.Context, sess *session.Session, actor catalog.ActorDef, act action) session.Observation {
	now := time.Now().UTC()

	if v := l.policies.CheckCapability(actor.ID, act.Capability); v != nil {
		sess.Append(session.EventPolicyViolation, actor.ID, map[string]any{
			"kind": string(v.Kind), "target": v.Target, "reason": v.Reason,
		})
		l.audit.Log(&audit.Event{
			Timestamp: now,
			EventType: "policy.capability_denied",
			SessionID: sess.ID,
			ActorID:   actor.ID,
			Resource:  act.Capability,
			Action:    "invoke",
			Result:    "denied",
			Error:     v.Reason,
		})
		observability.RecordPolicyDenial(string(v.Kind))
		return session.Observation{
			CapabilityID: act.Capability,
			Success:      false,
			Error:        "denied by policy: " + v.Reason,
			Timestamp:    now,
		}
	}

	sess.AddCapabilityCall()
	result, err := l.gateway.Invoke(ctx, act.Capability, act.Params)
	if err != nil {
		sess.Append(session.EventCapabilityCalled, actor.ID, map[string]any{
			"capability": act.Capability, "success": false, "error": err.Error(),
		})
		return session.Observation{
			CapabilityID: act.Capability,
			Success:      false,
			Error:        err.Error(),
			Timestamp:    now,
		}
	}

	sess.Append(session.EventCapabilityCalled, actor.ID, map[string]any{
		"capability": act.Capability, "success": result.Success,
	})
	return session.Observation{
		CapabilityID: act.Capability,
		Success:      result.Success,
		Output:       result.Output,
		Error:        result.Error,
		Timestamp:    now,
	}
}

func (l *Loop) rawState(sess *session.Session, observations []session.Observation) contextpipe.RawState {
	var outputs []contextpipe.PriorOutput
	for _, rec := range sess.ValidatedRecords() {
		outputs = append(outputs, contextpipe.PriorOutput{
			ActorID: rec.ActorID,
			Fields:  rec.Output,
			At:      rec.EndedAt,
		})
	}
	return contextpipe.RawState{
		SessionID:     sess.ID,
		OriginalInput: sess.Input,
		PriorOutputs:  outputs,
		Observations:  observations,
		Events:        sess.Events(),
		Preload:       true,
	}
}

func (l *Loop) incomplete(sess *session.Session, res *Result, reason, detail string) *Result {
	res.Incomplete = true
	res.Reason = reason
	log.Printf("[AGENT] %s: incomplete (%s): %s", res.ActorID, reason, detail)
	l.audit.Log(&audit.Event{
		Timestamp: time.Now().UTC(),
		EventType: "agent.incomplete",
		SessionID: sess.ID,
		ActorID:   res.ActorID,
		Action:    reason,
		Result:    "incomplete",
		Error:     detail,
	})
	return res
}
