// Package scheduler runs the top-level bounded workflow loop: decide
// which workers to invoke, pause at configured checkpoints, validate
// self-declared completion, and assemble the final explainable result.
// The loop has two ways out, in priority order: a completion that
// passes the workflow's criteria, or a forced best-effort synthesis
// once a ceiling is hit. The forced path never errors; it degrades
// with explicit warnings on the result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/svjt78/AgentMesh-sub000/internal/agentloop"
	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/internal/checkpoint"
	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/audit"
	"github.com/svjt78/AgentMesh-sub000/pkg/observability"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

const defaultMaxIterations = 10

// Config sets workflow-level ceilings used when a workflow definition
// does not override them.
type Config struct {
	MaxIterations int
	MaxWallClock  time.Duration
	TokenBudget   int
}

// Scheduler owns the workflow loop. One Run per session at a time; the
// reasoning calls it drives are strictly sequential within a session.
type Scheduler struct {
	cfg         Config
	catalog     *catalog.Catalog
	policies    *policy.Engine
	loop        *agentloop.Loop
	checkpoints *checkpoint.Manager
	waiter      checkpoint.Waiter
	decider     Decider
	audit       audit.Logger
}

func New(cfg Config, cat *catalog.Catalog, policies *policy.Engine, loop *agentloop.Loop, checkpoints *checkpoint.Manager, waiter checkpoint.Waiter, decider Decider, auditLogger audit.Logger) *Scheduler {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if waiter == nil {
		waiter = checkpoint.NewPollWaiter(checkpoints)
	}
	if decider == nil {
		decider = AdvisoryOrderDecider{}
	}
	if auditLogger == nil {
		auditLogger = &audit.NopLogger{}
	}
	return &Scheduler{
		cfg:         cfg,
		catalog:     cat,
		policies:    policies,
		loop:        loop,
		checkpoints: checkpoints,
		waiter:      waiter,
		decider:     decider,
		audit:       auditLogger,
	}
}

// run threads the per-execution loop state.
type run struct {
	wf       catalog.WorkflowDef
	sess     *session.Session
	conds    []*condition
	fired    []bool
	warnings []string
	started  time.Time
}

// Run executes the workflow to a terminal result. It never returns an
// error: a run that cannot reach a validated completion still yields a
// best-effort result with completionReason "forced".
func (s *Scheduler) Run(ctx context.Context, wf catalog.WorkflowDef, sess *session.Session) *Result {
	r := &run{wf: wf, sess: sess, started: time.Now()}

	maxIterations := wf.MaxIterations
	if maxIterations <= 0 {
		maxIterations = s.cfg.MaxIterations
	}
	tokenBudget := wf.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = s.cfg.TokenBudget
	}
	wallClock := wf.MaxWallClock.Duration
	if wallClock <= 0 {
		wallClock = s.cfg.MaxWallClock
	}
	if wallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wallClock)
		defer cancel()
	}

	s.parseTriggers(r)

	if stop, res := s.runCheckpoints(ctx, r, catalog.TriggerPreWorkflow, ""); stop {
		return res
	}

	lastActor := ""
	for sess.Counters().Iterations < maxIterations {
		if sess.Cancelled() {
			return s.cancelled(r)
		}
		if ctx.Err() != nil {
			r.warn(ctxWarning(ctx))
			return s.forced(r)
		}
		if tokenBudget > 0 && sess.Counters().TokensConsumed >= tokenBudget {
			sess.Append(session.EventLimitExceeded, "", map[string]any{
				"limit": "token_budget", "budget": tokenBudget,
			})
			r.warn(WarnTokenBudget)
			return s.forced(r)
		}

		iteration := sess.AddIteration()
		sess.Append(session.EventIteration, "", map[string]any{"iteration": iteration})
		observability.RecordIteration(wf.ID)

		decision := s.decider.Decide(ctx, sess, wf)
		if decision.Complete {
			if stop, res := s.runCheckpoints(ctx, r, catalog.TriggerBeforeCompletion, ""); stop {
				return res
			}
			missing := s.validateCompletion(wf, sess)
			if len(missing) == 0 {
				return s.completed(r)
			}
			// Self-declared completion is not trusted; keep looping.
			sess.Append(session.EventValidationFailed, "", map[string]any{"missing": missing})
			r.warn(WarnValidationRefused)
			log.Printf("[SCHEDULER] %s: completion rejected: %v", sess.ID, missing)
			continue
		}

		for _, target := range decision.Invoke {
			stop, res := s.invokeActor(ctx, r, target, &lastActor)
			if stop {
				return res
			}
		}
	}

	sess.Append(session.EventLimitExceeded, "", map[string]any{
		"limit": "max_iterations", "max": maxIterations,
	})
	r.warn(WarnMaxIterations)
	return s.forced(r)
}

// invokeActor gates one invocation through policy, runs the agent
// loop, and evaluates after-actor checkpoints.
func (s *Scheduler) invokeActor(ctx context.Context, r *run, target string, lastActor *string) (bool, *Result) {
	sess := r.sess

	if v := s.policies.CheckInvocation(*lastActor, target, sess.Counters().Invocations); v != nil {
		sess.Append(session.EventPolicyViolation, target, map[string]any{
			"kind": string(v.Kind), "actor": v.Actor, "reason": v.Reason,
		})
		s.audit.Log(&audit.Event{
			Timestamp: time.Now().UTC(),
			EventType: "policy.invocation_denied",
			SessionID: sess.ID,
			ActorID:   v.Actor,
			Resource:  target,
			Action:    "invoke",
			Result:    "denied",
			Error:     v.Reason,
		})
		observability.RecordPolicyDenial(string(v.Kind))
		log.Printf("[SCHEDULER] %s: invocation of %s denied: %s", sess.ID, target, v.Reason)
		return false, nil
	}

	actorDef, err := s.catalog.Actor(target)
	if err != nil {
		log.Printf("[SCHEDULER] %s: unknown actor %s, skipping", sess.ID, target)
		return false, nil
	}

	sess.AddInvocation(target)
	started := time.Now().UTC()
	loopRes := s.loop.Invoke(ctx, sess, actorDef, *lastActor)

	rec := session.AgentInvocationRecord{
		ActorID:    target,
		FromActor:  *lastActor,
		Iterations: loopRes.Iterations,
		Output:     loopRes.Output,
		Tokens:     loopRes.Tokens,
		Status:     session.InvocationCompleted,
		StartedAt:  started,
		EndedAt:    time.Now().UTC(),
	}
	if loopRes.Incomplete {
		rec.Status = session.InvocationIncomplete
		r.warn(WarnIncompleteActors)
	} else {
		*lastActor = target
	}
	sess.RecordInvocation(rec)
	observability.RecordActorInvocation(target, string(rec.Status), loopRes.Tokens)

	return s.runCheckpoints(ctx, r, catalog.TriggerAfterActor, target)
}

// parseTriggers compiles every checkpoint condition once. A condition
// that fails to parse degrades to always-trigger with a warning.
func (s *Scheduler) parseTriggers(r *run) {
	r.conds = make([]*condition, len(r.wf.Checkpoints))
	r.fired = make([]bool, len(r.wf.Checkpoints))
	for i, tr := range r.wf.Checkpoints {
		cond, err := parseCondition(tr.Condition)
		if err != nil {
			log.Printf("[SCHEDULER] workflow %s: %v, treating as always-trigger", r.wf.ID, err)
			r.sess.Append(session.EventValidationFailed, "", map[string]any{
				"trigger_condition": tr.Condition, "error": err.Error(),
			})
			r.warn(WarnTriggerParse)
			cond = alwaysTrigger
		}
		r.conds[i] = cond
	}
}

// runCheckpoints evaluates every trigger bound to the given point,
// creating and awaiting an instance for each that fires. Each trigger
// fires at most once per run. Returns a terminal result when a
// resolution ends the workflow.
func (s *Scheduler) runCheckpoints(ctx context.Context, r *run, point catalog.TriggerPoint, actorID string) (bool, *Result) {
	sess := r.sess

	for i, tr := range r.wf.Checkpoints {
		if tr.Point != point || r.fired[i] {
			continue
		}
		if point == catalog.TriggerAfterActor && tr.ActorID != "" && tr.ActorID != actorID {
			continue
		}

		state := s.conditionState(sess)
		if !r.conds[i].evaluate(state) {
			continue
		}
		r.fired[i] = true

		snap := s.checkpoints.Create(sess.ID, tr, state)
		sess.Append(session.EventCheckpointCreated, actorID, map[string]any{
			"checkpoint_id": snap.ID, "point": string(point), "role": tr.RequiredRole,
		})
		log.Printf("[SCHEDULER] %s: paused at checkpoint %s (%s)", sess.ID, snap.ID, point)

		waitStart := time.Now()
		resolved, err := s.waiter.Await(ctx, snap.ID)
		if err != nil {
			// Workflow ceiling or cancellation fired while suspended.
			s.checkpoints.Cancel(snap.ID, tr.RequiredRole)
			if sess.Cancelled() {
				return true, s.cancelled(r)
			}
			r.warn(ctxWarning(ctx))
			return true, s.forced(r)
		}

		observability.RecordCheckpoint(string(resolved.Status), time.Since(waitStart))

		action := ""
		if resolved.Resolution != nil {
			action = resolved.Resolution.Action
		}
		sess.Append(session.EventCheckpointResolved, actorID, map[string]any{
			"checkpoint_id": snap.ID, "action": action, "status": string(resolved.Status),
		})

		switch action {
		case string(catalog.TimeoutCancelWorkflow), "cancel":
			return true, s.cancelled(r)
		case string(catalog.TimeoutAutoReject), "reject":
			r.warn(WarnCheckpointReject)
		}
	}
	return false, nil
}

// conditionState is what trigger conditions see: the last validated
// output's fields plus the original input under "input".
func (s *Scheduler) conditionState(sess *session.Session) map[string]any {
	state := map[string]any{"input": sess.Input}
	for k, v := range sess.LastOutput() {
		state[k] = v
	}
	return state
}

// validateCompletion returns what a self-declared completion is still
// missing; empty means the criteria hold.
func (s *Scheduler) validateCompletion(wf catalog.WorkflowDef, sess *session.Session) []string {
	var missing []string
	records := sess.ValidatedRecords()

	executed := map[string]bool{}
	for _, rec := range records {
		executed[rec.ActorID] = true
	}
	for _, required := range wf.Completion.RequiredActors {
		if !executed[required] {
			missing = append(missing, "actor "+required+" has not completed")
		}
	}

	if wf.Completion.MinActorCount > 0 && len(records) < wf.Completion.MinActorCount {
		missing = append(missing, fmt.Sprintf("only %d of %d required actor contributions",
			len(records), wf.Completion.MinActorCount))
	}

	merged := mergeOutputs(records)
	for _, field := range wf.Completion.RequiredOutputFields {
		if _, ok := merged[field]; !ok {
			missing = append(missing, "output field "+field+" missing")
		}
	}
	return missing
}

func (s *Scheduler) completed(r *run) *Result {
	r.sess.SetStatus(session.StatusCompleted)
	r.sess.Append(session.EventWorkflowCompleted, "", map[string]any{"reason": CompletionValidated})
	return s.result(r, session.StatusCompleted, CompletionValidated)
}

// forced assembles a best-effort result from whatever validated
// outputs exist. This path never errors, but with zero validated
// contributions there is nothing to synthesize and the run is failed.
func (s *Scheduler) forced(r *run) *Result {
	status := session.StatusCompleted
	event := session.EventWorkflowCompleted
	if len(r.sess.ValidatedRecords()) == 0 {
		status = session.StatusFailed
		event = session.EventWorkflowFailed
	}
	r.sess.SetStatus(status)
	r.sess.Append(event, "", map[string]any{
		"reason": CompletionForced, "warnings": r.warnings,
	})
	log.Printf("[SCHEDULER] %s: forced completion (%s) with warnings %v", r.sess.ID, status, r.warnings)
	return s.result(r, status, CompletionForced)
}

func (s *Scheduler) cancelled(r *run) *Result {
	r.sess.SetStatus(session.StatusCancelled)
	r.sess.Append(session.EventWorkflowCancelled, "", nil)
	return s.result(r, session.StatusCancelled, CompletionCancelled)
}

func (s *Scheduler) result(r *run, status session.Status, reason string) *Result {
	records := r.sess.ValidatedRecords()
	counters := r.sess.Counters()

	res := &Result{
		SessionID:        r.sess.ID,
		WorkflowID:       r.wf.ID,
		Status:           status,
		CompletionReason: reason,
		Output:           mergeOutputs(records),
		Evidence:         buildEvidence(records),
		Warnings:         r.warnings,
		Iterations:       counters.Iterations,
		Tokens:           counters.TokensConsumed,
		Elapsed:          time.Since(r.started),
	}
	observability.RecordWorkflow(r.wf.ID, reason, res.Elapsed)

	s.audit.Log(&audit.Event{
		Timestamp: time.Now().UTC(),
		EventType: "workflow." + reason,
		SessionID: r.sess.ID,
		Action:    "complete",
		Result:    string(status),
		Metadata: map[string]any{
			"iterations": res.Iterations,
			"tokens":     res.Tokens,
			"warnings":   res.Warnings,
		},
	})
	return res
}

// ctxWarning names the cause of a dead context: the wall clock for a
// deadline, interruption for a cancelled parent.
func ctxWarning(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return WarnInterrupted
	}
	return WarnWallClock
}

func (r *run) warn(w string) {
	for _, existing := range r.warnings {
		if existing == w {
			return
		}
	}
	r.warnings = append(r.warnings, w)
}
