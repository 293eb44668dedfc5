package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svjt78/AgentMesh-sub000/internal/agentloop"
	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/internal/checkpoint"
	"github.com/svjt78/AgentMesh-sub000/internal/contextpipe"
	"github.com/svjt78/AgentMesh-sub000/internal/policy"
	"github.com/svjt78/AgentMesh-sub000/pkg/capability"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

type fixture struct {
	scheduler   *Scheduler
	checkpoints *checkpoint.Manager
	sess        *session.Session
}

func newFixture(t *testing.T, provider reasoning.Provider, actors []catalog.ActorDef, wfDecider Decider, polCfg policy.Config) *fixture {
	t.Helper()

	if polCfg.CapabilityAllow == nil {
		polCfg.CapabilityAllow = map[string][]string{"*": {"*"}}
	}
	policies := policy.NewEngine(polCfg)

	compiler, err := contextpipe.New(contextpipe.Config{}, policies, nil, nil)
	require.NoError(t, err)

	loop := agentloop.New(agentloop.Config{}, compiler, provider, capability.NewLocalGateway(), policies, nil)

	checkpoints := checkpoint.NewManager(checkpoint.RoleConfig{AdminRoles: []string{"admin"}}, nil)
	waiter := &checkpoint.PollWaiter{Manager: checkpoints, Start: 5 * time.Millisecond, Cap: 20 * time.Millisecond, Factor: 2}

	var workflows []catalog.WorkflowDef
	cat, err := catalog.New(actors, nil, workflows)
	require.NoError(t, err)

	return &fixture{
		scheduler:   New(Config{}, cat, policies, loop, checkpoints, waiter, wfDecider, nil),
		checkpoints: checkpoints,
		sess:        session.New("wf", "assess claim 42", nil),
	}
}

func doneResponse(fields string) string {
	return `{"action": "declare_done", "output": ` + fields + `}`
}

func twoActors() []catalog.ActorDef {
	return []catalog.ActorDef{
		{ID: "triage", OutputSchema: map[string]string{"severity": "string"}, RequiredFields: []string{"severity"}},
		{ID: "assessor", OutputSchema: map[string]string{"verdict": "string"}, RequiredFields: []string{"verdict"}},
	}
}

func TestRun_ValidatedCompletion(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "high"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Completion: catalog.CompletionCriteria{
			RequiredActors:       []string{"triage", "assessor"},
			RequiredOutputFields: []string{"verdict"},
		},
	}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionValidated, res.CompletionReason)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, "approve", res.Output["verdict"])
	assert.Equal(t, "high", res.Output["severity"])
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Evidence, 2)
}

func TestRun_EvidenceWeightsSumToOne(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "low"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage", "assessor"}}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	sum := 0.0
	for _, ev := range res.Evidence {
		sum += ev.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

// invokeForever keeps asking for the same actor, never declaring
// complete, to exercise the duplicate-invocation and iteration bounds.
type invokeForever struct{ actorID string }

func (d invokeForever) Decide(ctx context.Context, sess *session.Session, wf catalog.WorkflowDef) Decision {
	return Decision{Invoke: []string{d.actorID}}
}

func TestRun_DuplicateInvocationLimit(t *testing.T) {
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "low"}`))

	f := newFixture(t, provider, twoActors(), invokeForever{"triage"}, policy.Config{
		Defaults: policy.Limits{MaxDuplicateInvocations: 2},
	})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage"}, MaxIterations: 5}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, 2, f.sess.Counters().Invocations["triage"],
		"third and later invocations must be denied")

	var duplicate bool
	for _, ev := range f.sess.Events() {
		if ev.Type == session.EventPolicyViolation {
			if kind, _ := ev.Data["kind"].(string); kind == string(policy.ViolationDuplicate) {
				duplicate = true
			}
		}
	}
	assert.True(t, duplicate, "duplicate-limit violation must be logged")
	assert.Equal(t, CompletionForced, res.CompletionReason)
}

func TestRun_ForcedSynthesisOnMaxIterations(t *testing.T) {
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "low"}`))

	f := newFixture(t, provider, twoActors(), invokeForever{"triage"}, policy.Config{
		Defaults: policy.Limits{MaxDuplicateInvocations: 100},
	})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage"}, MaxIterations: 3}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionForced, res.CompletionReason)
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Contains(t, res.Warnings, WarnMaxIterations)
	assert.Equal(t, "low", res.Output["severity"], "forced synthesis still carries partial outputs")
	assert.Equal(t, 3, res.Iterations)

	sum := 0.0
	for _, ev := range res.Evidence {
		sum += ev.Weight
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestRun_ForcedWithNoValidatedOutputFails(t *testing.T) {
	// The actor's output never carries its required field, so no
	// contribution validates and there is nothing to synthesize.
	provider := reasoning.NewMockProvider(10, doneResponse(`{"wrong": "field"}`))

	f := newFixture(t, provider, twoActors(), invokeForever{"triage"}, policy.Config{
		Defaults: policy.Limits{MaxDuplicateInvocations: 100},
	})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage"}, MaxIterations: 3}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionForced, res.CompletionReason)
	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, session.StatusFailed, f.sess.Status())
	assert.Empty(t, res.Output)
	assert.Empty(t, res.Evidence)
	assert.Contains(t, res.Warnings, WarnIncompleteActors)

	var failed bool
	for _, ev := range f.sess.Events() {
		if ev.Type == session.EventWorkflowFailed {
			failed = true
		}
	}
	assert.True(t, failed, "a forced end with zero validated output must be recorded as failure")
}

func TestRun_CompletionCriteriaRejectSelfDeclaration(t *testing.T) {
	// Both actors finish but never produce the required "verdict"
	// field, so completion validation keeps failing.
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "low"}`),
		doneResponse(`{"verdict": "approve"}`))

	actors := twoActors()
	f := newFixture(t, provider, actors, nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:            "claims",
		Actors:        []string{"triage"},
		MaxIterations: 4,
		Completion: catalog.CompletionCriteria{
			RequiredOutputFields: []string{"final_report"},
		},
	}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionForced, res.CompletionReason)
	assert.Contains(t, res.Warnings, WarnValidationRefused)
	assert.Contains(t, res.Warnings, WarnMaxIterations)
}

func TestRun_CheckpointApproveContinues(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "high"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{Point: catalog.TriggerAfterActor, ActorID: "triage", Condition: "severity == high", RequiredRole: "claims_lead"},
		},
	}

	go resolveWhenPending(t, f, "approve", "claims_lead")

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionValidated, res.CompletionReason)

	var created, resolved bool
	for _, ev := range f.sess.Events() {
		switch ev.Type {
		case session.EventCheckpointCreated:
			created = true
		case session.EventCheckpointResolved:
			resolved = true
		}
	}
	assert.True(t, created)
	assert.True(t, resolved)
}

func TestRun_CheckpointConditionNotMetSkipsPause(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "low"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{Point: catalog.TriggerAfterActor, ActorID: "triage", Condition: "severity == high", RequiredRole: "claims_lead"},
		},
	}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionValidated, res.CompletionReason)
	for _, ev := range f.sess.Events() {
		assert.NotEqual(t, session.EventCheckpointCreated, ev.Type)
	}
}

func TestRun_CheckpointCancelWorkflow(t *testing.T) {
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "high"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{Point: catalog.TriggerAfterActor, ActorID: "triage", RequiredRole: "claims_lead"},
		},
	}

	go resolveWhenPending(t, f, "cancel", "claims_lead")

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionCancelled, res.CompletionReason)
	assert.Equal(t, session.StatusCancelled, res.Status)
	assert.Equal(t, session.StatusCancelled, f.sess.Status())
}

func TestRun_CheckpointTimeoutAutoApprove(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "high"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	require.NoError(t, f.checkpoints.StartSweep(10*time.Millisecond))
	defer f.checkpoints.StopSweep()

	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{
				Point:        catalog.TriggerAfterActor,
				ActorID:      "triage",
				RequiredRole: "claims_lead",
				Timeout:      catalog.Duration{Duration: 50 * time.Millisecond},
				OnTimeout:    catalog.TimeoutAutoApprove,
			},
		},
	}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionValidated, res.CompletionReason)

	var sawTimeout bool
	for _, ev := range f.sess.Events() {
		if ev.Type == session.EventCheckpointResolved {
			if status, _ := ev.Data["status"].(string); status == string(checkpoint.StatusTimeout) {
				sawTimeout = true
				assert.Equal(t, string(catalog.TimeoutAutoApprove), ev.Data["action"])
			}
		}
	}
	assert.True(t, sawTimeout, "sweep must apply the timeout action as a synthetic resolution")
}

func TestRun_UnparsableTriggerAlwaysFiresWithWarning(t *testing.T) {
	provider := reasoning.NewMockProvider(10,
		doneResponse(`{"severity": "high"}`),
		doneResponse(`{"verdict": "approve"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{Point: catalog.TriggerPreWorkflow, Condition: "severity roughly high", RequiredRole: "claims_lead"},
		},
	}

	go resolveWhenPending(t, f, "approve", "claims_lead")

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Contains(t, res.Warnings, WarnTriggerParse)

	var created bool
	for _, ev := range f.sess.Events() {
		if ev.Type == session.EventCheckpointCreated {
			created = true
		}
	}
	assert.True(t, created, "an unparsable condition must fail toward triggering")
}

func TestRun_CancelledSessionDuringCheckpointWait(t *testing.T) {
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "high"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{
		ID:     "claims",
		Actors: []string{"triage", "assessor"},
		Checkpoints: []catalog.CheckpointTrigger{
			{Point: catalog.TriggerAfterActor, ActorID: "triage", RequiredRole: "claims_lead"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForPending(f)
		f.sess.SetStatus(session.StatusCancelled)
		cancel()
	}()

	res := f.scheduler.Run(ctx, wf, f.sess)

	assert.Equal(t, CompletionCancelled, res.CompletionReason)
	assert.Equal(t, session.StatusCancelled, res.Status)
}

func TestRun_WallClockExpiryWarnsWallClock(t *testing.T) {
	provider := &reasoning.MockProvider{
		OnCall: func(ctx context.Context, messages []reasoning.Message, params reasoning.Params) (*reasoning.Response, error) {
			time.Sleep(5 * time.Millisecond)
			return &reasoning.Response{
				Content: doneResponse(`{"severity": "low"}`),
				Usage:   reasoning.Usage{Tokens: 10},
			}, nil
		},
	}

	f := newFixture(t, provider, twoActors(), invokeForever{"triage"}, policy.Config{
		Defaults: policy.Limits{MaxDuplicateInvocations: 100000},
	})
	wf := catalog.WorkflowDef{
		ID:            "claims",
		Actors:        []string{"triage"},
		MaxIterations: 100000,
		MaxWallClock:  catalog.Duration{Duration: 20 * time.Millisecond},
	}

	res := f.scheduler.Run(context.Background(), wf, f.sess)

	assert.Equal(t, CompletionForced, res.CompletionReason)
	assert.Contains(t, res.Warnings, WarnWallClock)
	assert.NotContains(t, res.Warnings, WarnInterrupted)
}

func TestRun_ExternalCancelWarnsInterruptedNotWallClock(t *testing.T) {
	// The caller tears down its context without cancelling the
	// session and without any wall clock configured.
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "low"}`))

	f := newFixture(t, provider, twoActors(), nil, policy.Config{})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage"}, MaxIterations: 3}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.scheduler.Run(ctx, wf, f.sess)

	assert.Equal(t, CompletionForced, res.CompletionReason)
	assert.Contains(t, res.Warnings, WarnInterrupted)
	assert.NotContains(t, res.Warnings, WarnWallClock)
}

func TestRun_IterationsNeverExceedMax(t *testing.T) {
	provider := reasoning.NewMockProvider(10, doneResponse(`{"severity": "low"}`))

	f := newFixture(t, provider, twoActors(), invokeForever{"triage"}, policy.Config{
		Defaults: policy.Limits{MaxDuplicateInvocations: 100},
	})
	wf := catalog.WorkflowDef{ID: "claims", Actors: []string{"triage"}, MaxIterations: 6}

	f.scheduler.Run(context.Background(), wf, f.sess)

	assert.LessOrEqual(t, f.sess.Counters().Iterations, 6)
}

func waitForPending(f *fixture) checkpoint.Snapshot {
	for {
		pending := f.checkpoints.Pending(f.sess.ID)
		if len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func resolveWhenPending(t *testing.T, f *fixture, action, role string) {
	t.Helper()
	snap := waitForPending(f)
	outcome := f.checkpoints.Resolve(snap.ID, checkpoint.Resolution{Action: action, ActorID: "tester"}, role)
	assert.Equal(t, checkpoint.OutcomeOK, outcome)
}
