package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/pkg/reasoning"
	"github.com/svjt78/AgentMesh-sub000/pkg/session"
)

// Decision is one scheduler step: either invoke actors or declare the
// workflow complete (subject to completion-criteria validation).
type Decision struct {
	Complete bool
	Invoke   []string
}

// Decider chooses the next scheduler step.
type Decider interface {
	Decide(ctx context.Context, sess *session.Session, wf catalog.WorkflowDef) Decision
}

// AdvisoryOrderDecider walks the workflow's advisory actor list in
// order, invoking the first actor that has not yet completed, and
// declares complete once all have. Deterministic, no model involved.
type AdvisoryOrderDecider struct{}

func (AdvisoryOrderDecider) Decide(ctx context.Context, sess *session.Session, wf catalog.WorkflowDef) Decision {
	done := map[string]bool{}
	for _, rec := range sess.ValidatedRecords() {
		done[rec.ActorID] = true
	}
	for _, actorID := range wf.Actors {
		if !done[actorID] {
			return Decision{Invoke: []string{actorID}}
		}
	}
	return Decision{Complete: true}
}

// ReasoningDecider asks the reasoning provider which actors to run
// next, falling back to advisory order when the answer is unusable.
type ReasoningDecider struct {
	Provider reasoning.Provider
	Model    string
	fallback AdvisoryOrderDecider
}

const deciderPrompt = `You coordinate a workflow of worker actors. Given the actors available,
those already completed, and the original task, answer with one JSON object:
  {"decide": "invoke", "actors": ["<id>", ...]}
or
  {"decide": "complete"}`

func (d *ReasoningDecider) Decide(ctx context.Context, sess *session.Session, wf catalog.WorkflowDef) Decision {
	completed := []string{}
	for _, rec := range sess.ValidatedRecords() {
		completed = append(completed, rec.ActorID)
	}

	state := fmt.Sprintf("Task: %s\nAvailable actors: %v\nCompleted: %v", sess.Input, wf.Actors, completed)
	resp, err := d.Provider.Call(ctx, []reasoning.Message{
		{Role: reasoning.RoleSystem, Content: deciderPrompt},
		{Role: reasoning.RoleUser, Content: state},
	}, reasoning.Params{Model: d.Model})
	if err != nil {
		log.Printf("[SCHEDULER] decider call failed, using advisory order: %v", err)
		return d.fallback.Decide(ctx, sess, wf)
	}
	sess.AddTokens(resp.Usage.Tokens)

	var parsed struct {
		Decide string   `json:"decide"`
		Actors []string `json:"actors"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		log.Printf("[SCHEDULER] unusable decider answer, using advisory order: %v", err)
		return d.fallback.Decide(ctx, sess, wf)
	}

	switch parsed.Decide {
	case "complete":
		return Decision{Complete: true}
	case "invoke":
		known := map[string]bool{}
		for _, id := range wf.Actors {
			known[id] = true
		}
		invoke := []string{}
		for _, id := range parsed.Actors {
			if known[id] {
				invoke = append(invoke, id)
			}
		}
		if len(invoke) > 0 {
			return Decision{Invoke: invoke}
		}
	}
	return d.fallback.Decide(ctx, sess, wf)
}
