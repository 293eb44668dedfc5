package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNew_LookupsAndOrdering(t *testing.T) {
	cat, err := New(
		[]ActorDef{{ID: "triage"}, {ID: "assessor"}},
		[]CapabilityDef{{ID: "claim_lookup"}},
		[]WorkflowDef{{ID: "claims", Actors: []string{"triage", "assessor"}}},
	)
	require.NoError(t, err)

	a, err := cat.Actor("triage")
	require.NoError(t, err)
	assert.Equal(t, "triage", a.ID)

	_, err = cat.Actor("ghost")
	assert.ErrorIs(t, err, ErrActorNotFound)

	_, err = cat.Capability("other")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)

	_, err = cat.Workflow("other")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	assert.Equal(t, []string{"assessor", "triage"}, cat.ActorIDs())
	assert.Equal(t, []string{"claims"}, cat.WorkflowIDs())
}

func TestNew_DuplicateAndMissingIDs(t *testing.T) {
	_, err := New([]ActorDef{{ID: "a"}, {ID: "a"}}, nil, nil)
	assert.ErrorContains(t, err, "duplicate actor id")

	_, err = New([]ActorDef{{}}, nil, nil)
	assert.ErrorContains(t, err, "actor id is required")

	_, err = New([]ActorDef{{ID: "a"}}, []CapabilityDef{{ID: "c"}, {ID: "c"}}, nil)
	assert.ErrorContains(t, err, "duplicate capability id")

	_, err = New([]ActorDef{{ID: "a"}}, nil, []WorkflowDef{{ID: "w", Actors: []string{"ghost"}}})
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestWorkflowDef_YAMLDurations(t *testing.T) {
	doc := `
id: claims
actors: [triage]
max_wall_clock: 5m
checkpoints:
  - point: after_actor
    actor_id: triage
    required_role: lead
    timeout: 90s
    on_timeout: auto_approve
`
	var wf WorkflowDef
	require.NoError(t, yaml.Unmarshal([]byte(doc), &wf))

	assert.Equal(t, 5*time.Minute, wf.MaxWallClock.Duration)
	require.Len(t, wf.Checkpoints, 1)
	assert.Equal(t, 90*time.Second, wf.Checkpoints[0].Timeout.Duration)
	assert.Equal(t, TriggerAfterActor, wf.Checkpoints[0].Point)
	assert.Equal(t, TimeoutAutoApprove, wf.Checkpoints[0].OnTimeout)
}
