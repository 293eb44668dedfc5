package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_CountersMonotonic(t *testing.T) {
	s := New("wf-1", "input", nil)

	prev := s.Counters()
	for i := 0; i < 5; i++ {
		s.AddIteration()
		s.AddInvocation("analyst")
		s.AddTokens(100)
		s.AddCapabilityCall()

		cur := s.Counters()
		assert.Greater(t, cur.Iterations, prev.Iterations)
		assert.GreaterOrEqual(t, cur.Invocations["analyst"], prev.Invocations["analyst"])
		assert.Greater(t, cur.TokensConsumed, prev.TokensConsumed)
		assert.Greater(t, cur.CapabilityCalls, prev.CapabilityCalls)
		prev = cur
	}
}

func TestSession_AddTokensIgnoresNegative(t *testing.T) {
	s := New("wf-1", "input", nil)
	s.AddTokens(50)
	s.AddTokens(-10)
	assert.Equal(t, 50, s.Counters().TokensConsumed)
}

func TestSession_TerminalStatusSticks(t *testing.T) {
	s := New("wf-1", "input", nil)
	require.Equal(t, StatusRunning, s.Status())

	s.SetStatus(StatusCancelled)
	assert.Equal(t, StatusCancelled, s.Status())
	assert.True(t, s.Cancelled())

	// First terminal status wins; later transitions are ignored.
	s.SetStatus(StatusCompleted)
	assert.Equal(t, StatusCancelled, s.Status())
}

func TestSession_EventOrderPreserved(t *testing.T) {
	s := New("wf-1", "input", nil)
	s.Append(EventIteration, "", map[string]any{"n": 1})
	s.Append(EventActorInvoked, "analyst", nil)
	s.Append(EventActorCompleted, "analyst", nil)

	events := s.Events()
	require.Len(t, events, 4) // workflow_started + 3
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, EventIteration, events[1].Type)
	assert.Equal(t, EventActorInvoked, events[2].Type)
	assert.Equal(t, EventActorCompleted, events[3].Type)
}

func TestSession_ValidatedRecords(t *testing.T) {
	s := New("wf-1", "input", nil)
	s.RecordInvocation(AgentInvocationRecord{
		ActorID: "analyst",
		Status:  InvocationCompleted,
		Output:  map[string]any{"score": 0.8},
	})
	s.RecordInvocation(AgentInvocationRecord{
		ActorID: "reviewer",
		Status:  InvocationIncomplete,
	})

	validated := s.ValidatedRecords()
	require.Len(t, validated, 1)
	assert.Equal(t, "analyst", validated[0].ActorID)

	last := s.LastOutput()
	require.NotNil(t, last)
	assert.Equal(t, 0.8, last["score"])
}

func TestManager_CreateGetCancel(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("wf-1", "input")

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, m.Cancel(s.ID))
	assert.True(t, s.Cancelled())
	assert.Empty(t, m.Active())
}
