package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLogger_RecordsAndFilters(t *testing.T) {
	l := NewInMemoryLogger()
	l.Log(&Event{EventType: "policy.invocation_denied", ActorID: "triage", Result: "denied"})
	l.Log(&Event{EventType: "checkpoint.created", SessionID: "s1", Result: "pending"})
	l.Log(&Event{EventType: "policy.invocation_denied", ActorID: "assessor", Result: "denied"})
	l.Log(nil)

	all := l.Events()
	require.Len(t, all, 3)
	for _, e := range all {
		assert.False(t, e.Timestamp.IsZero(), "timestamp must be filled")
	}

	denied := l.EventsOfType("policy.invocation_denied")
	require.Len(t, denied, 2)
	assert.Equal(t, "triage", denied[0].ActorID)

	assert.Empty(t, l.EventsOfType("workflow.validated"))
	assert.NoError(t, l.Close())
}

func TestInMemoryLogger_PreservesExplicitTimestamp(t *testing.T) {
	l := NewInMemoryLogger()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Log(&Event{EventType: "workflow.forced", Timestamp: at})

	assert.Equal(t, at, l.Events()[0].Timestamp)
}

func TestInMemoryLogger_ConcurrentWrites(t *testing.T) {
	l := NewInMemoryLogger()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Log(&Event{EventType: "agent.iteration", Action: "reason"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, l.Events(), 400)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Log(&Event{EventType: "anything"})
	assert.NoError(t, l.Close())
}
