package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the execution state of one workflow run. The scheduler
// goroutine driving the session is the only writer of its counters and
// records; the mutex exists for readers on other goroutines (status
// queries, cancellation).
type Session struct {
	ID         string
	WorkflowID string
	Input      string
	CreatedAt  time.Time

	mu       sync.RWMutex
	status   Status
	counters Counters
	records  []AgentInvocationRecord
	events   []Event
	sink     EventSink
}

// New creates a running session backed by the given event sink.
func New(workflowID, input string, sink EventSink) *Session {
	if sink == nil {
		sink = NewMemorySink()
	}
	s := &Session{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
		status:     StatusRunning,
		counters:   Counters{Invocations: make(map[string]int)},
		sink:       sink,
	}
	s.Append(EventWorkflowStarted, "", map[string]any{"workflow_id": workflowID})
	return s
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the session. Transitions out of a terminal
// state are ignored: the first terminal status wins.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
}

// Cancelled reports whether the session has been cancelled. Loops check
// this before starting an iteration and between checkpoint polls.
func (s *Session) Cancelled() bool {
	return s.Status() == StatusCancelled
}

// Append writes an event to the session log and the backing sink.
// Sink failures are logged and swallowed: durability is the sink's
// concern and must not fail the workflow.
func (s *Session) Append(eventType EventType, actorID string, data map[string]any) Event {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ActorID:   actorID,
		Data:      data,
	}

	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()

	if err := s.sink.Append(context.Background(), s.ID, event); err != nil {
		log.Printf("[SESSION] %s: event sink append failed: %v", s.ID, err)
	}
	return event
}

// Events returns a copy of the in-memory event log in append order.
func (s *Session) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Counters returns a snapshot of the session counters.
func (s *Session) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.counters
	snap.Invocations = make(map[string]int, len(s.counters.Invocations))
	for k, v := range s.counters.Invocations {
		snap.Invocations[k] = v
	}
	return snap
}

// AddIteration bumps the scheduler iteration counter.
func (s *Session) AddIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Iterations++
	return s.counters.Iterations
}

// AddInvocation bumps the per-actor invocation counter.
func (s *Session) AddInvocation(actorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Invocations[actorID]++
	return s.counters.Invocations[actorID]
}

// AddTokens accumulates reasoning token usage.
func (s *Session) AddTokens(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.counters.TokensConsumed += n
	}
	return s.counters.TokensConsumed
}

// AddCapabilityCall bumps the capability call counter.
func (s *Session) AddCapabilityCall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.CapabilityCalls++
}

// RecordInvocation appends a completed worker activation record.
func (s *Session) RecordInvocation(rec AgentInvocationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of all invocation records in order.
func (s *Session) Records() []AgentInvocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInvocationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// ValidatedRecords returns the records whose output passed schema
// validation, in activation order.
func (s *Session) ValidatedRecords() []AgentInvocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentInvocationRecord
	for _, r := range s.records {
		if r.Status == InvocationCompleted && r.Output != nil {
			out = append(out, r)
		}
	}
	return out
}

// LastOutput returns the most recent validated output, or nil.
func (s *Session) LastOutput() map[string]any {
	recs := s.ValidatedRecords()
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1].Output
}
