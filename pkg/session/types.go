// Package session holds the per-workflow execution state: status,
// original input, the ordered append-only event log, and the counters
// the bounded loops enforce their ceilings against. A session is owned
// by exactly one scheduler goroutine; only the checkpoint store and
// policy rule set are shared across sessions.
package session

import (
	"time"
)

// Status is a session's lifecycle state. Once it leaves StatusRunning
// the session is terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// EventType classifies an event-log entry.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow_started"
	EventIteration          EventType = "iteration"
	EventActorInvoked       EventType = "actor_invoked"
	EventActorCompleted     EventType = "actor_completed"
	EventCapabilityCalled   EventType = "capability_called"
	EventPolicyViolation    EventType = "policy_violation"
	EventCheckpointCreated  EventType = "checkpoint_created"
	EventCheckpointResolved EventType = "checkpoint_resolved"
	EventValidationFailed   EventType = "validation_failed"
	EventLimitExceeded      EventType = "limit_exceeded"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowCancelled  EventType = "workflow_cancelled"
	EventWorkflowFailed     EventType = "workflow_failed"
)

// Event is one entry in a session's ordered, append-only log.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Counters track a session's resource consumption. They only ever
// increase while the session is running.
type Counters struct {
	Iterations      int            `json:"iterations"`
	Invocations     map[string]int `json:"invocations"`
	TokensConsumed  int            `json:"tokens_consumed"`
	CapabilityCalls int            `json:"capability_calls"`
}

// InvocationStatus is the outcome of one worker activation.
type InvocationStatus string

const (
	InvocationCompleted  InvocationStatus = "completed"
	InvocationIncomplete InvocationStatus = "incomplete"
	InvocationFailed     InvocationStatus = "failed"
)

// AgentInvocationRecord captures one worker activation: who ran, on
// whose behalf, how many iterations it spent, and what it produced.
type AgentInvocationRecord struct {
	ActorID    string           `json:"actor_id"`
	FromActor  string           `json:"from_actor,omitempty"`
	Iterations int              `json:"iterations"`
	Output     map[string]any   `json:"output,omitempty"`
	Tokens     int              `json:"tokens"`
	Status     InvocationStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
}

// Observation is a capability result fed back into the next reasoning
// iteration.
type Observation struct {
	CapabilityID string         `json:"capability_id"`
	Success      bool           `json:"success"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
