// Package audit provides the structured audit sink the engine writes
// every decision-relevant event to: policy denials, checkpoint
// transitions, limit hits and validation failures are recorded here
// before they are surfaced to callers, so failures stay explainable
// after the fact.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for audit logging.
type Logger interface {
	Log(event *Event)
	Close() error
}

// InMemoryLogger stores audit events in memory (for testing).
type InMemoryLogger struct {
	events []Event
	mu     sync.RWMutex
}

// NewInMemoryLogger creates a new in-memory audit logger.
func NewInMemoryLogger() *InMemoryLogger {
	return &InMemoryLogger{events: make([]Event, 0)}
}

// Log records an audit event.
func (l *InMemoryLogger) Log(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
}

// Events returns a copy of all logged events.
func (l *InMemoryLogger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	return events
}

// EventsOfType returns logged events matching the given type.
func (l *InMemoryLogger) EventsOfType(eventType string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Close closes the audit logger.
func (l *InMemoryLogger) Close() error { return nil }

// JSONLogger writes audit events as JSON lines to stdout.
type JSONLogger struct {
	mu sync.Mutex
}

// NewJSONLogger creates a new JSON audit logger.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{}
}

// Log records an audit event as a JSON line.
func (l *JSONLogger) Log(event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal audit event: %v", err)
		return
	}
	fmt.Println(string(data))
}

// Close closes the audit logger.
func (l *JSONLogger) Close() error { return nil }

// NopLogger discards all events (for when auditing is disabled).
type NopLogger struct{}

// NewNopLogger creates a new no-op audit logger.
func NewNopLogger() *NopLogger { return &NopLogger{} }

// Log does nothing.
func (l *NopLogger) Log(event *Event) {}

// Close does nothing.
func (l *NopLogger) Close() error { return nil }
