package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed is returned when appending to a closed sink.
var ErrSinkClosed = errors.New("event sink is closed")

// EventSink is the append-only, ordered audit log collaborator. The
// engine treats it as infallible on the happy path and logs-and-
// continues on failure rather than failing the workflow.
// Implementations must preserve append order per session and be safe
// for concurrent use across sessions.
type EventSink interface {
	// Append adds an event to a session's log.
	Append(ctx context.Context, sessionID string, event Event) error

	// Load retrieves all events for a session in append order.
	Load(ctx context.Context, sessionID string) ([]Event, error)

	// Close releases any resources held by the sink.
	Close() error
}

// MemorySink is an in-process EventSink (default, and for tests).
type MemorySink struct {
	mu     sync.RWMutex
	logs   map[string][]Event
	closed bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{logs: make(map[string][]Event)}
}

// Append adds an event to a session's log.
func (m *MemorySink) Append(ctx context.Context, sessionID string, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	m.logs[sessionID] = append(m.logs[sessionID], event)
	return nil
}

// Load retrieves all events for a session in append order.
func (m *MemorySink) Load(ctx context.Context, sessionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrSinkClosed
	}
	events := m.logs[sessionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

// Close marks the sink closed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
