package session

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Manager tracks active sessions across the process. Any number of
// sessions may run concurrently; the manager only guards its own map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	sink     EventSink
}

// NewManager creates a manager whose sessions append to the given sink.
func NewManager(sink EventSink) *Manager {
	if sink == nil {
		sink = NewMemorySink()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		sink:     sink,
	}
}

// Create starts a new running session for a workflow.
func (m *Manager) Create(workflowID, input string) *Session {
	s := New(workflowID, input, m.sink)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Cancel marks a session cancelled. The owning loop observes the flag
// before its next iteration or checkpoint poll and exits without
// further side effects beyond logging.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.SetStatus(StatusCancelled)
	s.Append(EventWorkflowCancelled, "", nil)
	return nil
}

// Active returns the ids of sessions still in StatusRunning.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Status() == StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sink exposes the manager's event sink (for engine-level replay).
func (m *Manager) Sink() EventSink { return m.sink }
