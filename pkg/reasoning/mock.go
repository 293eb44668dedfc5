package reasoning

import (
	"context"
	"sync"
)

// MockProvider replays scripted responses in order (for tests and for
// running workflows without a live model). When the script runs out it
// repeats the final response.
type MockProvider struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     int

	// OnCall, when set, overrides the script entirely.
	OnCall func(ctx context.Context, messages []Message, params Params) (*Response, error)
}

// NewMockProvider creates a provider that replies with the given
// contents, charging tokensPerCall usage each time.
func NewMockProvider(tokensPerCall int, contents ...string) *MockProvider {
	responses := make([]Response, len(contents))
	for i, c := range contents {
		responses[i] = Response{Content: c, Usage: Usage{Tokens: tokensPerCall}}
	}
	return &MockProvider{responses: responses}
}

// Script appends a response/error pair to the script.
func (m *MockProvider) Script(resp Response, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errs = append(m.errs, err)
}

// Calls returns how many times Call was invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Call replays the next scripted response.
func (m *MockProvider) Call(ctx context.Context, messages []Message, params Params) (*Response, error) {
	if m.OnCall != nil {
		m.mu.Lock()
		m.calls++
		m.mu.Unlock()
		return m.OnCall(ctx, messages, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.calls
	m.calls++
	if len(m.responses) == 0 {
		return &Response{}, nil
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	resp := m.responses[idx]
	return &resp, nil
}
