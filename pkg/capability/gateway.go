// Package capability provides the gateway through which workers invoke
// capabilities ("tools"). The gateway contract is synchronous and owns
// no retry policy: the loop decides what a failed invocation means.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownCapability is returned when no handler is registered for
// the requested capability id.
var ErrUnknownCapability = errors.New("unknown capability")

// Result is the outcome of one capability invocation. A failed
// invocation is a Result with Success=false, not an error: the error
// return is reserved for gateway-level faults (unknown id, handler
// panic recovery is the handler's job).
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Gateway dispatches capability invocations.
type Gateway interface {
	Invoke(ctx context.Context, capabilityID string, params map[string]any) (*Result, error)
}

// Handler is the business logic behind one capability.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// LocalGateway dispatches to handler funcs registered in-process.
type LocalGateway struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalGateway creates an empty gateway.
func NewLocalGateway() *LocalGateway {
	return &LocalGateway{handlers: make(map[string]Handler)}
}

// Register installs a handler for a capability id, replacing any
// existing one.
func (g *LocalGateway) Register(capabilityID string, handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[capabilityID] = handler
}

// Invoke runs the registered handler. Handler errors become a
// Success=false result so the loop can feed them back as observations.
func (g *LocalGateway) Invoke(ctx context.Context, capabilityID string, params map[string]any) (*Result, error) {
	g.mu.RLock()
	handler, ok := g.handlers[capabilityID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capabilityID)
	}

	output, err := handler(ctx, params)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}
	return &Result{Success: true, Output: output}, nil
}
