package capability

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitedGateway wraps another Gateway with per-capability token
// bucket limits. Capabilities without an explicit limit pass through
// at the default rate; a zero default means unlimited.
type RateLimitedGateway struct {
	inner Gateway

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	defRate  rate.Limit
	defBurst int
}

// NewRateLimitedGateway wraps inner with a default per-capability
// limit of perSecond requests (burst size burst). perSecond <= 0
// disables the default limit.
func NewRateLimitedGateway(inner Gateway, perSecond float64, burst int) *RateLimitedGateway {
	defRate := rate.Inf
	if perSecond > 0 {
		defRate = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedGateway{
		inner:    inner,
		limiters: make(map[string]*rate.Limiter),
		defRate:  defRate,
		defBurst: burst,
	}
}

// SetLimit overrides the rate for one capability id.
func (g *RateLimitedGateway) SetLimit(capabilityID string, perSecond float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[capabilityID] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (g *RateLimitedGateway) limiter(capabilityID string) *rate.Limiter {
	g.mu.RLock()
	lim, ok := g.limiters[capabilityID]
	g.mu.RUnlock()
	if ok {
		return lim
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if lim, ok = g.limiters[capabilityID]; ok {
		return lim
	}
	lim = rate.NewLimiter(g.defRate, g.defBurst)
	g.limiters[capabilityID] = lim
	return lim
}

// Invoke blocks until the capability's limiter admits the call, then
// delegates. A context cancelled while waiting surfaces as an error.
func (g *RateLimitedGateway) Invoke(ctx context.Context, capabilityID string, params map[string]any) (*Result, error) {
	if err := g.limiter(capabilityID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", capabilityID, err)
	}
	return g.inner.Invoke(ctx, capabilityID, params)
}
