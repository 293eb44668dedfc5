package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Waiter blocks until a checkpoint reaches a terminal state. It exists
// as an interface so the polling strategy can later be replaced by an
// event-driven wait without touching callers.
type Waiter interface {
	Await(ctx context.Context, id string) (Snapshot, error)
}

// PollWaiter polls with exponential backoff: interval starts at Start,
// multiplies by Factor each miss, and never exceeds Cap, so a
// suspended session consumes negligible CPU between polls.
type PollWaiter struct {
	Manager *Manager
	Start   time.Duration
	Cap     time.Duration
	Factor  float64
}

// NewPollWaiter creates a waiter with the default 200ms start, 5s cap
// and 1.5x growth.
func NewPollWaiter(m *Manager) *PollWaiter {
	return &PollWaiter{
		Manager: m,
		Start:   200 * time.Millisecond,
		Cap:     5 * time.Second,
		Factor:  1.5,
	}
}

// Await polls until the instance leaves pending or the context is
// cancelled. The timeout sweep, not the waiter, is responsible for
// applying deadline actions; the waiter just observes the transition.
func (w *PollWaiter) Await(ctx context.Context, id string) (Snapshot, error) {
	interval := w.Start
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	capInterval := w.Cap
	if capInterval <= 0 {
		capInterval = 5 * time.Second
	}
	factor := w.Factor
	if factor <= 1 {
		factor = 1.5
	}

	for {
		snap, ok := w.Manager.Get(id)
		if !ok {
			return Snapshot{}, fmt.Errorf("checkpoint %s: %s", id, OutcomeNotFound)
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * factor)
		if interval > capInterval {
			interval = capInterval
		}
	}
}
