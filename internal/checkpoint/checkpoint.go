// Package checkpoint manages the pause points where a workflow waits
// for a human decision. Instances transition exactly once from pending
// to a terminal state; a per-instance lock makes resolve, cancel and
// timeout-apply first-writer-wins, and a single background sweep
// applies timeout actions as synthetic resolutions authored by
// "system".
package checkpoint

import (
	"sync"
	"time"

	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
)

// Status is a checkpoint instance's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// SystemActor authors synthetic resolutions applied by the timeout sweep.
const SystemActor = "system"

// Resolution is the decision that closes a checkpoint.
type Resolution struct {
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	Comments    string         `json:"comments,omitempty"`
	DataUpdates map[string]any `json:"data_updates,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at"`
}

// Instance is one pause point awaiting resolution. The embedded mutex
// guards the read-modify-write of status; callers outside this package
// only see snapshots.
type Instance struct {
	ID           string
	SessionID    string
	Trigger      catalog.CheckpointTrigger
	RequiredRole string
	ContextData  map[string]any
	CreatedAt    time.Time
	Deadline     *time.Time

	mu         sync.Mutex
	status     Status
	resolution *Resolution
}

// Snapshot is an immutable view of an instance.
type Snapshot struct {
	ID           string                    `json:"id"`
	SessionID    string                    `json:"session_id"`
	Trigger      catalog.CheckpointTrigger `json:"trigger"`
	RequiredRole string                    `json:"required_role"`
	ContextData  map[string]any            `json:"context_data,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	Deadline     *time.Time                `json:"deadline,omitempty"`
	Status       Status                    `json:"status"`
	Resolution   *Resolution               `json:"resolution,omitempty"`
}

// snapshot captures current state under the instance lock.
func (i *Instance) snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := Snapshot{
		ID:           i.ID,
		SessionID:    i.SessionID,
		Trigger:      i.Trigger,
		RequiredRole: i.RequiredRole,
		ContextData:  i.ContextData,
		CreatedAt:    i.CreatedAt,
		Deadline:     i.Deadline,
		Status:       i.status,
	}
	if i.resolution != nil {
		r := *i.resolution
		snap.Resolution = &r
	}
	return snap
}

// transition atomically moves a pending instance to a terminal status.
// Returns false when another writer got there first.
func (i *Instance) transition(to Status, res *Resolution) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.Terminal() {
		return false
	}
	i.status = to
	i.resolution = res
	return true
}
