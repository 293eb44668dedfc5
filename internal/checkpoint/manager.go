package checkpoint

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/svjt78/AgentMesh-sub000/internal/catalog"
	"github.com/svjt78/AgentMesh-sub000/pkg/audit"
)

// Outcome is the typed result of a resolve or cancel attempt. The
// three denial cases are distinct so callers can react differently.
type Outcome string

const (
	OutcomeOK              Outcome = "ok"
	OutcomeDeniedRole      Outcome = "denied_role"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeNotFound        Outcome = "not_found"
)

// RoleConfig controls who may resolve a checkpoint besides an exact
// role match.
type RoleConfig struct {
	// AdminRoles hold an administrative override for any checkpoint.
	AdminRoles []string
	// Delegates maps a required role to the roles allowed to act in its
	// stead.
	Delegates map[string][]string
}

// Manager is the concurrent store of checkpoint instances shared by
// all sessions in the process.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	roles RoleConfig
	audit audit.Logger

	sweep *Sweeper
}

// NewManager creates a checkpoint manager. A nil audit logger is
// replaced with a no-op one.
func NewManager(roles RoleConfig, auditLogger audit.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	m := &Manager{
		instances: make(map[string]*Instance),
		roles:     roles,
		audit:     auditLogger,
	}
	m.sweep = newSweeper(m)
	return m
}

// Create registers a pending checkpoint for a session, deriving the
// deadline from the trigger's timeout when set.
func (m *Manager) Create(sessionID string, trigger catalog.CheckpointTrigger, contextData map[string]any) Snapshot {
	now := time.Now().UTC()
	inst := &Instance{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Trigger:      trigger,
		RequiredRole: trigger.RequiredRole,
		ContextData:  contextData,
		CreatedAt:    now,
		status:       StatusPending,
	}
	if trigger.Timeout.Duration > 0 {
		deadline := now.Add(trigger.Timeout.Duration)
		inst.Deadline = &deadline
	}

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	m.audit.Log(&audit.Event{
		EventType: "checkpoint.created",
		SessionID: sessionID,
		Resource:  inst.ID,
		Action:    "create",
		Result:    string(StatusPending),
		Metadata:  map[string]any{"point": string(trigger.Point), "required_role": trigger.RequiredRole},
	})

	return inst.snapshot()
}

// Get returns a snapshot of an instance.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return inst.snapshot(), true
}

// Pending returns snapshots of all pending instances, optionally
// filtered by session id ("" = all).
func (m *Manager) Pending(sessionID string) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, inst := range m.instances {
		snap := inst.snapshot()
		if snap.Status != StatusPending {
			continue
		}
		if sessionID != "" && snap.SessionID != sessionID {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Resolve applies a human resolution. The first writer wins: a
// concurrent resolve, cancel or timeout that got there first yields
// OutcomeAlreadyResolved.
func (m *Manager) Resolve(id string, res Resolution, requesterRole string) Outcome {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return OutcomeNotFound
	}

	if !m.roleAuthorized(inst.RequiredRole, requesterRole) {
		m.audit.Log(&audit.Event{
			EventType: "checkpoint.resolve",
			SessionID: inst.SessionID,
			ActorID:   res.ActorID,
			Resource:  id,
			Action:    res.Action,
			Result:    string(OutcomeDeniedRole),
			Metadata:  map[string]any{"requester_role": requesterRole, "required_role": inst.RequiredRole},
		})
		return OutcomeDeniedRole
	}

	res.ActorRole = requesterRole
	res.ResolvedAt = time.Now().UTC()
	if !inst.transition(StatusResolved, &res) {
		return OutcomeAlreadyResolved
	}

	m.audit.Log(&audit.Event{
		EventType: "checkpoint.resolve",
		SessionID: inst.SessionID,
		ActorID:   res.ActorID,
		Resource:  id,
		Action:    res.Action,
		Result:    string(OutcomeOK),
	})
	return OutcomeOK
}

// Cancel terminates a pending checkpoint without a decision. Subject to
// the same role enforcement and first-writer-wins rule as Resolve.
func (m *Manager) Cancel(id string, requesterRole string) Outcome {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return OutcomeNotFound
	}

	if !m.roleAuthorized(inst.RequiredRole, requesterRole) {
		return OutcomeDeniedRole
	}

	if !inst.transition(StatusCancelled, nil) {
		return OutcomeAlreadyResolved
	}

	m.audit.Log(&audit.Event{
		EventType: "checkpoint.cancel",
		SessionID: inst.SessionID,
		Resource:  id,
		Action:    "cancel",
		Result:    string(OutcomeOK),
	})
	return OutcomeOK
}

// applyTimeout moves a pending instance whose deadline has passed to
// the timeout status, recording the trigger's configured action as a
// synthetic resolution by "system".
func (m *Manager) applyTimeout(inst *Instance) bool {
	action := inst.Trigger.OnTimeout
	if action == "" {
		action = catalog.TimeoutAutoReject
	}
	resolvedAction := string(action)
	if action == catalog.TimeoutUseDefault {
		resolvedAction = inst.Trigger.DefaultAction
	}

	res := &Resolution{
		Action:     resolvedAction,
		ActorID:    SystemActor,
		ActorRole:  SystemActor,
		Comments:   "deadline passed",
		ResolvedAt: time.Now().UTC(),
	}
	if !inst.transition(StatusTimeout, res) {
		return false
	}

	log.Printf("[CHECKPOINT] %s timed out, applied action %q", inst.ID, resolvedAction)
	m.audit.Log(&audit.Event{
		EventType: "checkpoint.timeout",
		SessionID: inst.SessionID,
		ActorID:   SystemActor,
		Resource:  inst.ID,
		Action:    resolvedAction,
		Result:    string(StatusTimeout),
	})
	return true
}

// SweepOnce scans all pending instances and applies timeout actions to
// those past deadline. Returns how many were timed out. The background
// sweeper calls this on its interval; tests call it directly.
func (m *Manager) SweepOnce() int {
	now := time.Now().UTC()

	m.mu.RLock()
	candidates := make([]*Instance, 0)
	for _, inst := range m.instances {
		snap := inst.snapshot()
		if snap.Status == StatusPending && snap.Deadline != nil && snap.Deadline.Before(now) {
			candidates = append(candidates, inst)
		}
	}
	m.mu.RUnlock()

	timedOut := 0
	for _, inst := range candidates {
		if m.applyTimeout(inst) {
			timedOut++
		}
	}
	return timedOut
}

// StartSweep begins the background timeout sweep at the given interval.
func (m *Manager) StartSweep(interval time.Duration) error {
	return m.sweep.Start(interval)
}

// StopSweep halts the background sweep.
func (m *Manager) StopSweep() {
	m.sweep.Stop()
}

// roleAuthorized implements the role check: exact match, administrative
// override, or listed delegate.
func (m *Manager) roleAuthorized(required, requester string) bool {
	if requester == required {
		return true
	}
	for _, admin := range m.roles.AdminRoles {
		if requester == admin {
			return true
		}
	}
	for _, delegate := range m.roles.Delegates[required] {
		if requester == delegate {
			return true
		}
	}
	return false
}
