// Package catalog holds the closed set of actor, capability and
// workflow definitions an engine dispatches against. Definitions are
// loaded once at engine construction and immutable afterwards; dispatch
// is lookup-by-id, never reflection.
package catalog

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrActorNotFound is returned when an actor id is not in the catalog.
	ErrActorNotFound = errors.New("actor not found")
	// ErrCapabilityNotFound is returned when a capability id is not in the catalog.
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrWorkflowNotFound is returned when a workflow id is not in the catalog.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// Catalog is an immutable in-memory registry of definitions.
type Catalog struct {
	actors       map[string]ActorDef
	capabilities map[string]CapabilityDef
	workflows    map[string]WorkflowDef
}

// New builds a catalog from definition slices. Duplicate ids are an error.
func New(actors []ActorDef, capabilities []CapabilityDef, workflows []WorkflowDef) (*Catalog, error) {
	c := &Catalog{
		actors:       make(map[string]ActorDef, len(actors)),
		capabilities: make(map[string]CapabilityDef, len(capabilities)),
		workflows:    make(map[string]WorkflowDef, len(workflows)),
	}

	for _, a := range actors {
		if a.ID == "" {
			return nil, errors.New("actor id is required")
		}
		if _, dup := c.actors[a.ID]; dup {
			return nil, fmt.Errorf("duplicate actor id: %s", a.ID)
		}
		c.actors[a.ID] = a
	}

	for _, cap := range capabilities {
		if cap.ID == "" {
			return nil, errors.New("capability id is required")
		}
		if _, dup := c.capabilities[cap.ID]; dup {
			return nil, fmt.Errorf("duplicate capability id: %s", cap.ID)
		}
		c.capabilities[cap.ID] = cap
	}

	for _, w := range workflows {
		if w.ID == "" {
			return nil, errors.New("workflow id is required")
		}
		if _, dup := c.workflows[w.ID]; dup {
			return nil, fmt.Errorf("duplicate workflow id: %s", w.ID)
		}
		for _, actorID := range w.Actors {
			if _, ok := c.actors[actorID]; !ok {
				return nil, fmt.Errorf("workflow %s references unknown actor %s: %w", w.ID, actorID, ErrActorNotFound)
			}
		}
		c.workflows[w.ID] = w
	}

	return c, nil
}

// Actor looks up an actor definition by id.
func (c *Catalog) Actor(id string) (ActorDef, error) {
	a, ok := c.actors[id]
	if !ok {
		return ActorDef{}, fmt.Errorf("%w: %s", ErrActorNotFound, id)
	}
	return a, nil
}

// Capability looks up a capability definition by id.
func (c *Catalog) Capability(id string) (CapabilityDef, error) {
	cap, ok := c.capabilities[id]
	if !ok {
		return CapabilityDef{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, id)
	}
	return cap, nil
}

// Workflow looks up a workflow definition by id.
func (c *Catalog) Workflow(id string) (WorkflowDef, error) {
	w, ok := c.workflows[id]
	if !ok {
		return WorkflowDef{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return w, nil
}

// ActorIDs returns all actor ids in sorted order.
func (c *Catalog) ActorIDs() []string {
	ids := make([]string, 0, len(c.actors))
	for id := range c.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WorkflowIDs returns all workflow ids in sorted order.
func (c *Catalog) WorkflowIDs() []string {
	ids := make([]string, 0, len(c.workflows))
	for id := range c.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
