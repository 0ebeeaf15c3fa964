// Package entity implements the persistent entity model: entities carrying
// dynamic sets of typed components, dirty tracking, and the store that
// persists them atomically.
package entity

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

type componentState int

const (
	stateAdded componentState = iota
	stateUpdated
	stateRemoved
	stateLoaded
)

// Component is a typed record attached to exactly one entity.
type Component struct {
	ID        string
	EntityID  string
	TypeID    string
	Name      string
	Data      map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	state componentState
}

// Dirty reports whether the component has unsaved changes.
func (c *Component) Dirty() bool {
	return c.state == stateAdded || c.state == stateUpdated
}

// Path reads a dotted path (e.g. "address.city") from the component data.
func (c *Component) Path(path string) gjson.Result {
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}

// Entity is an opaque identifier with an attached component set. Entities
// are created in memory (unpersisted, dirty); Save makes them persisted and
// clean.
type Entity struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	persisted bool
	dirty     bool

	components map[string]*Component // live, keyed by type id
	removed    map[string]*Component // tombstoned until next save
}

// NewHandle returns a lightweight handle for a persisted entity. Components
// are lazy-loaded on demand.
func NewHandle(id string) *Entity {
	return &Entity{
		ID:         id,
		persisted:  true,
		components: make(map[string]*Component),
		removed:    make(map[string]*Component),
	}
}

// Persisted reports whether at least one save has committed.
func (e *Entity) Persisted() bool { return e.persisted }

// Dirty reports whether the entity has unsaved changes.
func (e *Entity) Dirty() bool { return e.dirty }

// Has reports whether a live component with the given type id is attached
// in memory.
func (e *Entity) Has(typeID string) bool {
	_, ok := e.components[typeID]
	return ok
}

// TypeIDs returns the type ids of all live in-memory components, sorted.
func (e *Entity) TypeIDs() []string {
	ids := make([]string, 0, len(e.components))
	for id := range e.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComponentByType returns the in-memory component with the given type id.
func (e *Entity) ComponentByType(typeID string) (*Component, bool) {
	c, ok := e.components[typeID]
	return c, ok
}

// Components returns all live in-memory components in type id order.
func (e *Entity) Components() []*Component {
	out := make([]*Component, 0, len(e.components))
	for _, id := range e.TypeIDs() {
		out = append(out, e.components[id])
	}
	return out
}

// attach inserts a component, replacing any tombstone for the same type.
func (e *Entity) attach(c *Component) {
	delete(e.removed, c.TypeID)
	e.components[c.TypeID] = c
	e.dirty = true
}

// tombstone moves a component to the removed set.
func (e *Entity) tombstone(c *Component) {
	delete(e.components, c.TypeID)
	c.state = stateRemoved
	e.removed[c.TypeID] = c
	e.dirty = true
}

// clearDirty is called after a successful save.
func (e *Entity) clearDirty(now time.Time) {
	for _, c := range e.components {
		if c.Dirty() {
			c.state = stateLoaded
			c.UpdatedAt = now
		}
	}
	e.removed = make(map[string]*Component)
	e.persisted = true
	e.dirty = false
	e.UpdatedAt = now
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
