// Package hooks dispatches lifecycle callbacks for entity and component
// mutations, with priority ordering and component-aware targeting.
package hooks

import (
	"context"
	"time"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	EntityCreated    Kind = "entity.created"
	EntityUpdated    Kind = "entity.updated"
	EntityDeleted    Kind = "entity.deleted"
	ComponentAdded   Kind = "component.added"
	ComponentUpdated Kind = "component.updated"
	ComponentRemoved Kind = "component.removed"
)

// AllKinds lists every event kind, used for lifecycle hooks.
var AllKinds = []Kind{
	EntityCreated, EntityUpdated, EntityDeleted,
	ComponentAdded, ComponentUpdated, ComponentRemoved,
}

// Event carries the facts of a single mutation. EntityTypeIDs is the live
// component composition of the entity at emit time and is what component
// targeting matches against.
type Event struct {
	Kind          Kind
	EntityID      string
	EntityTypeIDs []string

	// Component events
	TypeID        string
	ComponentName string
	OldData       map[string]any
	NewData       map[string]any

	// entity.updated
	ChangedTypeIDs []string

	// entity.deleted
	IsSoftDelete bool

	Timestamp time.Time
}

// Func is a hook callback. Errors are recorded in metrics and never
// propagated to the emitter.
type Func func(ctx context.Context, evt Event) error

// Options configures a hook registration.
type Options struct {
	// Priority orders sync execution; higher runs first. Default 0.
	Priority int
	// Async hooks run concurrently after all sync hooks.
	Async bool
	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration
	// Name labels the hook in logs and metrics.
	Name string
	// Filter, when set, must return true for the hook to run.
	Filter func(Event) bool
	// Target pre-filters by entity component composition.
	Target *ComponentTarget
}

// Emitter is the narrow interface mutation sources use to fire events.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
	EmitBatch(ctx context.Context, evts []Event)
}
