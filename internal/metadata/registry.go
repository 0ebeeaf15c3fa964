package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/R3E-Network/entity_layer/internal/core"
)

// TypeID computes the stable type id for a component class name: the
// lowercase hex SHA-256 of the name. Same name, same id, forever.
func TypeID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Registry is the central directory of component classes and archetypes.
// Writes are serialized; after registration completes the registry is
// read-mostly.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*ComponentClass
	byTypeID   map[string]*ComponentClass
	typeIDs    map[string]string // name -> type id, write-once
	archetypes map[string]*ArchetypeMeta
	archOrder  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*ComponentClass),
		byTypeID:   make(map[string]*ComponentClass),
		typeIDs:    make(map[string]string),
		archetypes: make(map[string]*ArchetypeMeta),
	}
}

// RegisterComponent interns a component class and returns its type id.
// Registration is idempotent: the same name with the same field set is a
// no-op; a divergent field set fails with MetadataConflictError.
func (r *Registry) RegisterComponent(class ComponentClass) (string, error) {
	if class.Name == "" {
		return "", core.NewValidationError("name", "is required")
	}
	if len(class.Fields) == 0 {
		return "", core.NewValidationError("fields", "component class requires at least one field")
	}
	seen := make(map[string]bool, len(class.Fields))
	for _, f := range class.Fields {
		if f.Key == "" {
			return "", core.NewValidationError("fields", "field key is required")
		}
		if seen[f.Key] {
			return "", core.NewValidationError(f.Key, "duplicate field key")
		}
		seen[f.Key] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[class.Name]; ok {
		if !sameFields(existing.Fields, class.Fields) {
			return "", &core.MetadataConflictError{Name: class.Name}
		}
		return r.typeIDs[class.Name], nil
	}

	id := TypeID(class.Name)
	stored := class
	stored.Fields = append([]Field(nil), class.Fields...)
	stored.Indexes = append([]IndexSpec(nil), class.Indexes...)

	r.byName[class.Name] = &stored
	r.byTypeID[id] = &stored
	r.typeIDs[class.Name] = id
	return id, nil
}

func sameFields(a, b []Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Kind != b[i].Kind || a[i].Nullable != b[i].Nullable {
			return false
		}
	}
	return true
}

// ComponentByName returns the class registered under name.
func (r *Registry) ComponentByName(name string) (*ComponentClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// ComponentByTypeID returns the class registered under the given type id.
func (r *Registry) ComponentByTypeID(id string) (*ComponentClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTypeID[id]
	return c, ok
}

// ComponentTypeID returns the type id assigned to name.
func (r *Registry) ComponentTypeID(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.typeIDs[name]
	return id, ok
}

// Properties returns the field descriptors of the class with the given
// type id.
func (r *Registry) Properties(typeID string) ([]Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTypeID[typeID]
	if !ok {
		return nil, core.NewNotFoundError("component", typeID)
	}
	return append([]Field(nil), c.Fields...), nil
}

// IndexedFields returns the keys of all indexed fields of the class with
// the given type id.
func (r *Registry) IndexedFields(typeID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byTypeID[typeID]
	if !ok {
		return nil, core.NewNotFoundError("component", typeID)
	}
	var keys []string
	for _, f := range c.Fields {
		if f.Indexed {
			keys = append(keys, f.Key)
		}
	}
	return keys, nil
}

// Components returns all registered classes in name order.
func (r *Registry) Components() []*ComponentClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ComponentClass, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterArchetype interns archetype metadata. Component references must
// already be registered.
func (r *Registry) RegisterArchetype(meta ArchetypeMeta) error {
	if meta.Name == "" {
		return core.NewValidationError("name", "is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for field, className := range meta.Components {
		if _, ok := r.byName[className]; !ok {
			return fmt.Errorf("archetype %q field %q: %w", meta.Name, field,
				core.NewNotFoundError("component", className))
		}
	}
	for field, candidates := range meta.Unions {
		for _, className := range candidates {
			if _, ok := r.byName[className]; !ok {
				return fmt.Errorf("archetype %q union %q: %w", meta.Name, field,
					core.NewNotFoundError("component", className))
			}
		}
	}

	if _, ok := r.archetypes[meta.Name]; ok {
		return &core.MetadataConflictError{Name: meta.Name}
	}
	stored := meta
	r.archetypes[meta.Name] = &stored
	r.archOrder = append(r.archOrder, meta.Name)
	return nil
}

// Archetype returns the metadata registered under name.
func (r *Registry) Archetype(name string) (*ArchetypeMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.archetypes[name]
	return a, ok
}

// Archetypes returns all registered archetype metadata in registration order.
func (r *Registry) Archetypes() []*ArchetypeMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ArchetypeMeta, 0, len(r.archOrder))
	for _, name := range r.archOrder {
		out = append(out, r.archetypes[name])
	}
	return out
}
